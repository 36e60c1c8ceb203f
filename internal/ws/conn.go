package ws

import (
	"context"
	"sync"
	"time"

	"github.com/park285/chess-arena/pkg/wire"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const writeTimeout = 5 * time.Second

// Conn wraps one accepted websocket and serializes writes. Sessions and the
// dispatcher may send concurrently, and the underlying socket allows only
// one writer at a time.
type Conn struct {
	c *websocket.Conn

	writeM    sync.Mutex
	closeOnce sync.Once
}

func newConn(c *websocket.Conn) *Conn {
	return &Conn{c: c}
}

func (c *Conn) Send(ctx context.Context, env wire.Envelope) error {
	c.writeM.Lock()
	defer c.writeM.Unlock()
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(wctx, c.c, env)
}

func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		_ = c.c.Close(websocket.StatusNormalClosure, "close")
	})
}
