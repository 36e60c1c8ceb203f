package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/park285/chess-arena/internal/match"
	"github.com/park285/chess-arena/internal/media"
	"github.com/park285/chess-arena/internal/rules"
	"github.com/park285/chess-arena/internal/session"
	"github.com/park285/chess-arena/internal/store"
	"github.com/park285/chess-arena/pkg/wire"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func newTestServer(t *testing.T) (*httptest.Server, *match.Matchmaker) {
	t.Helper()
	return newTestServerWithRelay(t, media.NopRelay{})
}

func newTestServerWithRelay(t *testing.T, relay media.Relay) (*httptest.Server, *match.Matchmaker) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })
	st, err := store.NewStore(fmt.Sprintf("redis://%s/0", mr.Addr()))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	reg := session.NewRegistry(rules.NewChessOracle(), st, session.Config{
		TimeControl: 10 * time.Minute,
		Grace:       200 * time.Millisecond,
		OfferRetry:  50 * time.Millisecond,
		Retention:   time.Minute,
	})
	mm := match.New(reg, st)
	ts := httptest.NewServer(NewServer(reg, mm, relay).Handler())
	t.Cleanup(ts.Close)
	return ts, mm
}

func dial(t *testing.T, ts *httptest.Server, playerID, name string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?player_id=" + playerID + "&name=" + name
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", playerID, err)
	}
	t.Cleanup(func() { _ = c.Close(websocket.StatusNormalClosure, "test done") })
	return c
}

// readUntil drains frames until one of the wanted type arrives, skipping
// clock ticks and other interleaved notices.
func readUntil(t *testing.T, c *websocket.Conn, msgType string) wire.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		var env wire.Envelope
		if err := wsjson.Read(ctx, c, &env); err != nil {
			t.Fatalf("waiting for %s: %v", msgType, err)
		}
		if env.Type == msgType {
			return env
		}
	}
}

func send(t *testing.T, c *websocket.Conn, env wire.Envelope) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, c, env); err != nil {
		t.Fatalf("send %s: %v", env.Type, err)
	}
}

func waitWaiting(t *testing.T, mm *match.Matchmaker, playerID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if mm.Waiting() == playerID {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("player %s never reached the waiting slot", playerID)
}

func TestPairingAndMoveOverWebSocket(t *testing.T) {
	ts, mm := newTestServer(t)

	c1 := dial(t, ts, "p1", "Alice")
	send(t, c1, wire.Envelope{Type: wire.TypeInitGame})
	waitWaiting(t, mm, "p1")

	c2 := dial(t, ts, "p2", "Bob")
	send(t, c2, wire.Envelope{Type: wire.TypeInitGame})

	e1 := readUntil(t, c1, wire.TypeInitGame)
	var p1 wire.InitGamePayload
	_ = json.Unmarshal(e1.Payload, &p1)
	if p1.Color != "white" || p1.Opponent != "Bob" {
		t.Fatalf("unexpected init for p1: %+v", p1)
	}
	e2 := readUntil(t, c2, wire.TypeInitGame)
	var p2 wire.InitGamePayload
	_ = json.Unmarshal(e2.Payload, &p2)
	if p2.Color != "black" || p2.GameID != p1.GameID {
		t.Fatalf("unexpected init for p2: %+v", p2)
	}

	send(t, c1, wire.Make(wire.TypeMove, wire.MovePayload{Move: "e2e4"}))
	m2 := readUntil(t, c2, wire.TypeMove)
	var mp wire.MovePayload
	_ = json.Unmarshal(m2.Payload, &mp)
	if mp.Move != "e2e4" || mp.MoveCount != 1 {
		t.Fatalf("unexpected move seen by black: %+v", mp)
	}
	readUntil(t, c1, wire.TypeMove)
}

func TestResignOverWebSocket(t *testing.T) {
	ts, mm := newTestServer(t)

	c1 := dial(t, ts, "p1", "Alice")
	send(t, c1, wire.Envelope{Type: wire.TypeInitGame})
	waitWaiting(t, mm, "p1")
	c2 := dial(t, ts, "p2", "Bob")
	send(t, c2, wire.Envelope{Type: wire.TypeInitGame})
	readUntil(t, c1, wire.TypeInitGame)
	readUntil(t, c2, wire.TypeInitGame)

	send(t, c2, wire.Envelope{Type: wire.TypeResign})
	over := readUntil(t, c1, wire.TypeGameOver)
	var gp wire.GameOverPayload
	_ = json.Unmarshal(over.Payload, &gp)
	if gp.Winner != "white" || gp.Reason != "resignation" {
		t.Fatalf("unexpected game over: %+v", gp)
	}
}

func TestSignalingRelayOverWebSocket(t *testing.T) {
	ts, mm := newTestServer(t)

	c1 := dial(t, ts, "p1", "Alice")
	send(t, c1, wire.Envelope{Type: wire.TypeInitGame})
	waitWaiting(t, mm, "p1")
	c2 := dial(t, ts, "p2", "Bob")
	send(t, c2, wire.Envelope{Type: wire.TypeInitGame})
	readUntil(t, c1, wire.TypeInitGame)
	readUntil(t, c2, wire.TypeInitGame)

	send(t, c1, wire.Envelope{Type: wire.TypeWebRTCOffer, Payload: json.RawMessage(`{"sdp":"x"}`)})
	env := readUntil(t, c2, wire.TypeWebRTCOffer)
	if string(env.Payload) != `{"sdp":"x"}` {
		t.Fatalf("offer payload altered in transit: %s", env.Payload)
	}
}

func TestMediaSetupAcknowledged(t *testing.T) {
	ts, _ := newTestServer(t)

	c1 := dial(t, ts, "p1", "Alice")
	send(t, c1, wire.Envelope{Type: wire.TypeGetRouterRTPCapabilities})
	env := readUntil(t, c1, wire.TypeGetRouterRTPCapabilities)
	if string(env.Payload) != `{}` {
		t.Fatalf("expected empty ack, got %s", env.Payload)
	}
}

type recordingRelay struct {
	mu       sync.Mutex
	sessions []string
}

func (r *recordingRelay) HandleSetup(ctx context.Context, sessionID, kind string, payload json.RawMessage) (wire.Envelope, error) {
	r.mu.Lock()
	r.sessions = append(r.sessions, sessionID)
	r.mu.Unlock()
	return wire.Envelope{Type: kind, Payload: json.RawMessage(`{}`)}, nil
}

func (r *recordingRelay) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.sessions...)
}

func TestMediaSetupKeyedBySession(t *testing.T) {
	relay := &recordingRelay{}
	ts, mm := newTestServerWithRelay(t, relay)

	c1 := dial(t, ts, "p1", "Alice")
	send(t, c1, wire.Envelope{Type: wire.TypeInitGame})
	waitWaiting(t, mm, "p1")
	c2 := dial(t, ts, "p2", "Bob")
	send(t, c2, wire.Envelope{Type: wire.TypeInitGame})
	e1 := readUntil(t, c1, wire.TypeInitGame)
	var ip wire.InitGamePayload
	_ = json.Unmarshal(e1.Payload, &ip)
	readUntil(t, c2, wire.TypeInitGame)

	send(t, c1, wire.Envelope{Type: wire.TypeCreateTransport, Payload: json.RawMessage(`{"dir":"send"}`)})
	readUntil(t, c1, wire.TypeCreateTransport)

	seen := relay.seen()
	if len(seen) != 1 || seen[0] != ip.GameID {
		t.Fatalf("relay keyed by %v, want [%s]", seen, ip.GameID)
	}
}

func TestUnknownTypeGetsError(t *testing.T) {
	ts, _ := newTestServer(t)

	c1 := dial(t, ts, "p1", "Alice")
	send(t, c1, wire.Envelope{Type: "BOGUS"})
	readUntil(t, c1, wire.TypeError)
}
