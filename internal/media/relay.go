package media

import (
	"context"
	"encoding/json"

	"github.com/park285/chess-arena/internal/obslog"
	"github.com/park285/chess-arena/pkg/wire"
	"go.uber.org/zap"
)

// Relay answers the media-setup handshake (router capabilities, transport
// creation, produce/consume), keyed by the requesting player's session.
// Peer-to-peer signaling does not pass through here; sessions forward that
// directly.
type Relay interface {
	HandleSetup(ctx context.Context, sessionID, kind string, payload json.RawMessage) (wire.Envelope, error)
}

// NopRelay satisfies clients that probe for an SFU without running one.
// Every setup request gets an empty acknowledgment of the same kind, which
// pushes the client onto its direct peer-to-peer path.
type NopRelay struct{}

func (NopRelay) HandleSetup(ctx context.Context, sessionID, kind string, payload json.RawMessage) (wire.Envelope, error) {
	obslog.L().Debug("media_setup_noop",
		zap.String("session_id", sessionID),
		zap.String("kind", kind),
	)
	return wire.Envelope{Type: kind, Payload: json.RawMessage(`{}`)}, nil
}
