package wire

import "encoding/json"

// Envelope is the frame exchanged over a player connection in both
// directions: a type tag plus an opaque payload.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Inbound message types.
const (
	TypeInitGame  = "INIT_GAME"
	TypeMove      = "MOVE"
	TypeMessage   = "MESSAGE"
	TypeResign    = "RESIGN"
	TypeOfferDraw = "OFFER_DRAW"
	TypeReconnect = "RECONNECT"
)

// Signaling message types, relayed between the two players of a session
// without interpretation.
const (
	TypeWebRTCOffer  = "WEBRTC_OFFER"
	TypeWebRTCAnswer = "WEBRTC_ANSWER"
	TypeICECandidate = "ICE_CANDIDATE"
)

// Media transport setup types, forwarded opaquely to the media collaborator
// keyed by session id.
const (
	TypeGetRouterRTPCapabilities = "GET_ROUTER_RTP_CAPABILITIES"
	TypeCreateTransport          = "CREATE_TRANSPORT"
	TypeConnectTransport         = "CONNECT_TRANSPORT"
	TypeProduce                  = "PRODUCE"
	TypeConsume                  = "CONSUME"
	TypeResume                   = "RESUME"
)

// Outbound notice types.
const (
	TypeClockUpdate = "CLOCK_UPDATE"
	TypeInvalidMove = "INVALID_MOVE"
	TypeNotYourTurn = "NOT_YOUR_TURN"
	TypeGameOver    = "GAME_OVER"
	TypeDrawOffered = "DRAW_OFFERED"
	TypeError       = "ERROR"
)

// IsSignaling reports whether t is one of the three relayed signaling kinds.
func IsSignaling(t string) bool {
	return t == TypeWebRTCOffer || t == TypeWebRTCAnswer || t == TypeICECandidate
}

// IsMediaSetup reports whether t is a media transport setup kind.
func IsMediaSetup(t string) bool {
	switch t {
	case TypeGetRouterRTPCapabilities, TypeCreateTransport, TypeConnectTransport,
		TypeProduce, TypeConsume, TypeResume:
		return true
	}
	return false
}

// Make builds an envelope with a JSON-marshaled payload. Marshal failures
// cannot happen for the fixed payload structs in this package, so they are
// swallowed into an empty payload.
func Make(t string, payload any) Envelope {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{Type: t}
	}
	return Envelope{Type: t, Payload: raw}
}
