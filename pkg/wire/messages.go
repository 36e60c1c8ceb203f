package wire

// InitGamePayload is sent to both players once a session starts, and again
// as the current snapshot on reconnect.
type InitGamePayload struct {
	Color      string `json:"color"`
	GameID     string `json:"game_id"`
	PlayerID   string `json:"player_id"`
	FEN        string `json:"fen"`
	MoveCount  int    `json:"move_count"`
	WhiteClock int    `json:"white_clock"`
	BlackClock int    `json:"black_clock"`
	Opponent   string `json:"opponent,omitempty"`
	Resumed    bool   `json:"resumed,omitempty"`
}

// MovePayload carries a candidate move inbound and the applied move outbound.
type MovePayload struct {
	Move      string `json:"move"`
	SAN       string `json:"san,omitempty"`
	FEN       string `json:"fen,omitempty"`
	MoveCount int    `json:"move_count,omitempty"`
	Check     bool   `json:"check,omitempty"`
}

// ClockPayload is the per-second clock snapshot.
type ClockPayload struct {
	WhiteClock int    `json:"white_clock"`
	BlackClock int    `json:"black_clock"`
	ActiveSide string `json:"active_side"`
}

// GameOverPayload is emitted exactly once per player when a session ends.
type GameOverPayload struct {
	Winner    string `json:"winner"` // "white" | "black" | "" on draw
	Reason    string `json:"reason"`
	FEN       string `json:"fen"`
	MoveCount int    `json:"move_count"`
}

// ChatPayload carries an in-session chat line.
type ChatPayload struct {
	Text   string `json:"text"`
	Sender string `json:"sender,omitempty"`
}

// ReconnectPayload identifies a returning player.
type ReconnectPayload struct {
	PlayerID string `json:"player_id"`
}

// NoticePayload is a generic human-readable notice (INVALID_MOVE, ERROR).
type NoticePayload struct {
	Message string `json:"message"`
}

// DrawOfferedPayload tells a player the opponent proposed a draw.
type DrawOfferedPayload struct {
	From string `json:"from"` // offering side's color
}
