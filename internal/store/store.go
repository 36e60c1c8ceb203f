package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const ttlSession = 24 * time.Hour

// SessionRecord mirrors the persisted per-session hash. It carries every
// field needed to rebuild a live session after a crash or restart.
type SessionRecord struct {
	ID         string
	WhiteID    string
	WhiteName  string
	BlackID    string
	BlackName  string
	FEN        string
	MovesUCI   []string
	MoveCount  int
	Active     bool
	WhiteClock int
	BlackClock int
	Winner     string
	Reason     string
}

// Store is the Redis-backed persistence layer: session hashes, per-side
// buffered offer lists, player links, and the matchmaker pending slot.
type Store struct {
	rdb *redis.Client
}

func NewStore(redisURL string) (*Store, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("REDIS_URL required for store")
	}
	opts, err := parseRedisURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Store{rdb: rdb}, nil
}

func (s *Store) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

func gameKey(id string) string { return "arena:game:" + strings.TrimSpace(id) }
func offersKey(id, side string) string {
	return gameKey(id) + ":offers:" + strings.TrimSpace(side)
}
func playerKey(id string) string { return "arena:player:" + strings.TrimSpace(id) }

const pendingKey = "arena:pending"

// SaveSession writes the full session hash and refreshes its TTL.
func (s *Store) SaveSession(ctx context.Context, rec *SessionRecord) error {
	if rec == nil || strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("invalid session record")
	}
	movesRaw, err := json.Marshal(rec.MovesUCI)
	if err != nil {
		return fmt.Errorf("marshal moves: %w", err)
	}
	key := gameKey(rec.ID)
	fields := map[string]any{
		"white_id":    rec.WhiteID,
		"white_name":  rec.WhiteName,
		"black_id":    rec.BlackID,
		"black_name":  rec.BlackName,
		"fen":         rec.FEN,
		"moves_uci":   string(movesRaw),
		"move_count":  rec.MoveCount,
		"active":      strconv.FormatBool(rec.Active),
		"white_clock": rec.WhiteClock,
		"black_clock": rec.BlackClock,
		"winner":      rec.Winner,
		"reason":      rec.Reason,
	}
	if err := s.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("save session %s: %w", rec.ID, err)
	}
	return s.rdb.Expire(ctx, key, ttlSession).Err()
}

// LoadSession returns the stored record, or nil when absent/expired.
func (s *Store) LoadSession(ctx context.Context, id string) (*SessionRecord, error) {
	data, err := s.rdb.HGetAll(ctx, gameKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	rec := &SessionRecord{
		ID:        strings.TrimSpace(id),
		WhiteID:   data["white_id"],
		WhiteName: data["white_name"],
		BlackID:   data["black_id"],
		BlackName: data["black_name"],
		FEN:       data["fen"],
		Winner:    data["winner"],
		Reason:    data["reason"],
	}
	if raw := data["moves_uci"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &rec.MovesUCI); err != nil {
			return nil, fmt.Errorf("parse moves for %s: %w", id, err)
		}
	}
	rec.MoveCount, _ = strconv.Atoi(data["move_count"])
	rec.Active, _ = strconv.ParseBool(data["active"])
	rec.WhiteClock, _ = strconv.Atoi(data["white_clock"])
	rec.BlackClock, _ = strconv.Atoi(data["black_clock"])
	return rec, nil
}

// ExpireEnded shortens the session record (and its offer lists) to the
// configured retention window once the game has ended.
func (s *Store) ExpireEnded(ctx context.Context, id string, retention time.Duration) error {
	if retention <= 0 {
		return s.DeleteSession(ctx, id)
	}
	if err := s.rdb.Expire(ctx, gameKey(id), retention).Err(); err != nil {
		return err
	}
	_ = s.rdb.Expire(ctx, offersKey(id, "white"), retention).Err()
	_ = s.rdb.Expire(ctx, offersKey(id, "black"), retention).Err()
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return s.rdb.Del(ctx, gameKey(id), offersKey(id, "white"), offersKey(id, "black")).Err()
}

// LinkPlayer records playerID → sessionID for the reconnection path.
func (s *Store) LinkPlayer(ctx context.Context, playerID, sessionID string) error {
	if strings.TrimSpace(playerID) == "" {
		return fmt.Errorf("invalid player id")
	}
	return s.rdb.Set(ctx, playerKey(playerID), sessionID, ttlSession).Err()
}

// ResolvePlayer returns the player's current session id, or "" when none.
func (s *Store) ResolvePlayer(ctx context.Context, playerID string) (string, error) {
	v, err := s.rdb.Get(ctx, playerKey(playerID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve player %s: %w", playerID, err)
	}
	return v, nil
}

func (s *Store) UnlinkPlayer(ctx context.Context, playerID string) error {
	return s.rdb.Del(ctx, playerKey(playerID)).Err()
}

// AppendOffer queues a signaling offer for a currently unreachable side.
func (s *Store) AppendOffer(ctx context.Context, sessionID, side string, payload []byte) error {
	key := offersKey(sessionID, side)
	if err := s.rdb.RPush(ctx, key, payload).Err(); err != nil {
		return fmt.Errorf("buffer offer: %w", err)
	}
	return s.rdb.Expire(ctx, key, ttlSession).Err()
}

// Offers returns the buffered offers for a side in arrival order.
func (s *Store) Offers(ctx context.Context, sessionID, side string) ([]string, error) {
	vals, err := s.rdb.LRange(ctx, offersKey(sessionID, side), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list offers: %w", err)
	}
	return vals, nil
}

// RemoveOffer drops one delivered offer from the buffer.
func (s *Store) RemoveOffer(ctx context.Context, sessionID, side, payload string) error {
	return s.rdb.LRem(ctx, offersKey(sessionID, side), 1, payload).Err()
}

// ClaimPending writes playerID into the matchmaker slot if it is empty.
// The slot mirrors the in-memory matchmaker so a restart cannot strand a
// stale waiting record.
func (s *Store) ClaimPending(ctx context.Context, playerID string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, pendingKey, playerID, ttlSession).Result()
	if err != nil {
		return false, fmt.Errorf("claim pending: %w", err)
	}
	return ok, nil
}

func (s *Store) ReleasePending(ctx context.Context) error {
	return s.rdb.Del(ctx, pendingKey).Err()
}

func parseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			db = n
		}
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: u.Host, Password: pass, DB: db}, nil
}
