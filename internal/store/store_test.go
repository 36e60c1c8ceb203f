package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })
	s, err := NewStore(fmt.Sprintf("redis://%s/0", mr.Addr()))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &SessionRecord{
		ID:         "g1",
		WhiteID:    "w",
		WhiteName:  "Alice",
		BlackID:    "b",
		BlackName:  "Bob",
		FEN:        "startfen",
		MovesUCI:   []string{"e2e4", "e7e5"},
		MoveCount:  2,
		Active:     true,
		WhiteClock: 597,
		BlackClock: 600,
	}
	if err := s.SaveSession(ctx, rec); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	got, err := s.LoadSession(ctx, "g1")
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if got == nil {
		t.Fatalf("expected record")
	}
	if got.WhiteID != "w" || got.BlackName != "Bob" || got.MoveCount != 2 || !got.Active {
		t.Fatalf("unexpected record: %+v", got)
	}
	if len(got.MovesUCI) != 2 || got.MovesUCI[1] != "e7e5" {
		t.Fatalf("unexpected moves: %v", got.MovesUCI)
	}
	if got.WhiteClock != 597 || got.BlackClock != 600 {
		t.Fatalf("unexpected clocks: %+v", got)
	}
}

func TestLoadMissingSession(t *testing.T) {
	s := newTestStore(t)
	got, err := s.LoadSession(context.Background(), "nope")
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing session, got %+v", got)
	}
}

func TestPlayerLinks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.LinkPlayer(ctx, "p1", "g1"); err != nil {
		t.Fatalf("LinkPlayer: %v", err)
	}
	id, err := s.ResolvePlayer(ctx, "p1")
	if err != nil || id != "g1" {
		t.Fatalf("ResolvePlayer: id=%q err=%v", id, err)
	}
	if err := s.UnlinkPlayer(ctx, "p1"); err != nil {
		t.Fatalf("UnlinkPlayer: %v", err)
	}
	id, err = s.ResolvePlayer(ctx, "p1")
	if err != nil || id != "" {
		t.Fatalf("expected empty after unlink: id=%q err=%v", id, err)
	}
}

func TestOfferQueue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.AppendOffer(ctx, "g1", "black", []byte(`{"sdp":"a"}`)); err != nil {
		t.Fatalf("AppendOffer: %v", err)
	}
	if err := s.AppendOffer(ctx, "g1", "black", []byte(`{"sdp":"b"}`)); err != nil {
		t.Fatalf("AppendOffer: %v", err)
	}

	offers, err := s.Offers(ctx, "g1", "black")
	if err != nil {
		t.Fatalf("Offers: %v", err)
	}
	if len(offers) != 2 || offers[0] != `{"sdp":"a"}` {
		t.Fatalf("unexpected offers: %v", offers)
	}

	if err := s.RemoveOffer(ctx, "g1", "black", offers[0]); err != nil {
		t.Fatalf("RemoveOffer: %v", err)
	}
	offers, err = s.Offers(ctx, "g1", "black")
	if err != nil {
		t.Fatalf("Offers: %v", err)
	}
	if len(offers) != 1 || offers[0] != `{"sdp":"b"}` {
		t.Fatalf("expected single remaining offer, got %v", offers)
	}
}

func TestPendingSlot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.ClaimPending(ctx, "p1")
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	ok, err = s.ClaimPending(ctx, "p2")
	if err != nil || ok {
		t.Fatalf("second claim should fail: ok=%v err=%v", ok, err)
	}
	if err := s.ReleasePending(ctx); err != nil {
		t.Fatalf("ReleasePending: %v", err)
	}
	ok, err = s.ClaimPending(ctx, "p2")
	if err != nil || !ok {
		t.Fatalf("claim after release: ok=%v err=%v", ok, err)
	}
}

func TestExpireEndedDeletesWithZeroRetention(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &SessionRecord{ID: "g1", FEN: "f", Active: false}
	if err := s.SaveSession(ctx, rec); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	if err := s.ExpireEnded(ctx, "g1", 0); err != nil {
		t.Fatalf("ExpireEnded: %v", err)
	}
	got, err := s.LoadSession(ctx, "g1")
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if got != nil {
		t.Fatalf("expected deletion with zero retention")
	}
}

func TestExpireEndedKeepsRecordDuringRetention(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &SessionRecord{ID: "g2", FEN: "f", Active: false, Winner: "black", Reason: "timeout"}
	if err := s.SaveSession(ctx, rec); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	if err := s.ExpireEnded(ctx, "g2", 5*time.Minute); err != nil {
		t.Fatalf("ExpireEnded: %v", err)
	}
	got, err := s.LoadSession(ctx, "g2")
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if got == nil || got.Winner != "black" || got.Reason != "timeout" {
		t.Fatalf("expected retained final record, got %+v", got)
	}
}
