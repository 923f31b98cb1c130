package pgstore_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/medrelay/internal/conversation"
	"github.com/linnemanlabs/medrelay/internal/conversation/pgstore"
	"github.com/linnemanlabs/medrelay/internal/postgres"
)

func openStore(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := os.Getenv("MEDRELAY_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("MEDRELAY_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, dsn, postgres.DefaultSlowQuery)
	if err != nil {
		t.Fatalf("postgres.NewPool: %v", err)
	}
	t.Cleanup(pool.Close)

	s, err := pgstore.New(ctx, pool)
	if err != nil {
		t.Fatalf("pgstore.New: %v", err)
	}
	return s
}

// uniqueSender keeps reruns against the same database independent.
func uniqueSender(prefix string) string {
	return fmt.Sprintf("%s:%s", prefix, ulid.Make().String())
}

func TestPutAndGet(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond).UTC()
	r := &conversation.Record{
		SenderID:    uniqueSender("put-get"),
		Phase:       conversation.PhaseScheduling,
		LastUrgency: conversation.UrgencyMedium,
		Scheduling:  &conversation.SchedulingInfo{Name: "Ada"},
		History: []conversation.Turn{
			{Role: conversation.RoleUser, Text: "I have a fever", Timestamp: now},
			{Role: conversation.RoleAssistant, Text: "May I have your name?", Timestamp: now.Add(time.Second)},
		},
		CreatedAt: now,
		UpdatedAt: now.Add(time.Second),
	}

	if err := s.Put(ctx, r); err != nil {
		t.Fatalf("Put: %v", err)
	}
	assertEqual(t, "Version after create", int64(1), r.Version)

	got, ok, err := s.Get(ctx, r.SenderID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("Get returned ok=false, want true")
	}

	assertEqual(t, "Phase", r.Phase, got.Phase)
	assertEqual(t, "LastUrgency", r.LastUrgency, got.LastUrgency)
	assertEqual(t, "Version", int64(1), got.Version)
	assertEqual(t, "CreatedAt", r.CreatedAt, got.CreatedAt.UTC())
	if got.Scheduling == nil || got.Scheduling.Name != "Ada" {
		t.Errorf("Scheduling mismatch: got %+v", got.Scheduling)
	}
	if len(got.History) != 2 || got.History[1].Role != conversation.RoleAssistant {
		t.Errorf("History mismatch: got %+v", got.History)
	}
}

func TestGetMissing(t *testing.T) {
	s := openStore(t)

	_, ok, err := s.Get(context.Background(), uniqueSender("missing"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("Get returned ok=true for unknown sender")
	}
}

func TestPut_CompareAndSwap(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond).UTC()
	sender := uniqueSender("cas")
	first := &conversation.Record{SenderID: sender, Phase: conversation.PhaseIntake, CreatedAt: now, UpdatedAt: now}
	if err := s.Put(ctx, first); err != nil {
		t.Fatalf("Put create: %v", err)
	}

	dup := &conversation.Record{SenderID: sender, Phase: conversation.PhaseIntake, CreatedAt: now, UpdatedAt: now}
	if err := s.Put(ctx, dup); !errors.Is(err, conversation.ErrConflict) {
		t.Fatalf("second create err = %v, want ErrConflict", err)
	}

	first.Phase = conversation.PhaseEscalated
	first.LastUrgency = conversation.UrgencyHigh
	if err := s.Put(ctx, first); err != nil {
		t.Fatalf("Put update: %v", err)
	}
	assertEqual(t, "Version after update", int64(2), first.Version)

	stale := &conversation.Record{SenderID: sender, Phase: conversation.PhaseSelfCare, Version: 1, UpdatedAt: now}
	if err := s.Put(ctx, stale); !errors.Is(err, conversation.ErrConflict) {
		t.Fatalf("stale update err = %v, want ErrConflict", err)
	}

	got, _, err := s.Get(ctx, sender)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	assertEqual(t, "Phase", conversation.PhaseEscalated, got.Phase)
	assertEqual(t, "Version", int64(2), got.Version)
}

func TestArchive(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	at := time.Date(2025, 2, 3, 4, 5, 6, 0, time.UTC)
	sender := uniqueSender("archive")
	turns := []conversation.Turn{{Role: conversation.RoleUser, Text: "chest pain", Timestamp: at}}

	key, err := s.Archive(ctx, sender, turns, at)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if !strings.Contains(key, "/transcript_20250203T040506Z_") {
		t.Errorf("key = %q, unexpected format", key)
	}

	body, ok, err := s.Transcript(ctx, key)
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	if !ok {
		t.Fatal("Transcript returned ok=false")
	}
	assertEqual(t, "body", "2025-02-03T04:05:06Z user: chest pain\n", body)
}

func assertEqual[T comparable](t *testing.T, field string, want, got T) {
	t.Helper()
	if want != got {
		t.Errorf("%s: got %v, want %v", field, got, want)
	}
}
