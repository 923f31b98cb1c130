package memstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linnemanlabs/medrelay/internal/conversation"
)

func newRecord(sender string) *conversation.Record {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return &conversation.Record{
		SenderID:  sender,
		Phase:     conversation.PhaseIntake,
		History:   []conversation.Turn{{Role: conversation.RoleUser, Text: "hello", Timestamp: now}},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestStore_PutAndGet(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	r := newRecord("whatsapp:+15550001")
	if err := s.Put(ctx, r); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if r.Version != 1 {
		t.Errorf("Version after create = %d, want 1", r.Version)
	}

	got, ok, err := s.Get(ctx, "whatsapp:+15550001")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected record to be found")
	}
	if got.Phase != conversation.PhaseIntake {
		t.Errorf("Phase = %q, want %q", got.Phase, conversation.PhaseIntake)
	}
	if len(got.History) != 1 || got.History[0].Text != "hello" {
		t.Errorf("History = %+v, want one turn 'hello'", got.History)
	}
	if got.Version != 1 {
		t.Errorf("stored Version = %d, want 1", got.Version)
	}
}

func TestStore_GetMissing(t *testing.T) {
	t.Parallel()

	s := New()
	_, ok, err := s.Get(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing sender")
	}
}

func TestStore_GetReturnsCopy(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.Put(ctx, newRecord("s-copy"))

	got, _, _ := s.Get(ctx, "s-copy")
	got.Phase = conversation.PhaseEscalated
	got.History[0].Text = "mutated"

	again, _, _ := s.Get(ctx, "s-copy")
	if again.Phase != conversation.PhaseIntake {
		t.Errorf("Phase = %q, mutation leaked into store", again.Phase)
	}
	if again.History[0].Text != "hello" {
		t.Errorf("History[0] = %q, mutation leaked into store", again.History[0].Text)
	}
}

func TestStore_Put_VersionChecks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		seed        bool
		version     int64
		wantErr     error
		wantVersion int64
	}{
		{name: "create when absent", seed: false, version: 0, wantVersion: 1},
		{name: "create when present", seed: true, version: 0, wantErr: conversation.ErrConflict, wantVersion: 0},
		{name: "update matching", seed: true, version: 1, wantVersion: 2},
		{name: "update stale", seed: true, version: 5, wantErr: conversation.ErrConflict, wantVersion: 5},
		{name: "update when absent", seed: false, version: 3, wantErr: conversation.ErrConflict, wantVersion: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := New()
			ctx := context.Background()
			if tt.seed {
				if err := s.Put(ctx, newRecord("s")); err != nil {
					t.Fatalf("seed Put: %v", err)
				}
			}

			r := newRecord("s")
			r.Version = tt.version
			err := s.Put(ctx, r)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Put err = %v, want %v", err, tt.wantErr)
			}
			if r.Version != tt.wantVersion {
				t.Errorf("Version = %d, want %d", r.Version, tt.wantVersion)
			}
		})
	}
}

func TestStore_PutSameRecordTwice(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	r := newRecord("s-twice")
	if err := s.Put(ctx, r); err != nil {
		t.Fatalf("first Put: %v", err)
	}
	if err := s.Put(ctx, r); err != nil {
		t.Fatalf("second Put: %v", err)
	}

	got, _, _ := s.Get(ctx, "s-twice")
	if len(got.History) != 1 {
		t.Errorf("History len = %d, want 1", len(got.History))
	}
	if got.Phase != conversation.PhaseIntake {
		t.Errorf("Phase = %q, want %q", got.Phase, conversation.PhaseIntake)
	}
}

func TestStore_ConcurrentCreateOnlyOneWins(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	const n = 50

	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	wg.Add(n)
	for range n {
		go func() {
			defer wg.Done()
			err := s.Put(ctx, newRecord("race"))
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, conversation.ErrConflict):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("wins = %d, want 1", wins.Load())
	}
	if conflicts.Load() != n-1 {
		t.Errorf("conflicts = %d, want %d", conflicts.Load(), n-1)
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	const n = 100

	var wg sync.WaitGroup
	wg.Add(n * 2)

	for i := range n {
		id := fmt.Sprintf("sender-%d", i)

		go func() {
			defer wg.Done()
			_ = s.Put(ctx, newRecord(id))
		}()

		go func() {
			defer wg.Done()
			_, _, _ = s.Get(ctx, id)
		}()
	}

	wg.Wait()

	if s.Len() != n {
		t.Errorf("Len = %d, want %d", s.Len(), n)
	}
}
