// Package conversation holds the per-sender conversation model and the state
// manager that loads, merges and conditionally persists it.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/xerrors"
)

// Manager loads and persists conversation records through a Store.
type Manager struct {
	store Store
	now   func() time.Time
}

// NewManager returns a Manager backed by store.
func NewManager(store Store) *Manager {
	if store == nil {
		panic(xerrors.New("conversation store is required"))
	}
	return &Manager{store: store, now: time.Now}
}

// Load returns the stored record for senderID, or a fresh INTAKE record with
// Version 0 when the sender has never been seen.
func (m *Manager) Load(ctx context.Context, senderID string) (*Record, error) {
	rec, ok, err := m.store.Get(ctx, senderID)
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %w", ErrStoreUnavailable, senderID, err)
	}
	if ok {
		return rec, nil
	}
	now := m.now().UTC()
	return &Record{
		SenderID:  senderID,
		Phase:     PhaseIntake,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Get returns the stored record for senderID without creating one.
func (m *Manager) Get(ctx context.Context, senderID string) (*Record, bool, error) {
	rec, ok, err := m.store.Get(ctx, senderID)
	if err != nil {
		return nil, false, fmt.Errorf("%w: get %s: %w", ErrStoreUnavailable, senderID, err)
	}
	return rec, ok, nil
}

// Merge returns a copy of rec with msg appended as a user turn. Phase and
// urgency are left for the router to decide. rec is not modified.
func (m *Manager) Merge(rec *Record, msg *Inbound) *Record {
	at := msg.ReceivedAt
	if at.IsZero() {
		at = m.now()
	}
	return appendTurn(rec, RoleUser, msg.Body, at)
}

// AppendReply returns a copy of rec with an assistant turn appended.
func (m *Manager) AppendReply(rec *Record, text string, at time.Time) *Record {
	if at.IsZero() {
		at = m.now()
	}
	return appendTurn(rec, RoleAssistant, text, at)
}

// Persist conditionally writes rec. It returns ErrConflict unchanged and wraps
// every other store failure with ErrStoreUnavailable.
func (m *Manager) Persist(ctx context.Context, rec *Record) error {
	if rec == nil || rec.SenderID == "" {
		return errors.New("conversation: sender id is required")
	}
	if err := m.store.Put(ctx, rec); err != nil {
		if errors.Is(err, ErrConflict) {
			return err
		}
		return fmt.Errorf("%w: put %s: %w", ErrStoreUnavailable, rec.SenderID, err)
	}
	return nil
}

func appendTurn(rec *Record, role Role, text string, at time.Time) *Record {
	cp := rec.Clone()
	at = at.UTC()
	cp.History = append(cp.History, Turn{Role: role, Text: text, Timestamp: at})
	cp.UpdatedAt = at
	return cp
}
