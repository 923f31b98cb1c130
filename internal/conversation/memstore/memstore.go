// Package memstore provides an in-memory implementation of conversation.Store.
package memstore

import (
	"context"
	"sync"

	"github.com/linnemanlabs/medrelay/internal/conversation"
)

// Store holds conversation records in memory. Suitable for dev/testing.
type Store struct {
	mu      sync.RWMutex
	records map[string]*conversation.Record // sender ID -> record
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		records: make(map[string]*conversation.Record),
	}
}

// Get retrieves the record for a sender. Returns a copy.
func (s *Store) Get(_ context.Context, senderID string) (*conversation.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[senderID]
	if !ok {
		return nil, false, nil
	}
	return r.Clone(), true, nil
}

// Put stores a copy of rec if rec.Version matches the stored version.
func (s *Store) Put(_ context.Context, rec *conversation.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stored int64
	if cur, ok := s.records[rec.SenderID]; ok {
		stored = cur.Version
	}
	if rec.Version != stored {
		return conversation.ErrConflict
	}

	rec.Version++
	s.records[rec.SenderID] = rec.Clone()
	return nil
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
