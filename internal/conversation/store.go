package conversation

import (
	"context"
	"errors"
)

var (
	// ErrConflict is returned when a record changed between load and persist.
	ErrConflict = errors.New("conversation: record modified concurrently")

	// ErrStoreUnavailable wraps transient backend failures.
	ErrStoreUnavailable = errors.New("conversation: store unavailable")
)

// Store is the persistence interface for conversation records.
//
// Put is a compare-and-swap on Record.Version: a record with Version 0 is
// created only if none exists, any other version must match the stored one.
// On success Put advances rec.Version. On mismatch it returns ErrConflict
// and leaves rec untouched.
type Store interface {
	Get(ctx context.Context, senderID string) (*Record, bool, error)
	Put(ctx context.Context, rec *Record) error
}
