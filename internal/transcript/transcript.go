// Package transcript renders conversation histories into write-once archive
// objects and provides an in-memory archive for dev/testing.
package transcript

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/medrelay/internal/conversation"
)

// ErrObjectExists is returned when an archive key has already been written.
var ErrObjectExists = errors.New("transcript: object already exists")

const keyTimeLayout = "20060102T150405Z"

// Key returns the object key for a transcript snapshot of senderID taken at.
// id disambiguates snapshots taken within the same second.
func Key(senderID string, at time.Time, id string) string {
	return fmt.Sprintf("%s/transcript_%s_%s.txt", safeSegment(senderID), at.UTC().Format(keyTimeLayout), id)
}

// NewKey returns a Key with a fresh ULID.
func NewKey(senderID string, at time.Time) string {
	return Key(senderID, at, ulid.Make().String())
}

// Format renders turns as one line per turn: "<RFC3339> <role>: <text>".
func Format(turns []conversation.Turn) []byte {
	var b bytes.Buffer
	for _, t := range turns {
		b.WriteString(t.Timestamp.UTC().Format(time.RFC3339))
		b.WriteByte(' ')
		b.WriteString(string(t.Role))
		b.WriteString(": ")
		b.WriteString(oneLine(t.Text))
		b.WriteByte('\n')
	}
	return b.Bytes()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// safeSegment keeps phone-number style identifiers readable while removing
// characters object stores treat specially.
func safeSegment(s string) string {
	out := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '+' || r == '-' || r == '.' || r == '_':
			return r
		}
		return '_'
	}, s)
	out = strings.TrimLeft(out, ".")
	if out == "" {
		return "unknown"
	}
	return out
}

// Memory holds archived transcripts in memory.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemory initializes an empty in-memory archive.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

// Archive writes a new transcript object and returns its key.
func (m *Memory) Archive(ctx context.Context, senderID string, turns []conversation.Turn, at time.Time) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key := NewKey(senderID, at)
	body := Format(turns)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; ok {
		return "", fmt.Errorf("%w: %s", ErrObjectExists, key)
	}
	m.objects[key] = body
	return key, nil
}

// Object returns a copy of the stored object for key.
func (m *Memory) Object(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.objects[key]
	if !ok {
		return nil, false
	}
	return bytes.Clone(b), true
}

// Keys returns every stored key in sorted order.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
