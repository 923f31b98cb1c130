// Package redisstore provides a Redis implementation of conversation.Store
// using WATCH/MULTI/EXEC for optimistic locking.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/linnemanlabs/medrelay/internal/conversation"
)

const keyPrefix = "conversation:"

// Store persists conversation records as JSON documents in Redis.
type Store struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// New creates a Store on client. A ttl of 0 keeps records until deleted externally.
func New(client redis.UniversalClient, ttl time.Duration) *Store {
	if ttl < 0 {
		ttl = 0
	}
	return &Store{client: client, ttl: ttl}
}

// Get retrieves the record for a sender.
func (s *Store) Get(ctx context.Context, senderID string) (*conversation.Record, bool, error) {
	val, err := s.client.Get(ctx, key(senderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	r, err := decode(val)
	if err != nil {
		return nil, false, err
	}
	return r, true, nil
}

// Put creates the record with SETNX when rec.Version is 0, otherwise swaps it
// inside a WATCH transaction after checking the stored version.
func (s *Store) Put(ctx context.Context, rec *conversation.Record) error {
	k := key(rec.SenderID)
	next := rec.Clone()
	next.Version = rec.Version + 1
	val, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	if rec.Version == 0 {
		ok, err := s.client.SetNX(ctx, k, val, s.ttl).Result()
		if err != nil {
			return err
		}
		if !ok {
			return conversation.ErrConflict
		}
		rec.Version = next.Version
		return nil
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			return conversation.ErrConflict
		}
		if err != nil {
			return err
		}
		stored, err := decode(cur)
		if err != nil {
			return err
		}
		if stored.Version != rec.Version {
			return conversation.ErrConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, val, s.ttl)
			return nil
		})
		return err
	}, k)
	if errors.Is(err, redis.TxFailedErr) {
		return conversation.ErrConflict
	}
	if err != nil {
		return err
	}

	rec.Version = next.Version
	return nil
}

func key(senderID string) string {
	return keyPrefix + senderID
}

func decode(b []byte) (*conversation.Record, error) {
	var r conversation.Record
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &r, nil
}
