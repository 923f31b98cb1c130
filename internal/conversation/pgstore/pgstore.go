// Package pgstore provides a PostgreSQL implementation of conversation.Store
// and a transcript archive table.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/medrelay/internal/conversation"
	"github.com/linnemanlabs/medrelay/internal/transcript"
)

var tracer = otel.Tracer("github.com/linnemanlabs/medrelay/internal/conversation/pgstore")

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

// Store persists conversation records in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store. The caller owns the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const conversationColumns = `sender_id, phase, last_urgency, scheduling, history, version, created_at, updated_at`

// Get retrieves the record for a sender.
func (s *Store) Get(ctx context.Context, senderID string) (*conversation.Record, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE sender_id = $1`
	r, err := scanRecord(s.pool.QueryRow(ctx, query, senderID))
	if err != nil {
		fail(span, err)
		return nil, false, err
	}
	if r == nil {
		return nil, false, nil
	}
	return r, true, nil
}

// Put creates the record when rec.Version is 0, otherwise updates it only if
// the stored version still equals rec.Version.
func (s *Store) Put(ctx context.Context, rec *conversation.Record) error {
	op := "UPDATE"
	if rec.Version == 0 {
		op = "INSERT"
	}
	ctx, span := startSpan(ctx, "pgstore.Put", op)
	defer span.End()
	span.SetAttributes(attribute.Int64("medrelay.conversation.version", rec.Version))

	history, err := json.Marshal(rec.History)
	if err != nil {
		fail(span, err)
		return fmt.Errorf("marshal history: %w", err)
	}
	var scheduling []byte
	if rec.Scheduling != nil {
		if scheduling, err = json.Marshal(rec.Scheduling); err != nil {
			fail(span, err)
			return fmt.Errorf("marshal scheduling: %w", err)
		}
	}

	var tag pgconn.CommandTag
	if rec.Version == 0 {
		tag, err = s.pool.Exec(ctx,
			`INSERT INTO conversations (`+conversationColumns+`)
			 VALUES ($1, $2, $3, $4, $5, 1, $6, $7)
			 ON CONFLICT (sender_id) DO NOTHING`,
			rec.SenderID, string(rec.Phase), string(rec.LastUrgency), scheduling, history,
			rec.CreatedAt, rec.UpdatedAt,
		)
	} else {
		tag, err = s.pool.Exec(ctx,
			`UPDATE conversations SET
				phase        = $3,
				last_urgency = $4,
				scheduling   = $5,
				history      = $6,
				version      = version + 1,
				updated_at   = $7
			 WHERE sender_id = $1 AND version = $2`,
			rec.SenderID, rec.Version, string(rec.Phase), string(rec.LastUrgency), scheduling, history,
			rec.UpdatedAt,
		)
	}
	if err != nil {
		fail(span, err)
		return fmt.Errorf("put conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		span.SetAttributes(attribute.Bool("medrelay.conversation.conflict", true))
		return conversation.ErrConflict
	}

	rec.Version++
	return nil
}

// Archive inserts a transcript snapshot and returns its object key.
func (s *Store) Archive(ctx context.Context, senderID string, turns []conversation.Turn, at time.Time) (string, error) {
	ctx, span := startSpan(ctx, "pgstore.Archive", "INSERT")
	defer span.End()

	key := transcript.NewKey(senderID, at)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO transcripts (object_key, sender_id, body, turns, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		key, senderID, string(transcript.Format(turns)), len(turns), at.UTC(),
	)
	if err != nil {
		fail(span, err)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return "", fmt.Errorf("%w: %s", transcript.ErrObjectExists, key)
		}
		return "", fmt.Errorf("insert transcript: %w", err)
	}
	return key, nil
}

// Transcript returns the stored body for an object key.
func (s *Store) Transcript(ctx context.Context, key string) (string, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Transcript", "SELECT")
	defer span.End()

	var body string
	err := s.pool.QueryRow(ctx, `SELECT body FROM transcripts WHERE object_key = $1`, key).Scan(&body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		fail(span, err)
		return "", false, fmt.Errorf("get transcript: %w", err)
	}
	return body, true, nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// scanRecord scans a single row into a conversation.Record.
// Returns (nil, nil) when no row is found.
func scanRecord(row pgx.Row) (*conversation.Record, error) {
	var (
		r          conversation.Record
		phase      string
		urgency    string
		scheduling []byte
		history    []byte
	)

	err := row.Scan(&r.SenderID, &phase, &urgency, &scheduling, &history, &r.Version, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	r.Phase = conversation.Phase(phase)
	r.LastUrgency = conversation.Urgency(urgency)

	if err := json.Unmarshal(history, &r.History); err != nil {
		return nil, fmt.Errorf("unmarshal history: %w", err)
	}
	if len(scheduling) > 0 {
		r.Scheduling = &conversation.SchedulingInfo{}
		if err := json.Unmarshal(scheduling, r.Scheduling); err != nil {
			return nil, fmt.Errorf("unmarshal scheduling: %w", err)
		}
	}
	return &r, nil
}
