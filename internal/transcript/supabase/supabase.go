// Package supabase archives conversation transcripts to a Supabase Storage bucket.
package supabase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	storage_go "github.com/supabase-community/storage-go"
	"github.com/supabase-community/supabase-go"

	"github.com/linnemanlabs/medrelay/internal/conversation"
	"github.com/linnemanlabs/medrelay/internal/transcript"
)

const contentType = "text/plain; charset=utf-8"

// Uploader is the subset of the storage client used for archiving.
type Uploader interface {
	UploadFile(bucketID, relativePath string, data io.Reader, fileOptions ...storage_go.FileOptions) (storage_go.FileUploadResponse, error)
}

// Config holds Supabase connection configuration.
type Config struct {
	URL    string
	APIKey string
	Bucket string
}

// Archiver writes each transcript snapshot as a new object. Objects are never overwritten.
type Archiver struct {
	// storage-go sets per-upload headers on the shared client transport
	mu     sync.Mutex
	up     Uploader
	bucket string
}

// New creates an Archiver backed by the Supabase Storage API.
func New(cfg Config) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("supabase bucket is required")
	}
	client, err := supabase.NewClient(cfg.URL, cfg.APIKey, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create supabase client: %w", err)
	}
	return NewWithUploader(client.Storage, cfg.Bucket), nil
}

// NewWithUploader creates an Archiver around an existing uploader.
func NewWithUploader(up Uploader, bucket string) *Archiver {
	return &Archiver{up: up, bucket: bucket}
}

// Archive uploads a snapshot of turns and returns the object key.
func (a *Archiver) Archive(ctx context.Context, senderID string, turns []conversation.Turn, at time.Time) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	key := transcript.NewKey(senderID, at)
	upsert := false
	ct := contentType
	opts := storage_go.FileOptions{ContentType: &ct, Upsert: &upsert}

	a.mu.Lock()
	defer a.mu.Unlock()

	resp, err := a.up.UploadFile(a.bucket, key, bytes.NewReader(transcript.Format(turns)), opts)
	if err != nil {
		if isDuplicate(err) {
			return "", fmt.Errorf("%w: %s", transcript.ErrObjectExists, key)
		}
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	if resp.Error != "" {
		return "", fmt.Errorf("upload %s: %s: %s", key, resp.Error, resp.Message)
	}
	return key, nil
}

func isDuplicate(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate") || strings.Contains(msg, "already exists")
}
