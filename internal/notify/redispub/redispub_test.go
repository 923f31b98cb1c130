package redispub

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linnemanlabs/medrelay/internal/conversation"
	"github.com/linnemanlabs/medrelay/internal/triage"
)

type fakePublisher struct {
	mu        sync.Mutex
	channel   string
	payload   []byte
	receivers int64
	err       error
}

func (f *fakePublisher) Publish(_ context.Context, channel string, message any) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channel = channel
	f.payload, _ = message.([]byte)
	return redis.NewIntResult(f.receivers, f.err)
}

func testAlert() *triage.Alert {
	return &triage.Alert{
		ID:        "01JTEST",
		SenderID:  "whatsapp:+15550001",
		Summary:   "High urgency triage alert for user whatsapp:+15550001",
		Urgency:   conversation.UrgencyHigh,
		Symptoms:  []string{"chest pain"},
		RedFlags:  []string{"chest pain"},
		Message:   "chest pain",
		Timestamp: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
	}
}

func TestNotify_PublishesJSON(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{receivers: 2}
	n := New(pub, "staff")

	require.NoError(t, n.Notify(context.Background(), testAlert()))
	assert.Equal(t, "staff", pub.channel)

	var got map[string]any
	require.NoError(t, json.Unmarshal(pub.payload, &got))
	assert.Equal(t, "01JTEST", got["id"])
	assert.Equal(t, "whatsapp:+15550001", got["sender_id"])
	assert.Equal(t, "HIGH", got["urgency"])
	assert.Equal(t, "2026-03-01T08:00:00Z", got["timestamp"])
	assert.Equal(t, []any{"chest pain"}, got["red_flags"])
	assert.Contains(t, got, "summary")
}

func TestNotify_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		receivers int64
		err       error
		wantIs    error
	}{
		{"no subscribers", 0, nil, ErrNoSubscribers},
		{"publish failure", 0, redis.ErrClosed, redis.ErrClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			n := New(&fakePublisher{receivers: tt.receivers, err: tt.err}, "")
			err := n.Notify(context.Background(), testAlert())
			assert.ErrorIs(t, err, tt.wantIs)
		})
	}
}

func TestNew_DefaultChannel(t *testing.T) {
	t.Parallel()

	assert.Equal(t, DefaultChannel, New(&fakePublisher{}, "").Channel())
}

func TestNotify_Integration(t *testing.T) {
	url := os.Getenv("MEDRELAY_TEST_REDIS_URL")
	if url == "" {
		t.Skip("MEDRELAY_TEST_REDIS_URL not set")
	}
	t.Parallel()

	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	channel := "medrelay:test:" + time.Now().Format("150405.000000000")
	sub := client.Subscribe(ctx, channel)
	defer func() { _ = sub.Close() }()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, New(client, channel).Notify(ctx, testAlert()))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)

	var got triage.Alert
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.Equal(t, "01JTEST", got.ID)
}
