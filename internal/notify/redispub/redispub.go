// Package redispub publishes staff escalation alerts on a Redis pub/sub channel.
package redispub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/linnemanlabs/medrelay/internal/triage"
)

// DefaultChannel is used when no channel is configured.
const DefaultChannel = "medrelay:escalations"

// ErrNoSubscribers is returned when nobody received a published alert.
var ErrNoSubscribers = errors.New("redispub: no subscribers on channel")

// Publisher is the subset of redis.UniversalClient used here.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// Notifier publishes alerts as JSON.
type Notifier struct {
	client  Publisher
	channel string
}

// New creates a Redis notifier publishing on channel.
func New(client Publisher, channel string) *Notifier {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Notifier{client: client, channel: channel}
}

// Channel returns the pub/sub channel name.
func (n *Notifier) Channel() string { return n.channel }

// Notify publishes al and fails when no subscriber received it.
func (n *Notifier) Notify(ctx context.Context, al *triage.Alert) error {
	payload, err := json.Marshal(al)
	if err != nil {
		return fmt.Errorf("redispub: marshal alert: %w", err)
	}
	receivers, err := n.client.Publish(ctx, n.channel, payload).Result()
	if err != nil {
		return fmt.Errorf("redispub: publish %s: %w", n.channel, err)
	}
	if receivers == 0 {
		return fmt.Errorf("%w %s", ErrNoSubscribers, n.channel)
	}
	return nil
}
