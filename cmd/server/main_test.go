package main

import (
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"

	"github.com/redis/go-redis/v9"

	vc "github.com/linnemanlabs/medrelay/internal/cfg"
	"github.com/linnemanlabs/medrelay/internal/llm/claude"
	"github.com/linnemanlabs/medrelay/internal/llm/gemini"
	"github.com/linnemanlabs/medrelay/internal/llm/keyword"
	"github.com/linnemanlabs/medrelay/internal/notify"
	"github.com/linnemanlabs/medrelay/internal/notify/redispub"
	"github.com/linnemanlabs/medrelay/internal/notify/slack"
)

func TestNotifySystemd_NoSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")

	err := notifySystemd()
	if err == nil {
		t.Fatal("expected error when NOTIFY_SOCKET is empty")
	}
	if !strings.Contains(err.Error(), "NOTIFY_SOCKET not set") {
		t.Errorf("error = %q, want substring %q", err, "NOTIFY_SOCKET not set")
	}
}

func TestNotifySystemd_InvalidPath(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", filepath.Join(t.TempDir(), "nonexistent.sock"))

	err := notifySystemd()
	if err == nil {
		t.Fatal("expected error for nonexistent socket")
	}
	if !strings.Contains(err.Error(), "dial failed") {
		t.Errorf("error = %q, want substring %q", err, "dial failed")
	}
}

func TestNotifySystemd_Success(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "notify.sock")

	// Create a real unixgram listener.
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(context.Background(), "unixgram", sockPath)
	if err != nil {
		t.Fatalf("listen unixgram: %v", err)
	}
	defer func() { _ = conn.Close() }()

	t.Setenv("NOTIFY_SOCKET", sockPath)

	if err := notifySystemd(); err != nil {
		t.Fatalf("notifySystemd() = %v, want nil", err)
	}

	buf := make([]byte, 256)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read from socket: %v", err)
	}

	got := string(buf[:n])
	if got != "READY=1" {
		t.Errorf("payload = %q, want %q", got, "READY=1")
	}
}

func TestNewClassifier(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		cfg       vc.Config
		wantModel string
		wantErr   bool
	}{
		{
			name:      "claude",
			cfg:       vc.Config{LLMProvider: vc.ProviderClaude, ClaudeAPIKey: "k", ClaudeModel: "claude-haiku-4-5", ClassifyTimeoutSeconds: 8},
			wantModel: "claude-haiku-4-5",
		},
		{
			name:      "gemini",
			cfg:       vc.Config{LLMProvider: vc.ProviderGemini, GeminiAPIKey: "k", GeminiModel: "gemini-2.5-flash"},
			wantModel: "gemini-2.5-flash",
		},
		{
			name:      "keyword",
			cfg:       vc.Config{LLMProvider: vc.ProviderKeyword},
			wantModel: keyword.ModelName,
		},
		{
			name:    "unknown",
			cfg:     vc.Config{LLMProvider: "openai"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cls, model, err := newClassifier(context.Background(), &tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("newClassifier: %v", err)
			}
			if model != tt.wantModel {
				t.Errorf("model = %q, want %q", model, tt.wantModel)
			}

			var ok bool
			switch tt.cfg.LLMProvider {
			case vc.ProviderClaude:
				_, ok = cls.(*claude.Classifier)
			case vc.ProviderGemini:
				_, ok = cls.(*gemini.Classifier)
			case vc.ProviderKeyword:
				_, ok = cls.(*keyword.Classifier)
			}
			if !ok {
				t.Errorf("classifier type = %T", cls)
			}
		})
	}
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, any) *redis.IntCmd {
	return redis.NewIntResult(1, nil)
}

func TestNewNotifiers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		cfg          vc.Config
		pub          bool
		wantChannels []string
		wantReporter bool
	}{
		{"nothing configured", vc.Config{}, false, nil, false},
		{"redis only", vc.Config{NotifyTopic: "t"}, true, []string{"redis"}, false},
		{"slack only", vc.Config{SlackWebhookURL: "https://hooks.example/a"}, false, []string{"slack"}, true},
		{"both", vc.Config{NotifyTopic: "t", SlackWebhookURL: "https://hooks.example/a"}, true, []string{"redis", "slack"}, true},
		{"ops reporter only", vc.Config{SlackOpsWebhookURL: "https://hooks.example/ops"}, false, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var pub redispub.Publisher
			if tt.pub {
				pub = nopPublisher{}
			}
			notifier, reporter, channels := newNotifiers(&tt.cfg, pub)

			if strings.Join(channels, ",") != strings.Join(tt.wantChannels, ",") {
				t.Errorf("channels = %v, want %v", channels, tt.wantChannels)
			}
			if len(tt.wantChannels) == 0 {
				if notifier != nil {
					t.Errorf("notifier = %T, want nil", notifier)
				}
			} else {
				fan, ok := notifier.(*notify.Fanout)
				if !ok {
					t.Fatalf("notifier type = %T, want *notify.Fanout", notifier)
				}
				if fan.Len() != len(tt.wantChannels) {
					t.Errorf("fanout len = %d, want %d", fan.Len(), len(tt.wantChannels))
				}
			}
			if tt.wantReporter {
				if _, ok := reporter.(*slack.Notifier); !ok {
					t.Errorf("reporter type = %T, want *slack.Notifier", reporter)
				}
			} else if reporter != nil {
				t.Errorf("reporter = %T, want nil", reporter)
			}
		})
	}
}
