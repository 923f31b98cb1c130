// Package claude classifies patient messages with the Anthropic Messages API.
package claude

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/medrelay/internal/triage"
)

const (
	// DefaultModel is used when no model is configured.
	DefaultModel = string(anthropic.ModelClaudeHaiku4_5)

	maxTokens = 512
)

// Config configures a Classifier.
type Config struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

// Classifier implements triage.Classifier using Claude.
type Classifier struct {
	client anthropic.Client
	model  string
}

// New creates a Claude classifier. SDK retries are disabled.
func New(cfg Config) *Classifier {
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	return &Classifier{
		client: anthropic.NewClient(opts...),
		model:  model,
	}
}

// Classify sends the conversation to Claude and parses the JSON verdict.
func (c *Classifier) Classify(ctx context.Context, req *triage.ClassifyRequest) (*triage.Classification, error) {
	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(0),
		System:      []anthropic.TextBlockParam{{Text: triage.ClassifierSystemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(triage.BuildClassifierPrompt(req))),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("claude messages: %w", err)
	}

	cls, err := triage.ParseClassification(responseText(msg))
	if err != nil {
		return nil, err
	}
	cls.Model = string(msg.Model)
	cls.Usage = triage.Usage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	return cls, nil
}

// responseText concatenates the text blocks of a response.
func responseText(msg *anthropic.Message) string {
	var b strings.Builder
	for i := range msg.Content {
		if msg.Content[i].Type == "text" {
			b.WriteString(msg.Content[i].Text)
		}
	}
	return b.String()
}
