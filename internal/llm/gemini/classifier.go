// Package gemini classifies patient messages with the Gemini API.
package gemini

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/linnemanlabs/medrelay/internal/triage"
)

const (
	// DefaultModel is used when no model is configured.
	DefaultModel = "gemini-2.5-flash"

	maxOutputTokens = 512
)

// Config configures a Classifier.
type Config struct {
	APIKey  string
	Model   string
	BaseURL string
}

// Classifier implements triage.Classifier using Gemini.
type Classifier struct {
	client *genai.Client
	model  string
}

// New creates a Gemini classifier on the Gemini Developer API backend.
func New(ctx context.Context, cfg Config) (*Classifier, error) {
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions.BaseURL = cfg.BaseURL
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &Classifier{client: client, model: model}, nil
}

// Classify asks Gemini for a JSON verdict on the conversation.
func (c *Classifier) Classify(ctx context.Context, req *triage.ClassifyRequest) (*triage.Classification, error) {
	resp, err := c.client.Models.GenerateContent(ctx, c.model,
		[]*genai.Content{genai.NewContentFromText(triage.BuildClassifierPrompt(req), genai.RoleUser)},
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(triage.ClassifierSystemPrompt, genai.RoleUser),
			Temperature:       genai.Ptr[float32](0),
			MaxOutputTokens:   maxOutputTokens,
			ResponseMIMEType:  "application/json",
		},
	)
	if err != nil {
		return nil, fmt.Errorf("gemini generate: %w", err)
	}

	cls, err := triage.ParseClassification(resp.Text())
	if err != nil {
		return nil, err
	}
	cls.Model = c.model
	if resp.ModelVersion != "" {
		cls.Model = resp.ModelVersion
	}
	if u := resp.UsageMetadata; u != nil {
		cls.Usage = triage.Usage{
			InputTokens:  int(u.PromptTokenCount),
			OutputTokens: int(u.CandidatesTokenCount),
		}
	}
	return cls, nil
}
