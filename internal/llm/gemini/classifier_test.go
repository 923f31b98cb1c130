package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/linnemanlabs/medrelay/internal/conversation"
	"github.com/linnemanlabs/medrelay/internal/triage"
)

type fakeGenerateAPI struct {
	mu     sync.Mutex
	status int
	text   string
	paths  []string
	bodies []string
}

func (f *fakeGenerateAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	f.paths = append(f.paths, r.URL.Path)
	f.bodies = append(f.bodies, string(raw))
	status, text := f.status, f.text
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if status != 0 && status != http.StatusOK {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, `{"error":{"code":500,"message":"internal","status":"INTERNAL"}}`)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"candidates": []map[string]any{{
			"content":      map[string]any{"role": "model", "parts": []map[string]any{{"text": text}}},
			"finishReason": "STOP",
		}},
		"usageMetadata": map[string]any{"promptTokenCount": 180, "candidatesTokenCount": 35},
		"modelVersion":  "gemini-test-001",
	})
}

func newTestClassifier(t *testing.T, api *fakeGenerateAPI) *Classifier {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	c, err := New(context.Background(), Config{APIKey: "test-key", Model: "gemini-test", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func testRequest() *triage.ClassifyRequest {
	return &triage.ClassifyRequest{
		Phase:   conversation.PhaseIntake,
		History: []conversation.Turn{{Role: conversation.RoleUser, Text: "sudden chest pain"}},
		Latest:  "sudden chest pain",
	}
}

func TestClassify_ParsesResponse(t *testing.T) {
	t.Parallel()

	api := &fakeGenerateAPI{text: `{"symptoms":["chest pain"],"red_flags":["chest pain"],"urgency":"HIGH","age":55}`}
	c := newTestClassifier(t, api)

	cls, err := c.Classify(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if cls.Urgency != conversation.UrgencyHigh {
		t.Errorf("Urgency = %q, want HIGH", cls.Urgency)
	}
	if len(cls.RedFlags) != 1 || cls.RedFlags[0] != "chest pain" {
		t.Errorf("RedFlags = %v", cls.RedFlags)
	}
	if cls.Fields[triage.FieldAge] != "55" {
		t.Errorf("age = %q, want 55", cls.Fields[triage.FieldAge])
	}
	if cls.Model != "gemini-test-001" {
		t.Errorf("Model = %q", cls.Model)
	}
	if cls.Usage.InputTokens != 180 || cls.Usage.OutputTokens != 35 {
		t.Errorf("Usage = %+v", cls.Usage)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.paths) != 1 || !strings.HasSuffix(api.paths[0], "models/gemini-test:generateContent") {
		t.Errorf("paths = %v", api.paths)
	}
	if !strings.Contains(api.bodies[0], "application/json") {
		t.Errorf("request did not ask for JSON output: %s", api.bodies[0])
	}
}

func TestClassify_InvalidOutput(t *testing.T) {
	t.Parallel()

	c := newTestClassifier(t, &fakeGenerateAPI{text: `{"urgency":"unknown"}`})

	_, err := c.Classify(context.Background(), testRequest())
	if !errors.Is(err, triage.ErrInvalidClassification) {
		t.Errorf("err = %v, want ErrInvalidClassification", err)
	}
}

func TestClassify_APIError(t *testing.T) {
	t.Parallel()

	c := newTestClassifier(t, &fakeGenerateAPI{status: http.StatusInternalServerError})

	if _, err := c.Classify(context.Background(), testRequest()); err == nil {
		t.Fatal("expected error")
	}
}
