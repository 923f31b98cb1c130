package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"slices"
)

// LLM providers.
const (
	ProviderClaude  = "claude"
	ProviderGemini  = "gemini"
	ProviderKeyword = "keyword"
)

// Backend selectors. BackendAuto picks the first configured backend.
const (
	BackendAuto     = "auto"
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendSupabase = "supabase"
	BackendNone     = "none"
)

var (
	providers       = []string{ProviderClaude, ProviderGemini, ProviderKeyword}
	storeBackends   = []string{BackendAuto, BackendMemory, BackendPostgres, BackendRedis}
	archiveBackends = []string{BackendAuto, BackendMemory, BackendPostgres, BackendSupabase, BackendNone}
)

// Config adds app-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string
	PublicURL             string
	TwilioAuthToken       string

	LLMProvider            string
	ClaudeAPIKey           string
	ClaudeModel            string
	GeminiAPIKey           string
	GeminiModel            string
	ClassifyTimeoutSeconds int

	StoreBackend         string
	DatabaseURL          string
	DBSlowQueryMillis    int
	RedisURL             string
	ConversationTTLHours int

	NotifyTopic        string
	SlackWebhookURL    string
	SlackOpsWebhookURL string

	ArchiveBackend   string
	SupabaseURL      string
	SupabaseKey      string
	TranscriptBucket string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token(s) for the operator API, comma-separated for rotation (empty = operator API disabled)")
	fs.StringVar(&c.PublicURL, "public-url", "", "externally visible base URL Twilio signs webhooks against (empty = derive from request)")
	fs.StringVar(&c.TwilioAuthToken, "twilio-auth-token", "", "Twilio auth token used to verify webhook signatures")

	fs.StringVar(&c.LLMProvider, "llm-provider", ProviderClaude, "urgency classifier backend (claude, gemini, keyword)")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for accessing the Claude LLM provider")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-haiku-4-5", "Claude model to use")
	fs.StringVar(&c.GeminiAPIKey, "gemini-api-key", "", "API key for the Gemini API")
	fs.StringVar(&c.GeminiModel, "gemini-model", "gemini-2.5-flash", "Gemini model to use")
	fs.IntVar(&c.ClassifyTimeoutSeconds, "classify-timeout-seconds", 8, "timeout for a single classification call (1..60)")

	fs.StringVar(&c.StoreBackend, "store", BackendAuto, "conversation store (auto, memory, postgres, redis)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL")
	fs.IntVar(&c.DBSlowQueryMillis, "db-slow-query-ms", 100, "log successful queries slower than this (0 = log every query)")
	fs.StringVar(&c.RedisURL, "redis-url", "", "Redis URL for the conversation store and escalation pub/sub")
	fs.IntVar(&c.ConversationTTLHours, "conversation-ttl-hours", 0, "expiry of idle conversations in the redis store (0 = never)")

	fs.StringVar(&c.NotifyTopic, "notify-topic", "medrelay:escalations", "Redis pub/sub channel for staff escalation alerts")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for staff escalation alerts")
	fs.StringVar(&c.SlackOpsWebhookURL, "slack-ops-webhook-url", "", "Slack webhook URL for failed-notification reports (empty = slack-webhook-url)")

	fs.StringVar(&c.ArchiveBackend, "archive", BackendAuto, "transcript archive (auto, memory, postgres, supabase, none)")
	fs.StringVar(&c.SupabaseURL, "supabase-url", "", "Supabase project URL for transcript storage")
	fs.StringVar(&c.SupabaseKey, "supabase-key", "", "Supabase service key for transcript storage")
	fs.StringVar(&c.TranscriptBucket, "transcript-bucket", "transcripts", "Supabase storage bucket for transcripts")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	// Every webhook is signature-checked
	if c.TwilioAuthToken == "" {
		errs = append(errs, errors.New("TWILIO_AUTH_TOKEN is required"))
	}
	if c.PublicURL != "" && !isHTTPURL(c.PublicURL) {
		errs = append(errs, fmt.Errorf("invalid PUBLIC_URL %q (must be an absolute http or https URL)", c.PublicURL))
	}

	// Classifier
	switch c.LLMProvider {
	case ProviderClaude:
		if c.ClaudeAPIKey == "" {
			errs = append(errs, errors.New("CLAUDE_API_KEY is required for llm-provider claude"))
		}
		if c.ClaudeModel == "" {
			errs = append(errs, errors.New("CLAUDE_MODEL is required for llm-provider claude"))
		}
	case ProviderGemini:
		if c.GeminiAPIKey == "" {
			errs = append(errs, errors.New("GEMINI_API_KEY is required for llm-provider gemini"))
		}
		if c.GeminiModel == "" {
			errs = append(errs, errors.New("GEMINI_MODEL is required for llm-provider gemini"))
		}
	case ProviderKeyword:
	default:
		errs = append(errs, fmt.Errorf("invalid LLM_PROVIDER %q (must be one of %v)", c.LLMProvider, providers))
	}
	if c.ClassifyTimeoutSeconds <= 0 || c.ClassifyTimeoutSeconds > 60 {
		errs = append(errs, fmt.Errorf("invalid CLASSIFY_TIMEOUT_SECONDS %d (must be 1..60)", c.ClassifyTimeoutSeconds))
	}

	// Conversation store
	if !slices.Contains(storeBackends, c.StoreBackend) {
		errs = append(errs, fmt.Errorf("invalid STORE %q (must be one of %v)", c.StoreBackend, storeBackends))
	}
	if c.StoreBackend == BackendPostgres && c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required for store postgres"))
	}
	if c.StoreBackend == BackendRedis && c.RedisURL == "" {
		errs = append(errs, errors.New("REDIS_URL is required for store redis"))
	}
	if c.DBSlowQueryMillis < 0 {
		errs = append(errs, fmt.Errorf("invalid DB_SLOW_QUERY_MS %d (must be >= 0)", c.DBSlowQueryMillis))
	}
	if c.ConversationTTLHours < 0 {
		errs = append(errs, fmt.Errorf("invalid CONVERSATION_TTL_HOURS %d (must be >= 0)", c.ConversationTTLHours))
	}

	// Transcript archive
	if !slices.Contains(archiveBackends, c.ArchiveBackend) {
		errs = append(errs, fmt.Errorf("invalid ARCHIVE %q (must be one of %v)", c.ArchiveBackend, archiveBackends))
	}
	if c.ArchiveBackend == BackendPostgres && c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required for archive postgres"))
	}
	if c.ArchiveBackend == BackendSupabase || c.SupabaseURL != "" {
		if c.SupabaseURL == "" || c.SupabaseKey == "" {
			errs = append(errs, errors.New("SUPABASE_URL and SUPABASE_KEY are required for archive supabase"))
		}
		if c.TranscriptBucket == "" {
			errs = append(errs, errors.New("TRANSCRIPT_BUCKET is required for archive supabase"))
		}
	}

	if c.RedisURL != "" && c.NotifyTopic == "" {
		errs = append(errs, errors.New("NOTIFY_TOPIC is required when REDIS_URL is set"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// ResolveStore returns the concrete conversation store backend.
func (c *Config) ResolveStore() string {
	if c.StoreBackend != BackendAuto {
		return c.StoreBackend
	}
	switch {
	case c.DatabaseURL != "":
		return BackendPostgres
	case c.RedisURL != "":
		return BackendRedis
	default:
		return BackendMemory
	}
}

// ResolveArchive returns the concrete transcript archive backend.
func (c *Config) ResolveArchive() string {
	if c.ArchiveBackend != BackendAuto {
		return c.ArchiveBackend
	}
	switch {
	case c.SupabaseURL != "":
		return BackendSupabase
	case c.DatabaseURL != "":
		return BackendPostgres
	default:
		return BackendMemory
	}
}

func isHTTPURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
