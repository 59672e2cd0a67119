package cfg

import (
	"errors"
	"flag"
	"fmt"
)

// Config holds the service's own configuration fields, bound to flags and
// filled from the environment by go-core/cfg.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int

	ClaudeAPIKey string
	ClaudeModel  string

	DatabaseURL string

	APIToken string

	ReputationEndpoint string
	ReputationAPIKey   string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	IntelTTLMinutes     int
	IntelTimeoutSeconds int

	ConfidenceThreshold    int
	AgentTimeoutSeconds    int
	PipelineTimeoutMinutes int
	PhaseRetries           int
	PhaseBackoffMillis     int

	SiemEndpointsFile   string
	DispatchBaseSeconds int
	DispatchMaxAttempts int
	DispatchCapMinutes  int

	SlackWebhookURL string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for accessing the Claude LLM provider")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model backing the analysis agents")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on API requests (empty = no auth)")
	fs.StringVar(&c.ReputationEndpoint, "reputation-endpoint", "", "threat-intel reputation service base URL (empty = indicators resolve unknown)")
	fs.StringVar(&c.ReputationAPIKey, "reputation-api-key", "", "API key for the reputation service")
	fs.StringVar(&c.RedisAddr, "redis-addr", "", "Redis address for the shared intel cache (empty = in-process cache)")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "Redis password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "Redis database number")
	fs.IntVar(&c.IntelTTLMinutes, "intel-ttl-minutes", 15, "threat-intel cache TTL in minutes (1..1440)")
	fs.IntVar(&c.IntelTimeoutSeconds, "intel-timeout-seconds", 10, "per-indicator reputation lookup timeout in seconds (1..120)")
	fs.IntVar(&c.ConfidenceThreshold, "confidence-threshold", 70, "minimum confidence for automated classification (1..100)")
	fs.IntVar(&c.AgentTimeoutSeconds, "agent-timeout-seconds", 30, "per-agent analysis timeout in seconds (1..300)")
	fs.IntVar(&c.PipelineTimeoutMinutes, "pipeline-timeout-minutes", 5, "overall per-incident analysis timeout in minutes (1..60)")
	fs.IntVar(&c.PhaseRetries, "phase-retries", 2, "additional attempts per synthesis phase (0..10)")
	fs.IntVar(&c.PhaseBackoffMillis, "phase-backoff-millis", 500, "pause before a synthesis phase retry in milliseconds")
	fs.StringVar(&c.SiemEndpointsFile, "siem-endpoints-file", "", "YAML file mapping SIEM types to delivery endpoints (empty = deliveries recorded not-configured)")
	fs.IntVar(&c.DispatchBaseSeconds, "dispatch-base-seconds", 5, "first SIEM delivery retry delay in seconds (1..300)")
	fs.IntVar(&c.DispatchMaxAttempts, "dispatch-max-attempts", 5, "total SIEM delivery attempts before permanent failure (1..10)")
	fs.IntVar(&c.DispatchCapMinutes, "dispatch-cap-minutes", 5, "maximum SIEM delivery retry delay in minutes (1..60)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for notifications")
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

	// Claude access is required: every analysis phase runs on it
	if c.ClaudeAPIKey == "" {
		errs = append(errs, errors.New("CLAUDE_API_KEY is required"))
	}
	if c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required"))
	}

	if c.ReputationEndpoint == "" && c.ReputationAPIKey != "" {
		errs = append(errs, errors.New("REPUTATION_API_KEY is set but REPUTATION_ENDPOINT is empty"))
	}

	if c.IntelTTLMinutes <= 0 || c.IntelTTLMinutes > 1440 {
		errs = append(errs, fmt.Errorf("invalid INTEL_TTL_MINUTES %d (must be 1..1440)", c.IntelTTLMinutes))
	}
	if c.IntelTimeoutSeconds <= 0 || c.IntelTimeoutSeconds > 120 {
		errs = append(errs, fmt.Errorf("invalid INTEL_TIMEOUT_SECONDS %d (must be 1..120)", c.IntelTimeoutSeconds))
	}

	if c.ConfidenceThreshold <= 0 || c.ConfidenceThreshold > 100 {
		errs = append(errs, fmt.Errorf("invalid CONFIDENCE_THRESHOLD %d (must be 1..100)", c.ConfidenceThreshold))
	}
	if c.AgentTimeoutSeconds <= 0 || c.AgentTimeoutSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid AGENT_TIMEOUT_SECONDS %d (must be 1..300)", c.AgentTimeoutSeconds))
	}
	if c.PipelineTimeoutMinutes <= 0 || c.PipelineTimeoutMinutes > 60 {
		errs = append(errs, fmt.Errorf("invalid PIPELINE_TIMEOUT_MINUTES %d (must be 1..60)", c.PipelineTimeoutMinutes))
	}
	if c.PhaseRetries < 0 || c.PhaseRetries > 10 {
		errs = append(errs, fmt.Errorf("invalid PHASE_RETRIES %d (must be 0..10)", c.PhaseRetries))
	}
	if c.PhaseBackoffMillis < 0 {
		errs = append(errs, fmt.Errorf("invalid PHASE_BACKOFF_MILLIS %d (must be >= 0)", c.PhaseBackoffMillis))
	}

	if c.DispatchBaseSeconds <= 0 || c.DispatchBaseSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DISPATCH_BASE_SECONDS %d (must be 1..300)", c.DispatchBaseSeconds))
	}
	if c.DispatchMaxAttempts <= 0 || c.DispatchMaxAttempts > 10 {
		errs = append(errs, fmt.Errorf("invalid DISPATCH_MAX_ATTEMPTS %d (must be 1..10)", c.DispatchMaxAttempts))
	}
	if c.DispatchCapMinutes <= 0 || c.DispatchCapMinutes > 60 {
		errs = append(errs, fmt.Errorf("invalid DISPATCH_CAP_MINUTES %d (must be 1..60)", c.DispatchCapMinutes))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
