package config

// Config holds forgepilotd's full runtime configuration: where the
// relational store and job queue live, which repositories the daemon
// drives, the agent CLI binaries it shells out to, and the budgets and
// optional integrations the Autonomous Cycle Engine (C9) reads.
type Config struct {
	Log          LogConfig          `mapstructure:"log" validate:"required"`
	Store        StoreConfig        `mapstructure:"store" validate:"required"`
	Queue        QueueConfig        `mapstructure:"queue" validate:"required"`
	Workspace    WorkspaceConfig    `mapstructure:"workspace" validate:"required"`
	Agents       AgentsConfig       `mapstructure:"agents"`
	Worker       WorkerConfig       `mapstructure:"worker" validate:"required"`
	Cycle        CycleConfig        `mapstructure:"cycle" validate:"required"`
	CIPoller     CIPollerConfig     `mapstructure:"ci_poller" validate:"required"`
	Output       OutputConfig       `mapstructure:"output" validate:"required"`
	Slack        SlackConfig        `mapstructure:"slack"`
	Anthropic    AnthropicConfig    `mapstructure:"anthropic"`
	Metrics      MetricsConfig      `mapstructure:"metrics" validate:"required"`
	Repositories []RepositoryConfig `mapstructure:"repositories" validate:"dive"`
}

// LogConfig configures the daemon's structured logger.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=auto text json"`
	File   string `mapstructure:"file"`
}

// StoreConfig selects and configures the relational persistence backend
// (C1-C9's shared store) — embedded SQLite or networked Postgres.
type StoreConfig struct {
	Driver string `mapstructure:"driver" validate:"required,oneof=sqlite postgres"`
	// DSN is a SQLite file path when Driver is sqlite, or a
	// postgres:// connection string when Driver is postgres.
	DSN string `mapstructure:"dsn" validate:"required"`
}

// QueueConfig selects and configures the Durable Queue (C1) backend —
// embedded SQLite, networked Postgres, or Redis.
type QueueConfig struct {
	Driver string `mapstructure:"driver" validate:"required,oneof=sqlite postgres redis"`
	// DSN is a SQLite file path or postgres:// DSN for the sql drivers,
	// ignored for redis.
	DSN string `mapstructure:"dsn"`
	// RedisAddr is the "host:port" address used when Driver is redis.
	RedisAddr string `mapstructure:"redis_addr" validate:"required_if=Driver redis"`
	// RedisDB selects the logical Redis database.
	RedisDB int `mapstructure:"redis_db"`
}

// WorkspaceConfig configures the Workspace Manager (C3).
type WorkspaceConfig struct {
	BaseDir         string `mapstructure:"base_dir" validate:"required"`
	UseShallowClone bool   `mapstructure:"use_shallow_clone"`
}

// AgentsConfig configures the Agent Runner's (C5) resolved CLI binary
// paths. A blank field falls back to the adapter's conventional name.
type AgentsConfig struct {
	ClaudeCodePath string `mapstructure:"claude_code_path"`
	CodexCLIPath   string `mapstructure:"codex_cli_path"`
	GeminiCLIPath  string `mapstructure:"gemini_cli_path"`
	GitPath        string `mapstructure:"git_path"`
	// WallClock bounds one agent invocation per executor kind,
	// formatted as a Go duration string (e.g. "30m").
	WallClock map[string]string `mapstructure:"wall_clock"`
}

// WorkerConfig configures the Worker Pool (C2).
type WorkerConfig struct {
	MaxConcurrentJobs int `mapstructure:"max_concurrent_jobs" validate:"required,gt=0"`
	// VisibilityTimeout and PollInterval and RetryDelay are Go duration
	// strings (e.g. "30s", "500ms"), validated by Validate.
	VisibilityTimeout string `mapstructure:"queue_visibility_timeout" validate:"required"`
	PollInterval      string `mapstructure:"queue_poll_interval" validate:"required"`
	RetryDelay        string `mapstructure:"queue_retry_delay" validate:"required"`
}

// CycleConfig configures the Autonomous Cycle Engine's (C9) budgets and
// merge behavior, translated into cycle.Limits at startup.
type CycleConfig struct {
	MaxCIIterations        int     `mapstructure:"max_ci_iterations" validate:"required,gt=0"`
	MaxReviewIterations    int     `mapstructure:"max_review_iterations" validate:"required,gt=0"`
	MaxTotalIterations     int     `mapstructure:"max_total_iterations" validate:"required,gt=0"`
	WarnIterationThreshold int     `mapstructure:"warn_iteration_threshold" validate:"required,gt=0"`
	MinReviewScore         float64 `mapstructure:"min_review_score" validate:"gte=0,lte=1"`
	PhaseTimeout           string  `mapstructure:"phase_timeout" validate:"required"`
	MergeMethod            string  `mapstructure:"merge_method" validate:"required,oneof=merge squash rebase"`
	MergeDeleteBranch      bool    `mapstructure:"merge_delete_branch"`
}

// CIPollerConfig configures the CI Status Poller (C10).
type CIPollerConfig struct {
	Interval       string `mapstructure:"ci_poll_interval" validate:"required"`
	OverallTimeout string `mapstructure:"ci_poll_overall_timeout" validate:"required"`
}

// OutputConfig configures the Output Multiplexer (C6).
type OutputConfig struct {
	MaxHistory   int    `mapstructure:"output_max_history" validate:"gt=0"`
	CleanupAfter string `mapstructure:"output_cleanup_after" validate:"required"`
	MaxQueueSize int    `mapstructure:"output_max_queue_size" validate:"gt=0"`
}

// SlackConfig configures the task-notification integration. A blank
// Token disables notifications (internal/notify degrades to a no-op).
type SlackConfig struct {
	Token   string `mapstructure:"token"`
	Channel string `mapstructure:"channel" validate:"required_with=Token"`
}

// AnthropicConfig configures the commit-message translation helper. A
// blank APIKey disables translation (internal/llm degrades to a
// passthrough).
type AnthropicConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

// MetricsConfig configures the internal Prometheus metrics listener. A
// blank ListenAddr disables the listener entirely.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// RepositoryConfig names one repository the daemon drives Tasks
// against. DefaultBranch may be left blank: the daemon resolves it
// from the host on first sight of the repository.
type RepositoryConfig struct {
	FullName      string `mapstructure:"full_name" validate:"required"`
	RemoteURL     string `mapstructure:"remote_url" validate:"required"`
	DefaultBranch string `mapstructure:"default_branch"`
}
