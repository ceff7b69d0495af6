package config

// DefaultConfigYAML is written to disk by `forgepilotctl init` (and
// used as the in-memory fallback when no config file is found) so an
// operator always starts from a working, fully-commented example.
const DefaultConfigYAML = `# forgepilot daemon configuration
# Values not specified here fall back to the defaults set in
# internal/config/loader.go.

log:
  level: info
  format: auto

store:
  driver: sqlite
  dsn: .forgepilot/store.db

queue:
  driver: sqlite
  dsn: .forgepilot/queue.db

workspace:
  base_dir: .forgepilot/workspaces
  use_shallow_clone: true

agents:
  claude_code_path: claude
  codex_cli_path: codex
  gemini_cli_path: gemini
  git_path: git
  wall_clock:
    claude-code: 30m
    codex-cli: 30m
    gemini-cli: 30m
    patch-agent: 30m

worker:
  max_concurrent_jobs: 4
  queue_visibility_timeout: 5m
  queue_poll_interval: 500ms
  queue_retry_delay: 30s

cycle:
  max_ci_iterations: 5
  max_review_iterations: 5
  max_total_iterations: 15
  warn_iteration_threshold: 10
  min_review_score: 0.7
  phase_timeout: 2h
  merge_method: squash
  merge_delete_branch: true

ci_poller:
  ci_poll_interval: 15s
  ci_poll_overall_timeout: 45m

output:
  output_max_history: 1000
  output_cleanup_after: 1h
  output_max_queue_size: 256

metrics:
  listen_addr: "127.0.0.1:9090"

# slack:
#   token: xoxb-...
#   channel: "#forgepilot"

# anthropic:
#   api_key: sk-ant-...
#   model: claude-3-5-haiku-20241022

repositories: []
`
