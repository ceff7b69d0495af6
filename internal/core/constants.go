// Package core holds the cross-cutting primitives shared by every
// component: structured domain errors and a small set of identifiers
// used across package boundaries. Phase, job-kind and entity types live
// in internal/domain, which depends on core rather than the reverse.
package core

// Executor identifiers. An executor is a coding-agent CLI that the Agent
// Runner (C5) drives as a subprocess for the duration of a single Run.
const (
	ExecutorClaudeCode = "claude-code"
	ExecutorCodexCLI   = "codex-cli"
	ExecutorGeminiCLI  = "gemini-cli"
	ExecutorPatchAgent = "patch-agent"
)

// Executors is the ordered list of all supported executor kinds.
var Executors = []string{
	ExecutorClaudeCode,
	ExecutorCodexCLI,
	ExecutorGeminiCLI,
	ExecutorPatchAgent,
}

// ValidExecutors is a map for O(1) executor-kind validation.
var ValidExecutors = map[string]bool{
	ExecutorClaudeCode: true,
	ExecutorCodexCLI:   true,
	ExecutorGeminiCLI:  true,
	ExecutorPatchAgent: true,
}

// IsValidExecutor checks if the given executor kind is valid.
func IsValidExecutor(kind string) bool {
	return ValidExecutors[kind]
}

// Codex reasoning effort levels (via -c model_reasoning_effort="level").
var CodexReasoningEfforts = []string{"minimal", "low", "medium", "high", "xhigh"}

var ValidCodexReasoningEfforts = map[string]bool{
	"minimal": true,
	"low":     true,
	"medium":  true,
	"high":    true,
	"xhigh":   true,
}

// Claude effort levels (via CLAUDE_CODE_EFFORT_LEVEL env var).
var ClaudeReasoningEfforts = []string{"low", "medium", "high", "max"}

var ValidClaudeReasoningEfforts = map[string]bool{
	"low":    true,
	"medium": true,
	"high":   true,
	"max":    true,
}

// AllReasoningEfforts is the union of all valid effort values across executors.
var AllReasoningEfforts = []string{"minimal", "low", "medium", "high", "xhigh", "max"}

var ValidReasoningEfforts = map[string]bool{
	"minimal": true,
	"low":     true,
	"medium":  true,
	"high":    true,
	"xhigh":   true,
	"max":     true,
}

// IsValidReasoningEffort checks if the given reasoning effort is valid for any executor.
func IsValidReasoningEffort(effort string) bool {
	return ValidReasoningEfforts[effort]
}

// ExecutorsWithReasoning lists executors that support extended thinking/reasoning effort.
var ExecutorsWithReasoning = []string{
	ExecutorClaudeCode,
	ExecutorCodexCLI,
}

// SupportsReasoning checks if an executor supports reasoning effort configuration.
func SupportsReasoning(kind string) bool {
	for _, k := range ExecutorsWithReasoning {
		if k == kind {
			return true
		}
	}
	return false
}

// CodexModelMaxReasoning maps Codex models to their maximum supported reasoning effort.
// Models not in this map default to "high".
var CodexModelMaxReasoning = map[string]string{
	"gpt-5.3-codex":      "xhigh",
	"gpt-5.2-codex":      "xhigh",
	"gpt-5.2":            "xhigh",
	"gpt-5.1-codex-max":  "xhigh",
	"gpt-5.1-codex":      "high",
	"gpt-5.1-codex-mini": "high",
	"gpt-5.1":            "high",
	"gpt-5-codex":        "high",
	"gpt-5-codex-mini":   "high",
	"gpt-5":              "high",
}

// Claude CLI effort levels, configured via CLAUDE_CODE_EFFORT_LEVEL.
const (
	ClaudeEffortLow    = "low"
	ClaudeEffortMedium = "medium"
	ClaudeEffortHigh   = "high"
	ClaudeEffortMax    = "max"
)

// ClaudeModelMaxEffort maps Claude models to their maximum supported effort level.
var ClaudeModelMaxEffort = map[string]string{
	"claude-opus-4-6": ClaudeEffortMax,
	"opus":            ClaudeEffortMax,
}

// GetMaxReasoningEffort returns the maximum reasoning effort supported by a Codex model.
func GetMaxReasoningEffort(model string) string {
	if maxReasoning, ok := CodexModelMaxReasoning[model]; ok {
		return maxReasoning
	}
	return "high"
}

// GetMaxClaudeEffort returns the maximum effort level supported by a Claude model.
func GetMaxClaudeEffort(model string) string {
	if maxEffort, ok := ClaudeModelMaxEffort[model]; ok {
		return maxEffort
	}
	return ""
}

// =============================================================================
// Model Configuration (Centralized Source of Truth)
// =============================================================================

// ExecutorModels maps each executor kind to its supported models.
var ExecutorModels = map[string][]string{
	ExecutorClaudeCode: {
		"claude-opus-4-6",
		"claude-sonnet-4-5-20250929",
		"claude-haiku-4-5-20251001",
		"claude-opus-4-20250514",
		"claude-opus-4-1-20250805",
		"claude-sonnet-4-20250514",
		"opus",
		"sonnet",
		"haiku",
	},
	ExecutorGeminiCLI: {
		"gemini-2.5-pro",
		"gemini-2.5-flash",
		"gemini-2.5-flash-lite",
		"gemini-2.0-flash",
		"gemini-2.0-flash-lite",
		"gemini-3-pro-preview",
		"gemini-3-flash-preview",
	},
	ExecutorCodexCLI: {
		"gpt-5.3-codex",
		"gpt-5.2-codex",
		"gpt-5.2",
		"gpt-5.1-codex-max",
		"gpt-5.1-codex",
		"gpt-5.1-codex-mini",
		"gpt-5.1",
		"gpt-5-codex",
		"gpt-5-codex-mini",
		"gpt-5",
	},
	// patch-agent consumes a unified diff produced by a reviewer and does
	// not invoke a model of its own; it has no model list.
	ExecutorPatchAgent: {},
}

// ExecutorDefaultModels maps each executor kind to its default model.
var ExecutorDefaultModels = map[string]string{
	ExecutorClaudeCode: "sonnet",
	ExecutorGeminiCLI:  "gemini-2.5-flash",
	ExecutorCodexCLI:   "gpt-5.3-codex",
}

// GetSupportedModels returns the list of supported models for an executor kind.
func GetSupportedModels(kind string) []string {
	return ExecutorModels[kind]
}

// GetDefaultModel returns the default model for an executor kind.
func GetDefaultModel(kind string) string {
	return ExecutorDefaultModels[kind]
}

// IsValidModel checks if a model is valid for a given executor kind.
func IsValidModel(kind, model string) bool {
	for _, m := range ExecutorModels[kind] {
		if m == model {
			return true
		}
	}
	return false
}

// Log levels
const (
	LogDebug = "debug"
	LogInfo  = "info"
	LogWarn  = "warn"
	LogError = "error"
)

// LogLevels is the ordered list of log levels.
var LogLevels = []string{LogDebug, LogInfo, LogWarn, LogError}

// Log formats
const (
	LogFormatAuto = "auto"
	LogFormatText = "text"
	LogFormatJSON = "json"
)

// LogFormats is the ordered list of log formats.
var LogFormats = []string{LogFormatAuto, LogFormatText, LogFormatJSON}

// Persistence backends for internal/store.
const (
	StoreBackendSQLite   = "sqlite"
	StoreBackendPostgres = "postgres"
)

// StoreBackends is the ordered list of supported persistence backends.
var StoreBackends = []string{StoreBackendSQLite, StoreBackendPostgres}

// Queue backends for internal/queue.
const (
	QueueBackendSQL   = "sql"
	QueueBackendRedis = "redis"
)

// QueueBackends is the ordered list of supported queue backends.
var QueueBackends = []string{QueueBackendSQL, QueueBackendRedis}

// Merge strategies used by the Repository Driver's merge call.
const (
	MergeStrategyMerge  = "merge"
	MergeStrategySquash = "squash"
	MergeStrategyRebase = "rebase"
)

// MergeStrategies is the ordered list of merge strategies.
var MergeStrategies = []string{MergeStrategyMerge, MergeStrategySquash, MergeStrategyRebase}

// Coding modes, selecting whether a Task is driven through a single
// cycle-to-merge run or the full autonomous cycle engine.
const (
	CodingModeSingleShot = "single_shot"
	CodingModeAutonomous = "autonomous"
)

// CodingModes is the ordered list of supported coding modes.
var CodingModes = []string{CodingModeSingleShot, CodingModeAutonomous}

// Autonomy levels controlling whether the cycle engine pauses for a human
// decision before merging.
const (
	AutonomyLevelSemiAuto = "semi_auto"
	AutonomyLevelFullAuto = "full_auto"
)

// AutonomyLevels is the ordered list of supported autonomy levels.
var AutonomyLevels = []string{AutonomyLevelSemiAuto, AutonomyLevelFullAuto}
