package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// durationFields lists every Config field that carries a Go duration
// string rather than a native time.Duration (mapstructure/viper have no
// duration type, so these round-trip as plain strings and are parsed on
// first use, the same convention the teacher's config.go uses for
// WorkflowConfig.Timeout and StateConfig.LockTTL).
var durationFields = map[string]func(*Config) string{
	"worker.queue_visibility_timeout":   func(c *Config) string { return c.Worker.VisibilityTimeout },
	"worker.queue_poll_interval":        func(c *Config) string { return c.Worker.PollInterval },
	"worker.queue_retry_delay":          func(c *Config) string { return c.Worker.RetryDelay },
	"cycle.phase_timeout":               func(c *Config) string { return c.Cycle.PhaseTimeout },
	"ci_poller.ci_poll_interval":        func(c *Config) string { return c.CIPoller.Interval },
	"ci_poller.ci_poll_overall_timeout": func(c *Config) string { return c.CIPoller.OverallTimeout },
	"output.output_cleanup_after":       func(c *Config) string { return c.Output.CleanupAfter },
}

// Validate checks struct-level constraints via go-playground/validator
// tags, then the semantic checks tags alone can't express: that every
// duration field parses, and that repository full names are unique.
func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	var problems []string
	for field, get := range durationFields {
		if _, err := time.ParseDuration(get(cfg)); err != nil {
			problems = append(problems, fmt.Sprintf("%s: invalid duration %q: %v", field, get(cfg), err))
		}
	}

	seen := make(map[string]bool, len(cfg.Repositories))
	for _, repo := range cfg.Repositories {
		if seen[repo.FullName] {
			problems = append(problems, fmt.Sprintf("repositories: duplicate full_name %q", repo.FullName))
		}
		seen[repo.FullName] = true
	}

	if len(problems) > 0 {
		return fmt.Errorf("validating config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Durations holds every Config duration field already parsed into its
// native time.Duration, for the components that consume Config.
type Durations struct {
	VisibilityTimeout  time.Duration
	PollInterval       time.Duration
	RetryDelay         time.Duration
	PhaseTimeout       time.Duration
	CIPollInterval     time.Duration
	CIPollTimeout      time.Duration
	OutputCleanupAfter time.Duration
}

// MustParseDurations parses every duration field on cfg, assuming
// Validate(cfg) has already been called successfully.
func MustParseDurations(cfg *Config) Durations {
	parse := func(s string) time.Duration {
		d, err := time.ParseDuration(s)
		if err != nil {
			panic(fmt.Sprintf("config: invalid duration %q passed Validate: %v", s, err))
		}
		return d
	}
	return Durations{
		VisibilityTimeout:  parse(cfg.Worker.VisibilityTimeout),
		PollInterval:       parse(cfg.Worker.PollInterval),
		RetryDelay:         parse(cfg.Worker.RetryDelay),
		PhaseTimeout:       parse(cfg.Cycle.PhaseTimeout),
		CIPollInterval:     parse(cfg.CIPoller.Interval),
		CIPollTimeout:      parse(cfg.CIPoller.OverallTimeout),
		OutputCleanupAfter: parse(cfg.Output.CleanupAfter),
	}
}
