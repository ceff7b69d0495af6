package cycle

import "time"

// Limits bounds how many times the cycle re-enters coding before giving
// up, and what counts as an acceptable review. Mirrors
// original_source's IterationLimits/AgenticConfig, flattened into one
// struct since this module has no separate per-user settings layer yet.
type Limits struct {
	MaxCIIterations        int
	MaxReviewIterations    int
	MaxTotalIterations     int
	WarnIterationThreshold int
	MinReviewScore         float64
	PhaseTimeout           time.Duration

	// RunWaitTimeout/RunPollInterval and ReviewWaitTimeout/
	// ReviewPollInterval bound _wait_for_run/_wait_for_review's
	// polling loop. Exposed on Limits (rather than fixed constants) so
	// tests can poll on a millisecond cadence instead of the production
	// defaults.
	RunWaitTimeout      time.Duration
	RunPollInterval     time.Duration
	ReviewWaitTimeout   time.Duration
	ReviewPollInterval  time.Duration
}

// DefaultLimits returns the budgets spec §6's configuration surface
// names as defaults, matching original_source's settings defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxCIIterations:        3,
		MaxReviewIterations:    3,
		MaxTotalIterations:     10,
		WarnIterationThreshold: 7,
		MinReviewScore:         0.7,
		PhaseTimeout:           30 * time.Minute,
		RunWaitTimeout:         30 * time.Minute,
		RunPollInterval:        5 * time.Second,
		ReviewWaitTimeout:      10 * time.Minute,
		ReviewPollInterval:     2 * time.Second,
	}
}

// EnqueueMaxAttempts bounds retries for the Run/Review jobs the cycle
// engine enqueues; the cycle engine itself decides whether to re-enter
// coding, so a single queue-level attempt is enough — a job failure here
// already means the handler caught and terminalized the domain record.
const EnqueueMaxAttempts = 1

// errorLogTruncateLen bounds how much of a failing CI job's error log
// is folded into the fix instruction (spec §4.9's "fixing-ci").
const errorLogTruncateLen = 2000
