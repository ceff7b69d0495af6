package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/forgepilot/forgepilot/internal/domain"
)

func TestRegistry_ExposesRecordedValues(t *testing.T) {
	r := New()

	r.SetQueueDepth(domain.JobKindRunExecute, domain.JobStatusQueued, 3)
	r.IncJobsTotal(domain.JobKindRunExecute, "succeeded")
	r.ObserveJobDurationSeconds(domain.JobKindRunExecute, 12.5)
	r.SetActiveWorkers(2)
	r.SetCyclesInPhase(domain.PhaseReviewing, 1)
	r.ObserveLeaseAgeSeconds(domain.JobKindReviewExecute, 4.0)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	r.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	for _, want := range []string{
		"forgepilot_queue_depth",
		"forgepilot_queue_jobs_total",
		"forgepilot_worker_job_duration_seconds",
		"forgepilot_worker_active",
		"forgepilot_cycle_tasks_in_phase",
		"forgepilot_queue_lease_age_seconds",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestRegistry_LabelsDistinguishKinds(t *testing.T) {
	r := New()

	r.SetQueueDepth(domain.JobKindRunExecute, domain.JobStatusQueued, 5)
	r.SetQueueDepth(domain.JobKindReviewExecute, domain.JobStatusQueued, 2)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	if !strings.Contains(body, `kind="run-execute"`) {
		t.Error("expected run-execute label in output")
	}
	if !strings.Contains(body, `kind="review-execute"`) {
		t.Error("expected review-execute label in output")
	}
}
