package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerExposesCounters(t *testing.T) {
	Reset()
	IncJobsCreated()
	IncJobsCompleted()
	IncJobsFailed("echo")
	SetDLQDepth(3)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{
		"dtq_jobs_created_total",
		"dtq_jobs_completed_total",
		"dtq_jobs_failed_total",
		"dtq_dlq_depth",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected metrics output to contain %q", want)
		}
	}
}

func TestResetClearsState(t *testing.T) {
	Reset()
	IncJobsCreated()
	Reset()

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, req)

	if strings.Contains(w.Body.String(), "dtq_jobs_created_total 1") {
		t.Errorf("expected counter to be reset to 0")
	}
}
