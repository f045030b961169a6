package jobs

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var _ Reporter = (*Metrics)(nil)

func TestMetrics_Register(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := NewMetrics().Register(reg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := NewMetrics().Register(reg); err == nil {
		t.Error("registering a second set on one registry should fail")
	}
}

func TestReport(t *testing.T) {
	tests := []struct {
		name       string
		jobType    string
		errorTypes []string
		wantStatus string
	}{
		{"clean sweep", JobTypeIntegritySweep, nil, StatusSuccess},
		{"sweep with violations", JobTypeIntegritySweep, []string{"integrity_violation"}, StatusFailure},
		{"sweep timed out with violations", JobTypeIntegritySweep, []string{"timeout", "integrity_violation"}, StatusFailure},
		{"purge store down", JobTypeIdempotencyPurge, []string{"store_error"}, StatusFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMetrics()
			Report(m, tt.jobType, 1500*time.Millisecond, tt.errorTypes...)

			if got := testutil.ToFloat64(m.runs.WithLabelValues(tt.jobType, tt.wantStatus)); got != 1 {
				t.Errorf("runs{%s} = %v, want 1", tt.wantStatus, got)
			}
			if got := testutil.CollectAndCount(m.runs); got != 1 {
				t.Errorf("run series = %d, want 1", got)
			}
			for _, et := range tt.errorTypes {
				if got := testutil.ToFloat64(m.errors.WithLabelValues(tt.jobType, et)); got != 1 {
					t.Errorf("errors{%s} = %v, want 1", et, got)
				}
			}
			if got := testutil.CollectAndCount(m.duration); got != 1 {
				t.Errorf("duration series = %d, want 1", got)
			}
		})
	}
}

func TestReport_NilReporter(t *testing.T) {
	Report(nil, JobTypeIdempotencyPurge, time.Second, "store_error")
}
