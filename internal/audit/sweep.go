package audit

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/onnwee/custodyledger/internal/chain"
	"github.com/onnwee/custodyledger/internal/jobs"
)

// Verifier verifies every unit in the ledger and returns the failures keyed
// by unit ID with the number of units checked.
type Verifier interface {
	VerifyAll(ctx context.Context) (map[string]chain.Result, int, error)
}

// SweepJobConfig configures the integrity sweep job.
type SweepJobConfig struct {
	// Interval is the duration between sweeps.
	Interval time.Duration
	// Timeout bounds a single sweep.
	Timeout time.Duration
	Logger  *slog.Logger
	// JobMetrics for centralized background job tracking.
	JobMetrics jobs.Reporter
}

// DefaultSweepInterval is the default interval between sweeps.
const DefaultSweepInterval = 15 * time.Minute

// DefaultSweepTimeout is the default timeout for a single sweep.
const DefaultSweepTimeout = 5 * time.Minute

// SweepReport summarizes one sweep.
type SweepReport struct {
	StartedAt time.Time               `json:"startedAt"`
	Duration  time.Duration           `json:"duration"`
	Checked   int                     `json:"checked"`
	Failures  map[string]chain.Result `json:"failures"`
	// Err is set when the sweep could not finish.
	Err error `json:"-"`
}

// FailedUnitIDs returns the failing unit IDs in sorted order.
func (r *SweepReport) FailedUnitIDs() []string {
	ids := make([]string, 0, len(r.Failures))
	for id := range r.Failures {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clean reports whether the sweep finished and every chain verified.
func (r *SweepReport) Clean() bool {
	return r.Err == nil && len(r.Failures) == 0
}

// SweepJob periodically re-verifies the hash chain of every unit. Violations
// are logged and counted; traces are never repaired.
type SweepJob struct {
	config   SweepJobConfig
	verifier Verifier

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	last    *SweepReport
}

// NewSweepJob creates a new integrity sweep job.
func NewSweepJob(config SweepJobConfig, verifier Verifier) *SweepJob {
	if config.Interval == 0 {
		config.Interval = DefaultSweepInterval
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultSweepTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &SweepJob{config: config, verifier: verifier}
}

// Start begins the periodic sweep.
// Returns immediately; the job runs in a background goroutine.
func (j *SweepJob) Start(ctx context.Context) error {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return nil
	}
	j.running = true
	j.stopCh = make(chan struct{})
	j.doneCh = make(chan struct{})
	j.mu.Unlock()

	go j.run(ctx)
	return nil
}

// Stop signals the job to stop and waits for it to finish.
func (j *SweepJob) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	stopCh := j.stopCh
	doneCh := j.doneCh
	j.mu.Unlock()

	close(stopCh)
	<-doneCh

	j.mu.Lock()
	j.running = false
	j.mu.Unlock()
}

// IsRunning returns whether the job is currently running.
func (j *SweepJob) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

// LastReport returns the most recent sweep report, or nil before the first.
func (j *SweepJob) LastReport() *SweepReport {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.last
}

func (j *SweepJob) run(ctx context.Context) {
	defer close(j.doneCh)

	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.config.Logger.Info("integrity sweep job stopping due to context cancellation")
			return
		case <-j.stopCh:
			j.config.Logger.Info("integrity sweep job stopping due to stop signal")
			return
		case <-ticker.C:
			j.SweepNow(ctx)
		}
	}
}

// SweepNow runs one sweep immediately and returns its report.
func (j *SweepJob) SweepNow(parentCtx context.Context) *SweepReport {
	ctx, cancel := context.WithTimeout(parentCtx, j.config.Timeout)
	defer cancel()

	start := time.Now()
	failures, checked, err := j.verifier.VerifyAll(ctx)
	report := &SweepReport{
		StartedAt: start,
		Duration:  time.Since(start),
		Checked:   checked,
		Failures:  failures,
		Err:       err,
	}
	if report.Failures == nil {
		report.Failures = map[string]chain.Result{}
	}

	var errTypes []string
	if err != nil {
		errType := "store_error"
		if ctx.Err() != nil {
			errType = "timeout"
		}
		errTypes = append(errTypes, errType)
		j.config.Logger.Error("integrity sweep did not finish",
			"checked", checked,
			"error", err,
			"timeout", j.config.Timeout)
	}
	if len(report.Failures) > 0 {
		errTypes = append(errTypes, "integrity_violation")
		j.config.Logger.Error("integrity sweep found violations",
			"violations", len(report.Failures),
			"unit_ids", report.FailedUnitIDs())
	}
	jobs.Report(j.config.JobMetrics, jobs.JobTypeIntegritySweep, report.Duration, errTypes...)

	j.config.Logger.Info("integrity sweep completed",
		"duration_seconds", report.Duration.Seconds(),
		"units_checked", checked,
		"violations", len(report.Failures))

	j.mu.Lock()
	j.last = report
	j.mu.Unlock()
	return report
}
