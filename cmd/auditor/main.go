// Package main is the offline integrity auditor. It re-verifies the hash
// chain of every unit in the configured store and exits non-zero when any
// trace is broken.
//
// Exit codes: 0 all chains verified, 1 violations found, 2 the audit could
// not run.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/onnwee/custodyledger/internal/audit"
	"github.com/onnwee/custodyledger/internal/chain"
	"github.com/onnwee/custodyledger/internal/config"
	"github.com/onnwee/custodyledger/internal/db"
	"github.com/onnwee/custodyledger/internal/ledger"
	"github.com/onnwee/custodyledger/internal/ledgerstore"
	"github.com/onnwee/custodyledger/internal/unit"
)

const (
	exitClean      = 0
	exitViolations = 1
	exitError      = 2
)

// auditorPrincipal reads units for evidence exports.
var auditorPrincipal = unit.Principal{ID: "integrity-auditor", Role: unit.RoleAuditor, OrgName: "Integrity auditor"}

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// Violation is one broken trace in the report.
type Violation struct {
	UnitID string `json:"unitId"`
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// Report is the auditor output.
type Report struct {
	Checked    int                   `json:"checked"`
	DurationMS int64                 `json:"durationMs"`
	Clean      bool                  `json:"clean"`
	Violations []Violation           `json:"violations"`
	Archived   []audit.ArchiveResult `json:"archived,omitempty"`
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("auditor", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to a YAML config file (environment variables take precedence)")
	unitID := fs.String("unit", "", "verify a single unit instead of the whole store")
	asJSON := fs.Bool("json", false, "print the report as JSON")
	timeout := fs.Duration("timeout", audit.DefaultSweepTimeout, "upper bound for the whole audit")
	archive := fs.Bool("archive-violations", false, "upload a JSON trace export of every violating unit to the evidence archive")
	help := fs.Bool("help", false, "display help message")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitClean
		}
		return exitError
	}

	if *help {
		fmt.Fprintln(stdout, "Custody Ledger Integrity Auditor")
		fmt.Fprintln(stdout)
		fmt.Fprintln(stdout, "Usage: auditor [options]")
		fmt.Fprintln(stdout)
		fmt.Fprintln(stdout, "Options:")
		fs.SetOutput(stdout)
		fs.PrintDefaults()
		return exitClean
	}

	// The auditor never issues or checks tokens.
	cfg, errs := config.Load(*configPath)
	errs = slices.DeleteFunc(errs, func(err error) bool { return errors.Is(err, config.ErrMissingJWTSecret) })
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintf(stderr, "config: %v\n", err)
		}
		return exitError
	}
	if cfg.StoreBackend == ledgerstore.BackendMemory {
		fmt.Fprintln(stderr, "auditor: the memory store backend holds no data to audit; set STORE_BACKEND to file or postgres")
		return exitError
	}

	// stdout carries the report; logs go to stderr.
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	var sqlDB *sql.DB
	if cfg.StoreBackend == ledgerstore.BackendPostgres {
		var err error
		sqlDB, err = db.Open(ctx, cfg.DatabaseURL, db.Options{MaxOpenConns: 4})
		if err != nil {
			fmt.Fprintf(stderr, "auditor: %v\n", err)
			return exitError
		}
		defer sqlDB.Close()
	}

	// Always audit the authoritative store, never a fallback cache.
	storeCfg := cfg.StoreConfig()
	storeCfg.CacheFallback = false
	store, err := ledgerstore.Open(storeCfg, sqlDB, logger, nil)
	if err != nil {
		fmt.Fprintf(stderr, "auditor: open store: %v\n", err)
		return exitError
	}
	engine := ledger.NewEngine(store, ledger.Config{Logger: logger})

	var sweep *audit.SweepReport
	if *unitID != "" {
		sweep, err = verifyOne(ctx, engine, *unitID)
		if err != nil {
			fmt.Fprintf(stderr, "auditor: %v\n", err)
			return exitError
		}
	} else {
		job := audit.NewSweepJob(audit.SweepJobConfig{Timeout: *timeout, Logger: logger}, engine)
		sweep = job.SweepNow(ctx)
		if sweep.Err != nil {
			fmt.Fprintf(stderr, "auditor: sweep did not finish after %d units: %v\n", sweep.Checked, sweep.Err)
			return exitError
		}
	}

	report := buildReport(sweep)

	if *archive && !report.Clean {
		report.Archived, err = archiveViolations(ctx, cfg, engine, report.Violations)
		if err != nil {
			fmt.Fprintf(stderr, "auditor: %v\n", err)
			return exitError
		}
	}

	if err := writeReport(stdout, report, *asJSON); err != nil {
		fmt.Fprintf(stderr, "auditor: write report: %v\n", err)
		return exitError
	}
	if !report.Clean {
		return exitViolations
	}
	return exitClean
}

func verifyOne(ctx context.Context, engine *ledger.Engine, id string) (*audit.SweepReport, error) {
	start := time.Now()
	res, err := engine.CheckIntegrity(ctx, id)
	if err != nil {
		return nil, err
	}
	r := &audit.SweepReport{
		StartedAt: start,
		Duration:  time.Since(start),
		Checked:   1,
		Failures:  map[string]chain.Result{},
	}
	if !res.Valid {
		r.Failures[id] = res
	}
	return r, nil
}

func buildReport(sweep *audit.SweepReport) Report {
	r := Report{
		Checked:    sweep.Checked,
		DurationMS: sweep.Duration.Milliseconds(),
		Clean:      sweep.Clean(),
		Violations: []Violation{},
	}
	for _, id := range sweep.FailedUnitIDs() {
		res := sweep.Failures[id]
		r.Violations = append(r.Violations, Violation{UnitID: id, Index: res.Index, Reason: res.Reason})
	}
	return r
}

// archiveViolations stores a JSON export of each violating unit as evidence.
// The export records the failed chain result alongside the raw trace.
func archiveViolations(ctx context.Context, cfg *config.Config, engine *ledger.Engine, violations []Violation) ([]audit.ArchiveResult, error) {
	if !cfg.ArchiveEnabled() {
		return nil, errors.New("-archive-violations requires ARCHIVE_BUCKET and credentials")
	}
	archiver, err := audit.NewArchiver(audit.ArchiveConfig{
		BucketName:      cfg.ArchiveBucket,
		AccessKeyID:     cfg.ArchiveAccessKeyID,
		SecretAccessKey: cfg.ArchiveSecretAccessKey,
		Endpoint:        cfg.ArchiveEndpoint,
		Region:          cfg.ArchiveRegion,
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	results := make([]audit.ArchiveResult, 0, len(violations))
	for _, v := range violations {
		u, err := engine.GetUnit(ctx, v.UnitID, auditorPrincipal)
		if err != nil {
			return results, fmt.Errorf("load %s: %w", v.UnitID, err)
		}
		data, err := audit.ExportTrace(u, audit.ExportFormatJSON, now)
		if err != nil {
			return results, fmt.Errorf("export %s: %w", v.UnitID, err)
		}
		res, err := archiver.Archive(ctx, v.UnitID, audit.ExportFormatJSON, data)
		if err != nil {
			return results, fmt.Errorf("archive %s: %w", v.UnitID, err)
		}
		results = append(results, *res)
	}
	return results, nil
}

func writeReport(w io.Writer, r Report, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	if _, err := fmt.Fprintf(w, "checked %d units in %dms\n", r.Checked, r.DurationMS); err != nil {
		return err
	}
	for _, v := range r.Violations {
		if _, err := fmt.Fprintf(w, "VIOLATION unit=%s index=%d reason=%q\n", v.UnitID, v.Index, v.Reason); err != nil {
			return err
		}
	}
	for _, a := range r.Archived {
		if _, err := fmt.Fprintf(w, "ARCHIVED bucket=%s key=%s sha256=%s\n", a.Bucket, a.Key, a.SHA256); err != nil {
			return err
		}
	}
	if r.Clean {
		_, err := fmt.Fprintln(w, "all chains verified")
		return err
	}
	_, err := fmt.Fprintf(w, "%d violation(s)\n", len(r.Violations))
	return err
}
