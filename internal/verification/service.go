package verification

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/custodyledger/internal/chain"
	"github.com/onnwee/custodyledger/internal/pos"
	"github.com/onnwee/custodyledger/internal/unit"
)

// Ledger is the part of the ledger engine a verification reads.
type Ledger interface {
	CheckSale(ctx context.Context, unitID, scannerID string) (pos.Result, error)
	CheckIntegrity(ctx context.Context, unitID string) (chain.Result, error)
}

// Service runs and records verifications.
type Service struct {
	repo   Repository
	ledger Ledger
	logger *slog.Logger
	clock  func() time.Time
	newID  func() string
}

// NewService creates a service.
func NewService(repo Repository, l Ledger, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:   repo,
		ledger: l,
		logger: logger,
		clock:  time.Now,
		newID:  func() string { return uuid.New().String() },
	}
}

// SubmitRequest asks for one unit to be verified.
type SubmitRequest struct {
	UnitID    string
	ScannerID string
	Requester unit.Principal
}

// Submit runs the verification synchronously and records it. Unknown units
// complete with a BLOCKED verdict. When the ledger cannot be read the
// request is recorded as FAILED and the store error is returned with it.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Request, error) {
	if strings.TrimSpace(req.UnitID) == "" {
		return nil, &unit.ValidationError{Field: "unitId", Message: "required"}
	}
	if req.Requester.ID == "" {
		return nil, &unit.ValidationError{Field: "requester", Message: "required"}
	}

	r := Request{
		ID:          s.newID(),
		UnitID:      req.UnitID,
		RequesterID: req.Requester.ID,
		ScannerID:   req.ScannerID,
		ChainIndex:  -1,
		CreatedAt:   s.clock().UTC(),
	}

	runErr := s.run(ctx, &r)
	completed := s.clock().UTC()
	r.CompletedAt = &completed

	if err := s.repo.Create(ctx, r); err != nil {
		s.logger.ErrorContext(ctx, "failed to record verification",
			slog.String("verification_id", r.ID),
			slog.String("unit_id", r.UnitID),
			slog.String("error", err.Error()))
		if runErr == nil {
			runErr = &unit.StoreUnavailableError{Op: "record verification", Err: err}
		}
		return &r, runErr
	}

	s.logger.InfoContext(ctx, "verification completed",
		slog.String("verification_id", r.ID),
		slog.String("unit_id", r.UnitID),
		slog.String("requester_id", r.RequesterID),
		slog.String("status", string(r.Status)),
		slog.String("verdict", string(r.Verdict)),
		slog.Bool("chain_valid", r.ChainValid))
	return &r, runErr
}

func (s *Service) run(ctx context.Context, r *Request) error {
	res, err := s.ledger.CheckSale(ctx, r.UnitID, r.ScannerID)
	if err != nil {
		r.Status = StatusFailed
		r.Reason = err.Error()
		return err
	}
	r.Verdict = res.Verdict
	r.Reason = res.Reason

	if res.Verdict == pos.VerdictBlocked && res.Reason == pos.ReasonNotFound {
		r.Status = StatusCompleted
		return nil
	}

	integrity, err := s.ledger.CheckIntegrity(ctx, r.UnitID)
	if err != nil {
		r.Status = StatusFailed
		r.Reason = err.Error()
		return err
	}
	r.Status = StatusCompleted
	r.ChainValid = integrity.Valid
	r.ChainIndex = integrity.Index
	if !integrity.Valid {
		r.Reason = "trace integrity violated: " + integrity.Reason
	}
	return nil
}

// Get returns a recorded request. Only the submitter and oversight roles
// may read it; anyone else gets NotFound.
func (s *Service) Get(ctx context.Context, id string, requester unit.Principal) (*Request, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, &unit.NotFoundError{UnitID: id}
	}
	r, err := s.repo.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, &unit.NotFoundError{UnitID: id}
	}
	if err != nil {
		return nil, &unit.StoreUnavailableError{Op: "get verification", Err: err}
	}
	if r.RequesterID != requester.ID && !requester.HasOversight() {
		return nil, &unit.NotFoundError{UnitID: id}
	}
	return r, nil
}
