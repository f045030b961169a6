package verification

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/onnwee/custodyledger/internal/pos"
	"github.com/onnwee/custodyledger/internal/tracing"
)

// PostgresRepository stores requests in verification_requests.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a repository over an open database handle.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts r.
func (p *PostgresRepository) Create(ctx context.Context, r Request) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "verification_requests", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO verification_requests
			(id, unit_id, requester_id, scanner_id, status, verdict, chain_valid, chain_index, reason, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ID, r.UnitID, r.RequesterID, r.ScannerID, string(r.Status), string(r.Verdict),
		r.ChainValid, r.ChainIndex, r.Reason, r.CreatedAt, r.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert verification request: %w", err)
	}
	return nil
}

// Get loads the request with the given ID.
func (p *PostgresRepository) Get(ctx context.Context, id string) (r *Request, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "verification_requests", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	var (
		out       Request
		status    string
		verdict   string
		completed sql.NullTime
	)
	err = p.db.QueryRowContext(ctx, `
		SELECT id, unit_id, requester_id, scanner_id, status, verdict, chain_valid, chain_index, reason, created_at, completed_at
		FROM verification_requests WHERE id = $1`, id,
	).Scan(&out.ID, &out.UnitID, &out.RequesterID, &out.ScannerID, &status, &verdict,
		&out.ChainValid, &out.ChainIndex, &out.Reason, &out.CreatedAt, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get verification request: %w", err)
	}
	out.Status = Status(status)
	out.Verdict = pos.Verdict(verdict)
	out.CreatedAt = out.CreatedAt.UTC()
	if completed.Valid {
		t := completed.Time.UTC()
		out.CompletedAt = &t
	}
	return &out, nil
}
