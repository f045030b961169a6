package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/onnwee/custodyledger/internal/tracing"
)

// PostgresRepository stores idempotency keys in the idempotency_keys table.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a repository over an open database handle.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Get retrieves an idempotency key by its key value.
func (r *PostgresRepository) Get(ctx context.Context, key string) (rec *IdempotencyKey, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "idempotency_keys", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	var (
		out    IdempotencyKey
		unitID sql.NullString
	)
	err = r.db.QueryRowContext(ctx, `
		SELECT key, method, route, path, principal_id, unit_id, response_hash, status,
		       response_body, response_status_code, created_at
		FROM idempotency_keys WHERE key = $1`, key,
	).Scan(&out.Key, &out.Method, &out.Route, &out.Path, &out.PrincipalID, &unitID, &out.ResponseHash,
		&out.Status, &out.ResponseBody, &out.ResponseStatusCode, &out.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency key: %w", err)
	}
	if unitID.Valid {
		out.UnitID = &unitID.String
	}
	return &out, nil
}

// Store saves a new idempotency key. Returns ErrKeyExists on a primary key conflict.
func (r *PostgresRepository) Store(ctx context.Context, record *IdempotencyKey) (err error) {
	if err := ValidateKey(record.Key); err != nil {
		return err
	}

	ctx, endSpan := tracing.StartDBSpan(ctx, "idempotency_keys", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys
			(key, method, route, path, principal_id, unit_id, response_hash, status,
			 response_body, response_status_code, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		record.Key, record.Method, record.Route, record.Path, record.PrincipalID, record.UnitID,
		record.ResponseHash, record.Status, record.ResponseBody, record.ResponseStatusCode,
		record.CreatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrKeyExists
	}
	if err != nil {
		return fmt.Errorf("store idempotency key: %w", err)
	}
	return nil
}

// DeleteOlderThan removes keys created before now minus duration.
func (r *PostgresRepository) DeleteOlderThan(ctx context.Context, duration time.Duration) (n int64, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "idempotency_keys", tracing.DBOperationExec)
	defer func() { endSpan(err) }()

	res, err := r.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE created_at < $1`, time.Now().Add(-duration))
	if err != nil {
		return 0, fmt.Errorf("delete idempotency keys: %w", err)
	}
	return res.RowsAffected()
}
