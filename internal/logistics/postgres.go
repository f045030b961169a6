package logistics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"github.com/onnwee/custodyledger/internal/tracing"
)

// PostgresRepository stores aggregations in logistics_units and
// logistics_unit_members.
type PostgresRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresRepository creates a repository over an open database handle.
func NewPostgresRepository(db *sql.DB, logger *slog.Logger) *PostgresRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresRepository{db: db, logger: logger}
}

// Create inserts the aggregation and its members in one transaction.
func (r *PostgresRepository) Create(ctx context.Context, l LogisticsUnit) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "logistics_units", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			r.logger.Warn("failed to rollback transaction",
				slog.String("error", rbErr.Error()),
				slog.String("shipping_id", l.ShippingID))
		}
	}()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO logistics_units (shipping_id, creator_id, created_at) VALUES ($1, $2, $3)`,
		l.ShippingID, l.CreatorID, l.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrExists
		}
		return fmt.Errorf("insert logistics unit: %w", err)
	}

	for i, id := range l.UnitIDs {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO logistics_unit_members (shipping_id, position, unit_id) VALUES ($1, $2, $3)`,
			l.ShippingID, i, id)
		if err != nil {
			return fmt.Errorf("insert logistics member %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit logistics unit: %w", err)
	}
	return nil
}

// Get loads the aggregation with members in creation order.
func (r *PostgresRepository) Get(ctx context.Context, shippingID string) (l *LogisticsUnit, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "logistics_units", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	out := LogisticsUnit{ShippingID: shippingID}
	err = r.db.QueryRowContext(ctx,
		`SELECT creator_id, created_at FROM logistics_units WHERE shipping_id = $1`, shippingID,
	).Scan(&out.CreatorID, &out.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get logistics unit: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT unit_id FROM logistics_unit_members WHERE shipping_id = $1 ORDER BY position`, shippingID)
	if err != nil {
		return nil, fmt.Errorf("get logistics members: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan logistics member: %w", err)
		}
		out.UnitIDs = append(out.UnitIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate logistics members: %w", err)
	}
	out.CreatedAt = out.CreatedAt.UTC()
	return &out, nil
}
