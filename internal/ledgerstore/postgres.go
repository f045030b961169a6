package ledgerstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/lib/pq"

	"github.com/onnwee/custodyledger/internal/tracing"
	"github.com/onnwee/custodyledger/internal/unit"
)

// PostgresStore is the durable-table adapter. Units live in tracked_units and
// their traces in trace_events, one row per event keyed by (unit_id, seq).
// Event rows are only ever inserted.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore creates a store over an open database handle.
func NewPostgresStore(db *sql.DB, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: db, logger: logger}
}

const selectUnitColumns = `
	unit_id, product_code, lot_number, identity_digest, manufacturer_id,
	current_owner_id, COALESCE(intended_recipient_id, ''), status, duty_paid,
	attributes, created_at, updated_at`

const selectEventColumns = `
	unit_id, event_id, kind, occurred_at, actor_id, actor_display_name,
	location, metadata, event_digest, previous_digest`

// snapshot runs fn in a read-only REPEATABLE READ transaction so the unit
// rows and their traces come from the same snapshot.
func (s *PostgresStore) snapshot(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return classify(op+": begin", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify(op+": commit", err)
	}
	return nil
}

// GetUnit loads a unit and its full trace.
func (s *PostgresStore) GetUnit(ctx context.Context, id string) (u *unit.TrackedUnit, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "tracked_units", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	err = s.snapshot(ctx, "get unit", func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+selectUnitColumns+` FROM tracked_units WHERE unit_id = $1`, id)
		loaded, err := scanUnit(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return classify("get unit", err)
		}

		rows, err := tx.QueryContext(ctx, `SELECT `+selectEventColumns+` FROM trace_events WHERE unit_id = $1 ORDER BY seq`, id)
		if err != nil {
			return classify("get trace", err)
		}
		defer rows.Close()
		for rows.Next() {
			_, ev, err := scanEvent(rows)
			if err != nil {
				return classify("scan trace", err)
			}
			loaded.Trace = append(loaded.Trace, ev)
		}
		if err := rows.Err(); err != nil {
			return classify("iterate trace", err)
		}
		u = loaded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

// ListUnits loads every unit with its trace, ordered by creation time.
func (s *PostgresStore) ListUnits(ctx context.Context) (units []unit.TrackedUnit, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "tracked_units", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	err = s.snapshot(ctx, "list units", func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT `+selectUnitColumns+` FROM tracked_units ORDER BY created_at, unit_id`)
		if err != nil {
			return classify("list units", err)
		}
		index := make(map[string]int)
		for rows.Next() {
			u, err := scanUnit(rows)
			if err != nil {
				rows.Close()
				return classify("scan unit", err)
			}
			index[u.UnitID] = len(units)
			units = append(units, *u)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return classify("iterate units", err)
		}
		rows.Close()

		evRows, err := tx.QueryContext(ctx, `SELECT `+selectEventColumns+` FROM trace_events ORDER BY unit_id, seq`)
		if err != nil {
			return classify("list traces", err)
		}
		defer evRows.Close()
		for evRows.Next() {
			unitID, ev, err := scanEvent(evRows)
			if err != nil {
				return classify("scan trace", err)
			}
			if i, ok := index[unitID]; ok {
				units[i].Trace = append(units[i].Trace, ev)
			}
		}
		if err := evRows.Err(); err != nil {
			return classify("iterate traces", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return units, nil
}

// PutUnit writes u in one READ COMMITTED transaction. The stored row is
// locked, the incoming trace must extend the stored one, and only the new
// events are inserted. Replaying the stored head is a no-op.
func (s *PostgresStore) PutUnit(ctx context.Context, u unit.TrackedUnit) (err error) {
	if err := checkUnit(&u); err != nil {
		return err
	}
	ctx, endSpan := tracing.StartDBSpan(ctx, "tracked_units", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return classify("begin transaction", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			s.logger.Warn("failed to rollback transaction",
				slog.String("error", rbErr.Error()),
				slog.String("unit_id", u.UnitID))
		}
	}()

	var storedVersion int
	err = tx.QueryRowContext(ctx, `SELECT version FROM tracked_units WHERE unit_id = $1 FOR UPDATE`, u.UnitID).Scan(&storedVersion)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		storedVersion = 0
	case err != nil:
		return classify("lock unit", err)
	}

	if storedVersion > 0 {
		if len(u.Trace) < storedVersion {
			return ErrConflict
		}
		var headDigest string
		err := tx.QueryRowContext(ctx,
			`SELECT event_digest FROM trace_events WHERE unit_id = $1 AND seq = $2`,
			u.UnitID, storedVersion-1).Scan(&headDigest)
		if err != nil {
			return classify("read trace head", err)
		}
		if headDigest != u.Trace[storedVersion-1].EventDigest {
			return ErrConflict
		}
		if len(u.Trace) == storedVersion {
			return classify("commit", tx.Commit())
		}
	}

	attrs, err := json.Marshal(u.Attributes)
	if err != nil {
		return errors.Join(ErrInvalidUnit, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO tracked_units (
			unit_id, product_code, lot_number, identity_digest, manufacturer_id,
			current_owner_id, intended_recipient_id, status, duty_paid,
			attributes, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10, $11, $12, $13)
		ON CONFLICT (unit_id) DO UPDATE SET
			current_owner_id = EXCLUDED.current_owner_id,
			intended_recipient_id = EXCLUDED.intended_recipient_id,
			status = EXCLUDED.status,
			duty_paid = EXCLUDED.duty_paid,
			attributes = EXCLUDED.attributes,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at`,
		u.UnitID, u.ProductCode, u.LotNumber, u.IdentityDigest, u.ManufacturerID,
		u.CurrentOwnerID, u.IntendedRecipientID, string(u.Status), u.DutyPaid,
		attrs, len(u.Trace), u.CreatedAt.UTC(), u.UpdatedAt.UTC(),
	)
	if err != nil {
		return classify("upsert unit", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO trace_events (
			unit_id, seq, event_id, kind, occurred_at, actor_id, actor_display_name,
			location, metadata, event_digest, previous_digest
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`)
	if err != nil {
		return classify("prepare event insert", err)
	}
	defer stmt.Close()
	for seq := storedVersion; seq < len(u.Trace); seq++ {
		ev := u.Trace[seq]
		meta := []byte("{}")
		if len(ev.Metadata) > 0 {
			if meta, err = json.Marshal(ev.Metadata); err != nil {
				return errors.Join(ErrInvalidUnit, err)
			}
		}
		if _, err := stmt.ExecContext(ctx,
			u.UnitID, seq, ev.EventID, string(ev.Kind), ev.Timestamp.UTC(), ev.ActorID,
			ev.ActorDisplayName, ev.Location, meta, ev.EventDigest, ev.PreviousDigest,
		); err != nil {
			return classify("insert event", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return classify("commit", err)
	}
	s.logger.Debug("unit persisted",
		slog.String("unit_id", u.UnitID),
		slog.Int("version", len(u.Trace)),
		slog.Int("new_events", len(u.Trace)-storedVersion))
	return nil
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUnit(row scanner) (*unit.TrackedUnit, error) {
	var (
		u      unit.TrackedUnit
		status string
		attrs  []byte
	)
	if err := row.Scan(
		&u.UnitID, &u.ProductCode, &u.LotNumber, &u.IdentityDigest, &u.ManufacturerID,
		&u.CurrentOwnerID, &u.IntendedRecipientID, &status, &u.DutyPaid,
		&attrs, &u.CreatedAt, &u.UpdatedAt,
	); err != nil {
		return nil, err
	}
	u.Status = unit.Status(status)
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &u.Attributes); err != nil {
			return nil, fmt.Errorf("decode attributes: %w", err)
		}
	}
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = u.UpdatedAt.UTC()
	return &u, nil
}

func scanEvent(row scanner) (string, unit.TraceEvent, error) {
	var (
		unitID string
		ev     unit.TraceEvent
		kind   string
		meta   []byte
	)
	if err := row.Scan(
		&unitID, &ev.EventID, &kind, &ev.Timestamp, &ev.ActorID, &ev.ActorDisplayName,
		&ev.Location, &meta, &ev.EventDigest, &ev.PreviousDigest,
	); err != nil {
		return "", ev, err
	}
	ev.Kind = unit.EventKind(kind)
	ev.Timestamp = ev.Timestamp.UTC()
	if len(meta) > 0 && string(meta) != "{}" {
		if err := json.Unmarshal(meta, &ev.Metadata); err != nil {
			return "", ev, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return unitID, ev, nil
}

// classify wraps transient driver failures with ErrUnavailable so the retry
// policy can recognise them. Unique violations on trace_events mean a
// concurrent writer appended first and are reported as ErrConflict.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "23505":
			return fmt.Errorf("%s: %w", op, ErrConflict)
		case pqErr.Code.Class() == "08", // connection exception
			pqErr.Code.Class() == "53", // insufficient resources
			pqErr.Code.Class() == "57", // operator intervention
			pqErr.Code == "40001",      // serialization failure
			pqErr.Code == "40P01":      // deadlock detected
			return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.As(err, &netErr) {
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
