package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/fleetwork/fleetwork/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements engine.Store using SQLite.
//
// Every conditional transition is a single UPDATE keyed on the current
// status, so concurrent writers resolve by exactly one of them affecting a
// row. Multi-row transitions (creation, report application, termination,
// the timeout sweep) run inside one transaction.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	return &SQLiteStore{
		path: cfg.Path,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Ensure foreign keys are enabled (connection-level setting)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// CreateWorkItem persists a work item and its planned device units in one
// transaction. Each unit row is stamped with its batch's not-before time so
// dispatch eligibility is a single indexed comparison.
func (s *SQLiteStore) CreateWorkItem(ctx context.Context, item *engine.WorkItem, units []*engine.DeviceWorkStatus) error {
	payload, err := toJSON(item.Payload)
	if err != nil {
		return err
	}
	targetSpec, err := toJSON(item.TargetSpec)
	if err != nil {
		return err
	}
	resolved, err := toJSON(item.ResolvedTargets)
	if err != nil {
		return err
	}
	policy, err := toJSON(item.Policy)
	if err != nil {
		return err
	}
	plan, err := toJSON(item.BatchPlan)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO work_items (
			id, kind, payload, target_spec, resolved_targets, policy, batch_plan,
			status, current_batch, total, succeeded, failed, pending, cancel_reason,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID,
		item.Kind,
		payload,
		targetSpec,
		resolved,
		policy,
		plan,
		item.Status,
		item.CurrentBatch,
		item.Counters.Total,
		item.Counters.Succeeded,
		item.Counters.Failed,
		item.Counters.Pending,
		nullableString(item.CancelReason),
		fmtTime(item.CreatedAt),
		fmtTime(item.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create work item: %w", err)
	}

	for _, unit := range units {
		var notBefore string
		if unit.BatchIndex >= 0 && unit.BatchIndex < len(item.BatchPlan) {
			notBefore = fmtTime(item.BatchPlan[unit.BatchIndex].NotBefore)
		} else {
			notBefore = fmtTime(item.CreatedAt)
		}

		var result *string
		if len(unit.Result) > 0 {
			r := string(unit.Result)
			result = &r
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO device_work_status (
				work_item_id, device_id, batch_index, status, not_before,
				dispatched_at, report_deadline, completed_at,
				retry_count, error_detail, result, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			unit.WorkItemID,
			unit.DeviceID,
			unit.BatchIndex,
			unit.Status,
			notBefore,
			fmtTimePtr(unit.DispatchedAt),
			nil,
			fmtTimePtr(unit.CompletedAt),
			unit.RetryCount,
			nullableString(unit.ErrorDetail),
			result,
			fmtTime(unit.CreatedAt),
			fmtTime(unit.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to create device work status: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit work item: %w", err)
	}

	return nil
}

// GetWorkItem retrieves a work item by ID.
func (s *SQLiteStore) GetWorkItem(ctx context.Context, id string) (*engine.WorkItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workItemColumns+` FROM work_items WHERE id = ?`, id)

	item, err := scanWorkItem(row.Scan)
	if err == sql.ErrNoRows {
		return nil, engine.NewNotFoundError("work item not found: "+id, nil).WithWorkItem(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get work item: %w", err)
	}

	return item, nil
}

// ListWorkItems lists work items with pagination, newest first.
func (s *SQLiteStore) ListWorkItems(ctx context.Context, limit, offset int) ([]*engine.WorkItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+workItemColumns+` FROM work_items ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list work items: %w", err)
	}
	defer rows.Close()

	return collectWorkItems(rows)
}

// ListWorkItemsByStatus lists work items in any of the given statuses,
// oldest first.
func (s *SQLiteStore) ListWorkItemsByStatus(ctx context.Context, statuses ...engine.WorkItemStatus) ([]*engine.WorkItem, error) {
	if len(statuses) == 0 {
		return []*engine.WorkItem{}, nil
	}

	placeholders := make([]string, len(statuses))
	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args[i] = st
	}

	query := `SELECT ` + workItemColumns + ` FROM work_items WHERE status IN (` +
		strings.Join(placeholders, ", ") + `) ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list work items by status: %w", err)
	}
	defer rows.Close()

	return collectWorkItems(rows)
}

// TransitionWorkItem conditionally moves a work item between statuses.
func (s *SQLiteStore) TransitionWorkItem(ctx context.Context, id string, from, to engine.WorkItemStatus, update engine.WorkItemUpdate) (bool, error) {
	set := []string{"status = ?", "updated_at = ?"}
	args := []interface{}{to, fmtTime(time.Now())}

	if update.CurrentBatch != nil {
		set = append(set, "current_batch = ?")
		args = append(args, *update.CurrentBatch)
	}
	if update.CancelReason != "" {
		set = append(set, "cancel_reason = ?")
		args = append(args, update.CancelReason)
	}
	args = append(args, id, from)

	result, err := s.db.ExecContext(ctx,
		`UPDATE work_items SET `+strings.Join(set, ", ")+` WHERE id = ? AND status = ?`,
		args...)
	if err != nil {
		return false, fmt.Errorf("failed to transition work item: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows > 0, nil
}

// GetDeviceStatus retrieves one unit row.
func (s *SQLiteStore) GetDeviceStatus(ctx context.Context, workItemID, deviceID string) (*engine.DeviceWorkStatus, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+unitColumns+` FROM device_work_status WHERE work_item_id = ? AND device_id = ?`,
		workItemID, deviceID)

	unit, err := scanUnit(row.Scan)
	if err == sql.ErrNoRows {
		return nil, engine.NewNotFoundError(
			fmt.Sprintf("device work status not found: %s/%s", workItemID, deviceID), nil).
			WithWorkItem(workItemID).WithDevice(deviceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device work status: %w", err)
	}

	return unit, nil
}

// ListDeviceStatuses lists all unit rows of a work item in batch, then
// device order.
func (s *SQLiteStore) ListDeviceStatuses(ctx context.Context, workItemID string) ([]*engine.DeviceWorkStatus, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+unitColumns+` FROM device_work_status WHERE work_item_id = ? ORDER BY batch_index ASC, device_id ASC`,
		workItemID)
	if err != nil {
		return nil, fmt.Errorf("failed to list device work statuses: %w", err)
	}
	defer rows.Close()

	units := []*engine.DeviceWorkStatus{}
	for rows.Next() {
		unit, err := scanUnit(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device work status: %w", err)
		}
		units = append(units, unit)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating device work statuses: %w", err)
	}

	return units, nil
}

// ActiveUnit returns the device's dispatched or in-progress unit across all
// work items, with its owning work item.
func (s *SQLiteStore) ActiveUnit(ctx context.Context, deviceID string) (*engine.DeviceWorkStatus, *engine.WorkItem, error) {
	query := `
		SELECT ` + prefixColumns("u", unitColumns) + `, ` + prefixColumns("w", workItemColumns) + `
		FROM device_work_status u
		JOIN work_items w ON w.id = u.work_item_id
		WHERE u.device_id = ? AND u.status IN ('dispatched', 'in_progress')
		LIMIT 1`

	return s.queryUnitWithItem(ctx, query, deviceID)
}

// NextPending returns the device's oldest eligible pending unit: its work
// item is dispatching or monitoring, the unit belongs to the current batch,
// and the batch not-before time has elapsed.
func (s *SQLiteStore) NextPending(ctx context.Context, deviceID string, now time.Time) (*engine.DeviceWorkStatus, *engine.WorkItem, error) {
	query := `
		SELECT ` + prefixColumns("u", unitColumns) + `, ` + prefixColumns("w", workItemColumns) + `
		FROM device_work_status u
		JOIN work_items w ON w.id = u.work_item_id
		WHERE u.device_id = ?
		  AND u.status = 'pending'
		  AND w.status IN ('dispatching', 'monitoring')
		  AND u.batch_index = w.current_batch
		  AND u.not_before <= ?
		ORDER BY w.created_at ASC, w.id ASC
		LIMIT 1`

	return s.queryUnitWithItem(ctx, query, deviceID, fmtTime(now))
}

// MarkDispatched conditionally transitions a pending unit to dispatched.
// The NOT EXISTS guard keeps the transition atomic with the at-most-one
// active unit rule: a concurrent poll that dispatched another work item's
// unit for the same device makes this update match zero rows.
func (s *SQLiteStore) MarkDispatched(ctx context.Context, workItemID, deviceID string, at, deadline time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE device_work_status
		SET status = 'dispatched', dispatched_at = ?, report_deadline = ?, updated_at = ?
		WHERE work_item_id = ? AND device_id = ? AND status = 'pending'
		  AND NOT EXISTS (
		    SELECT 1 FROM device_work_status
		    WHERE device_id = ? AND status IN ('dispatched', 'in_progress'))`,
		fmtTime(at), fmtTime(deadline), fmtTime(at), workItemID, deviceID, deviceID)
	if err != nil {
		return false, fmt.Errorf("failed to mark dispatched: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows > 0, nil
}

// ApplyReport conditionally transitions a unit and updates the owning work
// item's aggregate counters in the same transaction.
func (s *SQLiteStore) ApplyReport(ctx context.Context, workItemID, deviceID string, from engine.DeviceStatus, report engine.StatusReport, at time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var result *string
	if len(report.Result) > 0 {
		r := string(report.Result)
		result = &r
	}

	terminal := report.Status.IsTerminal()

	var res sql.Result
	if terminal {
		res, err = tx.ExecContext(ctx, `
			UPDATE device_work_status
			SET status = ?, retry_count = ?, error_detail = ?, result = ?,
			    completed_at = ?, updated_at = ?
			WHERE work_item_id = ? AND device_id = ? AND status = ?`,
			report.Status, report.RetryCount, nullableString(report.ErrorDetail), result,
			fmtTime(at), fmtTime(at), workItemID, deviceID, from)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE device_work_status
			SET status = ?, retry_count = ?, error_detail = ?, result = ?, updated_at = ?
			WHERE work_item_id = ? AND device_id = ? AND status = ?`,
			report.Status, report.RetryCount, nullableString(report.ErrorDetail), result,
			fmtTime(at), workItemID, deviceID, from)
	}
	if err != nil {
		return false, fmt.Errorf("failed to apply report: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return false, nil
	}

	if terminal {
		var counterSQL string
		if report.Status == engine.DeviceStatusSucceeded {
			counterSQL = `UPDATE work_items SET succeeded = succeeded + 1, pending = pending - 1, updated_at = ? WHERE id = ?`
		} else {
			counterSQL = `UPDATE work_items SET failed = failed + 1, pending = pending - 1, updated_at = ? WHERE id = ?`
		}
		if _, err := tx.ExecContext(ctx, counterSQL, fmtTime(at), workItemID); err != nil {
			return false, fmt.Errorf("failed to update counters: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit report: %w", err)
	}

	return true, nil
}

// TerminateWorkItem atomically terminates a work item: the item transition,
// the flip of every non-terminal unit to canceled, and the counter update
// are one transaction.
func (s *SQLiteStore) TerminateWorkItem(ctx context.Context, id string, from, to engine.WorkItemStatus, reason string, at time.Time) (bool, int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE work_items SET status = ?, cancel_reason = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		to, nullableString(reason), fmtTime(at), id, from)
	if err != nil {
		return false, 0, fmt.Errorf("failed to terminate work item: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return false, 0, nil
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE device_work_status
		SET status = 'canceled', completed_at = ?, updated_at = ?
		WHERE work_item_id = ? AND status IN ('pending', 'dispatched', 'in_progress')`,
		fmtTime(at), fmtTime(at), id)
	if err != nil {
		return false, 0, fmt.Errorf("failed to cancel device work statuses: %w", err)
	}

	flipped, err := res.RowsAffected()
	if err != nil {
		return false, 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE work_items SET pending = pending - ?, updated_at = ? WHERE id = ?`,
		flipped, fmtTime(at), id); err != nil {
		return false, 0, fmt.Errorf("failed to update counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, 0, fmt.Errorf("failed to commit termination: %w", err)
	}

	return true, int(flipped), nil
}

// BatchOutcome summarizes unit outcomes for one batch of a work item.
func (s *SQLiteStore) BatchOutcome(ctx context.Context, workItemID string, batchIndex int) (engine.BatchOutcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM device_work_status
		WHERE work_item_id = ? AND batch_index = ?
		GROUP BY status`,
		workItemID, batchIndex)
	if err != nil {
		return engine.BatchOutcome{}, fmt.Errorf("failed to query batch outcome: %w", err)
	}
	defer rows.Close()

	var outcome engine.BatchOutcome
	for rows.Next() {
		var (
			status engine.DeviceStatus
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return engine.BatchOutcome{}, fmt.Errorf("failed to scan batch outcome: %w", err)
		}

		outcome.Total += count
		switch {
		case status == engine.DeviceStatusSucceeded:
			outcome.Succeeded += count
		case status == engine.DeviceStatusCanceled:
			outcome.Canceled += count
		case status.IsFailure():
			outcome.Failed += count
		default:
			outcome.NonTerminal += count
		}
	}

	if err := rows.Err(); err != nil {
		return engine.BatchOutcome{}, fmt.Errorf("error iterating batch outcome: %w", err)
	}

	return outcome, nil
}

// ExpireOverdueUnits transitions every dispatched or in-progress unit past
// its report deadline to timed_out, counting each as a failure on its work
// item.
func (s *SQLiteStore) ExpireOverdueUnits(ctx context.Context, now time.Time) ([]engine.ExpiredUnit, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT work_item_id, device_id, batch_index FROM device_work_status
		WHERE status IN ('dispatched', 'in_progress')
		  AND report_deadline IS NOT NULL
		  AND report_deadline <= ?`,
		fmtTime(now))
	if err != nil {
		return nil, fmt.Errorf("failed to query overdue units: %w", err)
	}

	expired := []engine.ExpiredUnit{}
	for rows.Next() {
		var e engine.ExpiredUnit
		if err := rows.Scan(&e.WorkItemID, &e.DeviceID, &e.BatchIndex); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan overdue unit: %w", err)
		}
		expired = append(expired, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating overdue units: %w", err)
	}
	rows.Close()

	for _, e := range expired {
		if _, err := tx.ExecContext(ctx, `
			UPDATE device_work_status
			SET status = 'timed_out', completed_at = ?, updated_at = ?
			WHERE work_item_id = ? AND device_id = ?`,
			fmtTime(now), fmtTime(now), e.WorkItemID, e.DeviceID); err != nil {
			return nil, fmt.Errorf("failed to expire unit: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE work_items SET failed = failed + 1, pending = pending - 1, updated_at = ? WHERE id = ?`,
			fmtTime(now), e.WorkItemID); err != nil {
			return nil, fmt.Errorf("failed to update counters: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit timeout sweep: %w", err)
	}

	return expired, nil
}

// queryUnitWithItem runs a joined unit+work-item single-row query.
// Returns (nil, nil, nil) when no row matches.
func (s *SQLiteStore) queryUnitWithItem(ctx context.Context, query string, args ...interface{}) (*engine.DeviceWorkStatus, *engine.WorkItem, error) {
	row := s.db.QueryRowContext(ctx, query, args...)

	var unit *engine.DeviceWorkStatus
	var item *engine.WorkItem

	err := scanUnitWithItem(row.Scan, &unit, &item)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query unit with work item: %w", err)
	}

	return unit, item, nil
}

func collectWorkItems(rows *sql.Rows) ([]*engine.WorkItem, error) {
	items := []*engine.WorkItem{}
	for rows.Next() {
		item, err := scanWorkItem(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan work item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating work items: %w", err)
	}

	return items, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
