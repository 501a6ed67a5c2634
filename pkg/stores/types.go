package stores

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fleetwork/fleetwork/pkg/engine"
)

// timeLayout is the stored timestamp format. Fixed-width UTC so that SQL
// string comparison orders correctly.
const timeLayout = "2006-01-02 15:04:05.000000000"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func fmtTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := fmtTime(*t)
	return &s
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse stored timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func toJSON(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal column: %w", err)
	}
	return string(b), nil
}

func fromJSON(s string, v interface{}) error {
	if s == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return fmt.Errorf("failed to unmarshal column: %w", err)
	}
	return nil
}

// workItemColumns is the column list every work item query selects, in scan
// order.
const workItemColumns = `id, kind, payload, target_spec, resolved_targets, policy, batch_plan, status, current_batch, total, succeeded, failed, pending, cancel_reason, created_at, updated_at`

// unitColumns is the column list every unit query selects, in scan order.
// The dispatch bookkeeping columns not_before and report_deadline are
// storage-internal and never surfaced on the domain type.
const unitColumns = `work_item_id, device_id, batch_index, status, dispatched_at, completed_at, retry_count, error_detail, result, created_at, updated_at`

// prefixColumns qualifies every column in a comma-separated list with a
// table alias, for joined queries.
func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// workItemScanner holds the raw column values of one work item row.
type workItemScanner struct {
	item                                        engine.WorkItem
	payload, targetSpec, resolved, policy, plan string
	cancelReason                                sql.NullString
	createdAt, updatedAt                        string
}

func (w *workItemScanner) dest() []interface{} {
	return []interface{}{
		&w.item.ID,
		&w.item.Kind,
		&w.payload,
		&w.targetSpec,
		&w.resolved,
		&w.policy,
		&w.plan,
		&w.item.Status,
		&w.item.CurrentBatch,
		&w.item.Counters.Total,
		&w.item.Counters.Succeeded,
		&w.item.Counters.Failed,
		&w.item.Counters.Pending,
		&w.cancelReason,
		&w.createdAt,
		&w.updatedAt,
	}
}

func (w *workItemScanner) materialize() (*engine.WorkItem, error) {
	item := w.item

	item.Payload = json.RawMessage(w.payload)
	if err := fromJSON(w.targetSpec, &item.TargetSpec); err != nil {
		return nil, err
	}
	if err := fromJSON(w.resolved, &item.ResolvedTargets); err != nil {
		return nil, err
	}
	if err := fromJSON(w.policy, &item.Policy); err != nil {
		return nil, err
	}
	if err := fromJSON(w.plan, &item.BatchPlan); err != nil {
		return nil, err
	}
	if w.cancelReason.Valid {
		item.CancelReason = w.cancelReason.String
	}

	var err error
	if item.CreatedAt, err = parseTime(w.createdAt); err != nil {
		return nil, err
	}
	if item.UpdatedAt, err = parseTime(w.updatedAt); err != nil {
		return nil, err
	}

	return &item, nil
}

// unitScanner holds the raw column values of one device work status row.
type unitScanner struct {
	unit                      engine.DeviceWorkStatus
	dispatchedAt, completedAt sql.NullString
	errorDetail, result       sql.NullString
	createdAt, updatedAt      string
}

func (u *unitScanner) dest() []interface{} {
	return []interface{}{
		&u.unit.WorkItemID,
		&u.unit.DeviceID,
		&u.unit.BatchIndex,
		&u.unit.Status,
		&u.dispatchedAt,
		&u.completedAt,
		&u.unit.RetryCount,
		&u.errorDetail,
		&u.result,
		&u.createdAt,
		&u.updatedAt,
	}
}

func (u *unitScanner) materialize() (*engine.DeviceWorkStatus, error) {
	unit := u.unit

	var err error
	if unit.DispatchedAt, err = parseTimePtr(u.dispatchedAt); err != nil {
		return nil, err
	}
	if unit.CompletedAt, err = parseTimePtr(u.completedAt); err != nil {
		return nil, err
	}
	if u.errorDetail.Valid {
		unit.ErrorDetail = u.errorDetail.String
	}
	if u.result.Valid && u.result.String != "" {
		unit.Result = json.RawMessage(u.result.String)
	}
	if unit.CreatedAt, err = parseTime(u.createdAt); err != nil {
		return nil, err
	}
	if unit.UpdatedAt, err = parseTime(u.updatedAt); err != nil {
		return nil, err
	}

	return &unit, nil
}

// scanWorkItem scans one work item row.
func scanWorkItem(scan func(dest ...interface{}) error) (*engine.WorkItem, error) {
	var w workItemScanner
	if err := scan(w.dest()...); err != nil {
		return nil, err
	}
	return w.materialize()
}

// scanUnit scans one device work status row.
func scanUnit(scan func(dest ...interface{}) error) (*engine.DeviceWorkStatus, error) {
	var u unitScanner
	if err := scan(u.dest()...); err != nil {
		return nil, err
	}
	return u.materialize()
}

// scanUnitWithItem scans a joined unit + work item row.
func scanUnitWithItem(scan func(dest ...interface{}) error, unit **engine.DeviceWorkStatus, item **engine.WorkItem) error {
	var (
		u unitScanner
		w workItemScanner
	)

	dest := append(u.dest(), w.dest()...)
	if err := scan(dest...); err != nil {
		return err
	}

	scannedUnit, err := u.materialize()
	if err != nil {
		return err
	}
	scannedItem, err := w.materialize()
	if err != nil {
		return err
	}

	*unit = scannedUnit
	*item = scannedItem
	return nil
}
