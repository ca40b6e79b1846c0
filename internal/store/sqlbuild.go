package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"custody-tracker/internal/models"
)

// Dialect captures the SQL differences between backends.
type Dialect struct {
	Placeholder func(n int) string
	ILike       string
}

var (
	PostgresDialect = Dialect{Placeholder: func(n int) string { return "$" + strconv.Itoa(n) }, ILike: "ILIKE"}
	SQLiteDialect   = Dialect{Placeholder: func(int) string { return "?" }, ILike: "LIKE"}
)

// where accumulates conditions and their arguments.
type where struct {
	d     Dialect
	conds []string
	args  []any
}

func (w *where) arg(v any) string {
	w.args = append(w.args, v)
	return w.d.Placeholder(len(w.args))
}

func (w *where) add(format string, vals ...any) {
	ph := make([]any, len(vals))
	for i, v := range vals {
		ph[i] = w.arg(v)
	}
	w.conds = append(w.conds, fmt.Sprintf(format, ph...))
}

func (w *where) sql() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

var jobSortColumns = map[string]string{
	"created_at":          "j.created_at",
	"last_scan_at":        "j.last_scan_at",
	"code":                "j.code",
	"customer_name":       "j.customer_name",
	"current_status":      "j.current_status",
	"current_holder_role": "j.holder_role",
	"target_return_date":  "j.target_return_date",
}

// JobQuery renders the FROM/WHERE/ORDER/LIMIT tail of a job listing.
// Callers prepend "SELECT <columns>". Jobs are aliased as j.
func JobQuery(d Dialect, f JobFilter) (string, []any) {
	w := &where{d: d}
	from := " FROM jobs j"
	if f.BatchID != "" {
		from += " JOIN batch_items bi ON bi.job_id = j.id"
		w.add("bi.batch_id = %s", f.BatchID)
	}
	if len(f.Statuses) > 0 {
		ph := make([]string, 0, len(f.Statuses))
		for _, s := range f.Statuses {
			ph = append(ph, w.arg(string(s)))
		}
		w.conds = append(w.conds, "j.current_status IN ("+strings.Join(ph, ", ")+")")
	}
	if f.HolderRole != "" {
		w.add("j.holder_role = %s", string(f.HolderRole))
	}
	if f.HolderID != "" {
		w.add("j.holder_id = %s", f.HolderID)
	}
	if f.Phone != "" {
		w.add("j.customer_phone "+d.ILike+" %s", "%"+f.Phone+"%")
	}
	if f.Code != "" {
		w.add("j.code "+d.ILike+" %s", "%"+f.Code+"%")
	}
	if f.CreatedFrom != nil {
		w.add("j.created_at >= %s", f.CreatedFrom.UTC())
	}
	if f.CreatedTo != nil {
		w.add("j.created_at <= %s", f.CreatedTo.UTC())
	}

	col, ok := jobSortColumns[f.SortBy]
	if !ok {
		col = "j.created_at"
	}
	dir := "DESC"
	if f.SortAsc {
		dir = "ASC"
	}
	q := from + w.sql() + fmt.Sprintf(" ORDER BY %s %s, j.code %s", col, dir, dir)
	return q + limitOffset(w, f.Limit, f.Offset, 50, 1000), w.args
}

// JobCountQuery renders a per-status count honoring the job filter.
func JobCountQuery(d Dialect, f JobFilter) (string, []any) {
	f.SortBy, f.Limit, f.Offset = "", 0, 0
	tail, args := JobQuery(d, f)
	if i := strings.Index(tail, " ORDER BY"); i >= 0 {
		tail = tail[:i]
	}
	return "SELECT j.current_status, COUNT(*)" + tail + " GROUP BY j.current_status", args
}

// EventQuery renders the FROM/WHERE/ORDER/LIMIT tail of an event listing.
// Events are aliased as e and joined to jobs as j for the job code.
func EventQuery(d Dialect, f EventFilter) (string, []any) {
	w := &where{d: d}
	if f.JobID != "" {
		w.add("e.job_id = %s", f.JobID)
	}
	if f.ActorID != "" {
		w.add("e.actor_id = %s", f.ActorID)
	}
	if f.BatchID != "" {
		w.add("e.batch_id = %s", f.BatchID)
	}
	if f.FromStatus != "" {
		w.add("e.from_status = %s", string(f.FromStatus))
	}
	if f.ToStatus != "" {
		w.add("e.to_status = %s", string(f.ToStatus))
	}
	if f.From != nil {
		w.add("e.recorded_at >= %s", f.From.UTC())
	}
	if f.To != nil {
		w.add("e.recorded_at <= %s", f.To.UTC())
	}
	if f.OverridesOnly {
		w.conds = append(w.conds, "e.override_reason IS NOT NULL AND e.override_reason <> ''")
	}
	dir := "DESC"
	if f.Ascending {
		dir = "ASC"
	}
	if f.AfterSeq > 0 {
		if f.Ascending {
			w.add("e.seq > %s", f.AfterSeq)
		} else {
			w.add("e.seq < %s", f.AfterSeq)
		}
	}
	q := " FROM status_events e JOIN jobs j ON j.id = e.job_id" + w.sql() + " ORDER BY e.seq " + dir
	return q + limitOffset(w, f.Limit, 0, 500, 1000), w.args
}

// BatchQuery renders the FROM/WHERE/ORDER/LIMIT tail of a batch listing.
func BatchQuery(d Dialect, f BatchFilter) (string, []any) {
	w := &where{d: d}
	if len(f.Statuses) > 0 {
		ph := make([]string, 0, len(f.Statuses))
		for _, s := range f.Statuses {
			ph = append(ph, w.arg(string(s)))
		}
		w.conds = append(w.conds, "status IN ("+strings.Join(ph, ", ")+")")
	}
	q := " FROM batches" + w.sql() + " ORDER BY created_at DESC"
	return q + limitOffset(w, f.Limit, 0, 200, 10000), w.args
}

// IncidentQuery renders the FROM/WHERE/ORDER/LIMIT tail of an incident listing.
func IncidentQuery(d Dialect, f IncidentFilter) (string, []any) {
	w := &where{d: d}
	if f.Status != "" {
		w.add("status = %s", string(f.Status))
	}
	if f.Type != "" {
		w.add("type = %s", string(f.Type))
	}
	if f.JobID != "" {
		w.add("job_id = %s", f.JobID)
	}
	if f.BatchID != "" {
		w.add("batch_id = %s", f.BatchID)
	}
	if f.From != nil {
		w.add("created_at >= %s", f.From.UTC())
	}
	if f.To != nil {
		w.add("created_at <= %s", f.To.UTC())
	}
	q := " FROM incidents" + w.sql() + " ORDER BY created_at DESC"
	return q + limitOffset(w, f.Limit, 0, 200, 10000), w.args
}

func limitOffset(w *where, limit, offset, def, max int) string {
	if limit <= 0 {
		limit = def
	}
	if limit > max {
		limit = max
	}
	out := " LIMIT " + w.arg(limit)
	if offset > 0 {
		out += " OFFSET " + w.arg(offset)
	}
	return out
}

// Scanner is satisfied by pgx rows and database/sql rows alike.
type Scanner interface {
	Scan(dest ...any) error
}

// ScanJob reads a row selected with the backend's job column list.
func ScanJob(row Scanner) (models.Job, error) {
	var (
		job                                models.Job
		customerName, customerPhone        sql.NullString
		repairType, narration, factoryID   sql.NullString
		voucher, notes, holderID           sql.NullString
		weight, purchaseValue, diamondCent sql.NullString
		targetReturn, lastScan             sql.NullTime
		photos                             []byte
		source, status, holderRole         string
	)
	if err := row.Scan(
		&job.ID, &job.Code, &customerName, &customerPhone, &job.Description, &source, &repairType,
		&narration, &targetReturn, &factoryID, &voucher, &weight, &purchaseValue, &diamondCent,
		&notes, &photos, &status, &holderRole, &holderID, &lastScan, &job.Version, &job.CreatedAt, &job.UpdatedAt,
	); err != nil {
		return models.Job{}, err
	}
	job.CustomerName = customerName.String
	job.CustomerPhone = customerPhone.String
	job.Source = models.Source(source)
	job.RepairType = models.RepairType(repairType.String)
	job.WorkNarration = narration.String
	job.TargetReturnDate = timePtr(targetReturn)
	job.FactoryID = factoryID.String
	job.VoucherNo = voucher.String
	job.Notes = notes.String
	job.CurrentStatus = models.Status(status)
	job.HolderRole = models.Role(holderRole)
	job.HolderID = holderID.String
	job.LastScanAt = timePtr(lastScan)

	var err error
	if job.Weight, err = parseDecimal(weight); err != nil {
		return models.Job{}, fmt.Errorf("weight: %w", err)
	}
	if job.PurchaseValue, err = parseDecimal(purchaseValue); err != nil {
		return models.Job{}, fmt.Errorf("purchase_value: %w", err)
	}
	if job.DiamondCent, err = parseDecimal(diamondCent); err != nil {
		return models.Job{}, fmt.Errorf("diamond_cent: %w", err)
	}
	job.Photos = []models.PhotoRef{}
	if len(photos) > 0 {
		if err := json.Unmarshal(photos, &job.Photos); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal photos: %w", err)
		}
	}
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return job, nil
}

// JobArgs returns the insert arguments matching JobInsertColumns.
func JobArgs(job models.Job) ([]any, error) {
	photos := job.Photos
	if photos == nil {
		photos = []models.PhotoRef{}
	}
	photosJSON, err := json.Marshal(photos)
	if err != nil {
		return nil, fmt.Errorf("marshal photos: %w", err)
	}
	return []any{
		job.ID, job.Code, NullString(job.CustomerName), NullString(job.CustomerPhone), job.Description,
		string(job.Source), NullString(string(job.RepairType)), NullString(job.WorkNarration),
		NullTime(job.TargetReturnDate), NullString(job.FactoryID), NullString(job.VoucherNo),
		DecimalText(job.Weight), DecimalText(job.PurchaseValue), DecimalText(job.DiamondCent),
		NullString(job.Notes), photosJSON, string(job.CurrentStatus), string(job.HolderRole),
		NullString(job.HolderID), NullTime(job.LastScanAt), job.Version, job.CreatedAt.UTC(), job.UpdatedAt.UTC(),
	}, nil
}

// JobDetailArgs returns id, the editable columns from customer_name through
// photos, and updated_at.
func JobDetailArgs(job models.Job) ([]any, error) {
	all, err := JobArgs(job)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, 16)
	out = append(out, job.ID)
	out = append(out, all[2:16]...)
	return append(out, all[22]), nil
}

// JobInsertColumns is the column order produced by JobArgs.
const JobInsertColumns = `id, code, customer_name, customer_phone, description, source, repair_type, work_narration,
	target_return_date, factory_id, voucher_no, weight, purchase_value, diamond_cent, notes, photos,
	current_status, holder_role, holder_id, last_scan_at, version, created_at, updated_at`

// ScanEvent reads a row selected with EventColumns.
func ScanEvent(row Scanner) (models.StatusEvent, error) {
	var (
		ev                               models.StatusEvent
		from, remarks, override, batchID sql.NullString
		location, device                 sql.NullString
		to, role                         string
	)
	if err := row.Scan(&ev.Seq, &ev.ID, &ev.JobID, &ev.JobCode, &from, &to, &ev.ActorID, &role,
		&remarks, &override, &batchID, &location, &device, &ev.RecordedAt); err != nil {
		return models.StatusEvent{}, err
	}
	if from.Valid {
		s := models.Status(from.String)
		ev.FromStatus = &s
	}
	ev.ToStatus = models.Status(to)
	ev.ActorRole = models.Role(role)
	ev.Remarks = remarks.String
	ev.OverrideReason = override.String
	ev.BatchID = batchID.String
	ev.Location = location.String
	ev.DeviceID = device.String
	ev.RecordedAt = ev.RecordedAt.UTC()
	return ev, nil
}

// EventColumns selects an event with its job code.
const EventColumns = `e.seq, e.id, e.job_id, j.code, e.from_status, e.to_status, e.actor_id, e.actor_role,
	e.remarks, e.override_reason, e.batch_id, e.location, e.device_id, e.recorded_at`

// BatchColumns selects a batch.
const BatchColumns = `id, code, month, year, seq, status, factory_id, dispatch_date, expected_return_date,
	item_count, created_by, created_at, updated_at, closed_at`

// ScanBatch reads a row selected with BatchColumns.
func ScanBatch(row Scanner) (models.Batch, error) {
	var (
		b                            models.Batch
		status                       string
		factoryID                    sql.NullString
		dispatch, expected, closedAt sql.NullTime
	)
	if err := row.Scan(&b.ID, &b.Code, &b.Month, &b.Year, &b.Seq, &status, &factoryID, &dispatch, &expected,
		&b.ItemCount, &b.CreatedBy, &b.CreatedAt, &b.UpdatedAt, &closedAt); err != nil {
		return models.Batch{}, err
	}
	b.Status = models.BatchStatus(status)
	b.FactoryID = factoryID.String
	b.DispatchDate = timePtr(dispatch)
	b.ExpectedReturnDate = timePtr(expected)
	b.ClosedAt = timePtr(closedAt)
	b.CreatedAt = b.CreatedAt.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()
	return b, nil
}

// IncidentColumns selects an incident.
const IncidentColumns = `id, job_id, batch_id, type, description, status, reported_by, resolved_by,
	resolution_notes, created_at, resolved_at`

// ScanIncident reads a row selected with IncidentColumns.
func ScanIncident(row Scanner) (models.Incident, error) {
	var (
		inc                        models.Incident
		batchID, resolvedBy, notes sql.NullString
		typ, status                string
		resolvedAt                 sql.NullTime
	)
	if err := row.Scan(&inc.ID, &inc.JobID, &batchID, &typ, &inc.Description, &status, &inc.ReportedBy,
		&resolvedBy, &notes, &inc.CreatedAt, &resolvedAt); err != nil {
		return models.Incident{}, err
	}
	inc.BatchID = batchID.String
	inc.Type = models.IncidentType(typ)
	inc.Status = models.IncidentStatus(status)
	inc.ResolvedBy = resolvedBy.String
	inc.ResolutionNotes = notes.String
	inc.ResolvedAt = timePtr(resolvedAt)
	inc.CreatedAt = inc.CreatedAt.UTC()
	return inc, nil
}

// ScanJobEdit reads id, job_id, edited_by, edited_role, reason, changes, edited_at.
func ScanJobEdit(row Scanner) (models.JobEdit, error) {
	var (
		edit    models.JobEdit
		role    string
		changes []byte
	)
	if err := row.Scan(&edit.ID, &edit.JobID, &edit.EditedBy, &role, &edit.Reason, &changes, &edit.EditedAt); err != nil {
		return models.JobEdit{}, err
	}
	edit.EditedRole = models.Role(role)
	if err := json.Unmarshal(changes, &edit.Changes); err != nil {
		return models.JobEdit{}, fmt.Errorf("unmarshal changes: %w", err)
	}
	edit.EditedAt = edit.EditedAt.UTC()
	return edit, nil
}

// MarshalChanges encodes an edit diff.
func MarshalChanges(changes map[string]models.FieldChange) ([]byte, error) {
	if changes == nil {
		changes = map[string]models.FieldChange{}
	}
	b, err := json.Marshal(changes)
	if err != nil {
		return nil, fmt.Errorf("marshal changes: %w", err)
	}
	return b, nil
}

// NullString maps "" to SQL NULL.
func NullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

// NullTime maps nil to SQL NULL and normalizes to UTC.
func NullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// DecimalText renders a decimal for a NUMERIC/TEXT column.
func DecimalText(d decimal.NullDecimal) sql.NullString {
	if !d.Valid {
		return sql.NullString{}
	}
	return sql.NullString{String: d.Decimal.String(), Valid: true}
}

func parseDecimal(v sql.NullString) (decimal.NullDecimal, error) {
	if !v.Valid || v.String == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(v.String)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NullDecimal{Decimal: d, Valid: true}, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
