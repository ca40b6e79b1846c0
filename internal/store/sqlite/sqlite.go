// Package sqlite is a single-file Store for local runs and tests.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"

	"custody-tracker/internal/custody"
	"custody-tracker/internal/models"
	"custody-tracker/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store serializes writers through a single connection. Status updates are
// still version-checked so a stale read cannot overwrite a newer projection.
type Store struct {
	queries
	db *sql.DB
}

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	db dbtx
}

// Open opens (or creates) the database at path. Use ":memory:" for a private
// in-memory database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &Store{queries: queries{db: db}, db: db}, nil
}

func (s *Store) Close() {
	s.db.Close()
}

// WithTx runs fn inside a single transaction. fn must only use the Queries it
// is given; the store has one connection and it belongs to the transaction.
func (s *Store) WithTx(ctx context.Context, fn func(q store.Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(queries{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Retryable reports busy and locked database errors.
func (s *Store) Retryable(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

func wrap(err error, what string) error {
	var se sqlite3.Error
	if errors.As(err, &se) && (se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey) {
		return fmt.Errorf("%s: %v: %w", what, se, custody.ErrConflict)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func affected(res sql.Result, err error, what string, notFound error) error {
	if err != nil {
		return wrap(err, what)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

const jobColumns = `j.id, j.code, j.customer_name, j.customer_phone, j.description, j.source, j.repair_type,
	j.work_narration, j.target_return_date, j.factory_id, j.voucher_no, j.weight, j.purchase_value,
	j.diamond_cent, j.notes, j.photos, j.current_status, j.holder_role, j.holder_id, j.last_scan_at,
	j.version, j.created_at, j.updated_at`

func (q queries) GetJob(ctx context.Context, ref string) (models.Job, error) {
	job, err := store.ScanJob(q.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs j WHERE j.id = ? OR j.code = ?`, ref, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, custody.NotFound("job", ref)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// LockJob is GetJob; the single connection already excludes other writers.
func (q queries) LockJob(ctx context.Context, ref string) (models.Job, error) {
	return q.GetJob(ctx, ref)
}

func (q queries) listJobs(ctx context.Context, query string, args ...any) ([]models.Job, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		job, err := store.ScanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (q queries) ListJobs(ctx context.Context, f store.JobFilter) ([]models.Job, error) {
	tail, args := store.JobQuery(store.SQLiteDialect, f)
	return q.listJobs(ctx, `SELECT `+jobColumns+tail, args...)
}

func (q queries) CountJobsByStatus(ctx context.Context, f store.JobFilter) (map[models.Status]int, error) {
	query, args := store.JobCountQuery(store.SQLiteDialect, f)
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()
	out := make(map[models.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[models.Status(status)] = n
	}
	return out, rows.Err()
}

func (q queries) InsertJob(ctx context.Context, job models.Job) error {
	args, err := store.JobArgs(job)
	if err != nil {
		return err
	}
	ph := strings.TrimSuffix(strings.Repeat("?, ", len(args)), ", ")
	if _, err := q.db.ExecContext(ctx, `INSERT INTO jobs (`+store.JobInsertColumns+`) VALUES (`+ph+`)`, args...); err != nil {
		return wrap(err, "insert job")
	}
	return nil
}

func (q queries) UpdateJobDetails(ctx context.Context, job models.Job) error {
	args, err := store.JobDetailArgs(job)
	if err != nil {
		return err
	}
	// id moves to the end for the WHERE clause.
	args = append(args[1:], args[0])
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET customer_name = ?, customer_phone = ?, description = ?, source = ?, repair_type = ?,
			work_narration = ?, target_return_date = ?, factory_id = ?, voucher_no = ?, weight = ?,
			purchase_value = ?, diamond_cent = ?, notes = ?, photos = ?, updated_at = ?
		WHERE id = ?
	`, args...)
	return affected(res, err, "update job", custody.NotFound("job", job.Code))
}

func (q queries) UpdateJobProjection(ctx context.Context, p store.Projection) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs
		SET current_status = ?, holder_role = ?, holder_id = ?, last_scan_at = ?,
			factory_id = COALESCE(?, factory_id), version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, string(p.Status), string(p.HolderRole), store.NullString(p.HolderID), p.ScanAt.UTC(),
		store.NullString(p.FactoryID), p.ScanAt.UTC(), p.JobID, p.ExpectedVersion)
	return affected(res, err, "update job status", fmt.Errorf("job %s changed concurrently: %w", p.JobID, custody.ErrConflict))
}

func (q queries) InsertJobEdit(ctx context.Context, edit models.JobEdit) error {
	changes, err := store.MarshalChanges(edit.Changes)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO job_edits (id, job_id, edited_by, edited_role, reason, changes, edited_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, edit.ID, edit.JobID, edit.EditedBy, string(edit.EditedRole), edit.Reason, changes, edit.EditedAt.UTC())
	if err != nil {
		return wrap(err, "insert job edit")
	}
	return nil
}

func (q queries) ListJobEdits(ctx context.Context, jobID string) ([]models.JobEdit, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, job_id, edited_by, edited_role, reason, changes, edited_at
		FROM job_edits WHERE job_id = ? ORDER BY rowid
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query job edits: %w", err)
	}
	defer rows.Close()
	var out []models.JobEdit
	for rows.Next() {
		edit, err := store.ScanJobEdit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, edit)
	}
	return out, rows.Err()
}

func (q queries) NextSequence(ctx context.Context, scope string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
		INSERT INTO code_sequences (scope, last_value) VALUES (?, 1)
		ON CONFLICT (scope) DO UPDATE SET last_value = last_value + 1
		RETURNING last_value
	`, scope).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("next sequence %s: %w", scope, err)
	}
	return n, nil
}

func (q queries) AppendEvent(ctx context.Context, ev *models.StatusEvent) error {
	var from sql.NullString
	if ev.FromStatus != nil {
		from = sql.NullString{String: string(*ev.FromStatus), Valid: true}
	}
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO status_events (id, job_id, from_status, to_status, actor_id, actor_role, remarks,
			override_reason, batch_id, location, device_id, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.JobID, from, string(ev.ToStatus), ev.ActorID, string(ev.ActorRole), store.NullString(ev.Remarks),
		store.NullString(ev.OverrideReason), store.NullString(ev.BatchID), store.NullString(ev.Location),
		store.NullString(ev.DeviceID), ev.RecordedAt.UTC())
	if err != nil {
		return wrap(err, "append status event")
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("event seq: %w", err)
	}
	ev.Seq = seq
	return nil
}

func (q queries) ListEvents(ctx context.Context, f store.EventFilter) ([]models.StatusEvent, error) {
	tail, args := store.EventQuery(store.SQLiteDialect, f)
	rows, err := q.db.QueryContext(ctx, `SELECT `+store.EventColumns+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	var out []models.StatusEvent
	for rows.Next() {
		ev, err := store.ScanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (q queries) GetBatch(ctx context.Context, ref string) (models.Batch, error) {
	b, err := store.ScanBatch(q.db.QueryRowContext(ctx, `SELECT `+store.BatchColumns+` FROM batches WHERE id = ? OR code = ?`, ref, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Batch{}, custody.NotFound("batch", ref)
	}
	if err != nil {
		return models.Batch{}, fmt.Errorf("scan batch: %w", err)
	}
	return b, nil
}

func (q queries) LockBatch(ctx context.Context, ref string) (models.Batch, error) {
	return q.GetBatch(ctx, ref)
}

func (q queries) FindOpenBatch(ctx context.Context, year, month int) (models.Batch, bool, error) {
	b, err := store.ScanBatch(q.db.QueryRowContext(ctx, `
		SELECT `+store.BatchColumns+` FROM batches
		WHERE year = ? AND month = ? AND status <> ?
		ORDER BY seq DESC LIMIT 1
	`, year, month, string(models.BatchClosed)))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Batch{}, false, nil
	}
	if err != nil {
		return models.Batch{}, false, fmt.Errorf("find open batch: %w", err)
	}
	return b, true, nil
}

func (q queries) OpenBatchForJob(ctx context.Context, jobID string) (models.Batch, bool, error) {
	b, err := store.ScanBatch(q.db.QueryRowContext(ctx, `
		SELECT `+store.BatchColumns+` FROM batches
		WHERE status <> ? AND id IN (SELECT batch_id FROM batch_items WHERE job_id = ?)
		ORDER BY created_at DESC LIMIT 1
	`, string(models.BatchClosed), jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Batch{}, false, nil
	}
	if err != nil {
		return models.Batch{}, false, fmt.Errorf("open batch for job: %w", err)
	}
	return b, true, nil
}

func (q queries) ListBatches(ctx context.Context, f store.BatchFilter) ([]models.Batch, error) {
	tail, args := store.BatchQuery(store.SQLiteDialect, f)
	rows, err := q.db.QueryContext(ctx, `SELECT `+store.BatchColumns+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer rows.Close()
	var out []models.Batch
	for rows.Next() {
		b, err := store.ScanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (q queries) InsertBatch(ctx context.Context, b models.Batch) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO batches (`+store.BatchColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, b.ID, b.Code, b.Month, b.Year, b.Seq, string(b.Status), store.NullString(b.FactoryID), store.NullTime(b.DispatchDate),
		store.NullTime(b.ExpectedReturnDate), b.ItemCount, b.CreatedBy, b.CreatedAt.UTC(), b.UpdatedAt.UTC(), store.NullTime(b.ClosedAt))
	if err != nil {
		return wrap(err, "insert batch")
	}
	return nil
}

func (q queries) UpdateBatch(ctx context.Context, b models.Batch) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE batches SET status = ?, factory_id = ?, dispatch_date = ?, expected_return_date = ?,
			item_count = ?, updated_at = ?, closed_at = ?
		WHERE id = ?
	`, string(b.Status), store.NullString(b.FactoryID), store.NullTime(b.DispatchDate), store.NullTime(b.ExpectedReturnDate),
		b.ItemCount, b.UpdatedAt.UTC(), store.NullTime(b.ClosedAt), b.ID)
	return affected(res, err, "update batch", custody.NotFound("batch", b.Code))
}

func (q queries) InsertBatchItem(ctx context.Context, item models.BatchItem) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO batch_items (batch_id, job_id, remarks, added_by, added_at) VALUES (?, ?, ?, ?, ?)
	`, item.BatchID, item.JobID, store.NullString(item.Remarks), item.AddedBy, item.AddedAt.UTC())
	if err != nil {
		return wrap(err, "insert batch item")
	}
	return nil
}

func (q queries) ListBatchJobs(ctx context.Context, batchID string) ([]models.Job, error) {
	return q.listJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs j
		JOIN batch_items bi ON bi.job_id = j.id
		WHERE bi.batch_id = ?
		ORDER BY bi.rowid
	`, batchID)
}

// LockBatchJobs is ListBatchJobs; the single connection already excludes
// other writers.
func (q queries) LockBatchJobs(ctx context.Context, batchID string) ([]models.Job, error) {
	return q.ListBatchJobs(ctx, batchID)
}

func (q queries) GetFactory(ctx context.Context, id string) (models.Factory, error) {
	var f models.Factory
	err := q.db.QueryRowContext(ctx, `SELECT id, name, is_active, created_at FROM factories WHERE id = ?`, id).
		Scan(&f.ID, &f.Name, &f.IsActive, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Factory{}, custody.NotFound("factory", id)
	}
	if err != nil {
		return models.Factory{}, fmt.Errorf("scan factory: %w", err)
	}
	f.CreatedAt = f.CreatedAt.UTC()
	return f, nil
}

func (q queries) FactoryNameTaken(ctx context.Context, name, exceptID string) (bool, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM factories WHERE lower(name) = lower(?) AND id <> ?`, name, exceptID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check factory name: %w", err)
	}
	return n > 0, nil
}

func (q queries) ListFactories(ctx context.Context, includeInactive bool) ([]models.Factory, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT id, name, is_active, created_at FROM factories WHERE is_active = 1 OR ? ORDER BY name`, includeInactive)
	if err != nil {
		return nil, fmt.Errorf("query factories: %w", err)
	}
	defer rows.Close()
	var out []models.Factory
	for rows.Next() {
		var f models.Factory
		if err := rows.Scan(&f.ID, &f.Name, &f.IsActive, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan factory: %w", err)
		}
		f.CreatedAt = f.CreatedAt.UTC()
		out = append(out, f)
	}
	return out, rows.Err()
}

func (q queries) InsertFactory(ctx context.Context, f models.Factory) error {
	_, err := q.db.ExecContext(ctx, `INSERT INTO factories (id, name, is_active, created_at) VALUES (?, ?, ?, ?)`,
		f.ID, f.Name, f.IsActive, f.CreatedAt.UTC())
	if err != nil {
		return wrap(err, "insert factory")
	}
	return nil
}

func (q queries) UpdateFactory(ctx context.Context, f models.Factory) error {
	res, err := q.db.ExecContext(ctx, `UPDATE factories SET name = ?, is_active = ? WHERE id = ?`, f.Name, f.IsActive, f.ID)
	return affected(res, err, "update factory", custody.NotFound("factory", f.ID))
}

func (q queries) GetIncident(ctx context.Context, id string) (models.Incident, error) {
	inc, err := store.ScanIncident(q.db.QueryRowContext(ctx, `SELECT `+store.IncidentColumns+` FROM incidents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Incident{}, custody.NotFound("incident", id)
	}
	if err != nil {
		return models.Incident{}, fmt.Errorf("scan incident: %w", err)
	}
	return inc, nil
}

func (q queries) ListIncidents(ctx context.Context, f store.IncidentFilter) ([]models.Incident, error) {
	tail, args := store.IncidentQuery(store.SQLiteDialect, f)
	rows, err := q.db.QueryContext(ctx, `SELECT `+store.IncidentColumns+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("query incidents: %w", err)
	}
	defer rows.Close()
	var out []models.Incident
	for rows.Next() {
		inc, err := store.ScanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

func (q queries) InsertIncident(ctx context.Context, inc models.Incident) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO incidents (`+store.IncidentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, inc.ID, inc.JobID, store.NullString(inc.BatchID), string(inc.Type), inc.Description, string(inc.Status),
		inc.ReportedBy, store.NullString(inc.ResolvedBy), store.NullString(inc.ResolutionNotes), inc.CreatedAt.UTC(), store.NullTime(inc.ResolvedAt))
	if err != nil {
		return wrap(err, "insert incident")
	}
	return nil
}

func (q queries) UpdateIncident(ctx context.Context, inc models.Incident) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE incidents SET status = ?, resolved_by = ?, resolution_notes = ?, resolved_at = ? WHERE id = ?
	`, string(inc.Status), store.NullString(inc.ResolvedBy), store.NullString(inc.ResolutionNotes), store.NullTime(inc.ResolvedAt), inc.ID)
	return affected(res, err, "update incident", custody.NotFound("incident", inc.ID))
}
