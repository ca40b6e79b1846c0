package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"custody-tracker/internal/custody"
	"custody-tracker/internal/models"
)

var _ Store = (*Postgres)(nil)

// Postgres wraps pgxpool for Postgres persistence.
type Postgres struct {
	pgQueries
	pool *pgxpool.Pool
}

type pgDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// pgQueries runs against either the pool or an open transaction.
type pgQueries struct {
	db pgDB
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pgQueries: pgQueries{db: pool}, pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// WithTx runs fn inside a single transaction.
func (s *Postgres) WithTx(ctx context.Context, fn func(q Queries) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if err := fn(pgQueries{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Retryable reports connection loss, timeouts, serialization failures and deadlocks.
func (s *Postgres) Retryable(err error) bool {
	if err == nil {
		return false
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01" || strings.HasPrefix(pgErr.Code, "08")
	}
	return false
}

func pgWrap(err error, what string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s: %s: %w", what, pgErr.ConstraintName, custody.ErrConflict)
	}
	return fmt.Errorf("%s: %w", what, err)
}

const pgJobColumns = `j.id, j.code, j.customer_name, j.customer_phone, j.description, j.source, j.repair_type,
	j.work_narration, j.target_return_date, j.factory_id, j.voucher_no, j.weight::text, j.purchase_value::text,
	j.diamond_cent::text, j.notes, j.photos, j.current_status, j.holder_role, j.holder_id, j.last_scan_at,
	j.version, j.created_at, j.updated_at`

// GetJob fetches a job by id or code.
func (q pgQueries) GetJob(ctx context.Context, ref string) (models.Job, error) {
	return q.getJob(ctx, ref, "")
}

// LockJob fetches a job by id or code with a row lock.
func (q pgQueries) LockJob(ctx context.Context, ref string) (models.Job, error) {
	return q.getJob(ctx, ref, " FOR UPDATE")
}

func (q pgQueries) getJob(ctx context.Context, ref, suffix string) (models.Job, error) {
	row := q.db.QueryRow(ctx, `SELECT `+pgJobColumns+` FROM jobs j WHERE j.id = $1 OR j.code = $1`+suffix, ref)
	job, err := ScanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, custody.NotFound("job", ref)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs matching the filter.
func (q pgQueries) ListJobs(ctx context.Context, f JobFilter) ([]models.Job, error) {
	tail, args := JobQuery(PostgresDialect, f)
	rows, err := q.db.Query(ctx, `SELECT `+pgJobColumns+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		job, err := ScanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// CountJobsByStatus groups matching jobs by current status.
func (q pgQueries) CountJobsByStatus(ctx context.Context, f JobFilter) (map[models.Status]int, error) {
	query, args := JobCountQuery(PostgresDialect, f)
	rows, err := q.db.Query(ctx, query, args...)
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

// InsertJob inserts a job row.
func (q pgQueries) InsertJob(ctx context.Context, job models.Job) error {
	args, err := JobArgs(job)
	if err != nil {
		return err
	}
	_, err = q.db.Exec(ctx, `INSERT INTO jobs (`+JobInsertColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)`, args...)
	if err != nil {
		return pgWrap(err, "insert job")
	}
	return nil
}

// UpdateJobDetails writes the editable fields. Status columns are left alone.
func (q pgQueries) UpdateJobDetails(ctx context.Context, job models.Job) error {
	args, err := JobDetailArgs(job)
	if err != nil {
		return err
	}
	tag, err := q.db.Exec(ctx, `
		UPDATE jobs SET customer_name = $2, customer_phone = $3, description = $4, source = $5, repair_type = $6,
			work_narration = $7, target_return_date = $8, factory_id = $9, voucher_no = $10, weight = $11,
			purchase_value = $12, diamond_cent = $13, notes = $14, photos = $15, updated_at = $16
		WHERE id = $1
	`, args...)
	if err != nil {
		return pgWrap(err, "update job")
	}
	if tag.RowsAffected() == 0 {
		return custody.NotFound("job", job.Code)
	}
	return nil
}

// UpdateJobProjection moves the status columns if the version still matches.
func (q pgQueries) UpdateJobProjection(ctx context.Context, p Projection) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE jobs
		SET current_status = $3, holder_role = $4, holder_id = $5, last_scan_at = $6,
			factory_id = COALESCE($7, factory_id), version = version + 1, updated_at = $6
		WHERE id = $1 AND version = $2
	`, p.JobID, p.ExpectedVersion, string(p.Status), string(p.HolderRole), NullString(p.HolderID), p.ScanAt.UTC(), NullString(p.FactoryID))
	if err != nil {
		return pgWrap(err, "update job status")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s changed concurrently: %w", p.JobID, custody.ErrConflict)
	}
	return nil
}

// InsertJobEdit appends an edit audit row.
func (q pgQueries) InsertJobEdit(ctx context.Context, edit models.JobEdit) error {
	changes, err := MarshalChanges(edit.Changes)
	if err != nil {
		return err
	}
	_, err = q.db.Exec(ctx, `
		INSERT INTO job_edits (id, job_id, edited_by, edited_role, reason, changes, edited_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, edit.ID, edit.JobID, edit.EditedBy, string(edit.EditedRole), edit.Reason, changes, edit.EditedAt.UTC())
	if err != nil {
		return pgWrap(err, "insert job edit")
	}
	return nil
}

// ListJobEdits returns a job's edits, oldest first.
func (q pgQueries) ListJobEdits(ctx context.Context, jobID string) ([]models.JobEdit, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, job_id, edited_by, edited_role, reason, changes, edited_at
		FROM job_edits WHERE job_id = $1 ORDER BY edited_at, id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query job edits: %w", err)
	}
	defer rows.Close()
	var out []models.JobEdit
	for rows.Next() {
		edit, err := ScanJobEdit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, edit)
	}
	return out, rows.Err()
}

// NextSequence increments and returns a named counter.
func (q pgQueries) NextSequence(ctx context.Context, scope string) (int, error) {
	var n int
	err := q.db.QueryRow(ctx, `
		INSERT INTO code_sequences (scope, last_value) VALUES ($1, 1)
		ON CONFLICT (scope) DO UPDATE SET last_value = code_sequences.last_value + 1
		RETURNING last_value
	`, scope).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("next sequence %s: %w", scope, err)
	}
	return n, nil
}

// AppendEvent inserts a status event and fills in its sequence number.
func (q pgQueries) AppendEvent(ctx context.Context, ev *models.StatusEvent) error {
	var from *string
	if ev.FromStatus != nil {
		s := string(*ev.FromStatus)
		from = &s
	}
	err := q.db.QueryRow(ctx, `
		INSERT INTO status_events (id, job_id, from_status, to_status, actor_id, actor_role, remarks,
			override_reason, batch_id, location, device_id, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING seq
	`, ev.ID, ev.JobID, from, string(ev.ToStatus), ev.ActorID, string(ev.ActorRole), NullString(ev.Remarks),
		NullString(ev.OverrideReason), NullString(ev.BatchID), NullString(ev.Location), NullString(ev.DeviceID),
		ev.RecordedAt.UTC()).Scan(&ev.Seq)
	if err != nil {
		return pgWrap(err, "append status event")
	}
	return nil
}

// ListEvents returns status events matching the filter.
func (q pgQueries) ListEvents(ctx context.Context, f EventFilter) ([]models.StatusEvent, error) {
	tail, args := EventQuery(PostgresDialect, f)
	rows, err := q.db.Query(ctx, `SELECT `+EventColumns+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	var out []models.StatusEvent
	for rows.Next() {
		ev, err := ScanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// GetBatch fetches a batch by id or code.
func (q pgQueries) GetBatch(ctx context.Context, ref string) (models.Batch, error) {
	return q.getBatch(ctx, ref, "")
}

// LockBatch fetches a batch by id or code with a row lock.
func (q pgQueries) LockBatch(ctx context.Context, ref string) (models.Batch, error) {
	return q.getBatch(ctx, ref, " FOR UPDATE")
}

func (q pgQueries) getBatch(ctx context.Context, ref, suffix string) (models.Batch, error) {
	b, err := ScanBatch(q.db.QueryRow(ctx, `SELECT `+BatchColumns+` FROM batches WHERE id = $1 OR code = $1`+suffix, ref))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Batch{}, custody.NotFound("batch", ref)
	}
	if err != nil {
		return models.Batch{}, fmt.Errorf("scan batch: %w", err)
	}
	return b, nil
}

// FindOpenBatch returns the non-closed batch for a period, locked.
func (q pgQueries) FindOpenBatch(ctx context.Context, year, month int) (models.Batch, bool, error) {
	b, err := ScanBatch(q.db.QueryRow(ctx, `
		SELECT `+BatchColumns+` FROM batches
		WHERE year = $1 AND month = $2 AND status <> $3
		ORDER BY seq DESC LIMIT 1 FOR UPDATE
	`, year, month, string(models.BatchClosed)))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Batch{}, false, nil
	}
	if err != nil {
		return models.Batch{}, false, fmt.Errorf("find open batch: %w", err)
	}
	return b, true, nil
}

// OpenBatchForJob returns the non-closed batch holding a job.
func (q pgQueries) OpenBatchForJob(ctx context.Context, jobID string) (models.Batch, bool, error) {
	b, err := ScanBatch(q.db.QueryRow(ctx, `
		SELECT `+prefixed("b.", BatchColumns)+` FROM batches b
		JOIN batch_items bi ON bi.batch_id = b.id
		WHERE bi.job_id = $1 AND b.status <> $2
		ORDER BY b.created_at DESC LIMIT 1
	`, jobID, string(models.BatchClosed)))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Batch{}, false, nil
	}
	if err != nil {
		return models.Batch{}, false, fmt.Errorf("open batch for job: %w", err)
	}
	return b, true, nil
}

// ListBatches returns batches, newest first.
func (q pgQueries) ListBatches(ctx context.Context, f BatchFilter) ([]models.Batch, error) {
	tail, args := BatchQuery(PostgresDialect, f)
	rows, err := q.db.Query(ctx, `SELECT `+BatchColumns+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer rows.Close()
	var out []models.Batch
	for rows.Next() {
		b, err := ScanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// InsertBatch inserts a batch row.
func (q pgQueries) InsertBatch(ctx context.Context, b models.Batch) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO batches (`+BatchColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, b.ID, b.Code, b.Month, b.Year, b.Seq, string(b.Status), NullString(b.FactoryID), NullTime(b.DispatchDate),
		NullTime(b.ExpectedReturnDate), b.ItemCount, b.CreatedBy, b.CreatedAt.UTC(), b.UpdatedAt.UTC(), NullTime(b.ClosedAt))
	if err != nil {
		return pgWrap(err, "insert batch")
	}
	return nil
}

// UpdateBatch writes the mutable batch columns.
func (q pgQueries) UpdateBatch(ctx context.Context, b models.Batch) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE batches SET status = $2, factory_id = $3, dispatch_date = $4, expected_return_date = $5,
			item_count = $6, updated_at = $7, closed_at = $8
		WHERE id = $1
	`, b.ID, string(b.Status), NullString(b.FactoryID), NullTime(b.DispatchDate), NullTime(b.ExpectedReturnDate),
		b.ItemCount, b.UpdatedAt.UTC(), NullTime(b.ClosedAt))
	if err != nil {
		return pgWrap(err, "update batch")
	}
	if tag.RowsAffected() == 0 {
		return custody.NotFound("batch", b.Code)
	}
	return nil
}

// InsertBatchItem records batch membership.
func (q pgQueries) InsertBatchItem(ctx context.Context, item models.BatchItem) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO batch_items (batch_id, job_id, remarks, added_by, added_at)
		VALUES ($1, $2, $3, $4, $5)
	`, item.BatchID, item.JobID, NullString(item.Remarks), item.AddedBy, item.AddedAt.UTC())
	if err != nil {
		return pgWrap(err, "insert batch item")
	}
	return nil
}

// batchJobsQuery selects a batch's members in the order they were added,
// optionally locking the member job rows.
func batchJobsQuery(lock bool) string {
	q := `SELECT ` + pgJobColumns + ` FROM jobs j
		JOIN batch_items bi ON bi.job_id = j.id
		WHERE bi.batch_id = $1
		ORDER BY bi.added_at, j.code`
	if lock {
		q += ` FOR UPDATE OF j`
	}
	return q
}

// ListBatchJobs returns a batch's member jobs in the order they were added.
func (q pgQueries) ListBatchJobs(ctx context.Context, batchID string) ([]models.Job, error) {
	return q.batchJobs(ctx, batchID, false)
}

// LockBatchJobs is ListBatchJobs holding row locks on every member until
// the transaction ends.
func (q pgQueries) LockBatchJobs(ctx context.Context, batchID string) ([]models.Job, error) {
	return q.batchJobs(ctx, batchID, true)
}

func (q pgQueries) batchJobs(ctx context.Context, batchID string, lock bool) ([]models.Job, error) {
	rows, err := q.db.Query(ctx, batchJobsQuery(lock), batchID)
	if err != nil {
		return nil, fmt.Errorf("query batch jobs: %w", err)
	}
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		job, err := ScanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// GetFactory fetches a factory by id.
func (q pgQueries) GetFactory(ctx context.Context, id string) (models.Factory, error) {
	var f models.Factory
	err := q.db.QueryRow(ctx, `SELECT id, name, is_active, created_at FROM factories WHERE id = $1`, id).
		Scan(&f.ID, &f.Name, &f.IsActive, &f.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Factory{}, custody.NotFound("factory", id)
	}
	if err != nil {
		return models.Factory{}, fmt.Errorf("scan factory: %w", err)
	}
	f.CreatedAt = f.CreatedAt.UTC()
	return f, nil
}

// FactoryNameTaken checks case-insensitive name uniqueness.
func (q pgQueries) FactoryNameTaken(ctx context.Context, name, exceptID string) (bool, error) {
	var n int
	err := q.db.QueryRow(ctx, `SELECT COUNT(*) FROM factories WHERE lower(name) = lower($1) AND id <> $2`, name, exceptID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check factory name: %w", err)
	}
	return n > 0, nil
}

// ListFactories returns factories ordered by name.
func (q pgQueries) ListFactories(ctx context.Context, includeInactive bool) ([]models.Factory, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, name, is_active, created_at FROM factories
		WHERE is_active OR $1
		ORDER BY name
	`, includeInactive)
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

// InsertFactory inserts a factory row.
func (q pgQueries) InsertFactory(ctx context.Context, f models.Factory) error {
	_, err := q.db.Exec(ctx, `INSERT INTO factories (id, name, is_active, created_at) VALUES ($1, $2, $3, $4)`,
		f.ID, f.Name, f.IsActive, f.CreatedAt.UTC())
	if err != nil {
		return pgWrap(err, "insert factory")
	}
	return nil
}

// UpdateFactory writes name and active flag.
func (q pgQueries) UpdateFactory(ctx context.Context, f models.Factory) error {
	tag, err := q.db.Exec(ctx, `UPDATE factories SET name = $2, is_active = $3 WHERE id = $1`, f.ID, f.Name, f.IsActive)
	if err != nil {
		return pgWrap(err, "update factory")
	}
	if tag.RowsAffected() == 0 {
		return custody.NotFound("factory", f.ID)
	}
	return nil
}

// GetIncident fetches an incident by id.
func (q pgQueries) GetIncident(ctx context.Context, id string) (models.Incident, error) {
	inc, err := ScanIncident(q.db.QueryRow(ctx, `SELECT `+IncidentColumns+` FROM incidents WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Incident{}, custody.NotFound("incident", id)
	}
	if err != nil {
		return models.Incident{}, fmt.Errorf("scan incident: %w", err)
	}
	return inc, nil
}

// ListIncidents returns incidents matching the filter, newest first.
func (q pgQueries) ListIncidents(ctx context.Context, f IncidentFilter) ([]models.Incident, error) {
	tail, args := IncidentQuery(PostgresDialect, f)
	rows, err := q.db.Query(ctx, `SELECT `+IncidentColumns+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("query incidents: %w", err)
	}
	defer rows.Close()
	var out []models.Incident
	for rows.Next() {
		inc, err := ScanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

// InsertIncident inserts an incident row.
func (q pgQueries) InsertIncident(ctx context.Context, inc models.Incident) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO incidents (`+IncidentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, inc.ID, inc.JobID, NullString(inc.BatchID), string(inc.Type), inc.Description, string(inc.Status),
		inc.ReportedBy, NullString(inc.ResolvedBy), NullString(inc.ResolutionNotes), inc.CreatedAt.UTC(), NullTime(inc.ResolvedAt))
	if err != nil {
		return pgWrap(err, "insert incident")
	}
	return nil
}

// UpdateIncident writes resolution fields.
func (q pgQueries) UpdateIncident(ctx context.Context, inc models.Incident) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE incidents SET status = $2, resolved_by = $3, resolution_notes = $4, resolved_at = $5
		WHERE id = $1
	`, inc.ID, string(inc.Status), NullString(inc.ResolvedBy), NullString(inc.ResolutionNotes), NullTime(inc.ResolvedAt))
	if err != nil {
		return pgWrap(err, "update incident")
	}
	if tag.RowsAffected() == 0 {
		return custody.NotFound("incident", inc.ID)
	}
	return nil
}

func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// Now is the store clock, truncated to microseconds so values survive a round trip.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
