// Package store persists jobs, their status events, batches, incidents and
// factories. Postgres is the production backend; the sqlite subpackage
// implements the same interface for local runs and tests.
package store

import (
	"context"
	"time"

	"custody-tracker/internal/models"
)

// Queries is the read/write surface shared by a store and its transactions.
// Mutations are only issued through WithTx.
type Queries interface {
	GetJob(ctx context.Context, ref string) (models.Job, error)
	// LockJob reads a job and holds it against concurrent writers until the
	// enclosing transaction ends.
	LockJob(ctx context.Context, ref string) (models.Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]models.Job, error)
	CountJobsByStatus(ctx context.Context, f JobFilter) (map[models.Status]int, error)
	InsertJob(ctx context.Context, job models.Job) error
	UpdateJobDetails(ctx context.Context, job models.Job) error
	UpdateJobProjection(ctx context.Context, p Projection) error
	InsertJobEdit(ctx context.Context, edit models.JobEdit) error
	ListJobEdits(ctx context.Context, jobID string) ([]models.JobEdit, error)
	NextSequence(ctx context.Context, scope string) (int, error)

	AppendEvent(ctx context.Context, ev *models.StatusEvent) error
	ListEvents(ctx context.Context, f EventFilter) ([]models.StatusEvent, error)

	GetBatch(ctx context.Context, ref string) (models.Batch, error)
	LockBatch(ctx context.Context, ref string) (models.Batch, error)
	FindOpenBatch(ctx context.Context, year, month int) (models.Batch, bool, error)
	OpenBatchForJob(ctx context.Context, jobID string) (models.Batch, bool, error)
	ListBatches(ctx context.Context, f BatchFilter) ([]models.Batch, error)
	InsertBatch(ctx context.Context, b models.Batch) error
	UpdateBatch(ctx context.Context, b models.Batch) error
	InsertBatchItem(ctx context.Context, item models.BatchItem) error
	ListBatchJobs(ctx context.Context, batchID string) ([]models.Job, error)
	// LockBatchJobs lists members and locks their rows for the transaction.
	LockBatchJobs(ctx context.Context, batchID string) ([]models.Job, error)

	GetFactory(ctx context.Context, id string) (models.Factory, error)
	FactoryNameTaken(ctx context.Context, name, exceptID string) (bool, error)
	ListFactories(ctx context.Context, includeInactive bool) ([]models.Factory, error)
	InsertFactory(ctx context.Context, f models.Factory) error
	UpdateFactory(ctx context.Context, f models.Factory) error

	GetIncident(ctx context.Context, id string) (models.Incident, error)
	ListIncidents(ctx context.Context, f IncidentFilter) ([]models.Incident, error)
	InsertIncident(ctx context.Context, inc models.Incident) error
	UpdateIncident(ctx context.Context, inc models.Incident) error
}

// Store is a transactional Queries backend.
type Store interface {
	Queries
	// WithTx runs fn in one transaction, committing only if fn returns nil.
	WithTx(ctx context.Context, fn func(q Queries) error) error
	// Retryable reports whether err is a transient storage failure.
	Retryable(err error) bool
	RunMigrations(ctx context.Context) error
	Close()
}

// Projection is the status write that follows an accepted transition.
type Projection struct {
	JobID           string
	ExpectedVersion int64
	Status          models.Status
	HolderRole      models.Role
	HolderID        string
	ScanAt          time.Time
	// FactoryID, when non-empty, is copied from the batch the job joins.
	FactoryID string
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Statuses    []models.Status
	HolderRole  models.Role
	HolderID    string
	Phone       string
	Code        string
	BatchID     string
	CreatedFrom *time.Time
	CreatedTo   *time.Time
	SortBy      string
	SortAsc     bool
	Limit       int
	Offset      int
}

// EventFilter narrows ListEvents.
type EventFilter struct {
	JobID         string
	ActorID       string
	BatchID       string
	FromStatus    models.Status
	ToStatus      models.Status
	From          *time.Time
	To            *time.Time
	OverridesOnly bool
	// Oldest first when true; newest first otherwise.
	Ascending bool
	// AfterSeq resumes a listing past the event with this seq, in the
	// listing's direction. Zero starts from the beginning.
	AfterSeq int64
	Limit    int
}

// BatchFilter narrows ListBatches.
type BatchFilter struct {
	Statuses []models.BatchStatus
	Limit    int
}

// IncidentFilter narrows ListIncidents.
type IncidentFilter struct {
	Status  models.IncidentStatus
	Type    models.IncidentType
	JobID   string
	BatchID string
	From    *time.Time
	To      *time.Time
	Limit   int
}
