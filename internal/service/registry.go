package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"custody-tracker/internal/custody"
	"custody-tracker/internal/models"
	"custody-tracker/internal/store"
)

// CreateJobRequest carries the intake fields for a new job.
type CreateJobRequest struct {
	CustomerName     string
	CustomerPhone    string
	Description      string
	Source           models.Source
	RepairType       models.RepairType
	WorkNarration    string
	TargetReturnDate *time.Time
	FactoryID        string
	VoucherNo        string
	Weight           decimal.NullDecimal
	PurchaseValue    decimal.NullDecimal
	DiamondCent      decimal.NullDecimal
	Notes            string
	Photos           []models.PhotoRef
	Remarks          string
}

var intakeRoles = []models.Role{models.RolePurchase, models.RolePacking, models.RoleAdmin}

// CreateJob registers a new item at PURCHASED and writes its first event.
func (s *Service) CreateJob(ctx context.Context, actor Actor, req CreateJobRequest) (models.Job, error) {
	if err := requireRole(actor, "job intake", intakeRoles...); err != nil {
		return models.Job{}, err
	}
	now := s.clock()
	job := models.Job{
		ID:               uuid.NewString(),
		CustomerName:     strings.TrimSpace(req.CustomerName),
		CustomerPhone:    strings.TrimSpace(req.CustomerPhone),
		Description:      strings.TrimSpace(req.Description),
		Source:           req.Source,
		RepairType:       req.RepairType,
		WorkNarration:    strings.TrimSpace(req.WorkNarration),
		TargetReturnDate: utcPtr(req.TargetReturnDate),
		FactoryID:        req.FactoryID,
		VoucherNo:        strings.TrimSpace(req.VoucherNo),
		Weight:           req.Weight,
		PurchaseValue:    req.PurchaseValue,
		DiamondCent:      req.DiamondCent,
		Notes:            strings.TrimSpace(req.Notes),
		Photos:           req.Photos,
		CurrentStatus:    models.StatusPurchased,
		HolderRole:       s.rules.Holder(models.StatusPurchased),
		HolderID:         actor.ID,
		LastScanAt:       &now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if job.Photos == nil {
		job.Photos = []models.PhotoRef{}
	}
	if err := validateJob(job); err != nil {
		return models.Job{}, err
	}

	role := models.RoleAdmin
	for _, r := range intakeRoles {
		if actor.Has(r) {
			role = r
			break
		}
	}

	err := s.tx(ctx, func(q store.Queries) error {
		if job.FactoryID != "" {
			f, err := q.GetFactory(ctx, job.FactoryID)
			if err != nil {
				return err
			}
			if !f.IsActive {
				return custody.Invalid("factory_id", fmt.Sprintf("factory %s is inactive", f.Name))
			}
		}
		seq, err := q.NextSequence(ctx, fmt.Sprintf("job:%04d", now.Year()))
		if err != nil {
			return err
		}
		job.Code = custody.JobCode(now.Year(), seq)
		if err := q.InsertJob(ctx, job); err != nil {
			return err
		}
		ev := models.StatusEvent{
			ID:         uuid.NewString(),
			JobID:      job.ID,
			JobCode:    job.Code,
			ToStatus:   models.StatusPurchased,
			ActorID:    actor.ID,
			ActorRole:  role,
			Remarks:    strings.TrimSpace(req.Remarks),
			RecordedAt: now,
		}
		return q.AppendEvent(ctx, &ev)
	})
	if err != nil {
		return models.Job{}, err
	}
	return job, nil
}

// validateJob checks the intake rules shared by create and edit.
func validateJob(job models.Job) error {
	fields := map[string]string{}
	if job.Description == "" {
		fields["description"] = "description is required"
	}
	if !job.Source.Valid() {
		fields["source"] = "source must be Stock or Repair"
	}
	if job.Source == models.SourceRepair {
		if !job.RepairType.Valid() {
			fields["repair_type"] = "repair type is required for repairs"
		}
		if job.WorkNarration == "" {
			fields["work_narration"] = "work narration is required for repairs"
		}
		if job.TargetReturnDate == nil {
			fields["target_return_date"] = "target return date is required for repairs"
		}
	} else if job.RepairType != "" && !job.RepairType.Valid() {
		fields["repair_type"] = fmt.Sprintf("unknown repair type %q", job.RepairType)
	}
	for name, d := range map[string]decimal.NullDecimal{
		"approximate_weight": job.Weight,
		"purchase_value":     job.PurchaseValue,
		"diamond_cent":       job.DiamondCent,
	} {
		if d.Valid && d.Decimal.IsNegative() {
			fields[name] = "must not be negative"
		}
	}
	if len(fields) > 0 {
		return &custody.ValidationError{Fields: fields}
	}
	return nil
}

// JobPatch lists the fields an admin edit may change. Nil means unchanged.
type JobPatch struct {
	CustomerName     *string
	CustomerPhone    *string
	Description      *string
	Source           *models.Source
	RepairType       *models.RepairType
	WorkNarration    *string
	TargetReturnDate *time.Time
	FactoryID        *string
	VoucherNo        *string
	Weight           *decimal.NullDecimal
	PurchaseValue    *decimal.NullDecimal
	DiamondCent      *decimal.NullDecimal
	Notes            *string
}

// UpdateJob applies an admin field edit with a mandatory reason and records
// the diff. Status and holder are never touched here.
func (s *Service) UpdateJob(ctx context.Context, actor Actor, ref string, patch JobPatch, reason string) (models.Job, error) {
	if err := requireRole(actor, "editing a job", models.RoleAdmin); err != nil {
		return models.Job{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return models.Job{}, custody.Invalid("reason", "a reason is required for edits")
	}
	var out models.Job
	err := s.tx(ctx, func(q store.Queries) error {
		job, err := q.LockJob(ctx, ref)
		if err != nil {
			return err
		}
		if job.CurrentStatus == models.StatusCancelled {
			return fmt.Errorf("job %s is %s: %w", job.Code, job.CurrentStatus, custody.ErrTerminalState)
		}
		edited, changes := patch.apply(job)
		if len(changes) == 0 {
			return custody.Invalid("fields", "no fields changed")
		}
		if err := validateJob(edited); err != nil {
			return err
		}
		if _, ok := changes["factory_id"]; ok && edited.FactoryID != "" {
			f, err := q.GetFactory(ctx, edited.FactoryID)
			if err != nil {
				return err
			}
			if !f.IsActive {
				return custody.Invalid("factory_id", fmt.Sprintf("factory %s is inactive", f.Name))
			}
		}
		now := s.clock()
		edited.UpdatedAt = now
		if err := q.UpdateJobDetails(ctx, edited); err != nil {
			return err
		}
		if err := q.InsertJobEdit(ctx, models.JobEdit{
			ID:         uuid.NewString(),
			JobID:      job.ID,
			EditedBy:   actor.ID,
			EditedRole: models.RoleAdmin,
			Reason:     reason,
			Changes:    changes,
			EditedAt:   now,
		}); err != nil {
			return err
		}
		out = edited
		return nil
	})
	if err != nil {
		return models.Job{}, err
	}
	return out, nil
}

func (p JobPatch) apply(job models.Job) (models.Job, map[string]models.FieldChange) {
	changes := map[string]models.FieldChange{}
	str := func(name string, dst *string, v *string) {
		if v == nil {
			return
		}
		nv := strings.TrimSpace(*v)
		if nv != *dst {
			changes[name] = models.FieldChange{From: *dst, To: nv}
			*dst = nv
		}
	}
	dec := func(name string, dst *decimal.NullDecimal, v *decimal.NullDecimal) {
		if v == nil || decimalEqual(*dst, *v) {
			return
		}
		changes[name] = models.FieldChange{From: decimalValue(*dst), To: decimalValue(*v)}
		*dst = *v
	}

	str("customer_name", &job.CustomerName, p.CustomerName)
	str("customer_phone", &job.CustomerPhone, p.CustomerPhone)
	str("description", &job.Description, p.Description)
	str("work_narration", &job.WorkNarration, p.WorkNarration)
	str("factory_id", &job.FactoryID, p.FactoryID)
	str("voucher_no", &job.VoucherNo, p.VoucherNo)
	str("notes", &job.Notes, p.Notes)
	if p.Source != nil && *p.Source != job.Source {
		changes["source"] = models.FieldChange{From: job.Source, To: *p.Source}
		job.Source = *p.Source
	}
	if p.RepairType != nil && *p.RepairType != job.RepairType {
		changes["repair_type"] = models.FieldChange{From: job.RepairType, To: *p.RepairType}
		job.RepairType = *p.RepairType
	}
	if p.TargetReturnDate != nil {
		next := p.TargetReturnDate.UTC()
		if job.TargetReturnDate == nil || !job.TargetReturnDate.Equal(next) {
			changes["target_return_date"] = models.FieldChange{From: job.TargetReturnDate, To: next}
			job.TargetReturnDate = &next
		}
	}
	dec("approximate_weight", &job.Weight, p.Weight)
	dec("purchase_value", &job.PurchaseValue, p.PurchaseValue)
	dec("diamond_cent", &job.DiamondCent, p.DiamondCent)
	return job, changes
}

func decimalEqual(a, b decimal.NullDecimal) bool {
	if a.Valid != b.Valid {
		return false
	}
	return !a.Valid || a.Decimal.Equal(b.Decimal)
}

func decimalValue(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal.String()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

// CanAddPhoto authorizes a photo upload before any bytes are stored and
// returns the target job.
func (s *Service) CanAddPhoto(ctx context.Context, actor Actor, ref string) (models.Job, error) {
	if err := requireRole(actor, "adding photos", intakeRoles...); err != nil {
		return models.Job{}, err
	}
	job, err := s.store.GetJob(ctx, ref)
	if err != nil {
		return models.Job{}, err
	}
	return job, photoTarget(job)
}

func photoTarget(job models.Job) error {
	if job.CurrentStatus == models.StatusCancelled {
		return fmt.Errorf("job %s is %s: %w", job.Code, job.CurrentStatus, custody.ErrTerminalState)
	}
	return nil
}

// AddPhoto appends a stored photo reference to a job and audits it as an edit.
func (s *Service) AddPhoto(ctx context.Context, actor Actor, ref string, photo models.PhotoRef) (models.Job, error) {
	if err := requireRole(actor, "adding photos", intakeRoles...); err != nil {
		return models.Job{}, err
	}
	var out models.Job
	err := s.tx(ctx, func(q store.Queries) error {
		job, err := q.LockJob(ctx, ref)
		if err != nil {
			return err
		}
		if err := photoTarget(job); err != nil {
			return err
		}
		now := s.clock()
		job.Photos = append(job.Photos, photo)
		job.UpdatedAt = now
		if err := q.UpdateJobDetails(ctx, job); err != nil {
			return err
		}
		role := models.RoleAdmin
		for _, r := range intakeRoles {
			if actor.Has(r) {
				role = r
				break
			}
		}
		if err := q.InsertJobEdit(ctx, models.JobEdit{
			ID:         uuid.NewString(),
			JobID:      job.ID,
			EditedBy:   actor.ID,
			EditedRole: role,
			Reason:     "photo upload",
			Changes:    map[string]models.FieldChange{"photos": {From: nil, To: photo.Key}},
			EditedAt:   now,
		}); err != nil {
			return err
		}
		out = job
		return nil
	})
	if err != nil {
		return models.Job{}, err
	}
	return out, nil
}

// SetPhotoThumb records the thumbnail URL for a stored photo.
func (s *Service) SetPhotoThumb(ctx context.Context, ref, key, thumbURL string) error {
	return s.tx(ctx, func(q store.Queries) error {
		job, err := q.LockJob(ctx, ref)
		if err != nil {
			return err
		}
		for i := range job.Photos {
			if job.Photos[i].Key == key {
				job.Photos[i].ThumbURL = thumbURL
				return q.UpdateJobDetails(ctx, job)
			}
		}
		return custody.NotFound("photo", key)
	})
}

func (s *Service) GetJob(ctx context.Context, ref string) (models.Job, error) {
	return s.store.GetJob(ctx, ref)
}

func (s *Service) ListJobs(ctx context.Context, f store.JobFilter) ([]models.Job, error) {
	return s.store.ListJobs(ctx, f)
}

// JobDetail is a job with its provenance.
type JobDetail struct {
	Job       models.Job           `json:"job"`
	Events    []models.StatusEvent `json:"events"`
	Edits     []models.JobEdit     `json:"edits"`
	Batch     *models.Batch        `json:"open_batch,omitempty"`
	Incidents []models.Incident    `json:"incidents"`
	Next      []models.Status      `json:"next_statuses"`
}

func (s *Service) JobDetail(ctx context.Context, ref string) (JobDetail, error) {
	job, err := s.store.GetJob(ctx, ref)
	if err != nil {
		return JobDetail{}, err
	}
	events, err := s.allEvents(ctx, store.EventFilter{JobID: job.ID})
	if err != nil {
		return JobDetail{}, err
	}
	edits, err := s.store.ListJobEdits(ctx, job.ID)
	if err != nil {
		return JobDetail{}, err
	}
	incidents, err := s.store.ListIncidents(ctx, store.IncidentFilter{JobID: job.ID})
	if err != nil {
		return JobDetail{}, err
	}
	d := JobDetail{Job: job, Events: events, Edits: edits, Incidents: incidents, Next: s.rules.Next(job.CurrentStatus)}
	if b, ok, err := s.store.OpenBatchForJob(ctx, job.ID); err != nil {
		return JobDetail{}, err
	} else if ok {
		d.Batch = &b
	}
	return d, nil
}

// ListEvents is the audit listing.
func (s *Service) ListEvents(ctx context.Context, f store.EventFilter) ([]models.StatusEvent, error) {
	return s.store.ListEvents(ctx, f)
}

// JobEvents returns one job's timeline, oldest first.
func (s *Service) JobEvents(ctx context.Context, ref string) ([]models.StatusEvent, error) {
	job, err := s.store.GetJob(ctx, ref)
	if err != nil {
		return nil, err
	}
	return s.allEvents(ctx, store.EventFilter{JobID: job.ID})
}
