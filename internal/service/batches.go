package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"custody-tracker/internal/custody"
	"custody-tracker/internal/models"
	"custody-tracker/internal/store"
	"custody-tracker/internal/telemetry"
)

// OpenBatchRequest names the dispatch period and, optionally, its factory.
type OpenBatchRequest struct {
	Month     int
	Year      int
	FactoryID string
}

// CreateOrOpenBatch returns the open batch for the period, creating it in
// CREATED if none exists. created reports which happened.
func (s *Service) CreateOrOpenBatch(ctx context.Context, actor Actor, req OpenBatchRequest) (batch models.Batch, created bool, err error) {
	if err := requireRole(actor, "opening a batch", models.RoleDispatch, models.RoleAdmin); err != nil {
		return models.Batch{}, false, err
	}
	fields := map[string]string{}
	if req.Month < 1 || req.Month > 12 {
		fields["month"] = "month must be between 1 and 12"
	}
	if req.Year < 2000 || req.Year > 9999 {
		fields["year"] = "year is out of range"
	}
	if len(fields) > 0 {
		return models.Batch{}, false, &custody.ValidationError{Fields: fields}
	}

	// The partial unique index on open batches turns a creation race into
	// ErrConflict; the second pass then finds the winner's batch.
	for attempt := 0; attempt < 2; attempt++ {
		err = s.tx(ctx, func(q store.Queries) error {
			batch, created, err = s.openBatch(ctx, q, actor, req)
			return err
		})
		if !errors.Is(err, custody.ErrConflict) || !created {
			break
		}
	}
	if err != nil {
		return models.Batch{}, false, err
	}
	if created {
		telemetry.BatchEvents.WithLabelValues("created").Inc()
	}
	return batch, created, nil
}

func (s *Service) openBatch(ctx context.Context, q store.Queries, actor Actor, req OpenBatchRequest) (models.Batch, bool, error) {
	now := s.clock()
	var factory *models.Factory
	if req.FactoryID != "" {
		f, err := q.GetFactory(ctx, req.FactoryID)
		if err != nil {
			return models.Batch{}, false, err
		}
		factory = &f
	}

	b, ok, err := q.FindOpenBatch(ctx, req.Year, req.Month)
	if err != nil {
		return models.Batch{}, false, err
	}
	if ok {
		if factory == nil || factory.ID == b.FactoryID {
			return b, false, nil
		}
		if err := custody.CanAssignFactory(b.Code, b.FactoryID, factory, b.ItemCount); err != nil {
			return models.Batch{}, false, err
		}
		b.FactoryID = factory.ID
		b.UpdatedAt = now
		return b, false, q.UpdateBatch(ctx, b)
	}

	if factory != nil && !factory.IsActive {
		return models.Batch{}, true, custody.Invalid("factory_id", fmt.Sprintf("factory %s is inactive", factory.Name))
	}
	seq, err := q.NextSequence(ctx, fmt.Sprintf("batch:%04d-%02d", req.Year, req.Month))
	if err != nil {
		return models.Batch{}, true, err
	}
	b = models.Batch{
		ID:        uuid.NewString(),
		Code:      custody.BatchCode(req.Year, req.Month, seq),
		Month:     req.Month,
		Year:      req.Year,
		Seq:       seq,
		Status:    models.BatchCreated,
		CreatedBy: actor.ID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if factory != nil {
		b.FactoryID = factory.ID
	}
	return b, true, q.InsertBatch(ctx, b)
}

// AddItemRequest assigns a job to a batch.
type AddItemRequest struct {
	JobRef    string
	FactoryID string
	Remarks   string
}

// AddItem records batch membership. The job keeps its PACKED_READY status
// until the batch is dispatched.
func (s *Service) AddItem(ctx context.Context, actor Actor, batchRef string, req AddItemRequest) (models.Batch, error) {
	if err := requireRole(actor, "adding batch items", models.RoleDispatch, models.RoleAdmin); err != nil {
		return models.Batch{}, err
	}
	var out models.Batch
	err := s.tx(ctx, func(q store.Queries) error {
		now := s.clock()
		b, err := q.LockBatch(ctx, batchRef)
		if err != nil {
			return err
		}
		job, err := q.LockJob(ctx, req.JobRef)
		if err != nil {
			return err
		}
		open, inOpen, err := q.OpenBatchForJob(ctx, job.ID)
		if err != nil {
			return err
		}
		var factory *models.Factory
		if req.FactoryID != "" {
			f, err := q.GetFactory(ctx, req.FactoryID)
			if err != nil {
				return err
			}
			factory = &f
		}
		actx := custody.AddItemContext{
			BatchCode:    b.Code,
			BatchStatus:  b.Status,
			JobCode:      job.Code,
			JobStatus:    job.CurrentStatus,
			BatchFactory: b.FactoryID,
			Factory:      factory,
			ItemCount:    b.ItemCount,
		}
		if inOpen {
			actx.OpenBatchCode = open.Code
		}
		if err := custody.CanAddItem(actx); err != nil {
			return err
		}

		if err := q.InsertBatchItem(ctx, models.BatchItem{
			BatchID: b.ID,
			JobID:   job.ID,
			Remarks: strings.TrimSpace(req.Remarks),
			AddedBy: actor.ID,
			AddedAt: now,
		}); err != nil {
			return err
		}
		if factory != nil {
			b.FactoryID = factory.ID
		}
		b.ItemCount++
		b.UpdatedAt = now
		if err := q.UpdateBatch(ctx, b); err != nil {
			return err
		}
		out = b
		return nil
	})
	if err != nil {
		return models.Batch{}, err
	}
	return out, nil
}

// DispatchRequest carries the dispatch details. DispatchDate defaults to now.
type DispatchRequest struct {
	DispatchDate       *time.Time
	ExpectedReturnDate *time.Time
	FactoryID          string
	Remarks            string
}

// DispatchResult is the dispatched batch and one event per member.
type DispatchResult struct {
	Batch  models.Batch         `json:"batch"`
	Events []models.StatusEvent `json:"events"`
}

// Dispatch moves the batch to DISPATCHED and every member to
// DISPATCHED_TO_FACTORY in one transaction. Any rejected member aborts the
// whole dispatch.
func (s *Service) Dispatch(ctx context.Context, actor Actor, batchRef string, req DispatchRequest) (DispatchResult, error) {
	if err := requireRole(actor, "dispatching a batch", models.RoleDispatch, models.RoleAdmin); err != nil {
		return DispatchResult{}, err
	}
	var res DispatchResult
	err := s.tx(ctx, func(q store.Queries) error {
		res = DispatchResult{}
		now := s.clock()
		b, err := q.LockBatch(ctx, batchRef)
		if err != nil {
			return err
		}
		members, err := q.LockBatchJobs(ctx, b.ID)
		if err != nil {
			return err
		}
		factoryID := req.FactoryID
		if factoryID == "" {
			factoryID = b.FactoryID
		}
		var factory *models.Factory
		if factoryID != "" {
			f, err := q.GetFactory(ctx, factoryID)
			if err != nil {
				return err
			}
			factory = &f
		}
		dispatchDate := now
		if req.DispatchDate != nil {
			dispatchDate = req.DispatchDate.UTC()
		}
		if err := custody.CanDispatch(custody.DispatchContext{
			BatchCode:    b.Code,
			Status:       b.Status,
			ItemCount:    len(members),
			BatchFactory: b.FactoryID,
			Factory:      factory,
			DispatchDate: dispatchDate,
			ExpectedBack: req.ExpectedReturnDate,
		}); err != nil {
			return err
		}
		var blocked []string
		for _, j := range members {
			if j.CurrentStatus != models.StatusPackedReady {
				blocked = append(blocked, fmt.Sprintf("%s (%s)", j.Code, j.CurrentStatus))
			}
		}
		if len(blocked) > 0 {
			return fmt.Errorf("batch %s has members not PACKED_READY: %s: %w", b.Code, strings.Join(blocked, ", "), custody.ErrInvalidSequence)
		}

		b.Status = models.BatchDispatched
		b.FactoryID = factory.ID
		b.DispatchDate = &dispatchDate
		if req.ExpectedReturnDate != nil {
			expected := req.ExpectedReturnDate.UTC()
			b.ExpectedReturnDate = &expected
		}
		b.ItemCount = len(members)
		b.UpdatedAt = now
		if err := q.UpdateBatch(ctx, b); err != nil {
			return err
		}
		// Members without a target inherit the batch's expected return.
		if b.ExpectedReturnDate != nil {
			for _, job := range members {
				if job.TargetReturnDate != nil {
					continue
				}
				target := *b.ExpectedReturnDate
				job.TargetReturnDate = &target
				job.UpdatedAt = now
				if err := q.UpdateJobDetails(ctx, job); err != nil {
					return err
				}
			}
		}

		role := models.RoleDispatch
		override := ""
		if !actor.Has(models.RoleDispatch) {
			role = models.RoleAdmin
			override = fmt.Sprintf("batch %s dispatched by Admin", b.Code)
		}
		for _, job := range members {
			tr, err := s.apply(ctx, q, TransitionRequest{
				JobRef:         job.ID,
				To:             models.StatusDispatchedToFactory,
				Actor:          actor,
				ActingRole:     role,
				Remarks:        req.Remarks,
				OverrideReason: override,
				BatchRef:       b.ID,
			}, now)
			if err != nil {
				return fmt.Errorf("dispatch batch %s: job %s: %w", b.Code, job.Code, err)
			}
			res.Events = append(res.Events, tr.Event)
		}
		res.Batch = b
		return nil
	})
	if err != nil {
		telemetry.TransitionRejects.WithLabelValues(custody.Kind(err)).Inc()
		return DispatchResult{}, err
	}

	telemetry.BatchEvents.WithLabelValues("dispatched").Inc()
	for _, ev := range res.Events {
		recordTransition(ev)
	}
	if s.scheduler != nil && res.Batch.ExpectedReturnDate != nil {
		if err := s.scheduler.ScheduleOverdueCheck(ctx, res.Batch.ID, *res.Batch.ExpectedReturnDate); err != nil {
			log.Printf("schedule overdue check for batch %s: %v", res.Batch.Code, err)
		}
	}
	return res, nil
}

// Close moves a DISPATCHED batch to CLOSED once every member is back at the
// shop. Member statuses are not changed.
func (s *Service) Close(ctx context.Context, actor Actor, batchRef string) (models.Batch, error) {
	if err := requireRole(actor, "closing a batch", models.RoleDispatch, models.RoleAdmin); err != nil {
		return models.Batch{}, err
	}
	var out models.Batch
	err := s.tx(ctx, func(q store.Queries) error {
		b, err := q.LockBatch(ctx, batchRef)
		if err != nil {
			return err
		}
		members, err := q.LockBatchJobs(ctx, b.ID)
		if err != nil {
			return err
		}
		items := make([]custody.OutstandingItem, 0, len(members))
		for _, j := range members {
			items = append(items, custody.OutstandingItem{JobCode: j.Code, Status: j.CurrentStatus})
		}
		if err := s.rules.CanClose(custody.CloseContext{BatchCode: b.Code, Status: b.Status, Items: items}); err != nil {
			return err
		}
		now := s.clock()
		b.Status = models.BatchClosed
		b.ClosedAt = &now
		b.UpdatedAt = now
		if err := q.UpdateBatch(ctx, b); err != nil {
			return err
		}
		out = b
		return nil
	})
	if err != nil {
		return models.Batch{}, err
	}
	telemetry.BatchEvents.WithLabelValues("closed").Inc()
	return out, nil
}

// BatchDetail is a batch with its member jobs.
type BatchDetail struct {
	Batch models.Batch `json:"batch"`
	Jobs  []models.Job `json:"jobs"`
}

func (s *Service) GetBatch(ctx context.Context, ref string) (BatchDetail, error) {
	b, err := s.store.GetBatch(ctx, ref)
	if err != nil {
		return BatchDetail{}, err
	}
	jobs, err := s.store.ListBatchJobs(ctx, b.ID)
	if err != nil {
		return BatchDetail{}, err
	}
	return BatchDetail{Batch: b, Jobs: jobs}, nil
}

func (s *Service) ListBatches(ctx context.Context, f store.BatchFilter) ([]models.Batch, error) {
	return s.store.ListBatches(ctx, f)
}

// BatchDelay is the read-side lateness of a dispatched batch.
type BatchDelay struct {
	BatchID            string                    `json:"batch_id"`
	BatchCode          string                    `json:"batch_code"`
	FactoryID          string                    `json:"factory_id,omitempty"`
	DispatchDate       *time.Time                `json:"dispatch_date,omitempty"`
	ExpectedReturnDate *time.Time                `json:"expected_return_date,omitempty"`
	DelayDays          int                       `json:"delay_days"`
	Outstanding        []custody.OutstandingItem `json:"outstanding"`
}

// BatchDelays lists DISPATCHED batches whose members have not all returned
// to the shop, with delay_days = max(0, now - expected_return_date).
func (s *Service) BatchDelays(ctx context.Context) ([]BatchDelay, error) {
	now := s.clock()
	batches, err := s.store.ListBatches(ctx, store.BatchFilter{Statuses: []models.BatchStatus{models.BatchDispatched}, Limit: 10000})
	if err != nil {
		return nil, err
	}
	out := []BatchDelay{}
	for _, b := range batches {
		members, err := s.store.ListBatchJobs(ctx, b.ID)
		if err != nil {
			return nil, err
		}
		var outstanding []custody.OutstandingItem
		for _, j := range members {
			if !s.rules.AtOrPast(j.CurrentStatus, models.StatusReceivedAtShop) {
				outstanding = append(outstanding, custody.OutstandingItem{JobCode: j.Code, Status: j.CurrentStatus})
			}
		}
		if len(outstanding) == 0 {
			continue
		}
		out = append(out, BatchDelay{
			BatchID:            b.ID,
			BatchCode:          b.Code,
			FactoryID:          b.FactoryID,
			DispatchDate:       b.DispatchDate,
			ExpectedReturnDate: b.ExpectedReturnDate,
			DelayDays:          custody.DelayDays(b.ExpectedReturnDate, now),
			Outstanding:        outstanding,
		})
	}
	return out, nil
}
