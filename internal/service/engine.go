package service

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"custody-tracker/internal/custody"
	"custody-tracker/internal/models"
	"custody-tracker/internal/store"
	"custody-tracker/internal/telemetry"
)

// TransitionRequest proposes one status change for one job.
type TransitionRequest struct {
	JobRef string
	To     models.Status
	Actor  Actor
	// ActingRole pins the role to act under. When empty it is chosen from
	// Actor.Roles for the requested step.
	ActingRole     models.Role
	Remarks        string
	OverrideReason string
	BatchRef       string
	// ExpectedFrom rejects the scan with ErrConflict if the job has moved on.
	ExpectedFrom models.Status
	Location     string
	DeviceID     string
}

// TransitionResult is the committed projection and its event.
type TransitionResult struct {
	Job   models.Job         `json:"job"`
	Event models.StatusEvent `json:"event"`
}

// ApplyTransition validates and commits a single transition. The job update
// and the event append share one transaction.
func (s *Service) ApplyTransition(ctx context.Context, req TransitionRequest) (TransitionResult, error) {
	var res TransitionResult
	err := s.tx(ctx, func(q store.Queries) error {
		var err error
		res, err = s.apply(ctx, q, req, s.clock())
		return err
	})
	if err != nil {
		telemetry.TransitionRejects.WithLabelValues(custody.Kind(err)).Inc()
		return TransitionResult{}, err
	}
	recordTransition(res.Event)
	return res, nil
}

func recordTransition(ev models.StatusEvent) {
	telemetry.Transitions.WithLabelValues(string(ev.ToStatus), string(ev.ActorRole), strconv.FormatBool(ev.IsOverride())).Inc()
	if ev.IsOverride() {
		from := "none"
		if ev.FromStatus != nil {
			from = string(*ev.FromStatus)
		}
		log.Printf("override: job %s %s -> %s by %s: %s", ev.JobCode, from, ev.ToStatus, ev.ActorID, ev.OverrideReason)
	}
}

func (s *Service) apply(ctx context.Context, q store.Queries, req TransitionRequest, now time.Time) (TransitionResult, error) {
	if !req.To.Valid() {
		return TransitionResult{}, custody.Invalid("to_status", fmt.Sprintf("unknown status %q", req.To))
	}
	if err := requireActor(req.Actor); err != nil {
		return TransitionResult{}, err
	}
	if req.ActingRole == "" && len(req.Actor.Roles) == 0 {
		return TransitionResult{}, custody.Invalid("acting_role", "acting role is required")
	}
	if req.ActingRole != "" {
		if !req.ActingRole.Valid() {
			return TransitionResult{}, custody.Invalid("acting_role", fmt.Sprintf("unknown role %q", req.ActingRole))
		}
		if len(req.Actor.Roles) > 0 && !req.Actor.Has(req.ActingRole) {
			return TransitionResult{}, fmt.Errorf("%s does not hold role %s: %w", req.Actor.ID, req.ActingRole, custody.ErrForbiddenTransition)
		}
	}
	if req.ExpectedFrom != "" && !req.ExpectedFrom.Valid() {
		return TransitionResult{}, custody.Invalid("expected_from", fmt.Sprintf("unknown status %q", req.ExpectedFrom))
	}

	job, err := q.LockJob(ctx, req.JobRef)
	if err != nil {
		return TransitionResult{}, err
	}

	override := strings.TrimSpace(req.OverrideReason)
	role := req.ActingRole
	if role == "" {
		role = s.rules.SelectRole(req.Actor.Roles, job.CurrentStatus, req.To, override != "")
	}
	if err := s.rules.CanTransition(custody.TransitionContext{
		JobCode:        job.Code,
		From:           job.CurrentStatus,
		To:             req.To,
		Role:           role,
		OverrideReason: override,
		ExpectedFrom:   req.ExpectedFrom,
	}); err != nil {
		return TransitionResult{}, err
	}

	batchID, factoryID, err := s.resolveBatch(ctx, q, job, req, override != "", now)
	if err != nil {
		return TransitionResult{}, err
	}

	from := job.CurrentStatus
	ev := models.StatusEvent{
		ID:             uuid.NewString(),
		JobID:          job.ID,
		JobCode:        job.Code,
		FromStatus:     &from,
		ToStatus:       req.To,
		ActorID:        req.Actor.ID,
		ActorRole:      role,
		Remarks:        strings.TrimSpace(req.Remarks),
		OverrideReason: override,
		BatchID:        batchID,
		Location:       req.Location,
		DeviceID:       req.DeviceID,
		RecordedAt:     now,
	}
	if err := q.AppendEvent(ctx, &ev); err != nil {
		return TransitionResult{}, err
	}

	holder := s.rules.Holder(req.To)
	if err := q.UpdateJobProjection(ctx, store.Projection{
		JobID:           job.ID,
		ExpectedVersion: job.Version,
		Status:          req.To,
		HolderRole:      holder,
		HolderID:        req.Actor.ID,
		ScanAt:          now,
		FactoryID:       factoryID,
	}); err != nil {
		return TransitionResult{}, err
	}

	job.CurrentStatus = req.To
	job.HolderRole = holder
	job.HolderID = req.Actor.ID
	job.LastScanAt = &now
	job.UpdatedAt = now
	job.Version++
	if factoryID != "" {
		job.FactoryID = factoryID
	}
	return TransitionResult{Job: job, Event: ev}, nil
}

// resolveBatch checks the batch named by a transition and returns its id and,
// for a dispatch, the factory the job now sits with.
// Rules:
// - a normal-path move to DISPATCHED_TO_FACTORY must name a batch
// - that batch must already be DISPATCHED; the job joins it if not a member
// - a job in another open batch cannot be dispatched with this one
func (s *Service) resolveBatch(ctx context.Context, q store.Queries, job models.Job, req TransitionRequest, override bool, now time.Time) (string, string, error) {
	if req.BatchRef == "" {
		if req.To == models.StatusDispatchedToFactory && !override {
			return "", "", custody.Invalid("batch_id", "dispatch to factory requires a batch")
		}
		return "", "", nil
	}
	if req.To != models.StatusDispatchedToFactory {
		b, err := q.GetBatch(ctx, req.BatchRef)
		if err != nil {
			return "", "", err
		}
		return b.ID, "", nil
	}

	b, err := q.LockBatch(ctx, req.BatchRef)
	if err != nil {
		return "", "", err
	}
	if b.Status != models.BatchDispatched {
		return "", "", fmt.Errorf("batch %s is %s, use batch dispatch: %w", b.Code, b.Status, custody.ErrInvalidSequence)
	}
	open, ok, err := q.OpenBatchForJob(ctx, job.ID)
	if err != nil {
		return "", "", err
	}
	if ok && open.ID != b.ID {
		return "", "", fmt.Errorf("job %s already belongs to open batch %s: %w", job.Code, open.Code, custody.ErrConflict)
	}
	if !ok {
		if err := q.InsertBatchItem(ctx, models.BatchItem{
			BatchID: b.ID,
			JobID:   job.ID,
			Remarks: strings.TrimSpace(req.Remarks),
			AddedBy: req.Actor.ID,
			AddedAt: now,
		}); err != nil {
			return "", "", err
		}
		b.ItemCount++
		b.UpdatedAt = now
		if err := q.UpdateBatch(ctx, b); err != nil {
			return "", "", err
		}
	}
	return b.ID, b.FactoryID, nil
}
