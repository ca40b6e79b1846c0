package custody

import (
	"fmt"
	"math"
	"strings"
	"time"

	"custody-tracker/internal/models"
)

// TransitionContext is everything needed to judge one proposed transition.
type TransitionContext struct {
	JobCode        string
	From           models.Status
	To             models.Status
	Role           models.Role
	OverrideReason string
	// ExpectedFrom, when set, is the status the caller last saw.
	ExpectedFrom models.Status
}

// CanTransition evaluates a single job transition.
// Rules:
// - target must be a known status and a role must be supplied
// - nothing leaves CANCELLED
// - with an override reason, only Admin may act, and any target is allowed
// - otherwise the step must be a table edge and the role must own it
func (r *Rules) CanTransition(ctx TransitionContext) error {
	if !ctx.To.Valid() {
		return Invalid("to_status", fmt.Sprintf("unknown status %q", ctx.To))
	}
	if ctx.Role == "" {
		return Invalid("acting_role", "acting role is required")
	}
	if ctx.From == models.StatusCancelled {
		return fmt.Errorf("job %s is %s: %w", ctx.JobCode, ctx.From, ErrTerminalState)
	}
	if ctx.ExpectedFrom != "" && ctx.ExpectedFrom != ctx.From {
		return fmt.Errorf("job %s moved to %s while caller expected %s: %w", ctx.JobCode, ctx.From, ctx.ExpectedFrom, ErrConflict)
	}

	if strings.TrimSpace(ctx.OverrideReason) != "" {
		if ctx.Role != models.RoleAdmin {
			return fmt.Errorf("override of job %s requires Admin, got %s: %w", ctx.JobCode, ctx.Role, ErrForbiddenTransition)
		}
		return nil
	}

	required, ok := r.RequiredRole(ctx.From, ctx.To)
	if !ok {
		return fmt.Errorf("job %s cannot move %s -> %s without override: %w", ctx.JobCode, ctx.From, ctx.To, ErrInvalidSequence)
	}
	if ctx.Role != required {
		return fmt.Errorf("role %s cannot move job %s to %s (requires %s): %w", ctx.Role, ctx.JobCode, ctx.To, required, ErrForbiddenTransition)
	}
	return nil
}

// AddItemContext provides context for adding a job to a batch.
type AddItemContext struct {
	BatchCode   string
	BatchStatus models.BatchStatus
	JobCode     string
	JobStatus   models.Status
	// OpenBatchCode is the open batch the job already belongs to, if any.
	OpenBatchCode string
	BatchFactory  string
	Factory       *models.Factory
	ItemCount     int
}

// CanAddItem evaluates whether a job may join a batch.
// Rules:
// - batch must be CREATED
// - job must be PACKED_READY
// - job must not already sit in an open batch
// - batch factory cannot change once items exist; a new factory must be active
func CanAddItem(ctx AddItemContext) error {
	if ctx.BatchStatus != models.BatchCreated {
		return fmt.Errorf("batch %s is %s, items can only be added while CREATED: %w", ctx.BatchCode, ctx.BatchStatus, ErrInvalidSequence)
	}
	if ctx.JobStatus != models.StatusPackedReady {
		return fmt.Errorf("job %s is %s, only PACKED_READY items can be added: %w", ctx.JobCode, ctx.JobStatus, ErrInvalidSequence)
	}
	if ctx.OpenBatchCode != "" {
		if ctx.OpenBatchCode == ctx.BatchCode {
			return fmt.Errorf("job %s is already in batch %s: %w", ctx.JobCode, ctx.BatchCode, ErrConflict)
		}
		return fmt.Errorf("job %s already belongs to open batch %s: %w", ctx.JobCode, ctx.OpenBatchCode, ErrConflict)
	}
	return checkFactory(ctx.BatchCode, ctx.BatchFactory, ctx.Factory, ctx.ItemCount)
}

// DispatchContext provides context for a batch dispatch.
type DispatchContext struct {
	BatchCode    string
	Status       models.BatchStatus
	ItemCount    int
	BatchFactory string
	Factory      *models.Factory
	DispatchDate time.Time
	ExpectedBack *time.Time
}

// CanDispatch evaluates whether a batch can be dispatched.
// Rules:
// - batch must be CREATED with at least one item
// - a factory must be known, active, and match any factory already set
// - expected return cannot precede the dispatch date
func CanDispatch(ctx DispatchContext) error {
	if ctx.Status != models.BatchCreated {
		return fmt.Errorf("batch %s is %s, dispatch requires CREATED: %w", ctx.BatchCode, ctx.Status, ErrInvalidSequence)
	}
	if ctx.ItemCount == 0 {
		return &ValidationError{Fields: map[string]string{"items": fmt.Sprintf("batch %s has no items", ctx.BatchCode)}}
	}
	if ctx.Factory == nil && ctx.BatchFactory == "" {
		return Invalid("factory_id", "factory is required before dispatch")
	}
	if ctx.ExpectedBack != nil && ctx.ExpectedBack.Before(ctx.DispatchDate) {
		return Invalid("expected_return_date", "expected return date is before dispatch date")
	}
	if ctx.Factory == nil {
		return nil
	}
	if ctx.BatchFactory != "" && ctx.BatchFactory != ctx.Factory.ID {
		return fmt.Errorf("batch %s is assigned to another factory: %w", ctx.BatchCode, ErrConflict)
	}
	if !ctx.Factory.IsActive {
		return Invalid("factory_id", fmt.Sprintf("factory %s is inactive", ctx.Factory.Name))
	}
	return nil
}

// CloseContext provides context for closing a batch.
type CloseContext struct {
	BatchCode string
	Status    models.BatchStatus
	Items     []OutstandingItem
}

// CanClose evaluates whether a batch can be closed.
// Rules:
// - batch must be DISPATCHED
// - every member must be RECEIVED_AT_SHOP or later
func (r *Rules) CanClose(ctx CloseContext) error {
	if ctx.Status != models.BatchDispatched {
		return fmt.Errorf("batch %s is %s, close requires DISPATCHED: %w", ctx.BatchCode, ctx.Status, ErrInvalidSequence)
	}
	var blocking []OutstandingItem
	for _, it := range ctx.Items {
		if !r.AtOrPast(it.Status, models.StatusReceivedAtShop) {
			blocking = append(blocking, it)
		}
	}
	if len(blocking) > 0 {
		return &ItemsOutstandingError{BatchCode: ctx.BatchCode, Items: blocking}
	}
	return nil
}

// checkFactory enforces batch factory immutability once items exist.
func checkFactory(batchCode, current string, next *models.Factory, itemCount int) error {
	if next == nil {
		return nil
	}
	if current != "" && current != next.ID && itemCount > 0 {
		return fmt.Errorf("batch %s factory cannot change once items are added: %w", batchCode, ErrConflict)
	}
	if current != next.ID && !next.IsActive {
		return Invalid("factory_id", fmt.Sprintf("factory %s is inactive", next.Name))
	}
	return nil
}

// CanAssignFactory evaluates a factory change on a batch.
func CanAssignFactory(batchCode, current string, next *models.Factory, itemCount int) error {
	return checkFactory(batchCode, current, next, itemCount)
}

// DelayDays returns whole days past the expected return, never negative.
func DelayDays(expected *time.Time, now time.Time) int {
	if expected == nil || !now.After(*expected) {
		return 0
	}
	return int(math.Floor(now.Sub(*expected).Hours() / 24))
}

// JobCode renders the human-readable job code for a yearly sequence.
func JobCode(year, seq int) string {
	return fmt.Sprintf("DJ-%d-%06d", year, seq)
}

// BatchCode renders a batch code. The first batch of a month gets the bare
// period code, later ones a numeric suffix.
func BatchCode(year, month, seq int) string {
	if seq <= 1 {
		return fmt.Sprintf("BATCH-%d-%02d", year, month)
	}
	return fmt.Sprintf("BATCH-%d-%02d-%d", year, month, seq)
}
