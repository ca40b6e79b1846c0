package custody

import (
	"errors"
	"testing"
	"time"

	"custody-tracker/internal/models"
)

func TestCanTransition(t *testing.T) {
	rules := DefaultRules()
	tests := []struct {
		name    string
		ctx     TransitionContext
		wantErr error
	}{
		{
			name: "packing packs a purchased job",
			ctx:  TransitionContext{JobCode: "DJ-2026-000001", From: models.StatusPurchased, To: models.StatusPackedReady, Role: models.RolePacking},
		},
		{
			name:    "dispatch cannot pack",
			ctx:     TransitionContext{JobCode: "DJ-2026-000001", From: models.StatusPurchased, To: models.StatusPackedReady, Role: models.RoleDispatch},
			wantErr: ErrForbiddenTransition,
		},
		{
			name:    "admin without reason is not the owner of a normal step",
			ctx:     TransitionContext{JobCode: "DJ-2026-000001", From: models.StatusPurchased, To: models.StatusPackedReady, Role: models.RoleAdmin},
			wantErr: ErrForbiddenTransition,
		},
		{
			name:    "skipping a step is rejected for the owning role",
			ctx:     TransitionContext{JobCode: "DJ-2026-000001", From: models.StatusPurchased, To: models.StatusDispatchedToFactory, Role: models.RoleDispatch},
			wantErr: ErrInvalidSequence,
		},
		{
			name:    "skipping a step is rejected for admin without reason",
			ctx:     TransitionContext{JobCode: "DJ-2026-000001", From: models.StatusPurchased, To: models.StatusReceivedAtShop, Role: models.RoleAdmin},
			wantErr: ErrInvalidSequence,
		},
		{
			name:    "going backwards is rejected",
			ctx:     TransitionContext{JobCode: "DJ-2026-000001", From: models.StatusReceivedAtShop, To: models.StatusPurchased, Role: models.RolePurchase},
			wantErr: ErrInvalidSequence,
		},
		{
			name: "admin override to hold",
			ctx:  TransitionContext{JobCode: "DJ-2026-000001", From: models.StatusPurchased, To: models.StatusOnHold, Role: models.RoleAdmin, OverrideReason: "suspected theft"},
		},
		{
			name:    "override by non admin is forbidden",
			ctx:     TransitionContext{JobCode: "DJ-2026-000001", From: models.StatusPurchased, To: models.StatusOnHold, Role: models.RoleQCStock, OverrideReason: "hold it"},
			wantErr: ErrForbiddenTransition,
		},
		{
			name:    "blank override reason is not an override",
			ctx:     TransitionContext{JobCode: "DJ-2026-000001", From: models.StatusPurchased, To: models.StatusOnHold, Role: models.RoleAdmin, OverrideReason: "   "},
			wantErr: ErrInvalidSequence,
		},
		{
			name:    "hold has no ordinary successor",
			ctx:     TransitionContext{JobCode: "DJ-2026-000001", From: models.StatusOnHold, To: models.StatusPackedReady, Role: models.RolePacking},
			wantErr: ErrInvalidSequence,
		},
		{
			name: "admin releases hold",
			ctx:  TransitionContext{JobCode: "DJ-2026-000001", From: models.StatusOnHold, To: models.StatusPackedReady, Role: models.RoleAdmin, OverrideReason: "cleared"},
		},
		{
			name:    "cancelled is terminal even for admin override",
			ctx:     TransitionContext{JobCode: "DJ-2026-000001", From: models.StatusCancelled, To: models.StatusPurchased, Role: models.RoleAdmin, OverrideReason: "undo"},
			wantErr: ErrTerminalState,
		},
		{
			name:    "stale expected status is a conflict",
			ctx:     TransitionContext{JobCode: "DJ-2026-000001", From: models.StatusPackedReady, To: models.StatusDispatchedToFactory, Role: models.RoleDispatch, ExpectedFrom: models.StatusPurchased},
			wantErr: ErrConflict,
		},
		{
			name:    "unknown target",
			ctx:     TransitionContext{JobCode: "DJ-2026-000001", From: models.StatusPurchased, To: "LOST", Role: models.RolePacking},
			wantErr: ErrValidationFailed,
		},
		{
			name:    "missing role",
			ctx:     TransitionContext{JobCode: "DJ-2026-000001", From: models.StatusPurchased, To: models.StatusPackedReady},
			wantErr: ErrValidationFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := rules.CanTransition(tt.ctx)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("expected transition allowed, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestCanTransitionEveryHappyPathEdge(t *testing.T) {
	rules := DefaultRules()
	owners := map[models.Status]models.Role{
		models.StatusPackedReady:         models.RolePacking,
		models.StatusDispatchedToFactory: models.RoleDispatch,
		models.StatusReceivedAtFactory:   models.RoleFactory,
		models.StatusReturnedFromFactory: models.RoleFactory,
		models.StatusReceivedAtShop:      models.RoleQCStock,
		models.StatusAddedToStock:        models.RoleQCStock,
		models.StatusHandedToDelivery:    models.RoleDelivery,
		models.StatusDelivered:           models.RoleDelivery,
	}
	path := models.AllStatuses[:9]
	for i := 0; i+1 < len(path); i++ {
		from, to := path[i], path[i+1]
		if err := rules.CanTransition(TransitionContext{From: from, To: to, Role: owners[to]}); err != nil {
			t.Errorf("%s -> %s by %s: %v", from, to, owners[to], err)
		}
		for _, role := range models.AllRoles {
			if role == owners[to] {
				continue
			}
			if err := rules.CanTransition(TransitionContext{From: from, To: to, Role: role}); !errors.Is(err, ErrForbiddenTransition) {
				t.Errorf("%s -> %s by %s: expected forbidden, got %v", from, to, role, err)
			}
		}
	}
}

func TestCanAddItem(t *testing.T) {
	active := &models.Factory{ID: "f1", Name: "Kundan Works", IsActive: true}
	inactive := &models.Factory{ID: "f2", Name: "Old Works", IsActive: false}
	tests := []struct {
		name    string
		ctx     AddItemContext
		wantErr error
	}{
		{
			name: "packed job joins created batch",
			ctx:  AddItemContext{BatchCode: "BATCH-2026-03", BatchStatus: models.BatchCreated, JobCode: "DJ-1", JobStatus: models.StatusPackedReady, Factory: active},
		},
		{
			name:    "dispatched batch is closed for additions",
			ctx:     AddItemContext{BatchCode: "BATCH-2026-03", BatchStatus: models.BatchDispatched, JobCode: "DJ-1", JobStatus: models.StatusPackedReady},
			wantErr: ErrInvalidSequence,
		},
		{
			name:    "purchased job cannot join",
			ctx:     AddItemContext{BatchCode: "BATCH-2026-03", BatchStatus: models.BatchCreated, JobCode: "DJ-1", JobStatus: models.StatusPurchased},
			wantErr: ErrInvalidSequence,
		},
		{
			name:    "job already in another open batch",
			ctx:     AddItemContext{BatchCode: "BATCH-2026-03", BatchStatus: models.BatchCreated, JobCode: "DJ-1", JobStatus: models.StatusPackedReady, OpenBatchCode: "BATCH-2026-02"},
			wantErr: ErrConflict,
		},
		{
			name:    "factory is fixed once items exist",
			ctx:     AddItemContext{BatchCode: "BATCH-2026-03", BatchStatus: models.BatchCreated, JobCode: "DJ-1", JobStatus: models.StatusPackedReady, BatchFactory: "f9", Factory: active, ItemCount: 2},
			wantErr: ErrConflict,
		},
		{
			name:    "inactive factory cannot be chosen",
			ctx:     AddItemContext{BatchCode: "BATCH-2026-03", BatchStatus: models.BatchCreated, JobCode: "DJ-1", JobStatus: models.StatusPackedReady, Factory: inactive},
			wantErr: ErrValidationFailed,
		},
		{
			name: "inactive factory already on the batch stays valid",
			ctx:  AddItemContext{BatchCode: "BATCH-2026-03", BatchStatus: models.BatchCreated, JobCode: "DJ-1", JobStatus: models.StatusPackedReady, BatchFactory: "f2", Factory: inactive, ItemCount: 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CanAddItem(tt.ctx)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("expected allowed, got %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestCanDispatch(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	earlier := now.Add(-24 * time.Hour)
	factory := &models.Factory{ID: "f1", Name: "Kundan Works", IsActive: true}

	if err := CanDispatch(DispatchContext{BatchCode: "B", Status: models.BatchCreated, ItemCount: 0, Factory: factory, DispatchDate: now}); !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("expected empty dispatch rejected, got %v", err)
	}
	if err := CanDispatch(DispatchContext{BatchCode: "B", Status: models.BatchDispatched, ItemCount: 1, Factory: factory, DispatchDate: now}); !errors.Is(err, ErrInvalidSequence) {
		t.Fatalf("expected re-dispatch rejected, got %v", err)
	}
	if err := CanDispatch(DispatchContext{BatchCode: "B", Status: models.BatchCreated, ItemCount: 1, DispatchDate: now}); !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("expected missing factory rejected, got %v", err)
	}
	if err := CanDispatch(DispatchContext{BatchCode: "B", Status: models.BatchCreated, ItemCount: 1, Factory: factory, DispatchDate: now, ExpectedBack: &earlier}); !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("expected bad return date rejected, got %v", err)
	}
	if err := CanDispatch(DispatchContext{BatchCode: "B", Status: models.BatchCreated, ItemCount: 1, BatchFactory: "f2", Factory: factory, DispatchDate: now}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected factory mismatch rejected, got %v", err)
	}
	if err := CanDispatch(DispatchContext{BatchCode: "B", Status: models.BatchCreated, ItemCount: 3, BatchFactory: "f1", DispatchDate: now}); err != nil {
		t.Fatalf("expected dispatch allowed, got %v", err)
	}
}

func TestCanClose(t *testing.T) {
	rules := DefaultRules()
	returned := []OutstandingItem{
		{JobCode: "DJ-1", Status: models.StatusReceivedAtShop},
		{JobCode: "DJ-2", Status: models.StatusDelivered},
	}
	if err := rules.CanClose(CloseContext{BatchCode: "B", Status: models.BatchDispatched, Items: returned}); err != nil {
		t.Fatalf("expected close allowed, got %v", err)
	}

	mixed := append([]OutstandingItem{{JobCode: "DJ-3", Status: models.StatusDispatchedToFactory}}, returned...)
	err := rules.CanClose(CloseContext{BatchCode: "B", Status: models.BatchDispatched, Items: mixed})
	var outstanding *ItemsOutstandingError
	if !errors.As(err, &outstanding) {
		t.Fatalf("expected ItemsOutstandingError, got %v", err)
	}
	if len(outstanding.Items) != 1 || outstanding.Items[0].JobCode != "DJ-3" {
		t.Fatalf("unexpected blocking items: %+v", outstanding.Items)
	}
	if !errors.Is(err, ErrItemsOutstanding) {
		t.Fatalf("expected errors.Is ErrItemsOutstanding")
	}

	held := []OutstandingItem{{JobCode: "DJ-4", Status: models.StatusOnHold}}
	if err := rules.CanClose(CloseContext{BatchCode: "B", Status: models.BatchDispatched, Items: held}); !errors.Is(err, ErrItemsOutstanding) {
		t.Fatalf("expected held item to block close, got %v", err)
	}

	if err := rules.CanClose(CloseContext{BatchCode: "B", Status: models.BatchCreated}); !errors.Is(err, ErrInvalidSequence) {
		t.Fatalf("expected close of created batch rejected, got %v", err)
	}
}

func TestDelayDays(t *testing.T) {
	expected := time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		now  time.Time
		want int
	}{
		{now: expected.Add(-48 * time.Hour), want: 0},
		{now: expected, want: 0},
		{now: expected.Add(23 * time.Hour), want: 0},
		{now: expected.Add(24 * time.Hour), want: 1},
		{now: expected.Add(10*24*time.Hour + time.Hour), want: 10},
	}
	for _, tt := range tests {
		if got := DelayDays(&expected, tt.now); got != tt.want {
			t.Errorf("DelayDays(%s) = %d, want %d", tt.now, got, tt.want)
		}
	}
	if got := DelayDays(nil, expected); got != 0 {
		t.Errorf("DelayDays(nil) = %d, want 0", got)
	}
}

func TestCodes(t *testing.T) {
	if got := JobCode(2026, 42); got != "DJ-2026-000042" {
		t.Errorf("JobCode = %s", got)
	}
	if got := BatchCode(2026, 3, 1); got != "BATCH-2026-03" {
		t.Errorf("BatchCode = %s", got)
	}
	if got := BatchCode(2026, 3, 2); got != "BATCH-2026-03-2" {
		t.Errorf("BatchCode = %s", got)
	}
}
