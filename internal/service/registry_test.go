package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"custody-tracker/internal/custody"
	"custody-tracker/internal/models"
	"custody-tracker/internal/service"
	"custody-tracker/internal/store"
)

func TestCreateJobAssignsYearlyCodes(t *testing.T) {
	f := setup(t)
	a := f.newJob(t)
	b := f.newJob(t)
	if a.Code != "DJ-2026-000001" || b.Code != "DJ-2026-000002" {
		t.Fatalf("unexpected codes %s %s", a.Code, b.Code)
	}
	if a.HolderRole != models.RolePurchase || a.HolderID != purchase.ID {
		t.Fatalf("unexpected holder %s/%s", a.HolderRole, a.HolderID)
	}
}

func TestCreateJobValidatesRepairFields(t *testing.T) {
	f := setup(t)
	_, err := f.svc.CreateJob(context.Background(), packing, service.CreateJobRequest{
		Description: "ring resize",
		Source:      models.SourceRepair,
	})
	var verr *custody.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	for _, field := range []string{"repair_type", "work_narration", "target_return_date"} {
		if _, ok := verr.Fields[field]; !ok {
			t.Fatalf("expected %s to be flagged, got %v", field, verr.Fields)
		}
	}

	_, err = f.svc.CreateJob(context.Background(), packing, service.CreateJobRequest{Source: "Gift"})
	if !errors.As(err, &verr) || verr.Fields["description"] == "" || verr.Fields["source"] == "" {
		t.Fatalf("expected description and source errors, got %v", err)
	}

	target := time.Date(2026, 3, 25, 0, 0, 0, 0, time.UTC)
	job, err := f.svc.CreateJob(context.Background(), packing, service.CreateJobRequest{
		CustomerName:     "Meera",
		CustomerPhone:    "9000000001",
		Description:      "ring resize",
		Source:           models.SourceRepair,
		RepairType:       models.RepairCustomer,
		WorkNarration:    "resize to 14",
		TargetReturnDate: &target,
		Weight:           decimal.NewNullDecimal(decimal.RequireFromString("4.250")),
	})
	if err != nil {
		t.Fatalf("create repair: %v", err)
	}
	got, err := f.svc.GetJob(context.Background(), job.Code)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Weight.Decimal.Equal(decimal.RequireFromString("4.25")) || got.TargetReturnDate == nil || !got.TargetReturnDate.Equal(target) {
		t.Fatalf("fields not persisted: %+v", got)
	}
}

func TestCreateJobRequiresIntakeRole(t *testing.T) {
	f := setup(t)
	_, err := f.svc.CreateJob(context.Background(), factory, service.CreateJobRequest{Description: "x", Source: models.SourceStock})
	if !errors.Is(err, custody.ErrForbiddenTransition) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestUpdateJobRecordsEditWithoutStatusChange(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	job := f.newJob(t)
	f.move(t, packing, job.ID, models.StatusPackedReady)

	name, phone := "Ravi", "9888877777"
	if _, err := f.svc.UpdateJob(ctx, admin, job.ID, service.JobPatch{CustomerName: &name}, " "); !errors.Is(err, custody.ErrValidationFailed) {
		t.Fatalf("expected reason required, got %v", err)
	}
	if _, err := f.svc.UpdateJob(ctx, packing, job.ID, service.JobPatch{CustomerName: &name}, "fix"); !errors.Is(err, custody.ErrForbiddenTransition) {
		t.Fatalf("expected forbidden for non-admin, got %v", err)
	}

	updated, err := f.svc.UpdateJob(ctx, admin, job.Code, service.JobPatch{CustomerName: &name, CustomerPhone: &phone}, "customer identified")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.CustomerName != name || updated.CurrentStatus != models.StatusPackedReady || updated.Version != 1 {
		t.Fatalf("unexpected update result %+v", updated)
	}

	detail, err := f.svc.JobDetail(ctx, job.ID)
	if err != nil {
		t.Fatalf("detail: %v", err)
	}
	if len(detail.Events) != 2 {
		t.Fatalf("edit must not append events, got %d", len(detail.Events))
	}
	if len(detail.Edits) != 1 || detail.Edits[0].Reason != "customer identified" {
		t.Fatalf("unexpected edits %+v", detail.Edits)
	}
	change, ok := detail.Edits[0].Changes["customer_name"]
	if !ok || change.From != "" || change.To != name {
		t.Fatalf("unexpected change %+v", detail.Edits[0].Changes)
	}
	if len(detail.Next) != 1 || detail.Next[0] != models.StatusDispatchedToFactory {
		t.Fatalf("unexpected next statuses %v", detail.Next)
	}

	if _, err := f.svc.UpdateJob(ctx, admin, job.ID, service.JobPatch{CustomerName: &name}, "again"); !errors.Is(err, custody.ErrValidationFailed) {
		t.Fatalf("expected no-op edit to fail validation, got %v", err)
	}
}

func TestAddPhotoAndThumb(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	job := f.newJob(t)

	got, err := f.svc.AddPhoto(ctx, purchase, job.ID, models.PhotoRef{Key: "jobs/a.jpg", URL: "/uploads/jobs/a.jpg"})
	if err != nil {
		t.Fatalf("add photo: %v", err)
	}
	if len(got.Photos) != 1 {
		t.Fatalf("expected one photo, got %d", len(got.Photos))
	}
	if err := f.svc.SetPhotoThumb(ctx, job.ID, "jobs/a.jpg", "/uploads/thumbs/a.jpg"); err != nil {
		t.Fatalf("thumb: %v", err)
	}
	if err := f.svc.SetPhotoThumb(ctx, job.ID, "jobs/missing.jpg", "x"); !errors.Is(err, custody.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	after, _ := f.svc.GetJob(ctx, job.ID)
	if after.Photos[0].ThumbURL != "/uploads/thumbs/a.jpg" || after.CurrentStatus != models.StatusPurchased {
		t.Fatalf("unexpected job after thumb: %+v", after)
	}
}

func TestListJobsFilters(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	a := f.newJob(t)
	f.newJob(t)
	f.move(t, packing, a.ID, models.StatusPackedReady)

	packed, err := f.svc.ListJobs(ctx, store.JobFilter{Statuses: []models.Status{models.StatusPackedReady}})
	if err != nil || len(packed) != 1 || packed[0].ID != a.ID {
		t.Fatalf("unexpected status filter result %v %v", packed, err)
	}
	byHolder, err := f.svc.ListJobs(ctx, store.JobFilter{HolderRole: models.RolePurchase})
	if err != nil || len(byHolder) != 1 {
		t.Fatalf("unexpected holder filter result %d %v", len(byHolder), err)
	}
	page, err := f.svc.ListJobs(ctx, store.JobFilter{SortBy: "code", SortAsc: true, Limit: 1, Offset: 1})
	if err != nil || len(page) != 1 || page[0].Code != "DJ-2026-000002" {
		t.Fatalf("unexpected page %v %v", page, err)
	}
}

func TestIncidentLifecycle(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	job := f.newJob(t)

	if _, err := f.svc.CreateIncident(ctx, packing, service.IncidentRequest{JobRef: "nope", Type: models.IncidentDamage, Description: "dent"}); !errors.Is(err, custody.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := f.svc.CreateIncident(ctx, packing, service.IncidentRequest{JobRef: job.ID, Type: "Weird"}); !errors.Is(err, custody.ErrValidationFailed) {
		t.Fatalf("expected validation failure, got %v", err)
	}

	inc, err := f.svc.CreateIncident(ctx, packing, service.IncidentRequest{JobRef: job.Code, Type: models.IncidentStickerMismatch, Description: "label shows DJ-2026-000009"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if inc.Status != models.IncidentOpen || inc.JobID != job.ID {
		t.Fatalf("unexpected incident %+v", inc)
	}

	if _, err := f.svc.ResolveIncident(ctx, packing, inc.ID, "x"); !errors.Is(err, custody.ErrForbiddenTransition) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	first, err := f.svc.ResolveIncident(ctx, qc, inc.ID, "relabelled")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	f.clock.Advance(time.Hour)
	second, err := f.svc.ResolveIncident(ctx, admin, inc.ID, "dup click")
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if second.Status != models.IncidentResolved || second.ResolvedBy != qc.ID || second.ResolutionNotes != "relabelled" ||
		!second.ResolvedAt.Equal(*first.ResolvedAt) {
		t.Fatalf("second resolve changed the incident: %+v", second)
	}

	after, _ := f.svc.GetJob(ctx, job.ID)
	if after.CurrentStatus != models.StatusPurchased || after.Version != 0 {
		t.Fatalf("incident changed job status")
	}
	open, err := f.svc.ListIncidents(ctx, store.IncidentFilter{Status: models.IncidentOpen})
	if err != nil || len(open) != 0 {
		t.Fatalf("expected no open incidents, got %d %v", len(open), err)
	}
	byJob, err := f.svc.ListIncidents(ctx, store.IncidentFilter{JobID: job.Code})
	if err != nil || len(byJob) != 1 {
		t.Fatalf("expected 1 incident for job, got %d %v", len(byJob), err)
	}
}

func TestFactoryManagement(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	fac := f.newFactory(t, "Shree Works")

	if _, err := f.svc.CreateFactory(ctx, admin, "shree works"); !errors.Is(err, custody.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := f.svc.CreateFactory(ctx, dispatch, "Other"); !errors.Is(err, custody.ErrForbiddenTransition) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	other := f.newFactory(t, "Other")
	name := "SHREE WORKS"
	if _, err := f.svc.UpdateFactory(ctx, admin, other.ID, service.FactoryPatch{Name: &name}); !errors.Is(err, custody.ErrConflict) {
		t.Fatalf("expected conflict on rename, got %v", err)
	}

	inactive := false
	if _, err := f.svc.UpdateFactory(ctx, admin, fac.ID, service.FactoryPatch{IsActive: &inactive}); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	active, _ := f.svc.ListFactories(ctx, false)
	all, _ := f.svc.ListFactories(ctx, true)
	if len(active) != 1 || len(all) != 2 {
		t.Fatalf("expected 1 active of 2, got %d of %d", len(active), len(all))
	}
	if _, _, err := f.svc.CreateOrOpenBatch(ctx, dispatch, service.OpenBatchRequest{Month: 5, Year: 2026, FactoryID: fac.ID}); !errors.Is(err, custody.ErrValidationFailed) {
		t.Fatalf("expected inactive factory rejected, got %v", err)
	}
}
