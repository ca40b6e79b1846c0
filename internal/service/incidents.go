package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"custody-tracker/internal/custody"
	"custody-tracker/internal/models"
	"custody-tracker/internal/store"
)

// IncidentRequest reports an exception against a job.
type IncidentRequest struct {
	JobRef      string
	BatchRef    string
	Type        models.IncidentType
	Description string
}

// CreateIncident records an OPEN incident. The job's status is not touched.
func (s *Service) CreateIncident(ctx context.Context, actor Actor, req IncidentRequest) (models.Incident, error) {
	if err := requireActor(actor); err != nil {
		return models.Incident{}, err
	}
	fields := map[string]string{}
	if !req.Type.Valid() {
		fields["type"] = fmt.Sprintf("unknown incident type %q", req.Type)
	}
	desc := strings.TrimSpace(req.Description)
	if desc == "" {
		fields["description"] = "description is required"
	}
	if req.JobRef == "" {
		fields["job_id"] = "job is required"
	}
	if len(fields) > 0 {
		return models.Incident{}, &custody.ValidationError{Fields: fields}
	}

	var out models.Incident
	err := s.tx(ctx, func(q store.Queries) error {
		job, err := q.GetJob(ctx, req.JobRef)
		if err != nil {
			return err
		}
		inc := models.Incident{
			ID:          uuid.NewString(),
			JobID:       job.ID,
			Type:        req.Type,
			Description: desc,
			Status:      models.IncidentOpen,
			ReportedBy:  actor.ID,
			CreatedAt:   s.clock(),
		}
		if req.BatchRef != "" {
			b, err := q.GetBatch(ctx, req.BatchRef)
			if err != nil {
				return err
			}
			inc.BatchID = b.ID
		}
		if err := q.InsertIncident(ctx, inc); err != nil {
			return err
		}
		out = inc
		return nil
	})
	if err != nil {
		return models.Incident{}, err
	}
	return out, nil
}

// ResolveIncident marks an incident RESOLVED. Resolving twice returns the
// already-resolved incident unchanged.
func (s *Service) ResolveIncident(ctx context.Context, actor Actor, id, notes string) (models.Incident, error) {
	if err := requireRole(actor, "resolving incidents", models.RoleAdmin, models.RoleQCStock); err != nil {
		return models.Incident{}, err
	}
	var out models.Incident
	err := s.tx(ctx, func(q store.Queries) error {
		inc, err := q.GetIncident(ctx, id)
		if err != nil {
			return err
		}
		if inc.Status == models.IncidentResolved {
			out = inc
			return nil
		}
		now := s.clock()
		inc.Status = models.IncidentResolved
		inc.ResolvedBy = actor.ID
		inc.ResolutionNotes = strings.TrimSpace(notes)
		inc.ResolvedAt = &now
		if err := q.UpdateIncident(ctx, inc); err != nil {
			return err
		}
		out = inc
		return nil
	})
	if err != nil {
		return models.Incident{}, err
	}
	return out, nil
}

func (s *Service) ListIncidents(ctx context.Context, f store.IncidentFilter) ([]models.Incident, error) {
	if f.JobID != "" {
		job, err := s.store.GetJob(ctx, f.JobID)
		if err != nil {
			return nil, err
		}
		f.JobID = job.ID
	}
	return s.store.ListIncidents(ctx, f)
}
