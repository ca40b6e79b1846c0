package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"custody-tracker/internal/models"
	"custody-tracker/internal/service"
	"custody-tracker/internal/store"
)

type incidentRequest struct {
	JobID       string              `json:"job_id"`
	BatchID     string              `json:"batch_id"`
	Type        models.IncidentType `json:"type"`
	Description string              `json:"description"`
}

func (s *Server) handleCreateIncident(w http.ResponseWriter, r *http.Request) {
	var req incidentRequest
	if !decode(w, r, &req) {
		return
	}
	inc, err := s.svc.CreateIncident(r.Context(), actorFrom(r), service.IncidentRequest{
		JobRef:      req.JobID,
		BatchRef:    req.BatchID,
		Type:        req.Type,
		Description: req.Description,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inc)
}

func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	q := newQuery(r)
	f := store.IncidentFilter{
		Status:  models.IncidentStatus(q.str("status")),
		Type:    models.IncidentType(q.str("type")),
		JobID:   q.str("job_id"),
		BatchID: q.str("batch_id"),
		From:    q.timestamp("from"),
		To:      q.timestamp("to"),
		Limit:   q.integer("limit", 100),
	}
	if err := q.err(); err != nil {
		writeError(w, r, err)
		return
	}
	items, err := s.svc.ListIncidents(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type resolveRequest struct {
	ResolutionNotes string `json:"resolution_notes"`
}

func (s *Server) handleResolveIncident(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !decode(w, r, &req) {
		return
	}
	inc, err := s.svc.ResolveIncident(r.Context(), actorFrom(r), chi.URLParam(r, "id"), req.ResolutionNotes)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (s *Server) handleListFactories(w http.ResponseWriter, r *http.Request) {
	q := newQuery(r)
	includeInactive := q.boolean("include_inactive")
	if err := q.err(); err != nil {
		writeError(w, r, err)
		return
	}
	items, err := s.svc.ListFactories(r.Context(), includeInactive)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type factoryRequest struct {
	Name     *string `json:"name"`
	IsActive *bool   `json:"is_active"`
}

func (s *Server) handleCreateFactory(w http.ResponseWriter, r *http.Request) {
	var req factoryRequest
	if !decode(w, r, &req) {
		return
	}
	name := ""
	if req.Name != nil {
		name = *req.Name
	}
	f, err := s.svc.CreateFactory(r.Context(), actorFrom(r), name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

func (s *Server) handleUpdateFactory(w http.ResponseWriter, r *http.Request) {
	var req factoryRequest
	if !decode(w, r, &req) {
		return
	}
	f, err := s.svc.UpdateFactory(r.Context(), actorFrom(r), chi.URLParam(r, "id"), service.FactoryPatch{
		Name:     req.Name,
		IsActive: req.IsActive,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}
