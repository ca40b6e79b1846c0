package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"custody-tracker/internal/models"
	"custody-tracker/internal/service"
	"custody-tracker/internal/store"
)

type openBatchRequest struct {
	Month     int    `json:"month"`
	Year      int    `json:"year"`
	FactoryID string `json:"factory_id"`
}

func (s *Server) handleOpenBatch(w http.ResponseWriter, r *http.Request) {
	var req openBatchRequest
	if !decode(w, r, &req) {
		return
	}
	batch, created, err := s.svc.CreateOrOpenBatch(r.Context(), actorFrom(r), service.OpenBatchRequest{
		Month:     req.Month,
		Year:      req.Year,
		FactoryID: req.FactoryID,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, batch)
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	q := newQuery(r)
	f := store.BatchFilter{Limit: q.integer("limit", 100)}
	for _, st := range q.list("status") {
		status := models.BatchStatus(st)
		if !status.Valid() {
			q.fields["status"] = fmt.Sprintf("unknown batch status %q", st)
			continue
		}
		f.Statuses = append(f.Statuses, status)
	}
	if err := q.err(); err != nil {
		writeError(w, r, err)
		return
	}
	batches, err := s.svc.ListBatches(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": batches})
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	detail, err := s.svc.GetBatch(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

type addItemRequest struct {
	JobRef    string `json:"job_ref"`
	FactoryID string `json:"factory_id"`
	Remarks   string `json:"remarks"`
}

func (s *Server) handleAddItem(w http.ResponseWriter, r *http.Request) {
	var req addItemRequest
	if !decode(w, r, &req) {
		return
	}
	batch, err := s.svc.AddItem(r.Context(), actorFrom(r), chi.URLParam(r, "ref"), service.AddItemRequest{
		JobRef:    req.JobRef,
		FactoryID: req.FactoryID,
		Remarks:   req.Remarks,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

type dispatchRequest struct {
	DispatchDate       *flexTime `json:"dispatch_date"`
	ExpectedReturnDate *flexTime `json:"expected_return_date"`
	FactoryID          string    `json:"factory_id"`
	Remarks            string    `json:"remarks"`
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.svc.Dispatch(r.Context(), actorFrom(r), chi.URLParam(r, "ref"), service.DispatchRequest{
		DispatchDate:       req.DispatchDate.ptr(),
		ExpectedReturnDate: req.ExpectedReturnDate.ptr(),
		FactoryID:          req.FactoryID,
		Remarks:            req.Remarks,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCloseBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := s.svc.Close(r.Context(), actorFrom(r), chi.URLParam(r, "ref"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}
