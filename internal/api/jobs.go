package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"custody-tracker/internal/custody"
	"custody-tracker/internal/models"
	"custody-tracker/internal/service"
	"custody-tracker/internal/store"
)

type createJobRequest struct {
	CustomerName     string              `json:"customer_name"`
	CustomerPhone    string              `json:"customer_phone"`
	Description      string              `json:"description"`
	Source           models.Source       `json:"source"`
	RepairType       models.RepairType   `json:"repair_type"`
	WorkNarration    string              `json:"work_narration"`
	TargetReturnDate *flexTime           `json:"target_return_date"`
	FactoryID        string              `json:"factory_id"`
	VoucherNo        string              `json:"voucher_no"`
	Weight           decimal.NullDecimal `json:"approximate_weight"`
	PurchaseValue    decimal.NullDecimal `json:"purchase_value"`
	DiamondCent      decimal.NullDecimal `json:"diamond_cent"`
	Notes            string              `json:"notes"`
	Remarks          string              `json:"remarks"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if !decode(w, r, &req) {
		return
	}
	job, err := s.svc.CreateJob(r.Context(), actorFrom(r), service.CreateJobRequest{
		CustomerName:     req.CustomerName,
		CustomerPhone:    req.CustomerPhone,
		Description:      req.Description,
		Source:           req.Source,
		RepairType:       req.RepairType,
		WorkNarration:    req.WorkNarration,
		TargetReturnDate: req.TargetReturnDate.ptr(),
		FactoryID:        req.FactoryID,
		VoucherNo:        req.VoucherNo,
		Weight:           req.Weight,
		PurchaseValue:    req.PurchaseValue,
		DiamondCent:      req.DiamondCent,
		Notes:            req.Notes,
		Remarks:          req.Remarks,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := newQuery(r)
	f := store.JobFilter{
		HolderRole:  models.Role(q.str("holder_role")),
		HolderID:    q.str("holder_id"),
		Phone:       q.str("phone"),
		Code:        q.str("code"),
		BatchID:     q.str("batch_id"),
		CreatedFrom: q.timestamp("created_from"),
		CreatedTo:   q.timestamp("created_to"),
		SortBy:      q.str("sort"),
		SortAsc:     strings.EqualFold(q.str("order"), "asc"),
		Limit:       q.integer("limit", 50),
		Offset:      q.integer("offset", 0),
	}
	for _, st := range q.list("status") {
		status := models.Status(st)
		if !status.Valid() {
			q.fields["status"] = fmt.Sprintf("unknown status %q", st)
			continue
		}
		f.Statuses = append(f.Statuses, status)
	}
	if err := q.err(); err != nil {
		writeError(w, r, err)
		return
	}
	jobs, err := s.svc.ListJobs(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": jobs, "limit": f.Limit, "offset": f.Offset})
}

func (s *Server) handleJobDetail(w http.ResponseWriter, r *http.Request) {
	detail, err := s.svc.JobDetail(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

type updateJobRequest struct {
	Reason           string               `json:"reason"`
	CustomerName     *string              `json:"customer_name"`
	CustomerPhone    *string              `json:"customer_phone"`
	Description      *string              `json:"description"`
	Source           *models.Source       `json:"source"`
	RepairType       *models.RepairType   `json:"repair_type"`
	WorkNarration    *string              `json:"work_narration"`
	TargetReturnDate *flexTime            `json:"target_return_date"`
	FactoryID        *string              `json:"factory_id"`
	VoucherNo        *string              `json:"voucher_no"`
	Weight           *decimal.NullDecimal `json:"approximate_weight"`
	PurchaseValue    *decimal.NullDecimal `json:"purchase_value"`
	DiamondCent      *decimal.NullDecimal `json:"diamond_cent"`
	Notes            *string              `json:"notes"`
}

func (s *Server) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	var req updateJobRequest
	if !decode(w, r, &req) {
		return
	}
	job, err := s.svc.UpdateJob(r.Context(), actorFrom(r), chi.URLParam(r, "ref"), service.JobPatch{
		CustomerName:     req.CustomerName,
		CustomerPhone:    req.CustomerPhone,
		Description:      req.Description,
		Source:           req.Source,
		RepairType:       req.RepairType,
		WorkNarration:    req.WorkNarration,
		TargetReturnDate: req.TargetReturnDate.ptr(),
		FactoryID:        req.FactoryID,
		VoucherNo:        req.VoucherNo,
		Weight:           req.Weight,
		PurchaseValue:    req.PurchaseValue,
		DiamondCent:      req.DiamondCent,
		Notes:            req.Notes,
	}, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type transitionRequest struct {
	ToStatus       models.Status `json:"to_status"`
	ActingRole     models.Role   `json:"acting_role"`
	Remarks        string        `json:"remarks"`
	OverrideReason string        `json:"override_reason"`
	BatchID        string        `json:"batch_id"`
	ExpectedFrom   models.Status `json:"expected_from"`
	Location       string        `json:"location"`
	DeviceID       string        `json:"device_id"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.svc.ApplyTransition(r.Context(), service.TransitionRequest{
		JobRef:         chi.URLParam(r, "ref"),
		To:             req.ToStatus,
		Actor:          actorFrom(r),
		ActingRole:     req.ActingRole,
		Remarks:        req.Remarks,
		OverrideReason: req.OverrideReason,
		BatchRef:       req.BatchID,
		ExpectedFrom:   req.ExpectedFrom,
		Location:       req.Location,
		DeviceID:       req.DeviceID,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.svc.JobEvents(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": events})
}

var photoExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// handleUploadPhoto stores a multipart "file" and attaches it to the job.
func (s *Server) handleUploadPhoto(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	job, err := s.svc.CanAddPhoto(r.Context(), actor, chi.URLParam(r, "ref"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	limit := s.cfg.UploadMaxBytes
	if limit <= 0 {
		limit = 10 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit+1<<20)
	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, custody.Invalid("file", "multipart field file is required"))
		return
	}
	defer file.Close()
	body, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, r, custody.Invalid("file", fmt.Sprintf("file exceeds %d bytes", limit)))
			return
		}
		writeError(w, r, fmt.Errorf("read upload: %w", err))
		return
	}
	if int64(len(body)) > limit {
		writeError(w, r, custody.Invalid("file", fmt.Sprintf("file exceeds %d bytes", limit)))
		return
	}
	contentType, _, _ := mime.ParseMediaType(http.DetectContentType(body))
	ext, known := photoExtensions[contentType]
	if !known || (len(s.cfg.UploadTypes) > 0 && !slices.Contains(s.cfg.UploadTypes, contentType)) {
		writeError(w, r, custody.Invalid("file", fmt.Sprintf("content type %s is not accepted", contentType)))
		return
	}

	key := fmt.Sprintf("jobs/%s/%s%s", job.ID, uuid.NewString(), ext)
	url, err := s.blobs.Put(r.Context(), key, body, contentType)
	if err != nil {
		writeError(w, r, fmt.Errorf("store photo: %w", err))
		return
	}
	updated, err := s.svc.AddPhoto(r.Context(), actor, job.ID, models.PhotoRef{Key: key, URL: url})
	if err != nil {
		if derr := s.blobs.Delete(context.WithoutCancel(r.Context()), key); derr != nil {
			log.Printf("remove orphan photo %s: %v", key, derr)
		}
		writeError(w, r, err)
		return
	}
	if s.tasks != nil {
		if err := s.tasks.EnqueueThumbnail(r.Context(), job.ID, key); err != nil {
			log.Printf("enqueue thumbnail for %s: %v", key, err)
		}
	}
	writeJSON(w, http.StatusCreated, updated)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := newQuery(r)
	f := store.EventFilter{
		JobID:         q.str("job_id"),
		ActorID:       q.str("actor_id"),
		BatchID:       q.str("batch_id"),
		FromStatus:    models.Status(q.str("from_status")),
		ToStatus:      models.Status(q.str("to_status")),
		From:          q.timestamp("from"),
		To:            q.timestamp("to"),
		OverridesOnly: q.boolean("overrides_only"),
		Ascending:     strings.EqualFold(q.str("order"), "asc"),
		AfterSeq:      int64(q.integer("after_seq", 0)),
		Limit:         q.integer("limit", 100),
	}
	if err := q.err(); err != nil {
		writeError(w, r, err)
		return
	}
	if f.JobID != "" {
		job, err := s.svc.GetJob(r.Context(), f.JobID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		f.JobID = job.ID
	}
	events, err := s.svc.ListEvents(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": events})
}
