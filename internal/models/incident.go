package models

import "time"

type IncidentType string

const (
	IncidentStickerMismatch IncidentType = "StickerMismatch"
	IncidentMissingItem     IncidentType = "MissingItem"
	IncidentDuplicateScan   IncidentType = "DuplicateScan"
	IncidentDamage          IncidentType = "Damage"
	IncidentOther           IncidentType = "Other"
)

func (t IncidentType) Valid() bool {
	switch t {
	case IncidentStickerMismatch, IncidentMissingItem, IncidentDuplicateScan, IncidentDamage, IncidentOther:
		return true
	}
	return false
}

type IncidentStatus string

const (
	IncidentOpen     IncidentStatus = "OPEN"
	IncidentResolved IncidentStatus = "RESOLVED"
)

// Incident is an exception report against a job. It never changes job status.
type Incident struct {
	ID              string         `json:"id"`
	JobID           string         `json:"job_id"`
	BatchID         string         `json:"batch_id,omitempty"`
	Type            IncidentType   `json:"type"`
	Description     string         `json:"description"`
	Status          IncidentStatus `json:"status"`
	ReportedBy      string         `json:"reported_by"`
	ResolvedBy      string         `json:"resolved_by,omitempty"`
	ResolutionNotes string         `json:"resolution_notes,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	ResolvedAt      *time.Time     `json:"resolved_at,omitempty"`
}

// Factory is a dispatch counterparty.
type Factory struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}
