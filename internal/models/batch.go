package models

import "time"

type BatchStatus string

const (
	BatchCreated    BatchStatus = "CREATED"
	BatchDispatched BatchStatus = "DISPATCHED"
	BatchClosed     BatchStatus = "CLOSED"
)

func (s BatchStatus) Valid() bool {
	switch s {
	case BatchCreated, BatchDispatched, BatchClosed:
		return true
	}
	return false
}

// Batch groups jobs sent to one factory in one monthly cycle.
type Batch struct {
	ID                 string      `json:"id"`
	Code               string      `json:"code"`
	Month              int         `json:"month"`
	Year               int         `json:"year"`
	Seq                int         `json:"seq"`
	Status             BatchStatus `json:"status"`
	FactoryID          string      `json:"factory_id,omitempty"`
	DispatchDate       *time.Time  `json:"dispatch_date,omitempty"`
	ExpectedReturnDate *time.Time  `json:"expected_return_date,omitempty"`
	ItemCount          int         `json:"item_count"`
	CreatedBy          string      `json:"created_by"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
	ClosedAt           *time.Time  `json:"closed_at,omitempty"`
}

// BatchItem is a batch membership row.
type BatchItem struct {
	BatchID string    `json:"batch_id"`
	JobID   string    `json:"job_id"`
	Remarks string    `json:"remarks,omitempty"`
	AddedBy string    `json:"added_by"`
	AddedAt time.Time `json:"added_at"`
}
