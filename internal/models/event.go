package models

import "time"

// StatusEvent is an append-only audit record of one accepted transition.
type StatusEvent struct {
	ID             string    `json:"id"`
	Seq            int64     `json:"seq"`
	JobID          string    `json:"job_id"`
	JobCode        string    `json:"job_code,omitempty"`
	FromStatus     *Status   `json:"from_status"`
	ToStatus       Status    `json:"to_status"`
	ActorID        string    `json:"actor_id"`
	ActorRole      Role      `json:"actor_role"`
	Remarks        string    `json:"remarks,omitempty"`
	OverrideReason string    `json:"override_reason,omitempty"`
	BatchID        string    `json:"batch_id,omitempty"`
	Location       string    `json:"location,omitempty"`
	DeviceID       string    `json:"device_id,omitempty"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// IsOverride reports whether the event bypassed normal ordering.
func (e StatusEvent) IsOverride() bool {
	return e.OverrideReason != ""
}
