package model

import "time"

// Action is the unit of deferred work captured by the engine. Its ID is
// generated client-side and doubles as the idempotency key the backend
// dedupes on. Kind is an opaque string to the engine: records carrying a
// kind this build does not know are kept and replayed untouched, so a
// newer app version can still process them.
type Action struct {
	ID          string    `json:"id" gorm:"primaryKey;size:36"`
	EntityKey   string    `json:"entity_key" gorm:"size:128;index"`
	Kind        string    `json:"kind" gorm:"size:64"`
	Payload     string    `json:"payload" gorm:"type:text"`
	BaseVersion int64     `json:"base_version" gorm:"default:0"`
	Status      string    `json:"status" gorm:"size:24;index"`
	Attempts    int       `json:"attempts" gorm:"default:0"`
	LastError   string    `json:"last_error" gorm:"type:text"`
	NextRetryAt time.Time `json:"next_retry_at"`
	CreatedAt   time.Time `json:"created_at" gorm:"index"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Action statuses. Terminal: succeeded, and failed-permanent/conflicted
// once the user has disposed of them.
const (
	StatusPending         = "pending"
	StatusInFlight        = "in-flight"
	StatusSucceeded       = "succeeded"
	StatusFailedTransient = "failed-transient"
	StatusFailedPermanent = "failed-permanent"
	StatusConflicted      = "conflicted"
)

// Known action kinds. The engine never validates against this list; it
// exists for the API layer and for readability in audits.
const (
	KindClockIn        = "clock_in"
	KindClockOut       = "clock_out"
	KindUpdateTask     = "update_task_status"
	KindCheckInWorker  = "check_in_worker"
	KindConfirmPickup  = "confirm_pickup"
	KindConfirmDropoff = "confirm_dropoff"
	KindReportDelay    = "report_delay"
	KindApproveRequest = "approve_request"
	KindRejectRequest  = "reject_request"
	KindAssignTask     = "assign_task"
)

// DeadLettered reports whether the action sits in the dead-letter list
// awaiting user disposition.
func (a *Action) DeadLettered() bool {
	return a.Status == StatusFailedPermanent || a.Status == StatusConflicted
}
