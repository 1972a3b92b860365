package model

import "time"

// ActionAudit records every lifecycle event of an action: enqueue,
// terminal transitions, and user dispositions. The trail lives in the
// same database as the log so field support can reconstruct what a
// device did while offline.
type ActionAudit struct {
	ID        int64     `json:"id" gorm:"primaryKey"`
	ActionID  string    `json:"action_id" gorm:"size:36;index"`
	EntityKey string    `json:"entity_key" gorm:"size:128;index"`
	Kind      string    `json:"kind" gorm:"size:64"`
	Event     string    `json:"event" gorm:"size:32"`
	Detail    string    `json:"detail" gorm:"type:text"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`
}

const (
	AuditEnqueued   = "enqueued"
	AuditSucceeded  = "succeeded"
	AuditFailed     = "failed"
	AuditConflicted = "conflicted"
	AuditDiscarded  = "discarded"
	AuditRetried    = "retried"
)
