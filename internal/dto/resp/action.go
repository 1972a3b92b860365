package resp

import (
	"time"

	"fieldsync/internal/model"
)

type ActionItem struct {
	ID          string    `json:"id"`
	EntityKey   string    `json:"entity_key"`
	Kind        string    `json:"kind"`
	Status      string    `json:"status"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error,omitempty"`
	BaseVersion int64     `json:"base_version,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func FromAction(a model.Action) ActionItem {
	return ActionItem{
		ID:          a.ID,
		EntityKey:   a.EntityKey,
		Kind:        a.Kind,
		Status:      a.Status,
		Attempts:    a.Attempts,
		LastError:   a.LastError,
		BaseVersion: a.BaseVersion,
		CreatedAt:   a.CreatedAt,
	}
}

type DeadLetterResponse struct {
	Data []ActionItem `json:"data"`
}
