package req

import "encoding/json"

type EnqueueActionRequest struct {
	EntityKey   string          `json:"entity_key" binding:"required"`
	Kind        string          `json:"kind" binding:"required"`
	Payload     json.RawMessage `json:"payload"`
	BaseVersion int64           `json:"base_version"`
}

type ResolveActionRequest struct {
	Decision string `json:"decision" binding:"required,oneof=discard retry"`
}

type SetSessionRequest struct {
	Token string `json:"token" binding:"required"`
}
