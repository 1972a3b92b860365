package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fieldsync/internal/model"

	"github.com/redis/go-redis/v9"
)

const projectionKeyPrefix = "fieldsync:confirmed:"

// EntityState is the last server-confirmed state of one entity, written
// on every dispatch ack.
type EntityState struct {
	EntityKey string          `json:"entity_key"`
	Version   int64           `json:"version"`
	State     json.RawMessage `json:"state"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// EntityView is the two-layer optimistic view the UI renders: confirmed
// state plus the ordered pending actions not yet acked. The view is
// derived on every read; nothing mutates confirmed state in place.
type EntityView struct {
	EntityKey string         `json:"entity_key"`
	Confirmed *EntityState   `json:"confirmed"`
	Pending   []model.Action `json:"pending"`
}

// ProjectionCache keeps confirmed entity state in redis so the overlay
// survives daemon restarts without replaying acks.
type ProjectionCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewProjectionCache(rdb *redis.Client, ttl time.Duration) *ProjectionCache {
	return &ProjectionCache{rdb: rdb, ttl: ttl}
}

// SetConfirmed records an acked entity state. A stored version at or
// beyond the ack's is kept: acks on different keys land concurrently but
// per key the engine is single-flight, so a newer stored version can
// only mean a fresher ack already landed.
func (p *ProjectionCache) SetConfirmed(ctx context.Context, entityKey string, version int64, state json.RawMessage) error {
	current, err := p.Confirmed(ctx, entityKey)
	if err != nil {
		return err
	}
	if current != nil && current.Version >= version && version != 0 {
		return nil
	}

	es := EntityState{
		EntityKey: entityKey,
		Version:   version,
		State:     state,
		UpdatedAt: time.Now(),
	}
	raw, err := json.Marshal(es)
	if err != nil {
		return fmt.Errorf("marshal entity state: %w", err)
	}
	return p.rdb.Set(ctx, projectionKeyPrefix+entityKey, raw, p.ttl).Err()
}

// Confirmed returns the stored state for the key, or nil when the
// backend has never acked anything for it.
func (p *ProjectionCache) Confirmed(ctx context.Context, entityKey string) (*EntityState, error) {
	raw, err := p.rdb.Get(ctx, projectionKeyPrefix+entityKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var es EntityState
	if err := json.Unmarshal(raw, &es); err != nil {
		return nil, fmt.Errorf("unmarshal entity state: %w", err)
	}
	return &es, nil
}

// View folds the pending actions over the confirmed state into the
// overlay the UI renders. Payloads stay opaque; applying them to the
// confirmed document is the caller's business logic.
func (p *ProjectionCache) View(ctx context.Context, entityKey string, pending []model.Action) (*EntityView, error) {
	confirmed, err := p.Confirmed(ctx, entityKey)
	if err != nil {
		return nil, err
	}
	return &EntityView{
		EntityKey: entityKey,
		Confirmed: confirmed,
		Pending:   pending,
	}, nil
}
