package service

import (
	"context"
	"errors"

	"fieldsync/internal/repository"

	"github.com/redis/go-redis/v9"
)

var (
	ErrStoreUnhealthy = errors.New("action log store unhealthy")
	ErrCacheUnhealthy = errors.New("projection cache unhealthy")
)

// HealthService answers the daemon's own readiness: local stores only,
// never the backend. Offline is a normal condition, not ill health.
type HealthService struct {
	audit repository.AuditInterface
	rdb   *redis.Client
}

func NewHealthService(audit repository.AuditInterface, rdb *redis.Client) *HealthService {
	return &HealthService{audit: audit, rdb: rdb}
}

func (h *HealthService) Health(ctx context.Context) error {
	if err := h.audit.PingContext(ctx); err != nil {
		return ErrStoreUnhealthy
	}
	if h.rdb != nil {
		if err := h.rdb.Ping(ctx).Err(); err != nil {
			return ErrCacheUnhealthy
		}
	}
	return nil
}
