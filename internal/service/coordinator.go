package service

import (
	"context"
	"sync"
	"time"

	"fieldsync/internal/connectivity"
	"fieldsync/internal/metrics"
	"fieldsync/internal/model"
	"fieldsync/internal/queue"
	"fieldsync/pkg/logger"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Coordinator states exposed through the status projection.
const (
	StateIdle         = "idle"
	StateSyncing      = "syncing"
	StatePausedAuth   = "paused-auth"
	StateHasConflicts = "has-conflicts"
)

// Status is the read-only projection the UI polls or streams.
type Status struct {
	State        string    `json:"state"`
	Online       bool      `json:"online"`
	PendingCount int       `json:"pending_count"`
	LastSyncAt   time.Time `json:"last_sync_at"`
	Conflicts    []string  `json:"conflicts"`
}

type CoordinatorConfig struct {
	Interval time.Duration
	CronSpec string
}

// Coordinator owns the decision of when to replay. One goroutine runs
// the loop and executes cycles inline, so only one cycle ever runs at a
// time; triggers arriving mid-cycle sit in their channels and coalesce.
type Coordinator struct {
	queue    *queue.ActionQueue
	engine   *ReplayEngine
	monitor  connectivity.Monitor
	session  *Session
	hub      *Hub
	observer metrics.Observer
	cfg      CoordinatorConfig

	mu     sync.RWMutex
	status Status

	syncNow chan struct{}
}

func NewCoordinator(q *queue.ActionQueue, engine *ReplayEngine, monitor connectivity.Monitor, session *Session, hub *Hub, observer metrics.Observer, cfg CoordinatorConfig) *Coordinator {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Coordinator{
		queue:    q,
		engine:   engine,
		monitor:  monitor,
		session:  session,
		hub:      hub,
		observer: observer,
		cfg:      cfg,
		status:   Status{State: StateIdle},
		syncNow:  make(chan struct{}, 1),
	}
}

// Run drives replay until ctx is cancelled. Triggers: became-online
// transitions, the periodic tick while online, manual SyncNow calls, an
// optional cron schedule, and session refreshes while paused.
func (c *Coordinator) Run(ctx context.Context) {
	var scheduler *cron.Cron
	if c.cfg.CronSpec != "" {
		scheduler = cron.New()
		if _, err := scheduler.AddFunc(c.cfg.CronSpec, c.SyncNow); err != nil {
			logger.Error("invalid sync schedule", zap.String("spec", c.cfg.CronSpec), zap.Error(err))
		} else {
			scheduler.Start()
			defer scheduler.Stop()
			logger.Info("scheduled sync enabled", zap.String("spec", c.cfg.CronSpec))
		}
	}

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	logger.Info("sync coordinator started", zap.Duration("interval", c.cfg.Interval))
	c.publish(c.snapshot(StateIdle))

	if c.monitor.Online() {
		c.cycle(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("sync coordinator stopped")
			return

		case ev := <-c.monitor.Events():
			if ev.State == connectivity.Online {
				logger.Info("connectivity restored, syncing")
				c.cycle(ctx)
			} else {
				c.publish(c.snapshot(c.restState()))
			}

		case <-ticker.C:
			if c.monitor.Online() {
				c.cycle(ctx)
			}

		case <-c.syncNow:
			if c.monitor.Online() {
				c.cycle(ctx)
			} else {
				// Offline manual sync would only burn the retry budget;
				// refresh the projection so the UI sees current counts.
				c.publish(c.snapshot(c.restState()))
			}

		case <-c.session.Refreshed():
			if c.monitor.Online() {
				logger.Info("session refreshed, resuming replay")
				c.cycle(ctx)
			}
		}
	}
}

// SyncNow requests a replay cycle. Safe from any goroutine; bursts
// coalesce into a single pending trigger.
func (c *Coordinator) SyncNow() {
	select {
	case c.syncNow <- struct{}{}:
	default:
	}
}

// Enqueue captures a mutating user action. The queue write is the
// synchronization point for the caller's optimistic projection; a
// storage error means the action was not captured and the UI must warn.
// When online, capture immediately kicks a sync.
func (c *Coordinator) Enqueue(ctx context.Context, action model.Action, projection queue.Projection) (*model.Action, error) {
	stored, err := c.queue.Enqueue(ctx, action, projection)
	if err != nil {
		return nil, err
	}
	c.observer.SetPendingActions(c.queue.PendingCount())
	c.publish(c.snapshot(c.restState()))
	if c.monitor.Online() {
		c.SyncNow()
	}
	return stored, nil
}

// ResolveConflict applies the user's disposition to a dead-lettered
// action and, on retry, kicks a sync so the unblocked group drains.
func (c *Coordinator) ResolveConflict(ctx context.Context, actionID, decision string) error {
	if err := c.queue.Resolve(ctx, actionID, decision); err != nil {
		return err
	}
	c.publish(c.snapshot(c.restState()))
	if decision == queue.ResolveRetry && c.monitor.Online() {
		c.SyncNow()
	}
	return nil
}

// Status returns the current projection.
func (c *Coordinator) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// DeadLetters lists actions awaiting user disposition.
func (c *Coordinator) DeadLetters() []model.Action {
	return c.queue.DeadLetters()
}

// PendingForEntity exposes the ordered unacked actions for one entity.
func (c *Coordinator) PendingForEntity(entityKey string) []model.Action {
	return c.queue.PendingForEntity(entityKey)
}

func (c *Coordinator) cycle(ctx context.Context) {
	if !c.session.Valid() {
		c.publish(c.snapshot(StatePausedAuth))
		return
	}

	c.publish(c.snapshot(StateSyncing))

	res := c.engine.RunCycle(ctx)

	state := c.restState()
	if res.AuthExpired {
		state = StatePausedAuth
	}

	c.mu.Lock()
	c.status.LastSyncAt = time.Now()
	c.mu.Unlock()
	c.publish(c.snapshot(state))

	logger.Info("sync cycle finished",
		zap.Int("dispatched", res.Dispatched),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("conflicted", res.Conflicted),
		zap.Int("dead_letters", res.DeadLetters),
		zap.Bool("auth_expired", res.AuthExpired),
	)
}

// restState is the state to report when no cycle is running: conflicts
// pending dominate plain idle.
func (c *Coordinator) restState() string {
	if len(c.queue.ConflictIDs()) > 0 {
		return StateHasConflicts
	}
	return StateIdle
}

func (c *Coordinator) snapshot(state string) Status {
	c.mu.Lock()
	c.status.State = state
	c.status.Online = c.monitor.Online()
	c.status.PendingCount = c.queue.PendingCount()
	c.status.Conflicts = c.queue.ConflictIDs()
	s := c.status
	c.mu.Unlock()
	return s
}

func (c *Coordinator) publish(s Status) {
	if c.hub == nil {
		return
	}
	select {
	case c.hub.Broadcast <- StatusEvent{Type: EventStatus, Status: s}:
	default:
	}
}
