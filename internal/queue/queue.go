package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"fieldsync/internal/model"
	"fieldsync/internal/repository"
	"fieldsync/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrActionNotFound = errors.New("action not found")
	ErrNotHead        = errors.New("action is not at the head of its group")
	ErrNotDeadLetter  = errors.New("action is not awaiting disposition")
)

// Projection is the optimistic-update callback the caller supplies on
// enqueue. It runs once the action is durably logged; correctness of the
// local overlay is the caller's concern, the call is just the
// synchronization point.
type Projection func(action model.Action)

// ResolveDiscard and ResolveRetry are the two user dispositions for a
// dead-lettered action.
const (
	ResolveDiscard = "discard"
	ResolveRetry   = "retry"
)

// ActionQueue is the in-memory view over the action log: actions grouped
// by entity key, each group FIFO in created_at order. All mutating access
// goes through the queue's mutex, so the log is only ever written from a
// single-writer discipline. The log stays the source of truth; Rebuild
// restores the full queue from it after a restart.
type ActionQueue struct {
	mu     sync.Mutex
	db     *gorm.DB
	log    repository.ActionLogInterface
	audit  repository.AuditInterface
	groups map[string][]*model.Action
	byID   map[string]*model.Action
}

func NewActionQueue(db *gorm.DB, log repository.ActionLogInterface, audit repository.AuditInterface) *ActionQueue {
	return &ActionQueue{
		db:     db,
		log:    log,
		audit:  audit,
		groups: make(map[string][]*model.Action),
		byID:   make(map[string]*model.Action),
	}
}

// Rebuild restores the in-memory groups from the log. Actions found
// in-flight on disk were cut off mid-dispatch by a crash; they revert to
// pending, which is safe because the backend dedupes on action id.
func (q *ActionQueue) Rebuild(ctx context.Context) error {
	actions, err := q.log.ListAll(ctx)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.groups = make(map[string][]*model.Action)
	q.byID = make(map[string]*model.Action)

	for i := range actions {
		a := actions[i]
		if a.Status == model.StatusInFlight {
			a.Status = model.StatusPending
			if err := q.log.UpdateStatus(ctx, a.ID, a.Status, a.Attempts, a.LastError, a.NextRetryAt); err != nil {
				return err
			}
		}
		q.groups[a.EntityKey] = append(q.groups[a.EntityKey], &a)
		q.byID[a.ID] = &a
	}

	for key := range q.groups {
		group := q.groups[key]
		sort.SliceStable(group, func(i, j int) bool {
			if group[i].CreatedAt.Equal(group[j].CreatedAt) {
				return group[i].ID < group[j].ID
			}
			return group[i].CreatedAt.Before(group[j].CreatedAt)
		})
	}

	logger.Info("action queue rebuilt", zap.Int("actions", len(actions)), zap.Int("groups", len(q.groups)))
	return nil
}

// Enqueue durably logs the action, inserts it at the tail of its group
// and then runs the optimistic projection. A storage failure means the
// action was not captured and is returned to the caller unqueued.
func (q *ActionQueue) Enqueue(ctx context.Context, action model.Action, projection Projection) (*model.Action, error) {
	if action.ID == "" {
		action.ID = uuid.New().String()
	}
	if action.CreatedAt.IsZero() {
		action.CreatedAt = time.Now()
	}
	action.Status = model.StatusPending
	action.Attempts = 0

	q.mu.Lock()

	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := q.log.WithTx(tx).Append(ctx, &action); err != nil {
			return err
		}
		return q.audit.WithTx(tx).Create(ctx, &model.ActionAudit{
			ActionID:  action.ID,
			EntityKey: action.EntityKey,
			Kind:      action.Kind,
			Event:     model.AuditEnqueued,
		})
	})
	if err != nil {
		q.mu.Unlock()
		return nil, fmt.Errorf("enqueue not captured: %w", err)
	}

	stored := action
	q.groups[stored.EntityKey] = append(q.groups[stored.EntityKey], &stored)
	q.byID[stored.ID] = &stored
	q.mu.Unlock()

	if projection != nil {
		projection(action)
	}
	return &action, nil
}

// NextReady returns a copy of at most one head action per entity key:
// pending heads, plus failed-transient heads whose backoff deadline has
// passed. Groups with an in-flight or dead-lettered head stay blocked,
// which is what keeps delivery ordered per key.
func (q *ActionQueue) NextReady(now time.Time) []model.Action {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ready []model.Action
	for _, group := range q.groups {
		if len(group) == 0 {
			continue
		}
		head := group[0]
		switch head.Status {
		case model.StatusPending:
			ready = append(ready, *head)
		case model.StatusFailedTransient:
			if !now.Before(head.NextRetryAt) {
				ready = append(ready, *head)
			}
		}
	}

	sort.Slice(ready, func(i, j int) bool {
		if ready[i].CreatedAt.Equal(ready[j].CreatedAt) {
			return ready[i].ID < ready[j].ID
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})
	return ready
}

// MarkInFlight transitions a head action to in-flight. Only heads may go
// in-flight: that is the single-dispatch-per-key invariant.
func (q *ActionQueue) MarkInFlight(ctx context.Context, actionID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	a, err := q.head(actionID)
	if err != nil {
		return err
	}
	return q.transition(ctx, a, model.StatusInFlight, a.LastError, a.NextRetryAt)
}

// MarkSucceeded removes the acked action from the log and its group.
func (q *ActionQueue) MarkSucceeded(ctx context.Context, actionID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	a, ok := q.byID[actionID]
	if !ok {
		return ErrActionNotFound
	}

	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := q.log.WithTx(tx).Remove(ctx, actionID); err != nil {
			return err
		}
		return q.audit.WithTx(tx).Create(ctx, &model.ActionAudit{
			ActionID:  a.ID,
			EntityKey: a.EntityKey,
			Kind:      a.Kind,
			Event:     model.AuditSucceeded,
		})
	})
	if err != nil {
		return err
	}

	q.drop(a)
	return nil
}

// MarkFailedTransient keeps the action at the head of its group with a
// backoff deadline; later same-key actions stay blocked behind it.
func (q *ActionQueue) MarkFailedTransient(ctx context.Context, actionID string, attempts int, lastError string, nextRetryAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	a, ok := q.byID[actionID]
	if !ok {
		return ErrActionNotFound
	}
	a.Attempts = attempts
	return q.transition(ctx, a, model.StatusFailedTransient, lastError, nextRetryAt)
}

// MarkFailedPermanent dead-letters the action. It keeps its blocking
// position until the user disposes of it through Resolve.
func (q *ActionQueue) MarkFailedPermanent(ctx context.Context, actionID string, lastError string) error {
	return q.deadLetter(ctx, actionID, model.StatusFailedPermanent, model.AuditFailed, lastError)
}

// MarkConflicted records a resolver discard decision. The action stays
// visible in the dead-letter list until the user confirms it.
func (q *ActionQueue) MarkConflicted(ctx context.Context, actionID string, lastError string) error {
	return q.deadLetter(ctx, actionID, model.StatusConflicted, model.AuditConflicted, lastError)
}

// Release reverts an in-flight action to pending without touching its
// attempt counter. Used when the engine pauses on auth expiry.
func (q *ActionQueue) Release(ctx context.Context, actionID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	a, ok := q.byID[actionID]
	if !ok {
		return ErrActionNotFound
	}
	return q.transition(ctx, a, model.StatusPending, a.LastError, a.NextRetryAt)
}

// Resolve applies the user's disposition to a dead-lettered action.
// Discard removes it for good; retry resets it to pending with a fresh
// attempt budget, unblocking the actions queued behind it.
func (q *ActionQueue) Resolve(ctx context.Context, actionID, decision string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	a, ok := q.byID[actionID]
	if !ok {
		return ErrActionNotFound
	}
	if !a.DeadLettered() {
		return ErrNotDeadLetter
	}

	switch decision {
	case ResolveDiscard:
		err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := q.log.WithTx(tx).Remove(ctx, actionID); err != nil {
				return err
			}
			return q.audit.WithTx(tx).Create(ctx, &model.ActionAudit{
				ActionID:  a.ID,
				EntityKey: a.EntityKey,
				Kind:      a.Kind,
				Event:     model.AuditDiscarded,
				Detail:    a.LastError,
			})
		})
		if err != nil {
			return err
		}
		q.drop(a)
		return nil

	case ResolveRetry:
		a.Attempts = 0
		if err := q.transition(ctx, a, model.StatusPending, "", time.Time{}); err != nil {
			return err
		}
		return q.audit.Create(ctx, &model.ActionAudit{
			ActionID:  a.ID,
			EntityKey: a.EntityKey,
			Kind:      a.Kind,
			Event:     model.AuditRetried,
		})

	default:
		return fmt.Errorf("unknown decision %q", decision)
	}
}

// PendingCount counts actions still headed for the backend, dead letters
// excluded.
func (q *ActionQueue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, a := range q.byID {
		if !a.DeadLettered() {
			n++
		}
	}
	return n
}

// DeadLetters returns the actions awaiting user disposition, oldest
// first.
func (q *ActionQueue) DeadLetters() []model.Action {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []model.Action
	for _, a := range q.byID {
		if a.DeadLettered() {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ConflictIDs lists the ids of conflicted actions for the status
// projection.
func (q *ActionQueue) ConflictIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ids []string
	for _, a := range q.byID {
		if a.Status == model.StatusConflicted {
			ids = append(ids, a.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

// PendingForEntity returns the ordered not-yet-acked actions for one
// entity key, used to derive the optimistic overlay view.
func (q *ActionQueue) PendingForEntity(entityKey string) []model.Action {
	q.mu.Lock()
	defer q.mu.Unlock()

	group := q.groups[entityKey]
	out := make([]model.Action, 0, len(group))
	for _, a := range group {
		out = append(out, *a)
	}
	return out
}

// head returns the action iff it is at the head of its group.
func (q *ActionQueue) head(actionID string) (*model.Action, error) {
	a, ok := q.byID[actionID]
	if !ok {
		return nil, ErrActionNotFound
	}
	group := q.groups[a.EntityKey]
	if len(group) == 0 || group[0].ID != actionID {
		return nil, ErrNotHead
	}
	return a, nil
}

func (q *ActionQueue) transition(ctx context.Context, a *model.Action, status, lastError string, nextRetryAt time.Time) error {
	if err := q.log.UpdateStatus(ctx, a.ID, status, a.Attempts, lastError, nextRetryAt); err != nil {
		return err
	}
	a.Status = status
	a.LastError = lastError
	a.NextRetryAt = nextRetryAt
	return nil
}

func (q *ActionQueue) deadLetter(ctx context.Context, actionID, status, auditEvent, lastError string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	a, ok := q.byID[actionID]
	if !ok {
		return ErrActionNotFound
	}
	if err := q.transition(ctx, a, status, lastError, time.Time{}); err != nil {
		return err
	}
	return q.audit.Create(ctx, &model.ActionAudit{
		ActionID:  a.ID,
		EntityKey: a.EntityKey,
		Kind:      a.Kind,
		Event:     auditEvent,
		Detail:    lastError,
	})
}

func (q *ActionQueue) drop(a *model.Action) {
	group := q.groups[a.EntityKey]
	for i, member := range group {
		if member.ID == a.ID {
			q.groups[a.EntityKey] = append(group[:i], group[i+1:]...)
			break
		}
	}
	if len(q.groups[a.EntityKey]) == 0 {
		delete(q.groups, a.EntityKey)
	}
	delete(q.byID, a.ID)
}
