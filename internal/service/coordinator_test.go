package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"fieldsync/internal/connectivity"
	"fieldsync/internal/dispatch"
	"fieldsync/internal/metrics"
	"fieldsync/internal/model"
	"fieldsync/internal/queue"
	"fieldsync/internal/resolver"
)

type fakeMonitor struct {
	mu     sync.Mutex
	online bool
	events chan connectivity.Event
}

func newFakeMonitor(online bool) *fakeMonitor {
	return &fakeMonitor{online: online, events: make(chan connectivity.Event, 8)}
}

func (m *fakeMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *fakeMonitor) Events() <-chan connectivity.Event { return m.events }

func (m *fakeMonitor) flip(state connectivity.State) {
	m.mu.Lock()
	m.online = state == connectivity.Online
	m.mu.Unlock()
	m.events <- connectivity.Event{State: state, At: time.Now()}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestCoordinator(t *testing.T, d dispatch.Dispatcher, monitor connectivity.Monitor, session *Session) (*Coordinator, *queue.ActionQueue) {
	t.Helper()
	q := newTestQueue(t)
	engine := NewReplayEngine(q, d, resolver.New(), session, nil, metrics.NopObserver{}, ReplayConfig{})
	c := NewCoordinator(q, engine, monitor, session, nil, metrics.NopObserver{}, CoordinatorConfig{Interval: time.Hour})
	return c, q
}

func TestCoordinator_BecameOnlineDrainsQueue(t *testing.T) {
	d := &fakeDispatcher{}
	monitor := newFakeMonitor(false)
	c, q := newTestCoordinator(t, d, monitor, validSession(t))

	mustEnqueue(t, q, model.Action{EntityKey: "task:1", Kind: model.KindUpdateTask})
	mustEnqueue(t, q, model.Action{EntityKey: "task:2", Kind: model.KindReportDelay})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	// Offline: nothing moves.
	time.Sleep(30 * time.Millisecond)
	if len(d.callIDs()) != 0 {
		t.Fatal("dispatched while offline")
	}

	monitor.flip(connectivity.Online)

	waitFor(t, "queue drained after reconnect", func() bool {
		s := c.Status()
		return s.PendingCount == 0 && s.State == StateIdle
	})
	if c.Status().LastSyncAt.IsZero() {
		t.Error("last sync timestamp not recorded")
	}
	if !c.Status().Online {
		t.Error("status projection still reports offline")
	}
}

func TestCoordinator_ManualSyncWhileOfflineOnlyRefreshes(t *testing.T) {
	d := &fakeDispatcher{}
	monitor := newFakeMonitor(false)
	c, q := newTestCoordinator(t, d, monitor, validSession(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	mustEnqueue(t, q, model.Action{EntityKey: "task:1", Kind: model.KindClockIn})
	c.SyncNow()

	waitFor(t, "projection refresh", func() bool {
		return c.Status().PendingCount == 1
	})
	if len(d.callIDs()) != 0 {
		t.Error("manual sync dispatched while offline")
	}
	if c.Status().State != StateIdle {
		t.Errorf("state = %q, want idle", c.Status().State)
	}
}

func TestCoordinator_EnqueueWhileOnlineKicksSync(t *testing.T) {
	d := &fakeDispatcher{}
	monitor := newFakeMonitor(true)
	c, _ := newTestCoordinator(t, d, monitor, validSession(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	if _, err := c.Enqueue(ctx, model.Action{EntityKey: "vehicle:3", Kind: model.KindClockIn}, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitFor(t, "capture-triggered sync", func() bool {
		return c.Status().PendingCount == 0 && len(d.callIDs()) == 1
	})
}

func TestCoordinator_ConflictSurfacesAndDiscardClears(t *testing.T) {
	d := &fakeDispatcher{}
	d.fn = func(a model.Action) (*dispatch.Ack, error) {
		return nil, &dispatch.ConflictError{ServerVersion: 8, Reason: "already closed"}
	}
	monitor := newFakeMonitor(false)
	c, q := newTestCoordinator(t, d, monitor, validSession(t))

	a := mustEnqueue(t, q, model.Action{EntityKey: "approval:2", Kind: model.KindApproveRequest, BaseVersion: 3})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	monitor.flip(connectivity.Online)

	waitFor(t, "conflict surfaced", func() bool {
		s := c.Status()
		return s.State == StateHasConflicts && len(s.Conflicts) == 1
	})
	if got := c.Status().Conflicts[0]; got != a.ID {
		t.Errorf("conflict id = %s, want %s", got, a.ID)
	}

	if err := c.ResolveConflict(ctx, a.ID, queue.ResolveDiscard); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	waitFor(t, "conflict cleared", func() bool {
		s := c.Status()
		return s.State == StateIdle && len(s.Conflicts) == 0
	})
}

func TestCoordinator_ResolveRetryUnblocksGroup(t *testing.T) {
	d := &fakeDispatcher{}
	conflictOnce := true
	var mu sync.Mutex
	d.fn = func(a model.Action) (*dispatch.Ack, error) {
		mu.Lock()
		defer mu.Unlock()
		if conflictOnce {
			conflictOnce = false
			return nil, &dispatch.ConflictError{ServerVersion: 8, Reason: "stale"}
		}
		return &dispatch.Ack{EntityKey: a.EntityKey, NewVersion: 9}, nil
	}
	monitor := newFakeMonitor(true)
	c, q := newTestCoordinator(t, d, monitor, validSession(t))

	a := mustEnqueue(t, q, model.Action{EntityKey: "task:5", Kind: model.KindUpdateTask, BaseVersion: 3})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	waitFor(t, "conflict surfaced", func() bool {
		return c.Status().State == StateHasConflicts
	})

	if err := c.ResolveConflict(ctx, a.ID, queue.ResolveRetry); err != nil {
		t.Fatalf("resolve retry: %v", err)
	}
	waitFor(t, "retried action acknowledged", func() bool {
		s := c.Status()
		return s.State == StateIdle && s.PendingCount == 0
	})
}

func TestCoordinator_PausesOnExpiredSessionAndResumesOnRefresh(t *testing.T) {
	d := &fakeDispatcher{}
	monitor := newFakeMonitor(false)
	session := NewSession()
	c, q := newTestCoordinator(t, d, monitor, session)

	mustEnqueue(t, q, model.Action{EntityKey: "task:1", Kind: model.KindClockOut})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	monitor.flip(connectivity.Online)

	waitFor(t, "paused on missing session", func() bool {
		return c.Status().State == StatePausedAuth
	})
	if len(d.callIDs()) != 0 {
		t.Fatal("dispatched without a session")
	}

	if err := session.SetToken(signedToken(t, time.Hour)); err != nil {
		t.Fatalf("refresh token: %v", err)
	}

	waitFor(t, "resume after refresh", func() bool {
		s := c.Status()
		return s.State == StateIdle && s.PendingCount == 0
	})
}

func TestCoordinator_SyncNowBurstsCoalesce(t *testing.T) {
	d := &fakeDispatcher{}
	monitor := newFakeMonitor(true)
	c, q := newTestCoordinator(t, d, monitor, validSession(t))

	mustEnqueue(t, q, model.Action{EntityKey: "task:1", Kind: model.KindClockIn})

	for i := 0; i < 10; i++ {
		c.SyncNow()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	waitFor(t, "drained", func() bool {
		return c.Status().PendingCount == 0
	})
	time.Sleep(30 * time.Millisecond)
	if got := len(d.callIDs()); got != 1 {
		t.Errorf("dispatched %d times for one action, want 1 (triggers must coalesce)", got)
	}
}
