package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"

	"fieldsync/pkg/logger"

	"go.uber.org/zap"
)

type State string

const (
	Online  State = "online"
	Offline State = "offline"
)

// Event is an edge-triggered reachability transition.
type Event struct {
	State State
	At    time.Time
}

// Monitor abstracts the platform reachability signal into online/offline
// plus a transition stream. Implementations resolve ambiguous signals to
// offline: a false "offline" only delays a retry cycle, a false "online"
// burns retries.
type Monitor interface {
	Online() bool
	Events() <-chan Event
}

// ProbeMonitor decides reachability by probing the backend's health
// endpoint on an interval. Connected-but-captive networks answer the
// probe with garbage or not at all and therefore read as offline.
type ProbeMonitor struct {
	url      string
	interval time.Duration
	client   *http.Client

	mu     sync.RWMutex
	online bool
	events chan Event
}

func NewProbeMonitor(url string, interval, timeout time.Duration) *ProbeMonitor {
	return &ProbeMonitor{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: timeout},
		events:   make(chan Event, 8),
	}
}

func (m *ProbeMonitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

func (m *ProbeMonitor) Events() <-chan Event {
	return m.events
}

// Run probes until ctx is cancelled. The first probe fires immediately
// so startup does not wait a full interval to learn it is online.
func (m *ProbeMonitor) Run(ctx context.Context) {
	logger.Info("connectivity monitor started", zap.String("url", m.url), zap.Duration("interval", m.interval))

	m.probe(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("connectivity monitor stopped")
			return
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

func (m *ProbeMonitor) probe(ctx context.Context) {
	reachable := m.check(ctx)

	m.mu.Lock()
	changed := reachable != m.online
	m.online = reachable
	m.mu.Unlock()

	if !changed {
		return
	}

	state := Offline
	if reachable {
		state = Online
	}
	logger.Info("connectivity changed", zap.String("state", string(state)))

	select {
	case m.events <- Event{State: state, At: time.Now()}:
	default:
		logger.Warn("connectivity event dropped, consumer lagging")
	}
}

func (m *ProbeMonitor) check(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.url, nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	// Anything outside 2xx is ambiguous at best; treat it as offline.
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
