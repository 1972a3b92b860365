package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type prometheusObserver struct{}

var (
	streamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fieldsync_stream_clients",
		Help: "Number of connected status-stream clients",
	})
	pushTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldsync_status_push_total",
		Help: "Total status events pushed to stream clients",
	})
	pendingActions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fieldsync_pending_actions",
		Help: "Actions in the queue that have not reached a terminal state",
	})
	dispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsync_dispatch_total",
		Help: "Dispatch attempts by outcome",
	}, []string{"outcome"})
	conflictTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldsync_conflicts_total",
		Help: "Actions discarded by the conflict resolver",
	})
	cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fieldsync_sync_cycle_seconds",
		Help:    "Duration of replay cycles",
		Buckets: prometheus.DefBuckets,
	})
)

func NewPrometheusObserver() Observer {
	return &prometheusObserver{}
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func (p *prometheusObserver) IncStreamClients()  { streamClients.Inc() }
func (p *prometheusObserver) DecStreamClients()  { streamClients.Dec() }
func (p *prometheusObserver) RecordPush()        { pushTotal.Inc() }
func (p *prometheusObserver) SetPendingActions(n int) {
	pendingActions.Set(float64(n))
}
func (p *prometheusObserver) RecordDispatch(outcome string) {
	dispatchTotal.WithLabelValues(outcome).Inc()
}
func (p *prometheusObserver) RecordConflict() { conflictTotal.Inc() }
func (p *prometheusObserver) ObserveCycleDuration(sec float64) {
	cycleDuration.Observe(sec)
}
