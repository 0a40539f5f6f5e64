package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bardlex/stratumpool/pkg/circuit"
)

// Prom implements Recorder backed by Prometheus collectors.
type Prom struct {
	registry *prometheus.Registry
	handler  http.Handler

	sessionsOpened  prometheus.Counter
	sessionsActive  prometheus.Gauge
	sharesAccepted  prometheus.Counter
	acceptedWork    prometheus.Counter
	sharesRejected  *prometheus.CounterVec
	blocksFound     *prometheus.CounterVec
	lastBlockHeight prometheus.Gauge
	jobsBroadcast   *prometheus.CounterVec
	notifyFanout    prometheus.Gauge
	retargets       prometheus.Counter
	breakerState    *prometheus.GaugeVec
	queueDropped    *prometheus.CounterVec
}

// NewProm registers the pool's collectors on a fresh registry. An empty
// namespace defaults to "stratum".
func NewProm(namespace string) (*Prom, error) {
	if namespace == "" {
		namespace = "stratum"
	}
	reg := prometheus.NewRegistry()

	p := &Prom{
		registry:        reg,
		sessionsOpened:  prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "sessions_opened_total", Help: "Stratum sessions accepted."}),
		sessionsActive:  prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "sessions_active", Help: "Live stratum sessions."}),
		sharesAccepted:  prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "shares_accepted_total", Help: "Accepted shares."}),
		acceptedWork:    prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "accepted_difficulty_total", Help: "Sum of the session difficulty of accepted shares."}),
		sharesRejected:  prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "shares_rejected_total", Help: "Rejected shares by reason."}, []string{"reason"}),
		blocksFound:     prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "blocks_found_total", Help: "Block solutions by node verdict."}, []string{"status"}),
		lastBlockHeight: prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "last_block_height", Help: "Height of the last found block."}),
		jobsBroadcast:   prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "jobs_broadcast_total", Help: "mining.notify broadcasts."}, []string{"clean"}),
		notifyFanout:    prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "last_broadcast_sessions", Help: "Sessions reached by the last broadcast."}),
		retargets:       prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "difficulty_changes_total", Help: "Vardiff retargets sent to miners."}),
		breakerState:    prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: "circuit_breaker_state", Help: "0 closed, 1 open, 2 half-open."}, []string{"dependency"}),
		queueDropped:    prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "persistence_dropped_total", Help: "Events dropped by a full persistence queue."}, []string{"sink"}),
	}

	collectors := []prometheus.Collector{
		p.sessionsOpened, p.sessionsActive, p.sharesAccepted, p.acceptedWork, p.sharesRejected,
		p.blocksFound, p.lastBlockHeight, p.jobsBroadcast, p.notifyFanout, p.retargets,
		p.breakerState, p.queueDropped,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	p.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	return p, nil
}

// Handler exposes the HTTP handler for scraping.
func (p *Prom) Handler() http.Handler {
	return p.handler
}

// Registry returns the underlying registry.
func (p *Prom) Registry() *prometheus.Registry {
	return p.registry
}

func (p *Prom) SessionOpened() {
	p.sessionsOpened.Inc()
	p.sessionsActive.Inc()
}

func (p *Prom) SessionClosed() { p.sessionsActive.Dec() }

func (p *Prom) ShareAccepted(difficulty float64) {
	p.sharesAccepted.Inc()
	p.acceptedWork.Add(difficulty)
}

func (p *Prom) ShareRejected(reason string) { p.sharesRejected.WithLabelValues(reason).Inc() }

func (p *Prom) BlockFound(height int64, accepted bool) {
	status := "rejected"
	if accepted {
		status = "accepted"
	}
	p.blocksFound.WithLabelValues(status).Inc()
	p.lastBlockHeight.Set(float64(height))
}

func (p *Prom) JobBroadcast(clean bool, sessions int) {
	label := "false"
	if clean {
		label = "true"
	}
	p.jobsBroadcast.WithLabelValues(label).Inc()
	p.notifyFanout.Set(float64(sessions))
}

func (p *Prom) DifficultyChanged() { p.retargets.Inc() }

func (p *Prom) BreakerStateChanged(name string, state circuit.State) {
	p.breakerState.WithLabelValues(name).Set(float64(state))
}

func (p *Prom) QueueDropped(sink string) { p.queueDropped.WithLabelValues(sink).Inc() }
