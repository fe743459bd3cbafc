package relaymux

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/relaymux/relaymux/wire"
)

const metricsNamespace = "relaymux"

// Metrics records connection and exchange activity. A nil *Metrics is valid
// and records nothing. The same Metrics may be shared by many connections.
type Metrics struct {
	connections       prometheus.Gauge
	framesSent        *prometheus.CounterVec
	framesReceived    *prometheus.CounterVec
	activeExchanges   *prometheus.GaugeVec
	finishedExchanges *prometheus.CounterVec
	routeNotFound     prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections",
			Help:      "Number of open connections.",
		}),
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_sent_total",
			Help:      "Frames written to transports, by frame type.",
		}, []string{"type"}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_received_total",
			Help:      "Frames read from transports, by frame type.",
		}, []string{"type"}),
		activeExchanges: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "exchanges_active",
			Help:      "Exchanges that have not reached a terminal state.",
		}, []string{"direction"}),
		finishedExchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "exchanges_finished_total",
			Help:      "Exchanges that reached a terminal state, by direction and state.",
		}, []string{"direction", "state"}),
		routeNotFound: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "route_not_found_total",
			Help:      "Inbound requests rejected because no route matched.",
		}),
	}
	reg.MustRegister(m.connections, m.framesSent, m.framesReceived, m.activeExchanges, m.finishedExchanges, m.routeNotFound)
	return m
}

func (m *Metrics) connectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) connectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) frameSent(t wire.Type) {
	if m != nil {
		m.framesSent.WithLabelValues(t.String()).Inc()
	}
}

func (m *Metrics) frameReceived(t wire.Type) {
	if m != nil {
		m.framesReceived.WithLabelValues(t.String()).Inc()
	}
}

func (m *Metrics) exchangeStarted(d Direction) {
	if m != nil {
		m.activeExchanges.WithLabelValues(d.String()).Inc()
	}
}

func (m *Metrics) exchangeFinished(d Direction, s State) {
	if m != nil {
		m.activeExchanges.WithLabelValues(d.String()).Dec()
		m.finishedExchanges.WithLabelValues(d.String(), s.String()).Inc()
	}
}

func (m *Metrics) routeMissed() {
	if m != nil {
		m.routeNotFound.Inc()
	}
}
