package subscribe

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// a nil *Metrics records nothing
type Metrics struct {
	flushes    prometheus.Counter
	updates    prometheus.Counter
	rows       prometheus.Gauge
	reconnects *prometheus.CounterVec
	errors     *prometheus.CounterVec
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		flushes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "subscribe",
			Name:      "flushes_total",
			Help:      "Batches flushed into the materialized state.",
		}),
		updates: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "subscribe",
			Name:      "updates_total",
			Help:      "Row diffs applied to the materialized state.",
		}),
		rows: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "subscribe",
			Name:      "rows",
			Help:      "Rows in the materialized state after the last flush.",
		}),
		reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "subscribe",
			Name:      "reconnects_total",
			Help:      "Subscription attempts started after the first, by reason.",
		}, []string{"reason"}),
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "subscribe",
			Name:      "errors_total",
			Help:      "Errors surfaced to the caller, by kind.",
		}, []string{"kind"}),
	}
}

func (self *Metrics) flush(updateCount int, rowCount int) {
	if self == nil {
		return
	}
	self.flushes.Inc()
	self.updates.Add(float64(updateCount))
	self.rows.Set(float64(rowCount))
}

func (self *Metrics) reconnect(reason string) {
	if self == nil {
		return
	}
	self.reconnects.WithLabelValues(reason).Inc()
}

func (self *Metrics) recordError(err error) {
	if self == nil {
		return
	}
	self.errors.WithLabelValues(ErrorKind(err)).Inc()
}
