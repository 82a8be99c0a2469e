package manager

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts mailbox mutations. A nil *Metrics records nothing.
type Metrics struct {
	appends        *prometheus.CounterVec
	expunged       prometheus.Counter
	flagUpdates    prometheus.Counter
	copies         prometheus.Counter
	appendDuration prometheus.Histogram
}

// NewMetrics registers the mailstore metrics with reg. It returns nil when
// reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	factory := promauto.With(reg)
	return &Metrics{
		appends: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailstore_appends_total",
				Help: "Messages appended, by result.",
			},
			[]string{
				"result", // ok, error
			},
		),
		expunged: factory.NewCounter(prometheus.CounterOpts{
			Name: "mailstore_expunged_total",
			Help: "Messages expunged.",
		}),
		flagUpdates: factory.NewCounter(prometheus.CounterOpts{
			Name: "mailstore_flag_updates_total",
			Help: "Messages whose flags changed.",
		}),
		copies: factory.NewCounter(prometheus.CounterOpts{
			Name: "mailstore_copies_total",
			Help: "Messages copied between mailboxes.",
		}),
		appendDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailstore_append_duration_seconds",
			Help:    "Duration of message appends in seconds.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5},
		}),
	}
}

func (m *Metrics) appended(start time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.appends.WithLabelValues(result).Inc()
	m.appendDuration.Observe(float64(time.Since(start)) / float64(time.Second))
}

func (m *Metrics) expungedMessages(n int) {
	if m == nil {
		return
	}
	m.expunged.Add(float64(n))
}

func (m *Metrics) flagsChanged(n int) {
	if m == nil {
		return
	}
	m.flagUpdates.Add(float64(n))
}

func (m *Metrics) copied(n int) {
	if m == nil {
		return
	}
	m.copies.Add(float64(n))
}
