package relay

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "screenrelay"

// Metrics holds relay counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	created  prometheus.Counter
	claimed  prometheus.Counter
	uploaded prometheus.Counter
	reaped   prometheus.Counter
	notFound *prometheus.CounterVec
}

// NewMetrics creates relay collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_created_total",
			Help:      "Capture requests created by viewers.",
		}),
		claimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_claimed_total",
			Help:      "Capture requests claimed by agents (pending -> processing).",
		}),
		uploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "results_uploaded_total",
			Help:      "Capture results uploaded by agents, including overwrites.",
		}),
		reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_reaped_total",
			Help:      "Capture requests deleted by the age-based reaper.",
		}),
		notFound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "not_found_total",
			Help:      "Operations that referenced an unknown request id.",
		}, []string{"op"}),
	}

	if reg != nil {
		reg.MustRegister(m.created, m.claimed, m.uploaded, m.reaped, m.notFound)
	}
	return m
}

func (m *Metrics) incCreated() {
	if m != nil {
		m.created.Inc()
	}
}

func (m *Metrics) addClaimed(n int) {
	if m != nil && n > 0 {
		m.claimed.Add(float64(n))
	}
}

func (m *Metrics) incUploaded() {
	if m != nil {
		m.uploaded.Inc()
	}
}

func (m *Metrics) addReaped(n int) {
	if m != nil && n > 0 {
		m.reaped.Add(float64(n))
	}
}

func (m *Metrics) incNotFound(op string) {
	if m != nil {
		m.notFound.WithLabelValues(op).Inc()
	}
}

// StateCollector exports the live request count per state, sampled from the store at scrape time.
type StateCollector struct {
	store   RequestStore
	timeout time.Duration
	desc    *prometheus.Desc
}

// NewStateCollector builds a collector over store.
func NewStateCollector(store RequestStore) *StateCollector {
	return &StateCollector{
		store:   store,
		timeout: 2 * time.Second,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "", "requests"),
			"Capture requests currently held, by lifecycle state.",
			[]string{"state"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *StateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

// Collect implements prometheus.Collector.
func (c *StateCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	counts, err := c.store.CountByState(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.desc, err)
		return
	}
	for _, st := range States {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(counts[st]), st.String())
	}
}
