package runtime

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/topicplugins/internal/runtime/memo"
)

// Message sources and outcomes used as metric labels.
const (
	SourceDeadLetter = "deadletter"
	SourceLive       = "live"

	OutcomeCompleted    = "completed"
	OutcomeAbandoned    = "abandoned"
	OutcomeDeadLettered = "deadlettered"
	OutcomeDrained      = "drained"
	OutcomeFailed       = "failed"
)

// Metrics exports pump, plugin and secret-cache statistics to Prometheus.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	mu sync.Mutex

	messagesTotal   *prometheus.CounterVec
	exceptionsTotal *prometheus.CounterVec
	pluginDuration  *prometheus.HistogramVec
	stateGauge      *prometheus.GaugeVec
	cache           *cacheCollector

	registerer prometheus.Registerer
	registered bool
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "topicplugins",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewMetrics creates the collectors. Call Register to expose them.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		registerer:      registerer,
		messagesTotal:   newCounterVec("messages_total", "Messages handled per registration, source and outcome", []string{"topic", "subscription", "source", "outcome"}),
		exceptionsTotal: newCounterVec("live_exceptions_total", "Failures reported by live message pumps", []string{"topic", "subscription"}),
		pluginDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "topicplugins",
				Name:      "plugin_duration_seconds",
				Help:      "Plugin execution time",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"plugin", "result"},
		),
		stateGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "topicplugins",
				Name:      "registration_state",
				Help:      "Current pump state (0 uninitialized, 1 draining, 2 live, 3 closed)",
			},
			[]string{"topic", "subscription"},
		),
		cache: &cacheCollector{},
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.messagesTotal,
		m.exceptionsTotal,
		m.pluginDuration,
		m.stateGauge,
		m.cache,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// WatchCache exports the statistics returned by stats on every scrape.
func (m *Metrics) WatchCache(stats func() memo.Stats) {
	if m == nil {
		return
	}
	m.cache.set(stats)
}

// ObservePlugin records one plugin invocation.
func (m *Metrics) ObservePlugin(plugin string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.pluginDuration.WithLabelValues(plugin, result).Observe(d.Seconds())
}

// MessageHandled counts one message by source and outcome.
func (m *Metrics) MessageHandled(topic, subscription, source, outcome string) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(topic, subscription, source, outcome).Inc()
}

// LiveException counts one failure reported by a live pump.
func (m *Metrics) LiveException(topic, subscription string) {
	if m == nil {
		return
	}
	m.exceptionsTotal.WithLabelValues(topic, subscription).Inc()
}

// SetState records a pump state transition.
func (m *Metrics) SetState(topic, subscription string, state State) {
	if m == nil {
		return
	}
	m.stateGauge.WithLabelValues(topic, subscription).Set(float64(state))
}

// Reset resets all metrics (useful for testing).
func (m *Metrics) Reset() {
	if m == nil {
		return
	}
	m.messagesTotal.Reset()
	m.exceptionsTotal.Reset()
	m.pluginDuration.Reset()
	m.stateGauge.Reset()
}

var (
	cacheHitsDesc      = prometheus.NewDesc("topicplugins_secret_cache_hits_total", "Secret cache lookups served from the cache", nil, nil)
	cacheMissesDesc    = prometheus.NewDesc("topicplugins_secret_cache_misses_total", "Secret cache lookups that ran a resolution", nil, nil)
	cacheEvictionsDesc = prometheus.NewDesc("topicplugins_secret_cache_evictions_total", "Expired or failed secret cache entries removed", nil, nil)
	cacheResetsDesc    = prometheus.NewDesc("topicplugins_secret_cache_resets_total", "Full secret cache resets", nil, nil)
	cacheEntriesDesc   = prometheus.NewDesc("topicplugins_secret_cache_entries", "Entries currently held by the secret cache", nil, nil)
)

type cacheCollector struct {
	mu    sync.RWMutex
	stats func() memo.Stats
}

func (c *cacheCollector) set(stats func() memo.Stats) {
	c.mu.Lock()
	c.stats = stats
	c.mu.Unlock()
}

func (c *cacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- cacheHitsDesc
	ch <- cacheMissesDesc
	ch <- cacheEvictionsDesc
	ch <- cacheResetsDesc
	ch <- cacheEntriesDesc
}

func (c *cacheCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	stats := c.stats
	c.mu.RUnlock()
	if stats == nil {
		return
	}

	s := stats()
	ch <- prometheus.MustNewConstMetric(cacheHitsDesc, prometheus.CounterValue, float64(s.Hits))
	ch <- prometheus.MustNewConstMetric(cacheMissesDesc, prometheus.CounterValue, float64(s.Misses))
	ch <- prometheus.MustNewConstMetric(cacheEvictionsDesc, prometheus.CounterValue, float64(s.Evictions))
	ch <- prometheus.MustNewConstMetric(cacheResetsDesc, prometheus.CounterValue, float64(s.Resets))
	ch <- prometheus.MustNewConstMetric(cacheEntriesDesc, prometheus.GaugeValue, float64(s.Entries))
}
