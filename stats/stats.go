// Package stats keeps process-wide operational counters. Every counter is
// also exported as a Prometheus metric so /stats (JSON snapshot) and /metrics
// (exposition format) always agree.
package stats

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Collector struct {
	start time.Time

	activeConnections atomic.Int64
	totalConnections  atomic.Int64
	messages          atomic.Int64
	errors            atomic.Int64
	cacheHits         atomic.Int64
	cacheMisses       atomic.Int64
	inFlight          atomic.Int64
	peakInFlight      atomic.Int64

	// Read-only hooks into the other shared structures, set once at wiring
	// time. Nil hooks report zero.
	CacheSize      func() int
	CacheHitRate   func() float64
	ActiveSessions func() int

	promConnections prometheus.Counter
	promMessages    prometheus.Counter
	promErrors      prometheus.Counter
	promCacheHits   prometheus.Counter
	promCacheMisses prometheus.Counter
	promActive      prometheus.Gauge
	promInFlight    prometheus.Gauge
}

// New creates a Collector and registers its metrics with reg.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		start: time.Now(),
		promConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "botgate_connections_total",
			Help: "Cumulative WebSocket connections accepted.",
		}),
		promMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "botgate_messages_total",
			Help: "User messages processed.",
		}),
		promErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "botgate_errors_total",
			Help: "Failed dispatches.",
		}),
		promCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "botgate_cache_hits_total",
			Help: "Answers served from the response cache.",
		}),
		promCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "botgate_cache_misses_total",
			Help: "Cache lookups that went upstream.",
		}),
		promActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "botgate_active_connections",
			Help: "Currently open WebSocket connections.",
		}),
		promInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "botgate_upstream_in_flight",
			Help: "Upstream completion calls currently in flight.",
		}),
	}
	reg.MustRegister(
		c.promConnections, c.promMessages, c.promErrors,
		c.promCacheHits, c.promCacheMisses,
		c.promActive, c.promInFlight,
	)
	return c
}

func (c *Collector) ConnectionOpened() {
	c.activeConnections.Add(1)
	c.totalConnections.Add(1)
	c.promConnections.Inc()
	c.promActive.Inc()
}

func (c *Collector) ConnectionClosed() {
	c.activeConnections.Add(-1)
	c.promActive.Dec()
}

func (c *Collector) MessageProcessed() {
	c.messages.Add(1)
	c.promMessages.Inc()
}

func (c *Collector) ErrorOccurred() {
	c.errors.Add(1)
	c.promErrors.Inc()
}

func (c *Collector) CacheHit() {
	c.cacheHits.Add(1)
	c.promCacheHits.Inc()
}

func (c *Collector) CacheMiss() {
	c.cacheMisses.Add(1)
	c.promCacheMisses.Inc()
}

func (c *Collector) UpstreamStarted() {
	n := c.inFlight.Add(1)
	c.promInFlight.Inc()
	for {
		peak := c.peakInFlight.Load()
		if n <= peak || c.peakInFlight.CompareAndSwap(peak, n) {
			return
		}
	}
}

func (c *Collector) UpstreamFinished() {
	c.inFlight.Add(-1)
	c.promInFlight.Dec()
}

// Snapshot is the read-only operator view served by /stats.
type Snapshot struct {
	ActiveConnections int64   `json:"active_connections"`
	TotalConnections  int64   `json:"total_connections"`
	ActiveSessions    int     `json:"active_sessions"`
	MessagesProcessed int64   `json:"messages_processed"`
	Errors            int64   `json:"errors"`
	CacheHits         int64   `json:"cache_hits"`
	CacheMisses       int64   `json:"cache_misses"`
	CacheHitRate      float64 `json:"cache_hit_rate"`
	CacheSize         int     `json:"cache_size"`
	InFlight          int64   `json:"in_flight_requests"`
	PeakInFlight      int64   `json:"peak_in_flight_requests"`
	UptimeSeconds     float64 `json:"uptime_seconds"`
}

// Snapshot is safe to call concurrently with everything else.
func (c *Collector) Snapshot() Snapshot {
	s := Snapshot{
		ActiveConnections: c.activeConnections.Load(),
		TotalConnections:  c.totalConnections.Load(),
		MessagesProcessed: c.messages.Load(),
		Errors:            c.errors.Load(),
		CacheHits:         c.cacheHits.Load(),
		CacheMisses:       c.cacheMisses.Load(),
		InFlight:          c.inFlight.Load(),
		PeakInFlight:      c.peakInFlight.Load(),
		UptimeSeconds:     time.Since(c.start).Seconds(),
	}
	if c.CacheSize != nil {
		s.CacheSize = c.CacheSize()
	}
	if c.CacheHitRate != nil {
		s.CacheHitRate = c.CacheHitRate()
	}
	if c.ActiveSessions != nil {
		s.ActiveSessions = c.ActiveSessions()
	}
	return s
}
