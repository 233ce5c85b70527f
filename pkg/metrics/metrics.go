// Package metrics provides the Prometheus observer and aggregate query
// surface fed by the task event stream
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rizome-dev/quill/pkg/config"
	"github.com/rizome-dev/quill/pkg/logging"
	"github.com/rizome-dev/quill/pkg/types"
	"github.com/rizome-dev/quill/pkg/workerpool"
)

// Collector subscribes to the task event stream and maintains both
// Prometheus metrics and in-process aggregates. It derives state from
// events only; the store stays the source of truth.
type Collector struct {
	config   *config.MetricsConfig
	registry *prometheus.Registry
	logger   *logging.Logger

	tasksActive    *prometheus.GaugeVec
	tasksTotal     *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
	fallbacksTotal *prometheus.CounterVec

	server *http.Server

	mu        sync.Mutex
	active    map[string]int         // agent -> active count
	starts    map[string]time.Time   // task id -> started at
	failures  map[string][]time.Time // agent -> recent failure times
	durTotal  map[string]time.Duration
	durCount  map[string]int64
}

// NewCollector creates a collector with its own Prometheus registry
func NewCollector(cfg *config.MetricsConfig, logger *logging.Logger) (*Collector, error) {
	if cfg == nil {
		return nil, fmt.Errorf("metrics config is required")
	}
	if logger == nil {
		logger = logging.GetLogger()
	}

	c := &Collector{
		config:   cfg,
		registry: prometheus.NewRegistry(),
		logger:   logger.WithComponent("metrics"),
		active:   make(map[string]int),
		starts:   make(map[string]time.Time),
		failures: make(map[string][]time.Time),
		durTotal: make(map[string]time.Duration),
		durCount: make(map[string]int64),
	}

	ns := cfg.Namespace
	if ns == "" {
		ns = "quill"
	}

	c.tasksActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: ns + "_tasks_active",
		Help: "Number of non-terminal tasks per agent kind",
	}, []string{"agent"})

	c.tasksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: ns + "_tasks_total",
		Help: "Total tasks reaching a terminal state per agent kind and status",
	}, []string{"agent", "status"})

	c.taskDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    ns + "_task_duration_seconds",
		Help:    "Processing duration from start to terminal state",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"agent"})

	c.fallbacksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: ns + "_fallbacks_total",
		Help: "Results produced by a fallback capability per agent kind",
	}, []string{"agent"})

	for _, collector := range []prometheus.Collector{c.tasksActive, c.tasksTotal, c.taskDuration, c.fallbacksTotal} {
		if err := c.registry.Register(collector); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}

	return c, nil
}

// RegisterPool exposes pool occupancy as gauges
func (c *Collector) RegisterPool(pool *workerpool.Pool) error {
	ns := c.config.Namespace
	if ns == "" {
		ns = "quill"
	}

	queueDepth := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: ns + "_pool_queue_depth",
		Help: "Tasks waiting in the worker pool backlog",
	}, func() float64 {
		return float64(pool.Stats().QueueDepth)
	})

	inFlight := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: ns + "_pool_in_flight",
		Help: "Tasks currently executing on pool workers",
	}, func() float64 {
		return float64(pool.Stats().InFlight)
	})

	rejected := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: ns + "_pool_rejected_total",
		Help: "Submissions rejected because the backlog was full",
	}, func() float64 {
		return float64(pool.Stats().Rejected)
	})

	for _, collector := range []prometheus.Collector{queueDepth, inFlight, rejected} {
		if err := c.registry.Register(collector); err != nil {
			return fmt.Errorf("failed to register pool gauge: %w", err)
		}
	}
	return nil
}

// RecordFallback counts a degraded result for an agent kind
func (c *Collector) RecordFallback(agentID string) {
	c.fallbacksTotal.WithLabelValues(agentID).Inc()
}

// Handle consumes one task event. Implements events.Subscriber; safe
// under duplicate delivery for the counters that matter, and gauges
// reconcile as later events arrive.
func (c *Collector) Handle(event *types.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch event.Type {
	case types.EventTypeTaskCreated:
		c.active[event.AgentID]++
		c.tasksActive.WithLabelValues(event.AgentID).Inc()

	case types.EventTypeTaskStarted:
		if event.Progress == nil {
			c.starts[event.TaskID] = event.Timestamp
		}

	case types.EventTypeTaskCompleted:
		c.finish(event, "completed")

	case types.EventTypeTaskFailed:
		c.finish(event, "failed")
		c.failures[event.AgentID] = append(c.failures[event.AgentID], event.Timestamp)

	case types.EventTypeTaskTimedOut:
		c.finish(event, "timed_out")
		c.failures[event.AgentID] = append(c.failures[event.AgentID], event.Timestamp)
	}
}

// finish updates terminal-state aggregates; callers hold c.mu
func (c *Collector) finish(event *types.Event, status string) {
	if c.active[event.AgentID] > 0 {
		c.active[event.AgentID]--
		c.tasksActive.WithLabelValues(event.AgentID).Dec()
	}
	c.tasksTotal.WithLabelValues(event.AgentID, status).Inc()

	if started, ok := c.starts[event.TaskID]; ok {
		duration := event.Timestamp.Sub(started)
		if duration > 0 {
			c.taskDuration.WithLabelValues(event.AgentID).Observe(duration.Seconds())
			c.durTotal[event.AgentID] += duration
			c.durCount[event.AgentID]++
		}
		delete(c.starts, event.TaskID)
	}
}

// AgentStats aggregates one agent kind's recent behavior
type AgentStats struct {
	Active          int
	RecentFailures  int
	AvgDuration     time.Duration
	CompletedTotal  int64
}

// Snapshot returns per-agent aggregates. Failure counts cover the
// configured window.
func (c *Collector) Snapshot() map[string]AgentStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	window := c.config.FailureWindow
	if window <= 0 {
		window = 10 * time.Minute
	}
	cutoff := time.Now().Add(-window)

	out := make(map[string]AgentStats)

	agents := make(map[string]struct{})
	for agent := range c.active {
		agents[agent] = struct{}{}
	}
	for agent := range c.failures {
		agents[agent] = struct{}{}
	}
	for agent := range c.durCount {
		agents[agent] = struct{}{}
	}

	for agent := range agents {
		stats := AgentStats{
			Active:         c.active[agent],
			CompletedTotal: c.durCount[agent],
		}

		// Trim expired failures while counting
		var recent []time.Time
		for _, t := range c.failures[agent] {
			if t.After(cutoff) {
				recent = append(recent, t)
			}
		}
		c.failures[agent] = recent
		stats.RecentFailures = len(recent)

		if c.durCount[agent] > 0 {
			stats.AvgDuration = c.durTotal[agent] / time.Duration(c.durCount[agent])
		}

		out[agent] = stats
	}

	return out
}

// ActiveTotal returns the number of non-terminal tasks across agents
func (c *Collector) ActiveTotal() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := 0
	for _, n := range c.active {
		total += n
	}
	return total
}

// Handler returns the Prometheus scrape handler for this registry
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Start serves the metrics endpoint when enabled
func (c *Collector) Start() error {
	if !c.config.Enabled {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", c.config.Host, c.config.Port)
	path := c.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, c.Handler())

	c.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		c.logger.Info("metrics server listening on %s", addr)
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.WithError(err).Error("metrics server error")
		}
	}()

	return nil
}

// Stop shuts the metrics endpoint down
func (c *Collector) Stop(ctx context.Context) error {
	if c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}
