// Package observability — metrics.go
//
// Prometheus metrics for abrtd.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: the configured address; the default is loopback. ServeMetrics does
// not check that the address it is given is a loopback one.
//
// Metric naming convention: abrtd_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for abrtd.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Oops extractor ───────────────────────────────────────────────────────

	// OopsesFoundTotal counts kernel oopses recovered by ExtractOops.
	OopsesFoundTotal prometheus.Counter

	// OopsesDroppedTotal counts oopses that would have exceeded MAX_OOPS.
	OopsesDroppedTotal prometheus.Counter

	// ExtractorLatency records ExtractOops call latency.
	ExtractorLatency prometheus.Histogram

	// ─── Spool scanner ─────────────────────────────────────────────────────────

	// CrashesProcessedTotal counts crash-dump directories handled by the
	// spool scanner. Labels: result (middleware.Result's String form: ok,
	// occurred, corrupted, gpg-error, ...).
	CrashesProcessedTotal *prometheus.CounterVec

	// QuotaEvictionsTotal counts directories evicted to stay under quota.
	QuotaEvictionsTotal prometheus.Counter

	// SpoolEventsDroppedTotal counts fsnotify events dropped because the
	// scanner's event channel was full.
	SpoolEventsDroppedTotal prometheus.Counter

	// SpoolScanLatency records HandleEvent latency in the spool scanner.
	SpoolScanLatency prometheus.Histogram

	// ─── Socket listener / reaper ─────────────────────────────────────────────

	// ClientCount is the live value of ClientCounter.
	ClientCount prometheus.Gauge

	// ListenerDetachedTotal counts how many times the listener readiness
	// callback detached because ClientCounter reached the ceiling.
	ListenerDetachedTotal prometheus.Counter

	// ChildrenReapedTotal counts children reaped, by role.
	ChildrenReapedTotal *prometheus.CounterVec

	// ─── Report workers ────────────────────────────────────────────────────────

	// ReportJobsTotal counts CreateReport jobs, by result.
	ReportJobsTotal *prometheus.CounterVec

	// ─── Daemon ────────────────────────────────────────────────────────────────

	// UptimeSeconds is the number of seconds since the daemon started.
	UptimeSeconds prometheus.Gauge

	// startTime records when the daemon started (for uptime calculation).
	startTime time.Time
}

// NewMetrics creates and registers all abrtd Prometheus metrics. Returns a
// *Metrics with all descriptors initialised.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		OopsesFoundTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "abrtd",
			Subsystem: "extractor",
			Name:      "oopses_found_total",
			Help:      "Total kernel oopses recovered from scanned log text.",
		}),

		OopsesDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "abrtd",
			Subsystem: "extractor",
			Name:      "oopses_dropped_total",
			Help:      "Total oopses dropped because the queue was at MAX_OOPS capacity.",
		}),

		ExtractorLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "abrtd",
			Subsystem: "extractor",
			Name:      "scan_latency_seconds",
			Help:      "ExtractOops call latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		CrashesProcessedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "abrtd",
			Subsystem: "spool",
			Name:      "crashes_processed_total",
			Help:      "Total crash-dump directories handled, by result.",
		}, []string{"result"}),

		QuotaEvictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "abrtd",
			Subsystem: "spool",
			Name:      "quota_evictions_total",
			Help:      "Total crash-dump directories evicted to stay under the spool quota.",
		}),

		SpoolEventsDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "abrtd",
			Subsystem: "spool",
			Name:      "events_dropped_total",
			Help:      "Total filesystem events dropped because the scanner's event channel was full.",
		}),

		SpoolScanLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "abrtd",
			Subsystem: "spool",
			Name:      "handle_event_latency_seconds",
			Help:      "Spool scanner HandleEvent latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		ClientCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "abrtd",
			Subsystem: "listener",
			Name:      "client_count",
			Help:      "Current value of ClientCounter (live socket helpers forked).",
		}),

		ListenerDetachedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "abrtd",
			Subsystem: "listener",
			Name:      "detached_total",
			Help:      "Total times the listener readiness callback detached at the client ceiling.",
		}),

		ChildrenReapedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "abrtd",
			Subsystem: "reaper",
			Name:      "children_reaped_total",
			Help:      "Total children reaped, by role.",
		}, []string{"role"}),

		ReportJobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "abrtd",
			Subsystem: "reportworker",
			Name:      "jobs_total",
			Help:      "Total CreateReport jobs completed, by result.",
		}, []string{"result"}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "abrtd",
			Subsystem: "daemon",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the daemon started.",
		}),
	}

	reg.MustRegister(
		m.OopsesFoundTotal,
		m.OopsesDroppedTotal,
		m.ExtractorLatency,
		m.CrashesProcessedTotal,
		m.QuotaEvictionsTotal,
		m.SpoolEventsDroppedTotal,
		m.SpoolScanLatency,
		m.ClientCount,
		m.ListenerDetachedTotal,
		m.ChildrenReapedTotal,
		m.ReportJobsTotal,
		m.UptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given
// address. Blocks until ctx is cancelled or the server fails. Returns an
// error only if the server fails to start or encounters a fatal error.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

// updateUptime periodically updates the UptimeSeconds gauge.
func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
