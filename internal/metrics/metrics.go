// Package metrics exposes pipeline counters for the reader engine on a private
// Prometheus registry.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/srg/rfidinv/internal/groutine"
)

const namespace = "rfidinv"

// Metrics holds every collector the engine updates. All methods are safe on a nil receiver.
type Metrics struct {
	Registry *prometheus.Registry

	FramesReceived   prometheus.Counter
	FramesDispatched *prometheus.CounterVec
	DecodeErrors     *prometheus.CounterVec
	Batches          prometheus.Counter
	BatchSize        prometheus.Histogram

	TagsObserved   prometheus.Counter
	TagsInvalid    prometheus.Counter
	TagsClassified *prometheus.CounterVec
	ClassifyCalls  *prometheus.CounterVec
	ClassifyTime   prometheus.Histogram

	CommandWrites *prometheus.CounterVec
	SessionState  prometheus.Gauge

	GoroutineCount prometheus.Gauge
	MemoryUsage    prometheus.Gauge
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Notifications received from the reader characteristic.",
		}),
		FramesDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_dispatched_total",
			Help:      "Decoded responses routed by the dispatcher, by command kind.",
		}, []string{"kind"}),
		DecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Frames that failed to decode, by reason.",
		}, []string{"reason"}),
		Batches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_batches_total",
			Help:      "Throttled batches handed to the dispatcher.",
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_batch_frames",
			Help:      "Frames per dispatched batch.",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128},
		}),

		TagsObserved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tags_observed_total",
			Help:      "Well-formed tag reads received by the reconciliation engine.",
		}),
		TagsInvalid: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tags_invalid_total",
			Help:      "Tag reads dropped for failing format validation.",
		}),
		TagsClassified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tags_classified_total",
			Help:      "New classification set members, by class.",
		}, []string{"class"}),
		ClassifyCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classify_requests_total",
			Help:      "Classification service requests, by result.",
		}, []string{"result"}),
		ClassifyTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "classify_duration_seconds",
			Help:      "Classification request latency.",
			Buckets:   prometheus.DefBuckets,
		}),

		CommandWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_writes_total",
			Help:      "Command frames written to the reader, by command and result.",
		}, []string{"command", "result"}),
		SessionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "Scan session state (0 idle, 1 scanning, 2 stopping).",
		}),

		GoroutineCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines",
			Help:      "Current goroutine count.",
		}),
		MemoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_usage_bytes",
			Help:      "Heap bytes allocated.",
		}),
	}

	m.Registry.MustRegister(
		m.FramesReceived,
		m.FramesDispatched,
		m.DecodeErrors,
		m.Batches,
		m.BatchSize,
		m.TagsObserved,
		m.TagsInvalid,
		m.TagsClassified,
		m.ClassifyCalls,
		m.ClassifyTime,
		m.CommandWrites,
		m.SessionState,
		m.GoroutineCount,
		m.MemoryUsage,
	)
	return m
}

func (m *Metrics) FrameReceived() {
	if m == nil {
		return
	}
	m.FramesReceived.Inc()
}

func (m *Metrics) Dispatched(kind string) {
	if m == nil {
		return
	}
	m.FramesDispatched.WithLabelValues(kind).Inc()
}

func (m *Metrics) DecodeFailed(reason string) {
	if m == nil {
		return
	}
	m.DecodeErrors.WithLabelValues(reason).Inc()
}

func (m *Metrics) Batch(frames int) {
	if m == nil {
		return
	}
	m.Batches.Inc()
	m.BatchSize.Observe(float64(frames))
}

func (m *Metrics) Tags(valid, invalid int) {
	if m == nil {
		return
	}
	m.TagsObserved.Add(float64(valid))
	m.TagsInvalid.Add(float64(invalid))
}

func (m *Metrics) Classified(class string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.TagsClassified.WithLabelValues(class).Add(float64(n))
}

func (m *Metrics) ClassifyRequest(elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ClassifyCalls.WithLabelValues(result).Inc()
	m.ClassifyTime.Observe(elapsed.Seconds())
}

func (m *Metrics) CommandWritten(command string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.CommandWrites.WithLabelValues(command, result).Inc()
}

func (m *Metrics) SetSessionState(state int) {
	if m == nil {
		return
	}
	m.SessionState.Set(float64(state))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// Serve runs a /metrics and /health endpoint on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, log *logrus.Logger) {
	if log == nil {
		log = logrus.New()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	log.WithField("addr", addr).Info("Metrics server listening")

	groutine.Go(ctx, "metrics-server", func(context.Context) {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("Metrics server stopped")
		}
	})
	groutine.Go(ctx, "metrics-server-shutdown", func(ctx context.Context) {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
}

// StartRuntimeMonitor samples goroutine count and heap usage every interval until ctx is done.
func (m *Metrics) StartRuntimeMonitor(ctx context.Context, interval time.Duration) {
	groutine.Go(ctx, "metrics-runtime-monitor", func(ctx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			m.sampleRuntime()
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	})
}

func (m *Metrics) sampleRuntime() {
	m.GoroutineCount.Set(float64(runtime.NumGoroutine()))
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	m.MemoryUsage.Set(float64(memStats.Alloc))
}
