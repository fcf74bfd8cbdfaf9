// Package monitor exports pipeline and process metrics for Prometheus.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"time"

	"FaceDetServer/logger"
	"FaceDetServer/pipeline"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

const namespace = "facedet"

// SampleInterval is how often process memory and CPU are read.
const SampleInterval = 500 * time.Millisecond

var states = []pipeline.State{pipeline.Idle, pipeline.Processing, pipeline.Dropping, pipeline.Failed, pipeline.Closed}

// HealthFunc reports a status document and whether the service is healthy.
type HealthFunc func() (status any, healthy bool)

// Monitor implements pipeline.Observer. Every instance has its own registry.
type Monitor struct {
	registry   *prometheus.Registry
	frames     *prometheus.CounterVec
	stages     *prometheus.HistogramVec
	detections prometheus.Histogram
	state      *prometheus.GaugeVec
	requests   *prometheus.CounterVec
	memUsage   prometheus.Gauge
	cpuUsage   prometheus.Gauge
	pid        *process.Process
	log        *zap.Logger
}

func New() *Monitor {
	m := &Monitor{
		registry: prometheus.NewRegistry(),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Frames handled by the pipeline, by outcome",
		}, []string{"outcome"}),
		stages: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_seconds",
			Help:      "Wall time per pipeline stage",
			Buckets:   []float64{0.0005, 0.001, 0.002, 0.005, 0.01, 0.02, 0.033, 0.05, 0.1, 0.25},
		}, []string{"stage"}),
		detections: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "detections_per_frame",
			Help:      "Faces returned per successful frame",
			Buckets:   []float64{0, 1, 2, 3, 5, 10, 20},
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_state",
			Help:      "1 for the current pipeline state, 0 otherwise",
		}, []string{"state"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests received, by transport",
		}, []string{"transport"}),
		memUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "memory_usage_Megabytes",
			Help: "Memory usage in Megabytes",
		}),
		cpuUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cpu_usage_percent",
			Help: "CPU usage in percent",
		}),
		log: logger.Named("monitor"),
	}
	for _, o := range pipeline.Outcomes() {
		m.frames.WithLabelValues(o.String())
	}
	for _, s := range states {
		m.state.WithLabelValues(s.String())
	}
	m.registry.MustRegister(m.frames, m.stages, m.detections, m.state, m.requests, m.memUsage, m.cpuUsage)

	pid, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		m.log.Warn("process metrics disabled", zap.Error(err))
	} else {
		m.pid = pid
	}
	return m
}

func (m *Monitor) Registry() *prometheus.Registry { return m.registry }

func (m *Monitor) ObserveFrame(r pipeline.FrameReport) {
	m.frames.WithLabelValues(r.Outcome.String()).Inc()
	observe := func(stage string, d time.Duration) {
		if d > 0 {
			m.stages.WithLabelValues(stage).Observe(d.Seconds())
		}
	}
	observe("wait", r.Timings.Wait)
	observe("prepare", r.Timings.Prepare)
	observe("infer", r.Timings.Infer)
	observe("postprocess", r.Timings.Postprocess)
	observe("total", r.Timings.Total)
	if r.Outcome == pipeline.OutcomeOK {
		m.detections.Observe(float64(r.Detections))
	}
}

func (m *Monitor) ObserveState(s pipeline.State) {
	for _, known := range states {
		v := 0.0
		if known == s {
			v = 1
		}
		m.state.WithLabelValues(known.String()).Set(v)
	}
}

// CountRequest counts one request arriving over transport ("grpc", "http", "ws").
func (m *Monitor) CountRequest(transport string) {
	m.requests.WithLabelValues(transport).Inc()
}

func (m *Monitor) CheckProcessInfo() error {
	if m.pid == nil {
		return errors.New("no process handle")
	}
	memInfo, err := m.pid.MemoryInfo()
	if err != nil {
		return fmt.Errorf("read memory info: %w", err)
	}
	cpuPercent, err := m.pid.CPUPercent()
	if err != nil {
		return fmt.Errorf("read cpu percent: %w", err)
	}
	m.memUsage.Set(float64(memInfo.RSS / 1024 / 1024))
	m.cpuUsage.Set(math.Round(cpuPercent*100) / 100)
	return nil
}

// Handler routes /metrics and /healthz. health may be nil.
func (m *Monitor) Handler(health HealthFunc) http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		var status any = map[string]string{"status": "ok"}
		healthy := true
		if health != nil {
			status, healthy = health()
		}
		w.Header().Set("Content-Type", "application/json")
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(status); err != nil {
			m.log.Warn("write health status", zap.Error(err))
		}
	}).Methods(http.MethodGet)
	return r
}

// StartMon serves the handler on port and samples the process until ctx is done.
func (m *Monitor) StartMon(ctx context.Context, port int, health HealthFunc) {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           m.Handler(health),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.Error("metrics server stopped", zap.Error(err))
		}
	}()
	m.log.Info("metrics server listening", zap.Int("port", port))

	ticker := time.NewTicker(SampleInterval)
	defer ticker.Stop()
checkPcs:
	for {
		select {
		case <-ctx.Done():
			break checkPcs
		case <-ticker.C:
			if err := m.CheckProcessInfo(); err != nil {
				m.log.Debug("process sample failed", zap.Error(err))
			}
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		m.log.Error("metrics server shutdown", zap.Error(err))
	}
}
