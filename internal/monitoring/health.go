package monitoring

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-nmt/internal/engine"
	"github.com/23skdu/longbow-nmt/internal/logger"
	"github.com/23skdu/longbow-nmt/internal/metrics"
)

const (
	maxHistory = 1000
	maxAlerts  = 100

	// Alert thresholds
	slowTranslation   = 5 * time.Second
	minTokensPerSec   = 1.0
	degenerateWarnPct = 0.2
)

// Version is reported by /status
var Version = "dev"

// HealthStatus represents the health status of the service
type HealthStatus struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Version     string          `json:"version"`
	Uptime      time.Duration   `json:"uptime"`
	System      SystemInfo      `json:"system"`
	Model       ModelInfo       `json:"model"`
	Performance PerformanceInfo `json:"performance"`
	Alerts      []Alert         `json:"alerts"`
}

type SystemInfo struct {
	GoVersion      string  `json:"go_version"`
	OS             string  `json:"os"`
	Arch           string  `json:"arch"`
	NumCPU         int     `json:"num_cpu"`
	NumGoroutine   int     `json:"num_goroutine"`
	MemoryMB       int     `json:"memory_mb"`
	MemoryUsedMB   int     `json:"memory_used_mb"`
	MemoryUsagePct float64 `json:"memory_usage_pct"`
}

// ModelInfo describes the loaded translation model
type ModelInfo struct {
	Loaded      bool   `json:"loaded"`
	ModelDir    string `json:"model_dir"`
	ModelType   string `json:"model_type"`
	Pair        string `json:"pair"`
	Layers      int    `json:"layers"`
	Heads       int    `json:"heads"`
	HeadDim     int    `json:"head_dim"`
	SessionRefs int    `json:"session_refs"`
}

type PerformanceInfo struct {
	Translations     int       `json:"translations"`
	TokensPerSecond  float64   `json:"tokens_per_second"`
	AvgLatencyMs     float64   `json:"avg_latency_ms"`
	P95LatencyMs     float64   `json:"p95_latency_ms"`
	ErrorRate        float64   `json:"error_rate"`
	RepetitionStops  int       `json:"repetition_stops"`
	SuspiciousOutput int       `json:"suspicious_output"`
	TotalTokens      int64     `json:"total_tokens"`
	LastTranslation  time.Time `json:"last_translation"`
}

// Alert represents a service alert
type Alert struct {
	Level      string     `json:"level"`     // info, warning, error, critical
	Component  string     `json:"component"` // encoder, decoder, config, quality, performance
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// PerfPoint is one finished request
type PerfPoint struct {
	Timestamp  time.Time
	Tokens     int
	Duration   time.Duration
	StopReason engine.StopReason
	Suspicious bool
	Failed     bool
}

// ModelSource reports the live model state; nil means no model loaded
type ModelSource func() ModelInfo

// HealthMonitor tracks translation outcomes and serves health endpoints
type HealthMonitor struct {
	startTime time.Time
	model     ModelSource

	mu              sync.RWMutex
	alerts          []Alert
	lastTranslation time.Time
	perfHistory     []PerfPoint
}

func NewHealthMonitor(model ModelSource) *HealthMonitor {
	return &HealthMonitor{
		startTime:   time.Now(),
		model:       model,
		alerts:      make([]Alert, 0),
		perfHistory: make([]PerfPoint, 0),
	}
}

// Handler serves /health, /healthz, /status, /metrics and the alert admin
// endpoints
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", hm.handleDetailedStatus)
	mux.HandleFunc("/admin/alerts", hm.handleAlerts)
	mux.HandleFunc("/admin/clear-alerts", hm.handleClearAlerts)
	return mux
}

// RecordTranslation records a finished request
func (hm *HealthMonitor) RecordTranslation(tokens int, duration time.Duration, stop engine.StopReason, suspicious bool) {
	hm.record(PerfPoint{Tokens: tokens, Duration: duration, StopReason: stop, Suspicious: suspicious})
}

// RecordFailure records a failed request and raises an alert by error kind
func (hm *HealthMonitor) RecordFailure(err error, duration time.Duration) {
	hm.record(PerfPoint{Duration: duration, Failed: true})

	var ge *engine.GraphExecutionError
	switch {
	case engine.IsConfigurationError(err):
		hm.AddAlert("critical", "config", err.Error())
	case errors.As(err, &ge) && ge.Step < 0:
		hm.AddAlert("error", "encoder", err.Error())
	case ge != nil:
		hm.AddAlert("error", "decoder", err.Error())
	}
}

func (hm *HealthMonitor) record(point PerfPoint) {
	point.Timestamp = time.Now()

	hm.mu.Lock()
	hm.lastTranslation = point.Timestamp
	hm.perfHistory = append(hm.perfHistory, point)
	if len(hm.perfHistory) > maxHistory {
		hm.perfHistory = hm.perfHistory[1:]
	}
	hm.mu.Unlock()

	if !point.Failed {
		hm.checkPerformanceAlerts(point)
	}
}

func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})
	if len(hm.alerts) > maxAlerts {
		hm.alerts = hm.alerts[1:]
	}
	hm.mu.Unlock()

	logger.Log.Warn("Alert raised", "level", level, "component", component, "message", message)
}

func (hm *HealthMonitor) ResolveAlert(index int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if index >= 0 && index < len(hm.alerts) {
		now := time.Now()
		hm.alerts[index].Resolved = true
		hm.alerts[index].ResolvedAt = &now
	}
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.Status()
	w.Header().Set("Content-Type", "application/json")
	if status.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleDetailedStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(hm.Status())
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	hm.mu.RLock()
	alerts := slices.Clone(hm.alerts)
	hm.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(alerts)
}

func (hm *HealthMonitor) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	hm.mu.Lock()
	hm.alerts = hm.alerts[:0]
	hm.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"message": "alerts cleared"})
}

// Status computes the current health. No model or an unresolved critical
// alert is critical; an unresolved error alert is degraded.
func (hm *HealthMonitor) Status() HealthStatus {
	var model ModelInfo
	if hm.model != nil {
		model = hm.model()
	}

	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := "healthy"
	if !model.Loaded {
		status = "critical"
	}
	for _, alert := range hm.alerts {
		if alert.Resolved {
			continue
		}
		if alert.Level == "critical" {
			status = "critical"
			break
		}
		if alert.Level == "error" {
			status = "degraded"
		}
	}

	return HealthStatus{
		Status:      status,
		Timestamp:   time.Now(),
		Version:     Version,
		Uptime:      time.Since(hm.startTime),
		System:      systemInfo(),
		Model:       model,
		Performance: hm.performanceInfo(),
		Alerts:      slices.Clone(hm.alerts),
	}
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SystemInfo{
		GoVersion:      runtime.Version(),
		OS:             runtime.GOOS,
		Arch:           runtime.GOARCH,
		NumCPU:         runtime.NumCPU(),
		NumGoroutine:   runtime.NumGoroutine(),
		MemoryMB:       int(m.Sys / 1024 / 1024),
		MemoryUsedMB:   int(m.Alloc / 1024 / 1024),
		MemoryUsagePct: float64(m.Alloc) / float64(m.Sys) * 100,
	}
}

// performanceInfo requires hm.mu held
func (hm *HealthMonitor) performanceInfo() PerformanceInfo {
	info := PerformanceInfo{
		LastTranslation: hm.lastTranslation,
		TotalTokens:     metrics.TotalTokens(),
	}
	if len(hm.perfHistory) == 0 {
		return info
	}

	var tokens, failed int
	var total time.Duration
	latencies := make([]float64, 0, len(hm.perfHistory))
	for _, p := range hm.perfHistory {
		if p.Failed {
			failed++
			continue
		}
		tokens += p.Tokens
		total += p.Duration
		latencies = append(latencies, float64(p.Duration.Nanoseconds())/1e6)
		if p.StopReason == engine.StopRepetition {
			info.RepetitionStops++
		}
		if p.Suspicious {
			info.SuspiciousOutput++
		}
	}
	info.Translations = len(latencies)
	info.ErrorRate = float64(failed) / float64(len(hm.perfHistory))
	if len(latencies) == 0 {
		return info
	}

	slices.Sort(latencies)
	p95 := min(int(float64(len(latencies))*0.95), len(latencies)-1)
	info.P95LatencyMs = latencies[p95]
	info.AvgLatencyMs = float64(total.Nanoseconds()) / float64(len(latencies)) / 1e6
	if total > 0 {
		info.TokensPerSecond = float64(tokens) / total.Seconds()
	}
	return info
}

func (hm *HealthMonitor) checkPerformanceAlerts(point PerfPoint) {
	if point.Duration > slowTranslation {
		hm.AddAlert("error", "performance",
			fmt.Sprintf("High latency: %.2f ms", float64(point.Duration.Nanoseconds())/1e6))
	}
	if point.Tokens > 0 && point.Duration > 0 {
		if tps := float64(point.Tokens) / point.Duration.Seconds(); tps < minTokensPerSec {
			hm.AddAlert("warning", "performance", fmt.Sprintf("Low throughput: %.2f tokens/sec", tps))
		}
	}

	if point.StopReason != engine.StopRepetition && !point.Suspicious {
		return
	}
	hm.mu.RLock()
	var degenerate int
	for _, p := range hm.perfHistory {
		if p.StopReason == engine.StopRepetition || p.Suspicious {
			degenerate++
		}
	}
	n := len(hm.perfHistory)
	hm.mu.RUnlock()
	if n >= 10 && float64(degenerate)/float64(n) > degenerateWarnPct {
		hm.AddAlert("warning", "quality",
			fmt.Sprintf("%d of the last %d translations were degenerate", degenerate, n))
	}
}
