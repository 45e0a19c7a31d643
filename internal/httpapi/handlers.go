// Package httpapi exposes translation over plain HTTP/JSON, with a
// server-sent-events variant that streams each decode step.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/23skdu/longbow-nmt/internal/engine"
	"github.com/23skdu/longbow-nmt/internal/translate"
)

// Translator is the part of translate.Translator the handlers need
type Translator interface {
	Translate(ctx context.Context, req translate.Request) (*translate.Response, error)
}

// Monitor receives request outcomes; see monitoring.HealthMonitor
type Monitor interface {
	RecordTranslation(tokens int, duration time.Duration, stop engine.StopReason, suspicious bool)
	RecordFailure(err error, duration time.Duration)
}

type TranslateRequest struct {
	Text      string `json:"text"`
	MaxLength int    `json:"max_length,omitempty"`
	TimeoutMs int64  `json:"timeout_ms,omitempty"`
}

type TranslateResponse struct {
	Translation    string  `json:"translation"`
	Pair           string  `json:"pair,omitempty"`
	StopReason     string  `json:"stop_reason"`
	Steps          int     `json:"steps"`
	Tokens         []int   `json:"tokens"`
	AvgProbability float64 `json:"avg_probability"`
	MinProbability float64 `json:"min_probability"`
	Perplexity     float64 `json:"perplexity"`
	Suspicious     bool    `json:"suspicious"`
	DurationMs     float64 `json:"duration_ms"`
	TokensPerSec   float64 `json:"tokens_per_sec"`
}

// StepMessage is one server-sent "step" event
type StepMessage struct {
	Step     int     `json:"step"`
	Mode     string  `json:"mode"`
	Token    int     `json:"token"`
	LogProb  float64 `json:"log_prob"`
	CacheLen int64   `json:"cache_len"`
}

// Handler routes /api/translate and /api/translate/stream
type Handler struct {
	tr      Translator
	pair    string
	monitor Monitor
	mux     *http.ServeMux
}

// New wires the routes behind Authenticate when apiKey is set. monitor may
// be nil.
func New(tr Translator, pair string, apiKey string, monitor Monitor) *Handler {
	h := &Handler{tr: tr, pair: pair, monitor: monitor, mux: http.NewServeMux()}
	h.mux.Handle("/api/translate", Authenticate(apiKey, http.HandlerFunc(h.handleTranslate)))
	h.mux.Handle("/api/translate/stream", Authenticate(apiKey, http.HandlerFunc(h.handleStream)))
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request) (translate.Request, bool) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return translate.Request{}, false
	}
	var req TranslateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return translate.Request{}, false
	}
	if req.MaxLength < 0 || req.TimeoutMs < 0 {
		writeError(w, http.StatusBadRequest, "max_length and timeout_ms must be non-negative")
		return translate.Request{}, false
	}
	return translate.Request{
		Text:      req.Text,
		MaxLength: req.MaxLength,
		Timeout:   time.Duration(req.TimeoutMs) * time.Millisecond,
	}, true
}

func (h *Handler) handleTranslate(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}
	resp, err := h.run(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.response(resp))
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Observer runs on the decoding goroutine, which is this one
	req.Observer = engine.StepObserverFunc(func(ev engine.StepEvent) {
		writeEvent(w, "step", StepMessage{
			Step:     ev.Step,
			Mode:     ev.Mode.String(),
			Token:    ev.Token,
			LogProb:  ev.LogProb,
			CacheLen: ev.SelfLen,
		})
		flusher.Flush()
	})

	resp, err := h.run(r.Context(), req)
	if err != nil {
		writeEvent(w, "error", map[string]string{"error": err.Error()})
	} else {
		writeEvent(w, "done", h.response(resp))
	}
	flusher.Flush()
}

func (h *Handler) run(ctx context.Context, req translate.Request) (*translate.Response, error) {
	start := time.Now()
	resp, err := h.tr.Translate(ctx, req)
	if h.monitor != nil {
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				h.monitor.RecordFailure(err, time.Since(start))
			}
		} else {
			h.monitor.RecordTranslation(len(resp.Tokens), time.Since(start), resp.StopReason, resp.Suspicious)
		}
	}
	return resp, err
}

func (h *Handler) response(resp *translate.Response) TranslateResponse {
	out := TranslateResponse{
		Translation:    resp.Text,
		Pair:           h.pair,
		StopReason:     resp.StopReason.String(),
		Steps:          resp.Steps,
		Tokens:         resp.Tokens,
		AvgProbability: resp.Quality.AvgProbability,
		MinProbability: resp.Quality.MinProbability,
		Perplexity:     resp.Quality.Perplexity,
		Suspicious:     resp.Suspicious,
		DurationMs:     float64(resp.Duration.Microseconds()) / 1000,
	}
	if resp.Duration > 0 {
		out.TokensPerSec = float64(len(resp.Tokens)) / resp.Duration.Seconds()
	}
	return out
}

// statusFor maps translation errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case engine.IsConfigurationError(err):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return 499
	case errors.Is(err, engine.ErrSessionClosed):
		return http.StatusServiceUnavailable
	case engine.IsGraphExecutionError(err):
		return http.StatusInternalServerError
	default:
		return http.StatusUnprocessableEntity
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeEvent(w http.ResponseWriter, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		data = []byte(`{"error":"encode event"}`)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}
