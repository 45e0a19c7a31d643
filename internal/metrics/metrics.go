package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var totalTokens atomic.Int64

var (
	DecodeStepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nmt_decode_steps_total",
		Help: "Decoder graph steps executed, by step mode",
	}, []string{"mode"})

	GraphInvocationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nmt_graph_invocation_seconds",
		Help:    "Wall time of a single graph Run call",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"graph"})

	GraphErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nmt_graph_errors_total",
		Help: "Graph invocations that failed or returned malformed outputs",
	}, []string{"graph", "kind"})

	GenerationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nmt_generations_total",
		Help: "Completed generations by stop reason",
	}, []string{"stop_reason"})

	GeneratedTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nmt_generated_tokens_total",
		Help: "The total number of tokens generated",
	})

	GenerationDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name:       "nmt_generation_seconds",
		Help:       "Duration of complete generations",
		Objectives: map[float64]float64{0.5: 0.05, 0.95: 0.01, 0.99: 0.001},
	})

	CrossCacheSubstitutions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nmt_cross_cache_substitutions_total",
		Help: "Continuation steps where the graph returned a malformed cross-attention cache and the previous one was reused",
	})

	DecoderCacheLength = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nmt_decoder_cache_length",
		Help:    "Self-attention cache length at the end of a generation",
		Buckets: []float64{1, 4, 8, 16, 32, 64, 128, 256, 512, 1024},
	})

	DecoderCacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nmt_decoder_cache_bytes",
		Help: "Size of the most recently produced decoder cache",
	})

	SourceLength = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nmt_source_length_tokens",
		Help:    "Distribution of encoded source lengths",
		Buckets: []float64{4, 8, 16, 32, 64, 128, 256, 512},
	})

	ActiveGenerations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nmt_active_generations",
		Help: "Generations currently in flight",
	})

	SessionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nmt_sessions_open",
		Help: "Model sessions holding loaded graphs",
	})

	ConfigurationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nmt_configuration_errors_total",
		Help: "Setup-time configuration errors",
	}, []string{"operation"})

	TokenizerEncodeLength = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nmt_tokenizer_encode_length",
		Help:    "Token count produced by the tokenizer per request",
		Buckets: []float64{4, 8, 16, 32, 64, 128, 256, 512},
	})

	TranslationQuality = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nmt_translation_avg_probability",
		Help:    "Mean chosen-token probability per translation",
		Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
	})
)

func RecordDecodeStep(mode string) {
	DecodeStepsTotal.WithLabelValues(mode).Inc()
}

func RecordGraphInvocation(graph string, duration time.Duration) {
	GraphInvocationDuration.WithLabelValues(graph).Observe(duration.Seconds())
}

func RecordGraphError(graph, kind string) {
	GraphErrorsTotal.WithLabelValues(graph, kind).Inc()
}

// RecordGeneration records a finished generation
func RecordGeneration(stopReason string, tokens int, cacheLen int64, duration time.Duration) {
	GenerationsTotal.WithLabelValues(stopReason).Inc()
	GeneratedTokensTotal.Add(float64(tokens))
	totalTokens.Add(int64(tokens))
	GenerationDuration.Observe(duration.Seconds())
	if cacheLen > 0 {
		DecoderCacheLength.Observe(float64(cacheLen))
	}
}

func RecordCrossCacheSubstitution() {
	CrossCacheSubstitutions.Inc()
}

func RecordDecoderCacheBytes(bytes int64) {
	DecoderCacheBytes.Set(float64(bytes))
}

func RecordSourceLength(tokens int) {
	SourceLength.Observe(float64(tokens))
}

func RecordConfigurationError(operation string) {
	ConfigurationErrors.WithLabelValues(operation).Inc()
}

func RecordTokenizerEncode(length int) {
	TokenizerEncodeLength.Observe(float64(length))
}

func RecordTranslationQuality(avgProbability float64) {
	TranslationQuality.Observe(avgProbability)
}

// GenerationStarted marks a generation in flight; call the returned func when it ends
func GenerationStarted() func() {
	ActiveGenerations.Inc()
	return ActiveGenerations.Dec
}

func SessionOpened() { SessionsOpen.Inc() }
func SessionClosed() { SessionsOpen.Dec() }

// TotalTokens is the process-lifetime generated token count
func TotalTokens() int64 {
	return totalTokens.Load()
}
