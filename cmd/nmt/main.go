package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-nmt/internal/app"
	"github.com/23skdu/longbow-nmt/internal/config"
	"github.com/23skdu/longbow-nmt/internal/engine"
	"github.com/23skdu/longbow-nmt/internal/logger"
	"github.com/23skdu/longbow-nmt/internal/models"
	"github.com/23skdu/longbow-nmt/internal/trace"
	"github.com/23skdu/longbow-nmt/internal/translate"
)

var (
	configPath  = flag.String("config", "", "Path to YAML service config")
	modelDir    = flag.String("model", "", "Model directory, name or pair such as en-zh (overrides config)")
	pairFlag    = flag.String("pair", "", "Language pair such as en-zh (overrides config)")
	text        = flag.String("text", "", "Text to translate")
	inputFile   = flag.String("file", "", "Translate each non-empty line of this file")
	maxLength   = flag.Int("max-length", 0, "Maximum generated tokens (0 uses config)")
	workers     = flag.Int("workers", 0, "Concurrent translations for -file (0 uses config)")
	tracePath   = flag.String("trace", "", "Write per-step decode trace as Arrow IPC to this path")
	verify      = flag.Bool("verify", false, "Also decode without the cache and compare tokens")
	jsonOut     = flag.Bool("json", false, "Print results as JSON lines")
	metricsAddr = flag.String("metrics", "", "Serve Prometheus metrics on this address")
)

// Output is one translated line
type Output struct {
	Line           int     `json:"line,omitempty"`
	Source         string  `json:"source"`
	Translation    string  `json:"translation"`
	StopReason     string  `json:"stop_reason"`
	Tokens         int     `json:"tokens_generated"`
	AvgProbability float64 `json:"avg_probability"`
	Perplexity     float64 `json:"perplexity"`
	Suspicious     bool    `json:"suspicious,omitempty"`
	Duration       float64 `json:"duration_seconds"`
	Throughput     float64 `json:"throughput_tokens_per_sec"`
	Verified       *bool   `json:"verified,omitempty"`
	Error          string  `json:"error,omitempty"`
}

func main() {
	os.Exit(realMain())
}

func realMain() int {
	flag.Parse()

	loader := config.Loader{Lookup: func(key string) (string, bool) {
		if key == "NMT_MODEL_DIR" && *modelDir != "" {
			return *modelDir, true
		}
		return os.LookupEnv(key)
	}}
	svc, err := loader.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := applyFlags(&svc); err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		return 1
	}
	logger.Setup(svc.LogLevel, svc.LogFormat)

	if *text == "" && *inputFile == "" {
		fmt.Fprintln(os.Stderr, "Error: one of -text or -file is required")
		flag.Usage()
		return 1
	}

	if *metricsAddr != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			logger.Log.Info("Metrics serving", "addr", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
				logger.Log.Error("Metrics server error", "err", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var lines []string
	if *inputFile != "" {
		if lines, err = readLines(*inputFile); err != nil {
			logger.Log.Error("Failed to read input", "file", *inputFile, "err", err)
			return 1
		}
	} else {
		lines = []string{*text}
	}

	a, err := app.Open(svc)
	if err != nil {
		logger.Log.Error("Failed to load model", "dir", svc.ModelDir, "err", err)
		return 1
	}
	defer a.Close()

	var rec *trace.Recorder
	if *tracePath != "" {
		rec = trace.NewRecorder()
	}

	outputs := run(ctx, a.Translator, lines, svc.Workers, rec)

	failed := 0
	enc := json.NewEncoder(os.Stdout)
	for _, out := range outputs {
		if out.Error != "" {
			failed++
		}
		if *jsonOut {
			_ = enc.Encode(out)
			continue
		}
		if out.Error != "" {
			fmt.Printf("[%d] error: %s\n", out.Line, out.Error)
			continue
		}
		fmt.Println(out.Translation)
	}

	if rec != nil {
		if err := writeTrace(*tracePath, rec); err != nil {
			logger.Log.Error("Failed to write trace", "path", *tracePath, "err", err)
		} else {
			logger.Log.Info("Trace written", "path", *tracePath, "steps", rec.Len())
		}
	}
	if failed > 0 {
		logger.Log.Warn("Some lines failed", "failed", failed, "total", len(outputs))
		return 2
	}
	return 0
}

func applyFlags(svc *config.Service) error {
	// marian-en-zh style directories name their pair
	if *modelDir != "" && *pairFlag == "" {
		if dir, err := models.Resolve(*modelDir); err == nil {
			if pair, _, err := translate.PairFromModelDir(dir); err == nil {
				svc.SourceLang, svc.TargetLang = string(pair.Source), string(pair.Target)
			}
		}
	}
	if *pairFlag != "" {
		pair, err := translate.ParsePair(*pairFlag)
		if err != nil {
			return err
		}
		svc.SourceLang, svc.TargetLang = string(pair.Source), string(pair.Target)
	}
	if *maxLength > 0 {
		svc.MaxLength = *maxLength
	}
	if *workers > 0 {
		svc.Workers = *workers
	}
	return svc.Validate()
}

func run(ctx context.Context, tr *translate.Translator, lines []string, workers int, rec *trace.Recorder) []Output {
	outputs := make([]Output, len(lines))

	var bar *progressbar.ProgressBar
	if len(lines) > 1 {
		bar = progressbar.Default(int64(len(lines)), "translating")
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for i, line := range lines {
		g.Go(func() error {
			outputs[i] = translateLine(ctx, tr, i+1, line, rec)
			if bar != nil {
				_ = bar.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	if bar != nil {
		_ = bar.Finish()
	}
	return outputs
}

func translateLine(ctx context.Context, tr *translate.Translator, n int, line string, rec *trace.Recorder) Output {
	out := Output{Line: n, Source: line}
	req := translate.Request{Text: line}
	if rec != nil {
		req.Observer = rec.Observer(fmt.Sprintf("line-%d", n))
	}

	resp, err := tr.Translate(ctx, req)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.Translation = resp.Text
	out.StopReason = resp.StopReason.String()
	out.Tokens = len(resp.Tokens)
	out.AvgProbability = resp.Quality.AvgProbability
	out.Perplexity = resp.Quality.Perplexity
	out.Suspicious = resp.Suspicious
	out.Duration = resp.Duration.Seconds()
	if resp.Duration > 0 {
		out.Throughput = float64(out.Tokens) / resp.Duration.Seconds()
	}
	if resp.StopReason == engine.StopRepetition {
		logger.Log.Warn("Repetition guard stopped decoding", "line", n, "tokens", resp.Tokens)
	}

	if *verify {
		v, err := tr.Verify(ctx, line)
		if err != nil {
			out.Error = fmt.Sprintf("verify: %v", err)
			return out
		}
		ok := v.Equal()
		out.Verified = &ok
	}
	return out
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, sc.Err()
}

func writeTrace(path string, rec *trace.Recorder) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	start := time.Now()
	n, err := rec.WriteTo(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	logger.Log.Debug("Trace encoded", "bytes", n, "duration", time.Since(start))
	return err
}
