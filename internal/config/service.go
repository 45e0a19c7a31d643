package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultListenAddr  = "127.0.0.1:8815"
	DefaultMetricsAddr = ":9090"
	DefaultLogLevel    = "info"
	DefaultLogFormat   = "console"
	DefaultMaxLength   = 128
	DefaultWorkers     = 4
	DefaultSourceLang  = "en"
	DefaultTargetLang  = "zh"
)

// Service is the process-level configuration of the translation binaries
type Service struct {
	ModelDir    string `yaml:"model_dir"`
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`

	SourceLang string        `yaml:"source_lang"`
	TargetLang string        `yaml:"target_lang"`
	MaxLength  int           `yaml:"max_length"`
	Timeout    time.Duration `yaml:"timeout"`
	Workers    int           `yaml:"workers"`

	ORTLibrary       string `yaml:"ort_library"`
	IntraOpThreads   int    `yaml:"intra_op_threads"`
	StrictCrossCache bool   `yaml:"strict_cross_cache"`
	QualityCheck     bool   `yaml:"quality_check"`

	// APIKey guards the HTTP translate endpoint when set
	APIKey string `yaml:"api_key"`
}

func DefaultService() Service {
	return Service{
		ListenAddr:   DefaultListenAddr,
		MetricsAddr:  DefaultMetricsAddr,
		LogLevel:     DefaultLogLevel,
		LogFormat:    DefaultLogFormat,
		SourceLang:   DefaultSourceLang,
		TargetLang:   DefaultTargetLang,
		MaxLength:    DefaultMaxLength,
		Workers:      DefaultWorkers,
		QualityCheck: true,
	}
}

func (s *Service) Validate() error {
	if s.ModelDir == "" {
		return fmt.Errorf("config: model_dir is required")
	}
	if s.MaxLength <= 0 {
		return fmt.Errorf("config: max_length must be positive, got %d", s.MaxLength)
	}
	if s.Workers <= 0 {
		return fmt.Errorf("config: workers must be positive, got %d", s.Workers)
	}
	if s.Timeout < 0 {
		return fmt.Errorf("config: timeout must be non-negative, got %s", s.Timeout)
	}
	if s.IntraOpThreads < 0 {
		return fmt.Errorf("config: intra_op_threads must be >= 0, got %d", s.IntraOpThreads)
	}
	switch strings.ToLower(s.LogFormat) {
	case "console", "json":
	default:
		return fmt.Errorf("config: log_format must be console or json, got %q", s.LogFormat)
	}
	return nil
}

// Loader builds a Service from an optional YAML file and NMT_* environment
// variables. Tests override Lookup and ReadFile.
type Loader struct {
	Lookup   func(string) (string, bool)
	ReadFile func(string) ([]byte, error)
}

// Load applies defaults, then the YAML file at path (if any), then the
// environment, and validates the result
func (l Loader) Load(path string) (Service, error) {
	if l.Lookup == nil {
		l.Lookup = os.LookupEnv
	}
	if l.ReadFile == nil {
		l.ReadFile = os.ReadFile
	}

	svc := DefaultService()

	if path != "" {
		data, err := l.ReadFile(path)
		if err != nil {
			return Service{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &svc); err != nil {
			return Service{}, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	overrideString(l.Lookup, "NMT_MODEL_DIR", &svc.ModelDir)
	overrideString(l.Lookup, "NMT_LISTEN_ADDR", &svc.ListenAddr)
	overrideString(l.Lookup, "NMT_METRICS_ADDR", &svc.MetricsAddr)
	overrideString(l.Lookup, "NMT_LOG_LEVEL", &svc.LogLevel)
	overrideString(l.Lookup, "NMT_LOG_FORMAT", &svc.LogFormat)
	overrideString(l.Lookup, "NMT_SOURCE_LANG", &svc.SourceLang)
	overrideString(l.Lookup, "NMT_TARGET_LANG", &svc.TargetLang)
	overrideString(l.Lookup, "NMT_ORT_LIBRARY", &svc.ORTLibrary)
	overrideString(l.Lookup, "NMT_API_KEY", &svc.APIKey)
	if err := overrideInt(l.Lookup, "NMT_MAX_LENGTH", &svc.MaxLength); err != nil {
		return Service{}, err
	}
	if err := overrideInt(l.Lookup, "NMT_WORKERS", &svc.Workers); err != nil {
		return Service{}, err
	}
	if err := overrideInt(l.Lookup, "NMT_INTRA_OP_THREADS", &svc.IntraOpThreads); err != nil {
		return Service{}, err
	}
	if err := overrideDuration(l.Lookup, "NMT_TIMEOUT", &svc.Timeout); err != nil {
		return Service{}, err
	}
	if err := overrideBool(l.Lookup, "NMT_STRICT_CROSS_CACHE", &svc.StrictCrossCache); err != nil {
		return Service{}, err
	}
	if err := overrideBool(l.Lookup, "NMT_QUALITY_CHECK", &svc.QualityCheck); err != nil {
		return Service{}, err
	}

	if err := svc.Validate(); err != nil {
		return Service{}, err
	}
	return svc, nil
}

func overrideString(lookup func(string) (string, bool), key string, target *string) {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		*target = strings.TrimSpace(value)
	}
}

func overrideInt(lookup func(string) (string, bool), key string, target *int) error {
	value, ok := lookup(key)
	if !ok || strings.TrimSpace(value) == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*target = n
	return nil
}

func overrideBool(lookup func(string) (string, bool), key string, target *bool) error {
	value, ok := lookup(key)
	if !ok || strings.TrimSpace(value) == "" {
		return nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*target = b
	return nil
}

func overrideDuration(lookup func(string) (string, bool), key string, target *time.Duration) error {
	value, ok := lookup(key)
	if !ok || strings.TrimSpace(value) == "" {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*target = d
	return nil
}
