package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "storage.data_dir", typ: kString, env: "ICDBENCH_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.busy_timeout", typ: kDuration, env: "ICDBENCH_STORAGE_BUSY_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Storage.BusyTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Storage.BusyTimeout },
	},
	{
		key: "log.level", typ: kString, env: "ICDBENCH_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "pipeline.file", typ: kString, env: "ICDBENCH_PIPELINE_FILE",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.File = v.(string) },
		extract: func(cfg Config) any { return cfg.Pipeline.File },
	},
	{
		key: "pipeline.max_batch", typ: kInt, env: "ICDBENCH_PIPELINE_MAX_BATCH",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.MaxBatch = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.MaxBatch },
	},
	{
		key: "pipeline.idle_wait", typ: kDuration, env: "ICDBENCH_PIPELINE_IDLE_WAIT",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.IdleWait = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pipeline.IdleWait },
	},
	{
		key: "gateway.predict_timeout", typ: kDuration, env: "ICDBENCH_GATEWAY_PREDICT_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Gateway.PredictTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Gateway.PredictTimeout },
	},
	{
		key: "gateway.describe_timeout", typ: kDuration, env: "ICDBENCH_GATEWAY_DESCRIBE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Gateway.DescribeTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Gateway.DescribeTimeout },
	},
	{
		key: "gateway.dense_timeout", typ: kDuration, env: "ICDBENCH_GATEWAY_DENSE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Gateway.DenseTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Gateway.DenseTimeout },
	},
	{
		key: "gateway.api_key", typ: kString, env: "ICDBENCH_GATEWAY_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Gateway.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Gateway.APIKey },
	},
	{
		key: "retrieval.cache_dir", typ: kString, env: "ICDBENCH_RETRIEVAL_CACHE_DIR",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.CacheDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Retrieval.CacheDir },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "ICDBENCH_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "retrieval.min_df", typ: kInt, env: "ICDBENCH_RETRIEVAL_MIN_DF",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.MinDF = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.MinDF },
	},
	{
		key: "retrieval.max_df", typ: kFloat, env: "ICDBENCH_RETRIEVAL_MAX_DF",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.MaxDF = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.MaxDF },
	},
	{
		key: "retrieval.max_features", typ: kInt, env: "ICDBENCH_RETRIEVAL_MAX_FEATURES",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.MaxFeatures = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.MaxFeatures },
	},
	{
		key: "retrieval.ngram_max", typ: kInt, env: "ICDBENCH_RETRIEVAL_NGRAM_MAX",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.NGramMax = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.NGramMax },
	},
}

// parseValue converts raw text to the Go type of typ.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	}
	return raw, nil
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kFloat, kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok || v == "" {
				continue
			}
			if parsed, err := parseValue(s.typ, v); err == nil {
				s.apply(cfg, parsed)
			} else {
				slog.Warn("ignoring unparsable config value, using default", "key", s.key, "value", v, "error", err)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			slog.Warn("ignoring unparsable environment variable, using default", "env", s.env, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
}
