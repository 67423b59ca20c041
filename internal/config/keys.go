package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
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
		key: "server.port", typ: kInt, env: "DUPLEX_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "DUPLEX_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "server.call_timeout", typ: kString, env: "DUPLEX_SERVER_CALL_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Server.CallTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.CallTimeout },
	},
	{
		key: "backend.mode", typ: kString, env: "DUPLEX_BACKEND_MODE",
		apply:   func(cfg *Config, v any) { cfg.Backend.Mode = v.(string) },
		extract: func(cfg Config) any { return cfg.Backend.Mode },
	},
	{
		key: "aws.region", typ: kString, env: "DUPLEX_AWS_REGION",
		apply:   func(cfg *Config, v any) { cfg.AWS.Region = v.(string) },
		extract: func(cfg Config) any { return cfg.AWS.Region },
	},
	{
		key: "aws.bucket", typ: kString, env: "DUPLEX_AWS_BUCKET",
		apply:   func(cfg *Config, v any) { cfg.AWS.Bucket = v.(string) },
		extract: func(cfg Config) any { return cfg.AWS.Bucket },
	},
	{
		key: "aws.prefix", typ: kString, env: "DUPLEX_AWS_PREFIX",
		apply:   func(cfg *Config, v any) { cfg.AWS.Prefix = v.(string) },
		extract: func(cfg Config) any { return cfg.AWS.Prefix },
	},
	{
		key: "aws.athena_database", typ: kString, env: "DUPLEX_AWS_ATHENA_DATABASE",
		apply:   func(cfg *Config, v any) { cfg.AWS.AthenaDatabase = v.(string) },
		extract: func(cfg Config) any { return cfg.AWS.AthenaDatabase },
	},
	{
		key: "aws.athena_workgroup", typ: kString, env: "DUPLEX_AWS_ATHENA_WORKGROUP",
		apply:   func(cfg *Config, v any) { cfg.AWS.AthenaWorkgroup = v.(string) },
		extract: func(cfg Config) any { return cfg.AWS.AthenaWorkgroup },
	},
	{
		key: "aws.athena_output_location", typ: kString, env: "DUPLEX_AWS_ATHENA_OUTPUT_LOCATION",
		apply:   func(cfg *Config, v any) { cfg.AWS.AthenaOutputLocation = v.(string) },
		extract: func(cfg Config) any { return cfg.AWS.AthenaOutputLocation },
	},
	{
		key: "aws.state_machine_arn", typ: kString, env: "DUPLEX_AWS_STATE_MACHINE_ARN",
		apply:   func(cfg *Config, v any) { cfg.AWS.StateMachineARN = v.(string) },
		extract: func(cfg Config) any { return cfg.AWS.StateMachineARN },
	},
	{
		key: "local.data_dir", typ: kString, env: "DUPLEX_LOCAL_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Local.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Local.DataDir },
	},
	{
		key: "review.escalation_threshold", typ: kFloat, env: "DUPLEX_REVIEW_ESCALATION_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Review.EscalationThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Review.EscalationThreshold },
	},
	{
		key: "retry.max_attempts", typ: kInt, env: "DUPLEX_RETRY_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Retry.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Retry.MaxAttempts },
	},
	{
		key: "retry.delay", typ: kString, env: "DUPLEX_RETRY_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Retry.Delay = v.(string) },
		extract: func(cfg Config) any { return cfg.Retry.Delay },
	},
	{
		key: "retry.multiplier", typ: kFloat, env: "DUPLEX_RETRY_MULTIPLIER",
		apply:   func(cfg *Config, v any) { cfg.Retry.Multiplier = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retry.Multiplier },
	},
	{
		key: "monitor.poll", typ: kString, env: "DUPLEX_MONITOR_POLL",
		apply:   func(cfg *Config, v any) { cfg.Monitor.Poll = v.(string) },
		extract: func(cfg Config) any { return cfg.Monitor.Poll },
	},
	{
		key: "log.level", typ: kString, env: "DUPLEX_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
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
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
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
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
