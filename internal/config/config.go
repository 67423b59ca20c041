package config

import (
	"fmt"
	"time"
)

type Config struct {
	Server  ServerConfig
	Backend BackendConfig
	AWS     AWSConfig
	Local   LocalConfig
	Review  ReviewConfig
	Retry   RetryConfig
	Monitor MonitorConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port int
	// APIToken authenticates HTTP callers. Loaded from the environment or
	// generated and persisted under the data dir on first run.
	APIToken string
	// CallTimeout bounds one tool invocation, as a duration string.
	CallTimeout string
}

// BackendConfig selects the storage stack: "local" (filesystem + SQLite +
// in-process jobs) or "aws" (S3 + Athena + Step Functions).
type BackendConfig struct {
	Mode string
}

type AWSConfig struct {
	Region               string
	Bucket               string
	Prefix               string
	AthenaDatabase       string
	AthenaWorkgroup      string
	AthenaOutputLocation string
	StateMachineARN      string
}

type LocalConfig struct {
	DataDir string
}

type ReviewConfig struct {
	EscalationThreshold float64
}

type RetryConfig struct {
	MaxAttempts int
	Delay       string
	Multiplier  float64
}

type MonitorConfig struct {
	Poll string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:        4200,
			CallTimeout: "30s",
		},
		Backend: BackendConfig{
			Mode: "local",
		},
		AWS: AWSConfig{
			Prefix:          "records",
			AthenaDatabase:  "duplex",
			AthenaWorkgroup: "primary",
		},
		Local: LocalConfig{
			DataDir: defaultDataDir(),
		},
		Review: ReviewConfig{
			EscalationThreshold: 0.7,
		},
		Retry: RetryConfig{
			MaxAttempts: 2,
			Delay:       "500ms",
			Multiplier:  1.0,
		},
		Monitor: MonitorConfig{
			Poll: "30s",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/duplex/config.json, then applies DUPLEX_* environment
// overrides. A missing API token is generated and persisted under the data
// dir so repeated runs share it.
func Load() (Config, error) {
	return loadWith(newFileBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)

	if cfg.Server.APIToken == "" {
		token, err := EnsureAPIToken(cfg.Local.DataDir)
		if err != nil {
			return Config{}, fmt.Errorf("preparing api token: %w", err)
		}
		cfg.Server.APIToken = token
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c Config) Validate() error {
	switch c.Backend.Mode {
	case "local":
	case "aws":
		if c.AWS.Bucket == "" {
			return fmt.Errorf("missing required config: aws.bucket (env DUPLEX_AWS_BUCKET)")
		}
		if c.AWS.StateMachineARN == "" {
			return fmt.Errorf("missing required config: aws.state_machine_arn (env DUPLEX_AWS_STATE_MACHINE_ARN)")
		}
		if c.AWS.AthenaOutputLocation == "" {
			return fmt.Errorf("missing required config: aws.athena_output_location (env DUPLEX_AWS_ATHENA_OUTPUT_LOCATION)")
		}
	default:
		return fmt.Errorf("unknown backend mode %q: must be local or aws", c.Backend.Mode)
	}
	if c.Review.EscalationThreshold < 0 || c.Review.EscalationThreshold > 1 {
		return fmt.Errorf("review.escalation_threshold must be in [0,1], got %v", c.Review.EscalationThreshold)
	}
	for key, raw := range map[string]string{
		"server.call_timeout": c.Server.CallTimeout,
		"retry.delay":         c.Retry.Delay,
		"monitor.poll":        c.Monitor.Poll,
	} {
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("invalid duration for %s: %w", key, err)
		}
	}
	return nil
}

// CallTimeout returns the parsed per-invocation timeout.
func (c Config) CallTimeout() time.Duration { return duration(c.Server.CallTimeout, 30*time.Second) }

// RetryDelay returns the parsed delay before the first retry.
func (c Config) RetryDelay() time.Duration { return duration(c.Retry.Delay, 500*time.Millisecond) }

// MonitorPoll returns the parsed monitor sweep interval.
func (c Config) MonitorPoll() time.Duration { return duration(c.Monitor.Poll, 30*time.Second) }

func duration(raw string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
