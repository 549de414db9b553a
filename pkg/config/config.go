// Package config holds the cluster client configuration: seed
// addresses, credentials, security posture, per-service timeouts, and
// the observability tunables.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (GOCBCORE_*)
//  2. Configuration file (YAML)
//  3. Default values (lowest priority)
//
// Library embedders typically build a Config in code and call
// Validate; long-running services that want file/env configuration
// use Load.
package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/cbclient/gocbcore/internal/bytesize"
)

// Config is the full client configuration.
type Config struct {
	// Seeds are the bootstrap addresses (host:port of a KV endpoint).
	// At least one is required; they are tried in order until one
	// connects.
	Seeds []string `mapstructure:"seeds" yaml:"seeds" validate:"required,min=1,dive,hostname_port"`

	// Username/Password authenticate every KV and HTTP connection.
	Username string `mapstructure:"username" yaml:"username" validate:"required"`
	Password string `mapstructure:"password" yaml:"password" validate:"required"`

	// Bucket is the initially selected bucket. Empty means sessions
	// bootstrap bucketless and a later OpenBucket selects one.
	Bucket string `mapstructure:"bucket" yaml:"bucket"`

	// Network forces the alternate-address network name ("default",
	// "external", ...). Empty means auto-select at bootstrap.
	Network string `mapstructure:"network" yaml:"network"`

	// UserAgent identifies this client in HTTP requests and the KV
	// HELLO key.
	UserAgent string `mapstructure:"user_agent" yaml:"user_agent"`

	Security    SecurityConfig    `mapstructure:"security" yaml:"security"`
	Timeouts    TimeoutConfig     `mapstructure:"timeouts" yaml:"timeouts"`
	Compression CompressionConfig `mapstructure:"compression" yaml:"compression"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry" yaml:"telemetry"`
	Reporting   ReportingConfig   `mapstructure:"reporting" yaml:"reporting"`
}

// SecurityConfig controls TLS and SASL behavior.
type SecurityConfig struct {
	// UseTLS switches every connection (KV and HTTP) to the nodes'
	// TLS ports.
	UseTLS bool `mapstructure:"use_tls" yaml:"use_tls"`

	// SASLMechanism selects the KV authentication mechanism. Empty
	// picks the strongest SCRAM variant.
	SASLMechanism string `mapstructure:"sasl_mechanism" yaml:"sasl_mechanism" validate:"omitempty,oneof=PLAIN SCRAM-SHA1 SCRAM-SHA256 SCRAM-SHA512"`

	// AllowPlainWithoutTLS permits the PLAIN mechanism on an
	// unencrypted connection. Off by default; PLAIN is otherwise
	// restricted to TLS connections.
	AllowPlainWithoutTLS bool `mapstructure:"allow_plain_without_tls" yaml:"allow_plain_without_tls"`
}

// TimeoutConfig carries the per-class operation timeouts.
type TimeoutConfig struct {
	// Connect bounds a single TCP/TLS connect attempt.
	Connect time.Duration `mapstructure:"connect" yaml:"connect" validate:"required,gt=0"`

	// KV is the default deadline for a key-value operation when the
	// caller does not supply one.
	KV time.Duration `mapstructure:"kv" yaml:"kv" validate:"required,gt=0"`

	// HTTP is the default deadline for query/search/analytics/views/
	// management requests.
	HTTP time.Duration `mapstructure:"http" yaml:"http" validate:"required,gt=0"`

	// HTTPIdle is how long a checked-in HTTP session may sit idle
	// before the pool evicts it.
	HTTPIdle time.Duration `mapstructure:"http_idle" yaml:"http_idle" validate:"required,gt=0"`
}

// CompressionConfig controls KV value compression.
type CompressionConfig struct {
	// Enabled gates compression entirely; even when enabled, a value
	// is only compressed when the session negotiated snappy.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// MinSize is the smallest value worth compressing. Accepts
	// human-readable sizes ("4Ki", "32KB") in file/env configuration.
	MinSize bytesize.ByteSize `mapstructure:"min_size" yaml:"min_size"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	// Level is the minimum log level: DEBUG, INFO, WARN, ERROR.
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format is "text" or "json".
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=text json"`

	// Output is "stdout", "stderr", or a file path.
	Output string `mapstructure:"output" yaml:"output" validate:"required"`
}

// TelemetryConfig controls OpenTelemetry tracing export.
type TelemetryConfig struct {
	Enabled    bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint   string  `mapstructure:"endpoint" yaml:"endpoint"`
	Insecure   bool    `mapstructure:"insecure" yaml:"insecure"`
	SampleRate float64 `mapstructure:"sample_rate" yaml:"sample_rate" validate:"omitempty,gte=0,lte=1"`
}

// ReportingConfig tunes the orphan and threshold reporters.
type ReportingConfig struct {
	// OrphanSampleSize bounds how many orphaned spans one emit may
	// carry; OrphanEmitInterval is how often the orphan report runs.
	OrphanSampleSize   int           `mapstructure:"orphan_sample_size" yaml:"orphan_sample_size" validate:"omitempty,gt=0"`
	OrphanEmitInterval time.Duration `mapstructure:"orphan_emit_interval" yaml:"orphan_emit_interval" validate:"omitempty,gt=0"`

	// ThresholdSampleSize/ThresholdEmitInterval are the default
	// sampling bounds for the threshold reporter.
	ThresholdSampleSize   int           `mapstructure:"threshold_sample_size" yaml:"threshold_sample_size" validate:"omitempty,gt=0"`
	ThresholdEmitInterval time.Duration `mapstructure:"threshold_emit_interval" yaml:"threshold_emit_interval" validate:"omitempty,gt=0"`

	// Thresholds maps a service name to its slow-operation cutoff.
	Thresholds map[string]time.Duration `mapstructure:"thresholds" yaml:"thresholds"`
}

// ApplyDefaults sets default values for any unspecified fields. Zero
// values are replaced; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	if cfg.UserAgent == "" {
		cfg.UserAgent = "gocbcore/dev"
	}
	if cfg.Timeouts.Connect == 0 {
		cfg.Timeouts.Connect = 10 * time.Second
	}
	if cfg.Timeouts.KV == 0 {
		cfg.Timeouts.KV = 2500 * time.Millisecond
	}
	if cfg.Timeouts.HTTP == 0 {
		cfg.Timeouts.HTTP = 75 * time.Second
	}
	if cfg.Timeouts.HTTPIdle == 0 {
		cfg.Timeouts.HTTPIdle = 4500 * time.Millisecond
	}
	if cfg.Compression.MinSize == 0 {
		cfg.Compression.MinSize = 32 * bytesize.B
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	cfg.Logging.Level = strings.ToUpper(cfg.Logging.Level)
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}
	if cfg.Reporting.OrphanSampleSize == 0 {
		cfg.Reporting.OrphanSampleSize = 64
	}
	if cfg.Reporting.OrphanEmitInterval == 0 {
		cfg.Reporting.OrphanEmitInterval = 10 * time.Second
	}
	if cfg.Reporting.ThresholdSampleSize == 0 {
		cfg.Reporting.ThresholdSampleSize = 64
	}
	if cfg.Reporting.ThresholdEmitInterval == 0 {
		cfg.Reporting.ThresholdEmitInterval = 10 * time.Second
	}
}

// Validate checks cfg against its struct tags.
func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.Security.SASLMechanism == "PLAIN" && !cfg.Security.UseTLS && !cfg.Security.AllowPlainWithoutTLS {
		return fmt.Errorf("config: PLAIN authentication requires TLS or allow_plain_without_tls")
	}
	return nil
}

// Load reads configuration from file and environment, fills defaults,
// and validates the result.
//
// configPath may be empty, in which case only environment variables
// and defaults apply.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GOCBCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// decodeHooks composes the string-to-duration and string-to-bytesize
// conversions file/env values need.
func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		byteSizeDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}
