package telemetry

import (
	"fmt"
	"time"
)

// Config is the telemetry configuration of a cloudcheck process.
type Config struct {
	ServiceName    string
	ServiceVersion string

	// Environment is reported as deployment.environment on spans.
	Environment string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error, fatal.
	Level string

	// Format is console or json.
	Format string

	// Output is stderr, stdout or a file path.
	Output string

	EnableCaller bool

	// EnableSampling keeps the first SamplingInitial messages per second
	// and every SamplingThereafter-th one after that.
	EnableSampling     bool
	SamplingInitial    int
	SamplingThereafter int

	// TimeFormat is unix, unixms or rfc3339.
	TimeFormat string
}

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled bool

	// Exporter is otlp, stdout or none.
	Exporter string

	// Endpoint is the OTLP gRPC collector address, e.g. "localhost:4317".
	Endpoint string

	// SamplingRate is the parent-based ratio, 0.0 to 1.0.
	SamplingRate float64

	MaxExportBatchSize int
	ExportTimeout      time.Duration
	Headers            map[string]string

	// Insecure dials the collector without TLS.
	Insecure bool
}

// MetricsConfig configures the prometheus registry and its HTTP endpoint.
type MetricsConfig struct {
	Enabled       bool
	ListenAddress string
	Path          string
	Namespace     string

	// DefaultHistogramBuckets are latency buckets in seconds. Adapter calls
	// and resolutions share them.
	DefaultHistogramBuckets []float64
}

// EventsConfig configures the event publisher.
type EventsConfig struct {
	Enabled bool

	// BufferSize bounds the queue; events beyond it are dropped.
	BufferSize int

	FlushInterval time.Duration
	MaxBatchSize  int

	// EnableAsync delivers from a background goroutine. When false,
	// Publish delivers inline.
	EnableAsync bool
}

// DefaultConfig returns the configuration cloudcheck starts from. Tracing
// is off; metrics and events are on.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "cloudcheck",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            map[string]string{},
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			ListenAddress: ":9090",
			Path:          "/metrics",
			Namespace:     "cloudcheck",
			DefaultHistogramBuckets: []float64{
				0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
			},
		},
		Events: EventsConfig{
			Enabled:       true,
			BufferSize:    1000,
			FlushInterval: time.Second,
			MaxBatchSize:  100,
			EnableAsync:   true,
		},
	}
}

// Validate checks the configuration before any exporter is created.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}
	if c.ServiceVersion == "" {
		return fmt.Errorf("service version is required")
	}

	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error", "fatal":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Logging.Format)
	}

	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "stdout", "none":
		case "otlp":
			if c.Tracing.Endpoint == "" {
				return fmt.Errorf("otlp exporter requires an endpoint")
			}
		default:
			return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
		}
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %f", c.Tracing.SamplingRate)
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddress == "" {
		return fmt.Errorf("metrics listen address is required when metrics are enabled")
	}
	if c.Events.Enabled && c.Events.BufferSize <= 0 {
		return fmt.Errorf("event buffer size must be positive, got: %d", c.Events.BufferSize)
	}
	return nil
}
