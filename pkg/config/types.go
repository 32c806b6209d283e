package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/cloudcheck/pkg/telemetry"
)

// Config is the cloudcheck process configuration.
type Config struct {
	// Store selects the resource repository backend.
	Store StoreConfig `json:"store" yaml:"store" toml:"store"`

	// Cloud configures the IaaS adapter.
	Cloud CloudConfig `json:"cloud" yaml:"cloud" toml:"cloud"`

	// Agent configures how VM agents are reached.
	Agent AgentConfig `json:"agent" yaml:"agent" toml:"agent"`

	// Engine tunes resolution execution.
	Engine EngineConfig `json:"engine" yaml:"engine" toml:"engine"`

	// Policy configures the rego guard.
	Policy PolicyConfig `json:"policy" yaml:"policy" toml:"policy"`

	// Telemetry configures logging, tracing and metrics.
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry" toml:"telemetry"`

	// Source is the file the configuration was loaded from.
	Source string `json:"-" yaml:"-" toml:"-"`
}

// StoreConfig selects the repository backend.
type StoreConfig struct {
	Backend string `json:"backend" yaml:"backend" toml:"backend" validate:"required,oneof=sqlite badger"`
	Path    string `json:"path" yaml:"path" toml:"path" validate:"required"`
}

// CloudConfig configures the cloud adapter. Provider "none" runs without
// one; handlers that need the cloud then fail their resolutions.
type CloudConfig struct {
	Provider   string   `json:"provider" yaml:"provider" toml:"provider" validate:"required,oneof=ec2 none"`
	Region     string   `json:"region,omitempty" yaml:"region,omitempty" toml:"region,omitempty"`
	Profile    string   `json:"profile,omitempty" yaml:"profile,omitempty" toml:"profile,omitempty"`
	DeviceName string   `json:"device_name,omitempty" yaml:"device_name,omitempty" toml:"device_name,omitempty" validate:"omitempty,startswith=/dev/"`
	DetachWait Duration `json:"detach_wait,omitempty" yaml:"detach_wait,omitempty" toml:"detach_wait,omitempty" validate:"gte=0"`
}

// AgentConfig configures the agent transport.
type AgentConfig struct {
	Transport      string    `json:"transport" yaml:"transport" toml:"transport" validate:"required,oneof=nats ssh"`
	NATSURL        string    `json:"nats_url,omitempty" yaml:"nats_url,omitempty" toml:"nats_url,omitempty" validate:"required_if=Transport nats"`
	RequestTimeout Duration  `json:"request_timeout,omitempty" yaml:"request_timeout,omitempty" toml:"request_timeout,omitempty" validate:"gte=0"`
	SSH            SSHConfig `json:"ssh" yaml:"ssh" toml:"ssh"`
}

// SSHConfig configures the SSH stdio transport.
type SSHConfig struct {
	User                  string   `json:"user,omitempty" yaml:"user,omitempty" toml:"user,omitempty"`
	Port                  int      `json:"port,omitempty" yaml:"port,omitempty" toml:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	AuthMethod            string   `json:"auth_method,omitempty" yaml:"auth_method,omitempty" toml:"auth_method,omitempty" validate:"omitempty,oneof=key agent"`
	PrivateKeyPath        string   `json:"private_key_path,omitempty" yaml:"private_key_path,omitempty" toml:"private_key_path,omitempty"`
	KnownHostsPath        string   `json:"known_hosts_path,omitempty" yaml:"known_hosts_path,omitempty" toml:"known_hosts_path,omitempty"`
	StrictHostKeyChecking bool     `json:"strict_host_key_checking" yaml:"strict_host_key_checking" toml:"strict_host_key_checking"`
	Command               string   `json:"command,omitempty" yaml:"command,omitempty" toml:"command,omitempty"`
	ConnectTimeout        Duration `json:"connect_timeout,omitempty" yaml:"connect_timeout,omitempty" toml:"connect_timeout,omitempty" validate:"gte=0"`
}

// EngineConfig tunes the resolution engine.
type EngineConfig struct {
	ActionTimeout Duration `json:"action_timeout,omitempty" yaml:"action_timeout,omitempty" toml:"action_timeout,omitempty" validate:"gte=0"`
	MaxParallel   int      `json:"max_parallel,omitempty" yaml:"max_parallel,omitempty" toml:"max_parallel,omitempty" validate:"gte=0,lte=64"`
	StrictDelete  bool     `json:"strict_delete" yaml:"strict_delete" toml:"strict_delete"`
	RebootWait    Duration `json:"reboot_wait,omitempty" yaml:"reboot_wait,omitempty" toml:"reboot_wait,omitempty" validate:"gte=0"`
}

// PolicyConfig configures the resolution guard.
type PolicyConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	Paths   []string `json:"paths,omitempty" yaml:"paths,omitempty" toml:"paths,omitempty" validate:"dive,required"`
	Watch   bool     `json:"watch" yaml:"watch" toml:"watch"`

	// DenyDestructiveAuto enables the built-in rule that vetoes destructive
	// resolutions chosen without an operator.
	DenyDestructiveAuto bool `json:"deny_destructive_auto" yaml:"deny_destructive_auto" toml:"deny_destructive_auto"`
}

// TelemetryConfig is the subset of telemetry.Config exposed in files.
type TelemetryConfig struct {
	LogLevel      string `json:"log_level,omitempty" yaml:"log_level,omitempty" toml:"log_level,omitempty" validate:"omitempty,oneof=trace debug info warn error fatal"`
	LogFormat     string `json:"log_format,omitempty" yaml:"log_format,omitempty" toml:"log_format,omitempty" validate:"omitempty,oneof=console json"`
	Tracing       string `json:"tracing,omitempty" yaml:"tracing,omitempty" toml:"tracing,omitempty" validate:"omitempty,oneof=none stdout otlp"`
	OTLPEndpoint  string `json:"otlp_endpoint,omitempty" yaml:"otlp_endpoint,omitempty" toml:"otlp_endpoint,omitempty" validate:"required_if=Tracing otlp"`
	MetricsListen string `json:"metrics_listen,omitempty" yaml:"metrics_listen,omitempty" toml:"metrics_listen,omitempty"`
}

// Default returns the configuration used for unset fields.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Backend: "sqlite",
			Path:    "cloudcheck.db",
		},
		Cloud: CloudConfig{
			Provider:   "ec2",
			DetachWait: Duration(2 * time.Minute),
		},
		Agent: AgentConfig{
			Transport:      "nats",
			NATSURL:        "nats://127.0.0.1:4222",
			RequestTimeout: Duration(30 * time.Second),
			SSH: SSHConfig{
				User:                  "vcap",
				Port:                  22,
				AuthMethod:            "key",
				StrictHostKeyChecking: true,
				ConnectTimeout:        Duration(30 * time.Second),
			},
		},
		Engine: EngineConfig{
			ActionTimeout: Duration(5 * time.Minute),
			MaxParallel:   1,
			RebootWait:    Duration(2 * time.Minute),
		},
		Policy: PolicyConfig{
			Enabled:             true,
			DenyDestructiveAuto: true,
		},
		Telemetry: TelemetryConfig{
			LogLevel:      "info",
			LogFormat:     "console",
			Tracing:       "none",
			MetricsListen: ":9090",
		},
	}
}

// ToTelemetry builds the telemetry configuration for this process.
func (c *Config) ToTelemetry(version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	if version != "" {
		tc.ServiceVersion = version
	}
	if c.Telemetry.LogLevel != "" {
		tc.Logging.Level = c.Telemetry.LogLevel
	}
	if c.Telemetry.LogFormat != "" {
		tc.Logging.Format = c.Telemetry.LogFormat
	}
	switch c.Telemetry.Tracing {
	case "", "none":
		tc.Tracing.Enabled = false
		tc.Tracing.Exporter = "none"
	default:
		tc.Tracing.Enabled = true
		tc.Tracing.Exporter = c.Telemetry.Tracing
		tc.Tracing.Endpoint = c.Telemetry.OTLPEndpoint
	}
	if c.Telemetry.MetricsListen != "" {
		tc.Metrics.ListenAddress = c.Telemetry.MetricsListen
	}
	return tc
}

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration time.Duration

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String implements fmt.Stringer.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(parsed)
	return nil
}

// ValidationError is one problem found while loading a configuration.
type ValidationError struct {
	// File is the source file, when known.
	File string `json:"file,omitempty"`

	// Line and Column locate CUE errors.
	Line   int `json:"line,omitempty"`
	Column int `json:"column,omitempty"`

	// Path is the dotted field path.
	Path string `json:"path,omitempty"`

	// Message describes the problem.
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors collects every problem of one load.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	parts := make([]string, len(v))
	for i, e := range v {
		parts[i] = e.String()
	}
	return "invalid configuration: " + strings.Join(parts, "; ")
}
