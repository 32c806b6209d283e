package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/cloudcheck/pkg/engine"
)

// EnvConfigPath overrides the configuration path when no flag is given.
const EnvConfigPath = "CLOUDCHECK_CONFIG"

// Format is a configuration file syntax.
type Format string

const (
	FormatCUE  Format = "cue"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatOf picks the format from a file extension. JSON is read as CUE.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue", ".json":
		return FormatCUE, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	}
	return "", fmt.Errorf("unsupported configuration format: %s", path)
}

// ResolvePath returns flagPath, else $CLOUDCHECK_CONFIG, else "".
func ResolvePath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	return os.Getenv(EnvConfigPath)
}

// Loader reads and validates configuration files.
type Loader struct {
	schemas   *SchemaRegistry
	cue       *CUEParser
	validator *validator.Validate
}

// NewLoader creates a loader with the built-in schemas.
func NewLoader() *Loader {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	schemas := NewSchemaRegistry()
	return &Loader{
		schemas:   schemas,
		cue:       NewCUEParser(schemas),
		validator: v,
	}
}

// Load reads a configuration file, or a directory holding a CUE package.
// An empty path yields the defaults.
func Load(path string) (*Config, error) {
	return NewLoader().Load(path)
}

// Load reads path over the defaults and validates the result.
func (l *Loader) Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, l.Validate(cfg)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config %s: %w", path, err)
	}

	if info.IsDir() {
		if _, err := l.cue.DecodeDir(SchemaConfig, path, cfg); err != nil {
			return nil, err
		}
	} else {
		format, err := FormatOf(path)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := l.decode(data, format, path, cfg); err != nil {
			return nil, err
		}
	}

	cfg.Source = path
	if err := l.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes data over the defaults and validates the result.
func (l *Loader) Parse(data []byte, format Format) (*Config, error) {
	cfg := Default()
	if err := l.decode(data, format, "inline."+string(format), cfg); err != nil {
		return nil, err
	}
	cfg.Source = "inline"
	if err := l.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *Loader) decode(data []byte, format Format, name string, cfg *Config) error {
	switch format {
	case FormatCUE:
		return l.cue.Decode(SchemaConfig, data, name, cfg)
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return ValidationErrors{{File: name, Message: err.Error()}}
		}
		return nil
	case FormatTOML:
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return ValidationErrors{{File: name, Message: err.Error()}}
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			errs := make(ValidationErrors, len(undecoded))
			for i, key := range undecoded {
				errs[i] = ValidationError{File: name, Path: key.String(), Message: "unknown field"}
			}
			return errs
		}
		return nil
	}
	return fmt.Errorf("unsupported configuration format: %s", format)
}

// Validate checks struct tags and the rules spanning sections.
func (l *Loader) Validate(cfg *Config) error {
	var errs ValidationErrors

	if err := l.validator.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			errs = append(errs, ValidationError{
				File:    cfg.Source,
				Path:    fieldPath(fe.Namespace()),
				Message: describeFieldError(fe),
			})
		}
	}

	if cfg.Agent.Transport == "ssh" && cfg.Agent.SSH.User == "" {
		errs = append(errs, ValidationError{File: cfg.Source, Path: "agent.ssh.user", Message: "required when transport is ssh"})
	}
	if cfg.Policy.Watch && len(cfg.Policy.Paths) == 0 {
		errs = append(errs, ValidationError{File: cfg.Source, Path: "policy.watch", Message: "requires policy.paths"})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// LoadResolutions reads an operator resolution mapping of problem ID to
// resolution name.
func (l *Loader) LoadResolutions(path string) (engine.MapSelector, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read resolutions %s: %w", path, err)
	}

	mapping := map[string]string{}
	switch format {
	case FormatCUE:
		if err := l.cue.Decode(SchemaResolutions, data, path, &mapping); err != nil {
			return nil, err
		}
		return engine.MapSelector(mapping), nil
	case FormatYAML:
		if err := yaml.Unmarshal(data, &mapping); err != nil {
			return nil, ValidationErrors{{File: path, Message: err.Error()}}
		}
	case FormatTOML:
		if _, err := toml.Decode(string(data), &mapping); err != nil {
			return nil, ValidationErrors{{File: path, Message: err.Error()}}
		}
	}

	if err := l.schemas.ValidateAgainstSchema(SchemaResolutions, mapping); err != nil {
		return nil, ValidationErrors{{File: path, Message: err.Error()}}
	}
	return engine.MapSelector(mapping), nil
}

// fieldPath turns "Config.agent.ssh.port" into "agent.ssh.port".
func fieldPath(namespace string) string {
	if i := strings.Index(namespace, "."); i >= 0 {
		return namespace[i+1:]
	}
	return namespace
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_if":
		return fmt.Sprintf("is required when %s", strings.Replace(fe.Param(), " ", " is ", 1))
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %q", fe.Param(), fmt.Sprint(fe.Value()))
	case "startswith":
		return fmt.Sprintf("must start with %q", fe.Param())
	case "min", "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max", "lte":
		return fmt.Sprintf("must be at most %s", fe.Param())
	}
	return fmt.Sprintf("failed %s validation", fe.Tag())
}
