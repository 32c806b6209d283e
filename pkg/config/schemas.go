package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// Schema names known to every registry.
const (
	SchemaConfig      = "config"
	SchemaResolutions = "resolutions"
)

// SchemaRegistry holds compiled CUE definitions used for validation.
type SchemaRegistry struct {
	mu      sync.Mutex
	ctx     *cue.Context
	schemas map[string]cue.Value
}

// NewSchemaRegistry creates a registry with the built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema(SchemaConfig, "#Config", builtinConfigSchema); err != nil {
		panic(err)
	}
	if err := sr.RegisterSchema(SchemaResolutions, "#Resolutions", builtinResolutionsSchema); err != nil {
		panic(err)
	}
	return sr
}

// RegisterSchema compiles source and registers its definition under name.
func (sr *SchemaRegistry) RegisterSchema(name, definition, source string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	def := val.LookupPath(cue.ParsePath(definition))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not define %s", name, definition)
	}

	sr.schemas[name] = def
	return nil
}

// CompileAgainst compiles CUE source and unifies it with the named schema.
func (sr *SchemaRegistry) CompileAgainst(name string, source []byte, filename string) (cue.Value, error) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	schema, ok := sr.schemas[name]
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", name)
	}
	val := sr.ctx.CompileBytes(source, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return val, err
	}
	return schema.Unify(val), nil
}

// ValidateAgainstSchema encodes data and checks it against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(name string, data interface{}) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	schema, ok := sr.schemas[name]
	if !ok {
		return fmt.Errorf("schema %s not found", name)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	if err := schema.Unify(dataVal).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns the registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const builtinConfigSchema = `
#Duration: =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Config: {
	store?: {
		backend?: "sqlite" | "badger"
		path?:    string & !=""
	}
	cloud?: {
		provider?:    "ec2" | "none"
		region?:      string
		profile?:     string
		device_name?: =~"^/dev/"
		detach_wait?: #Duration
	}
	agent?: {
		transport?:       "nats" | "ssh"
		nats_url?:        =~"^(nats|tls)://"
		request_timeout?: #Duration
		ssh?: {
			user?:                     string
			port?:                     int & >0 & <65536
			auth_method?:              "key" | "agent"
			private_key_path?:         string
			known_hosts_path?:         string
			strict_host_key_checking?: bool
			command?:                  string
			connect_timeout?:          #Duration
		}
	}
	engine?: {
		action_timeout?: #Duration
		max_parallel?:   int & >=0 & <=64
		strict_delete?:  bool
		reboot_wait?:    #Duration
	}
	policy?: {
		enabled?:               bool
		paths?:                 [...string]
		watch?:                 bool
		deny_destructive_auto?: bool
	}
	telemetry?: {
		log_level?:      "trace" | "debug" | "info" | "warn" | "error" | "fatal"
		log_format?:     "console" | "json"
		tracing?:        "none" | "stdout" | "otlp"
		otlp_endpoint?:  string
		metrics_listen?: string
	}
}
`

// Problem IDs are "<type>/<resource id>"; values are resolution names.
const builtinResolutionsSchema = `
#Resolutions: {
	[=~"^[a-z_]+/.+$"]: =~"^[a-z_]+$"
}
`
