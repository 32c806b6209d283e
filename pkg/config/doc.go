// Package config loads cloudcheck configuration and operator selection
// inputs.
//
// # Configuration files
//
// Load reads a single file or a directory of CUE files over Default():
//
//	.cue, .json   compiled with CUE and unified with the closed #Config schema
//	.yaml, .yml   decoded with yaml.v3, unknown keys rejected
//	.toml         decoded with BurntSushi/toml, unknown keys rejected
//
// The result is then checked with go-playground/validator struct tags and
// a few cross-section rules. Errors are returned as ValidationErrors with
// file, position (CUE only) and dotted field path.
//
//	cfg, err := config.Load(config.ResolvePath(flagPath))
//	if err != nil {
//	    return err
//	}
//	tel, err := telemetry.NewTelemetry(cfg.ToTelemetry(version))
//
// Durations are written as Go duration strings ("90s", "2m").
//
// # Selection inputs
//
// LoadResolutions reads an operator mapping of problem ID to resolution
// name, validated against the #Resolutions schema, and returns an
// engine.MapSelector.
//
// StarlarkSelector runs a script's resolve(problem) function to pick a
// resolution per problem:
//
//	def resolve(problem):
//	    if problem.type == "inactive_disk":
//	        return "delete_disk"
//	    return problem.auto_resolution or None
//
// The problem argument is a read-only struct. Each call runs on its own
// thread and is cancelled after the configured timeout.
package config
