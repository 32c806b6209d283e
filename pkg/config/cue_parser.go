package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
)

// CUEParser evaluates CUE (and JSON) sources against a registered schema.
type CUEParser struct {
	schemas *SchemaRegistry
}

// NewCUEParser creates a parser backed by schemas.
func NewCUEParser(schemas *SchemaRegistry) *CUEParser {
	return &CUEParser{schemas: schemas}
}

// Decode compiles source, unifies it with the named schema and decodes the
// concrete result into out.
func (cp *CUEParser) Decode(schema string, source []byte, filename string, out interface{}) error {
	val, err := cp.schemas.CompileAgainst(schema, source, filename)
	if err != nil {
		return convertCUEErrors(err)
	}
	return decodeValue(val, out)
}

// DecodeDir reads every .cue file in dir, in name order, as one source.
func (cp *CUEParser) DecodeDir(schema, dir string, out interface{}) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.cue"))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	if len(files) == 0 {
		return nil, ValidationErrors{{File: dir, Message: "no CUE files found"}}
	}
	sort.Strings(files)

	var merged []byte
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", f, err)
		}
		merged = append(merged, stripPackageClause(data)...)
		merged = append(merged, '\n')
	}

	return files, cp.Decode(schema, merged, dir, out)
}

func decodeValue(val cue.Value, out interface{}) error {
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return convertCUEErrors(err)
	}
	raw, err := val.MarshalJSON()
	if err != nil {
		return convertCUEErrors(err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode configuration: %w", err)
	}
	return nil
}

// stripPackageClause drops the "package" line so files of one package can
// be compiled as a single source.
func stripPackageClause(data []byte) []byte {
	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			lines[i] = ""
			break
		}
		if trimmed != "" && !strings.HasPrefix(trimmed, "//") {
			break
		}
	}
	return []byte(strings.Join(lines, "\n"))
}

// convertCUEErrors flattens a CUE error list into ValidationErrors.
func convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range errors.Errors(err) {
		ve := ValidationError{
			Path:    strings.Join(e.Path(), "."),
			Message: strings.TrimSpace(errors.Details(e, nil)),
		}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = ValidationErrors{{Message: err.Error()}}
	}
	return out
}
