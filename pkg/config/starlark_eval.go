package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/cloudcheck/pkg/engine"
)

// DefaultScriptTimeout bounds one call of a selection script.
const DefaultScriptTimeout = 5 * time.Second

// resolveFunc is the function every selection script must define.
const resolveFunc = "resolve"

// StarlarkSelector is an engine.Selector backed by a Starlark script. The
// script defines resolve(problem) and returns a resolution name, or None
// to leave the problem unselected. problem is a struct with id, type,
// resource_id, description, auto_resolution and resolutions (names).
type StarlarkSelector struct {
	name    string
	resolve starlark.Callable
	timeout time.Duration
	logger  zerolog.Logger
}

var _ engine.Selector = (*StarlarkSelector)(nil)

// LoadStarlarkSelector reads and compiles a selection script.
func LoadStarlarkSelector(path string, timeout time.Duration, logger zerolog.Logger) (*StarlarkSelector, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script %s: %w", path, err)
	}
	return NewStarlarkSelector(path, string(src), timeout, logger)
}

// NewStarlarkSelector executes the script's top level once and keeps its
// resolve function. Globals are frozen, so Select may run concurrently.
func NewStarlarkSelector(name, src string, timeout time.Duration, logger zerolog.Logger) (*StarlarkSelector, error) {
	if timeout <= 0 {
		timeout = DefaultScriptTimeout
	}
	s := &StarlarkSelector{
		name:    name,
		timeout: timeout,
		logger:  logger.With().Str("component", "starlark").Str("script", name).Logger(),
	}

	thread := s.newThread("load")
	globals, err := starlark.ExecFile(thread, name, src, predeclared())
	if err != nil {
		return nil, fmt.Errorf("failed to load script %s: %w", name, err)
	}
	globals.Freeze()

	fn, ok := globals[resolveFunc].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("script %s does not define %s(problem)", name, resolveFunc)
	}
	s.resolve = fn
	return s, nil
}

// Select implements engine.Selector.
func (s *StarlarkSelector) Select(ctx context.Context, p *engine.Problem) (string, bool, error) {
	thread := s.newThread(p.ID)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		thread.Cancel(ctx.Err().Error())
	})
	defer stop()

	result, err := starlark.Call(thread, s.resolve, starlark.Tuple{problemValue(p)}, nil)
	if err != nil {
		return "", false, fmt.Errorf("script %s failed for %s: %w", s.name, p.ID, err)
	}

	switch v := result.(type) {
	case starlark.NoneType:
		return "", false, nil
	case starlark.String:
		if v == "" {
			return "", false, nil
		}
		return string(v), true, nil
	}
	return "", false, fmt.Errorf("script %s returned %s for %s, want string or None", s.name, result.Type(), p.ID)
}

func (s *StarlarkSelector) newThread(name string) *starlark.Thread {
	return &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			s.logger.Debug().Str("thread", name).Msg(msg)
		},
	}
}

func predeclared() starlark.StringDict {
	return starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
	}
}

// problemValue exposes the side-effect free view of a problem to scripts.
func problemValue(p *engine.Problem) starlark.Value {
	names := make([]starlark.Value, len(p.Resolutions))
	plans := starlark.NewDict(len(p.Resolutions))
	for i, r := range p.Resolutions {
		names[i] = starlark.String(r.Name)
		_ = plans.SetKey(starlark.String(r.Name), starlark.String(r.Plan))
	}
	plans.Freeze()

	return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"id":              starlark.String(p.ID),
		"type":            starlark.String(p.Type),
		"resource_id":     starlark.String(p.ResourceID),
		"description":     starlark.String(p.Description),
		"auto_resolution": starlark.String(p.AutoResolution),
		"resolutions":     starlark.Tuple(names),
		"plans":           plans,
	})
}
