package engine

import "context"

// HandlerConstructor builds a handler for one resource. Constructors re-read
// every referenced resource through deps.Repo and return a validation error
// when one is gone.
type HandlerConstructor func(ctx context.Context, deps Deps, resourceID string, data map[string]any) (Handler, error)

// Handler encapsulates one problem type bound to one resource.
type Handler interface {
	// ResourceID is the identifier of the resource the problem is about.
	ResourceID() string

	// LockKey scopes mutual exclusion during apply. Handlers touching the
	// same instance must return the same key.
	LockKey() string

	// ProblemStillExists re-reads current state and re-evaluates detection.
	// It only relies on immutable identifiers captured at construction.
	ProblemStillExists(ctx context.Context) (bool, error)

	// Description summarizes the problem for reports.
	Description() string

	// Resolutions returns the ordered catalog bound to this handler.
	Resolutions() []Resolution
}

// Resolution is a catalog entry bound to a handler instance.
type Resolution struct {
	Name   string
	Plan   func() string
	Action func(ctx context.Context) error
}

// CatalogEntry declares one resolution for handlers of type H. Plan and
// Action take the handler first, the shape of method expressions such as
// (*myHandler).fix.
type CatalogEntry[H any] struct {
	Name   string
	Plan   func(h H) string
	Action func(h H, ctx context.Context) error
}

// Catalog is the ordered resolution table of a handler type. It is declared
// once per type and bound to each handler instance.
type Catalog[H any] []CatalogEntry[H]

// Bind returns the catalog's resolutions closed over h.
func (c Catalog[H]) Bind(h H) []Resolution {
	out := make([]Resolution, 0, len(c))
	for _, entry := range c {
		entry := entry
		out = append(out, Resolution{
			Name: entry.Name,
			Plan: func() string { return entry.Plan(h) },
			Action: func(ctx context.Context) error {
				return entry.Action(h, ctx)
			},
		})
	}
	return out
}

// Names lists the catalog's resolution names in order.
func (c Catalog[H]) Names() []string {
	names := make([]string, len(c))
	for i, entry := range c {
		names[i] = entry.Name
	}
	return names
}

// Static returns a plan function yielding a fixed text.
func Static[H any](text string) func(H) string {
	return func(H) string { return text }
}

// Noop is the action of the ignore resolution.
func Noop[H any](H, context.Context) error { return nil }

// FindResolution looks up a bound resolution by name.
func FindResolution(resolutions []Resolution, name string) (Resolution, bool) {
	for _, r := range resolutions {
		if r.Name == name {
			return r, true
		}
	}
	return Resolution{}, false
}

func describeResolutions(resolutions []Resolution) []ResolutionInfo {
	infos := make([]ResolutionInfo, len(resolutions))
	for i, r := range resolutions {
		infos[i] = ResolutionInfo{Name: r.Name, Plan: r.Plan()}
	}
	return infos
}
