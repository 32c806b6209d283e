package engine

import (
	"crypto/rand"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Disposition is the terminal state of a problem within a run.
type Disposition string

const (
	// DispositionResolved means the action ran and re-verification found the problem gone.
	DispositionResolved Disposition = "resolved"

	// DispositionIgnored means the ignore resolution was selected.
	DispositionIgnored Disposition = "ignored"

	// DispositionFailed means selection, the guard, the action or
	// re-verification failed. Reason says which.
	DispositionFailed Disposition = "failed"

	// DispositionSkipped means no resolution was selected.
	DispositionSkipped Disposition = "skipped"

	// DispositionDropped means the problem no longer existed when re-verified
	// before acting.
	DispositionDropped Disposition = "dropped"

	// DispositionPlanned means a dry run stopped before the action.
	DispositionPlanned Disposition = "planned"

	// DispositionCancelled means the batch was interrupted before this
	// problem was started.
	DispositionCancelled Disposition = "cancelled"
)

// ResolutionIgnore is the no-op resolution every catalog starts with.
const ResolutionIgnore = "ignore"

// Candidate is a resource suspected of carrying a problem of Type.
type Candidate struct {
	Type       string         `json:"type"`
	ResourceID string         `json:"resource_id"`
	Data       map[string]any `json:"data,omitempty"`
}

// ProblemID is the stable identifier of the problem a candidate describes.
func (c Candidate) ProblemID() string {
	return ProblemID(c.Type, c.ResourceID)
}

// ProblemID builds the "<type>/<resource_id>" identifier.
func ProblemID(problemType, resourceID string) string {
	return problemType + "/" + resourceID
}

// ParseProblemID splits a problem identifier into type and resource ID.
func ParseProblemID(id string) (problemType, resourceID string, err error) {
	i := strings.LastIndex(id, "/")
	if i <= 0 || i == len(id)-1 {
		return "", "", fmt.Errorf("malformed problem id %q", id)
	}
	return id[:i], id[i+1:], nil
}

// ResolutionInfo is the side-effect free view of a catalog entry.
type ResolutionInfo struct {
	Name string `json:"name"`
	Plan string `json:"plan"`
}

// Problem is a detected divergence. Problems are recomputed on every scan.
type Problem struct {
	ID             string           `json:"id"`
	Type           string           `json:"type"`
	ResourceID     string           `json:"resource_id"`
	Description    string           `json:"description"`
	Resolutions    []ResolutionInfo `json:"resolutions"`
	AutoResolution string           `json:"auto_resolution,omitempty"`

	// Data is the candidate data the handler was built from. It travels with
	// saved reports so the handler can be rebuilt identically.
	Data map[string]any `json:"data,omitempty"`
}

// HasResolution reports whether name is in the problem's catalog.
func (p *Problem) HasResolution(name string) bool {
	for _, r := range p.Resolutions {
		if r.Name == name {
			return true
		}
	}
	return false
}

// ScanError records a candidate that could not be turned into a problem.
type ScanError struct {
	ProblemID  string `json:"problem_id"`
	Type       string `json:"type"`
	ResourceID string `json:"resource_id"`
	Reason     string `json:"reason"`
}

// Report is the result of a scan.
type Report struct {
	RunID       string      `json:"run_id"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt time.Time   `json:"completed_at"`
	Problems    []*Problem  `json:"problems"`
	Errors      []ScanError `json:"errors,omitempty"`
	Dropped     int         `json:"dropped"`
}

// Summary counts the report's problems, scan errors and dropped candidates.
func (r *Report) Summary() ScanSummary {
	return ScanSummary{
		Detected: len(r.Problems),
		Errors:   len(r.Errors),
		Dropped:  r.Dropped,
	}
}

// Problem returns the problem with the given ID, or nil.
func (r *Report) Problem(id string) *Problem {
	for _, p := range r.Problems {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// ScanSummary is the recorded summary of a scan run.
type ScanSummary struct {
	Detected int `json:"detected"`
	Errors   int `json:"errors"`
	Dropped  int `json:"dropped"`
}

func (s ScanSummary) String() string {
	return fmt.Sprintf("detected=%d dropped=%d errors=%d", s.Detected, s.Dropped, s.Errors)
}

// Outcome is the recorded result of one problem in an apply.
type Outcome struct {
	ProblemID   string        `json:"problem_id"`
	Type        string        `json:"type"`
	ResourceID  string        `json:"resource_id"`
	Description string        `json:"description"`
	Resolution  string        `json:"resolution,omitempty"`
	Disposition Disposition   `json:"disposition"`
	Reason      string        `json:"reason,omitempty"`
	ErrorClass  ErrorClass    `json:"error_class,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// Summary counts outcomes by disposition.
type Summary map[Disposition]int

// String renders the summary as "disposition=count" pairs in name order.
func (s Summary) String() string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, s[Disposition(k)]))
	}
	return strings.Join(parts, " ")
}

// ApplyResult is the result of an apply: the scan report plus one outcome
// per problem in report order.
type ApplyResult struct {
	Report   *Report   `json:"report"`
	Outcomes []Outcome `json:"outcomes"`
}

// Summary counts the outcomes by disposition.
func (r *ApplyResult) Summary() Summary {
	s := Summary{}
	for _, o := range r.Outcomes {
		s[o.Disposition]++
	}
	return s
}

// Outcome returns the outcome for a problem ID.
func (r *ApplyResult) Outcome(problemID string) (Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.ProblemID == problemID {
			return o, true
		}
	}
	return Outcome{}, false
}

// ApplyOptions controls how problems are resolved.
type ApplyOptions struct {
	// Selector picks a resolution per problem. Nil means AutoSelector.
	Selector Selector

	// Policy labels the run ("auto", "manual", "script") for history and guards.
	Policy string

	// MaxParallel bounds how many problems are worked concurrently. Values
	// below 2 resolve sequentially.
	MaxParallel int

	// DryRun selects resolutions and stops before any action.
	DryRun bool

	// Actor is recorded on audit entries.
	Actor string
}

func (o ApplyOptions) withDefaults() ApplyOptions {
	if o.Selector == nil {
		o.Selector = AutoSelector{}
	}
	if o.Policy == "" {
		o.Policy = "auto"
	}
	return o
}

// NewRunID returns a lexically sortable run identifier.
func NewRunID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}
