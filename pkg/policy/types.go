package policy

import (
	"time"

	"github.com/openfroyo/cloudcheck/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is reported but does not block the resolution.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the resolution.
	SeverityError Severity = "error"

	// SeverityCritical blocks the resolution.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity vetoes an action.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a named Rego module. Its package must define a "deny" set.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is used for deny entries that do not carry their own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with cloudcheck. Reloads keep them.
	Builtin bool `json:"builtin,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`
}

// Input is the document policies see as "input".
type Input struct {
	engine.GuardInput

	// Destructive is true when the resolution deletes or reboots something.
	Destructive bool `json:"destructive"`

	Timestamp time.Time `json:"timestamp"`
}

// Violation is one deny entry.
type Violation struct {
	Policy    string   `json:"policy"`
	ProblemID string   `json:"problem_id,omitempty"`
	Message   string   `json:"message"`
	Severity  Severity `json:"severity"`
}

// Decision is the result of evaluating every enabled policy.
type Decision struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations are the blocking deny entries.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings are the non-blocking deny entries.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the policies that ran, by name.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	Duration time.Duration `json:"duration"`
}

// Reasons returns the messages of the blocking violations.
func (d *Decision) Reasons() []string {
	reasons := make([]string, len(d.Violations))
	for i, v := range d.Violations {
		reasons[i] = v.Policy + ": " + v.Message
	}
	return reasons
}
