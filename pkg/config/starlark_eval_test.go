package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/cloudcheck/pkg/engine"
)

const selectionScript = `
DESTRUCTIVE = ["delete_disk", "delete_vm_reference"]

def resolve(problem):
    if problem.type == "inactive_disk":
        if problem.resource_id == "7":
            return "delete_disk"
        return None
    if problem.type == "mount_info_mismatch":
        return problem.auto_resolution
    for name in problem.resolutions:
        if name not in DESTRUCTIVE and name != "ignore":
            return name
    return "ignore"
`

func testProblem(typ, resourceID, auto string, resolutions ...string) *engine.Problem {
	p := &engine.Problem{
		ID:             engine.ProblemID(typ, resourceID),
		Type:           typ,
		ResourceID:     resourceID,
		AutoResolution: auto,
	}
	for _, r := range resolutions {
		p.Resolutions = append(p.Resolutions, engine.ResolutionInfo{Name: r, Plan: strings.ToUpper(r)})
	}
	return p
}

func TestStarlarkSelector_Select(t *testing.T) {
	sel, err := NewStarlarkSelector("select.star", selectionScript, time.Second, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStarlarkSelector() error = %v", err)
	}

	tests := []struct {
		name    string
		problem *engine.Problem
		want    string
		wantOK  bool
	}{
		{
			name:    "operator script picks delete",
			problem: testProblem("inactive_disk", "7", "ignore", "ignore", "delete_disk", "activate_disk"),
			want:    "delete_disk",
			wantOK:  true,
		},
		{
			name:    "none leaves problem unselected",
			problem: testProblem("inactive_disk", "8", "ignore", "ignore", "delete_disk", "activate_disk"),
		},
		{
			name:    "auto resolution exposed",
			problem: testProblem("mount_info_mismatch", "3", "reattach_disk", "ignore", "reattach_disk"),
			want:    "reattach_disk",
			wantOK:  true,
		},
		{
			name:    "empty string means no choice",
			problem: testProblem("mount_info_mismatch", "4", "", "ignore"),
		},
		{
			name:    "first non-destructive",
			problem: testProblem("unresponsive_agent", "5", "ignore", "ignore", "delete_vm_reference", "reboot_vm"),
			want:    "reboot_vm",
			wantOK:  true,
		},
		{
			name:    "falls back to ignore",
			problem: testProblem("missing_vm", "6", "ignore", "ignore", "delete_vm_reference"),
			want:    "ignore",
			wantOK:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := sel.Select(context.Background(), tt.problem)
			if err != nil {
				t.Fatalf("Select() error = %v", err)
			}
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("Select() = (%q, %v), want (%q, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestStarlarkSelector_Plans(t *testing.T) {
	script := `
def resolve(problem):
    if problem.plans["delete_disk"] == "DELETE_DISK":
        return "delete_disk"
    return None
`
	sel, err := NewStarlarkSelector("plans.star", script, 0, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStarlarkSelector() error = %v", err)
	}
	got, ok, err := sel.Select(context.Background(), testProblem("inactive_disk", "1", "ignore", "ignore", "delete_disk"))
	if err != nil || !ok || got != "delete_disk" {
		t.Fatalf("Select() = (%q, %v, %v)", got, ok, err)
	}
}

func TestStarlarkSelector_Errors(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		loadErr string
		callErr string
	}{
		{
			name:    "syntax error",
			script:  "def resolve(problem)\n    return None\n",
			loadErr: "failed to load script",
		},
		{
			name:    "missing resolve",
			script:  "x = 1\n",
			loadErr: "does not define resolve",
		},
		{
			name:    "wrong return type",
			script:  "def resolve(problem):\n    return 42\n",
			callErr: "want string or None",
		},
		{
			name:    "runtime failure",
			script:  "def resolve(problem):\n    return problem.no_such_field\n",
			callErr: "failed for inactive_disk/1",
		},
		{
			name:    "frozen globals",
			script:  "seen = []\ndef resolve(problem):\n    seen.append(problem.id)\n    return None\n",
			callErr: "frozen",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel, err := NewStarlarkSelector("bad.star", tt.script, time.Second, zerolog.Nop())
			if tt.loadErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.loadErr) {
					t.Fatalf("NewStarlarkSelector() error = %v, want %q", err, tt.loadErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewStarlarkSelector() error = %v", err)
			}
			_, _, err = sel.Select(context.Background(), testProblem("inactive_disk", "1", "ignore", "ignore"))
			if err == nil || !strings.Contains(err.Error(), tt.callErr) {
				t.Fatalf("Select() error = %v, want %q", err, tt.callErr)
			}
		})
	}
}

func TestStarlarkSelector_Timeout(t *testing.T) {
	script := `
def resolve(problem):
    n = 0
    for i in range(1000000000):
        n += i
    return None
`
	sel, err := NewStarlarkSelector("slow.star", script, 50*time.Millisecond, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStarlarkSelector() error = %v", err)
	}

	start := time.Now()
	_, _, err = sel.Select(context.Background(), testProblem("inactive_disk", "1", "ignore", "ignore"))
	if err == nil {
		t.Fatal("Select() error = nil, want cancellation")
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("Select() took %v", time.Since(start))
	}
}

func TestStarlarkSelector_Concurrent(t *testing.T) {
	sel, err := NewStarlarkSelector("select.star", selectionScript, time.Second, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStarlarkSelector() error = %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			name, ok, err := sel.Select(context.Background(), testProblem("inactive_disk", "7", "ignore", "ignore", "delete_disk"))
			if err == nil && (!ok || name != "delete_disk") {
				err = context.Canceled
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("concurrent Select() error = %v", err)
		}
	}
}

func TestLoadStarlarkSelector(t *testing.T) {
	path := filepath.Join(t.TempDir(), "select.star")
	if err := os.WriteFile(path, []byte(selectionScript), 0o600); err != nil {
		t.Fatal(err)
	}
	sel, err := LoadStarlarkSelector(path, 0, zerolog.Nop())
	if err != nil {
		t.Fatalf("LoadStarlarkSelector() error = %v", err)
	}

	chain := engine.ChainSelector{engine.MapSelector{"inactive_disk/7": "activate_disk"}, sel}
	got, ok, err := chain.Select(context.Background(), testProblem("inactive_disk", "7", "ignore", "ignore", "delete_disk", "activate_disk"))
	if err != nil || !ok || got != "activate_disk" {
		t.Fatalf("operator mapping should win: (%q, %v, %v)", got, ok, err)
	}

	if _, err := LoadStarlarkSelector(filepath.Join(t.TempDir(), "missing.star"), 0, zerolog.Nop()); err == nil {
		t.Fatal("LoadStarlarkSelector(missing) error = nil")
	}
}
