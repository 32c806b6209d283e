package engine

import (
	"context"
	"errors"
	"testing"
)

func nopCtor(context.Context, Deps, string, map[string]any) (Handler, error) {
	return nil, nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	if err := r.Register("inactive_disk", nopCtor, "delete_disk"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register("missing_disk", nopCtor, ""); err != nil {
		t.Fatalf("register: %v", err)
	}

	tests := []struct {
		name string
		tag  string
		ctor HandlerConstructor
	}{
		{"empty tag", "", nopCtor},
		{"nil constructor", "missing_vm", nil},
		{"duplicate", "inactive_disk", nopCtor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := r.Register(tt.tag, tt.ctor, ""); err == nil {
				t.Error("expected registration error")
			}
		})
	}

	auto, err := r.AutoResolution("inactive_disk")
	if err != nil || auto != "delete_disk" {
		t.Errorf("AutoResolution = %q, %v", auto, err)
	}
	if auto, _ := r.AutoResolution("missing_disk"); auto != "" {
		t.Errorf("missing_disk should have no default, got %q", auto)
	}

	_, _, err = r.Lookup("nope")
	if !errors.Is(err, ErrUnknownProblemType) {
		t.Errorf("expected ErrUnknownProblemType, got %v", err)
	}
	var ee *EngineError
	if !errors.As(err, &ee) || ee.Code != ErrCodeUnknownProblemType {
		t.Errorf("expected code %s, got %v", ErrCodeUnknownProblemType, err)
	}

	types := r.Types()
	if len(types) != 2 || types[0] != "inactive_disk" || types[1] != "missing_disk" {
		t.Errorf("Types = %v", types)
	}

	r.Seal()
	if !r.Sealed() {
		t.Fatal("registry should be sealed")
	}
	if err := r.Register("missing_vm", nopCtor, ""); err == nil {
		t.Error("sealed registry accepted a registration")
	}
}

func TestMustRegisterPanicsOnDuplicate(t *testing.T) {
	r := NewRegistry()
	r.MustRegister("inactive_disk", nopCtor, "")

	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	r.MustRegister("inactive_disk", nopCtor, "")
}

func TestSelectors(t *testing.T) {
	ctx := context.Background()
	p := &Problem{ID: "inactive_disk/7", AutoResolution: "delete_disk"}
	bare := &Problem{ID: "missing_disk/8"}

	if name, ok, _ := (AutoSelector{}).Select(ctx, p); !ok || name != "delete_disk" {
		t.Errorf("AutoSelector = %q, %v", name, ok)
	}
	if _, ok, _ := (AutoSelector{}).Select(ctx, bare); ok {
		t.Error("AutoSelector selected for a type without default")
	}

	m := MapSelector{"missing_disk/8": "delete_disk_reference", "inactive_disk/7": ""}
	if _, ok, _ := m.Select(ctx, p); ok {
		t.Error("empty mapping should not select")
	}

	chain := ChainSelector{nil, m, AutoSelector{}}
	if name, ok, _ := chain.Select(ctx, bare); !ok || name != "delete_disk_reference" {
		t.Errorf("chain picked %q, %v", name, ok)
	}
	if name, ok, _ := chain.Select(ctx, p); !ok || name != "delete_disk" {
		t.Errorf("chain fallback picked %q, %v", name, ok)
	}

	boom := errors.New("script failed")
	failing := ChainSelector{SelectorFunc(func(context.Context, *Problem) (string, bool, error) {
		return "", false, boom
	}), AutoSelector{}}
	if _, _, err := failing.Select(ctx, p); !errors.Is(err, boom) {
		t.Errorf("chain should stop at the first error, got %v", err)
	}
}

func TestProblemIDRoundTrip(t *testing.T) {
	id := ProblemID("inactive_disk", "42")
	typ, res, err := ParseProblemID(id)
	if err != nil || typ != "inactive_disk" || res != "42" {
		t.Errorf("ParseProblemID(%q) = %q, %q, %v", id, typ, res, err)
	}
	for _, bad := range []string{"", "nodelimiter", "/42", "inactive_disk/"} {
		if _, _, err := ParseProblemID(bad); err == nil {
			t.Errorf("ParseProblemID(%q) should fail", bad)
		}
	}
}

func TestErrorClassification(t *testing.T) {
	v := NewValidationError("Disk is not mounted")
	if !IsValidation(v) || Reason(v) != "Disk is not mounted" {
		t.Errorf("validation error = %v, reason %q", v, Reason(v))
	}
	if ClassOf(errors.New("plain")) != ErrorClassPermanent {
		t.Error("unclassified errors should be permanent")
	}

	wrapped := NewThrottledError("rate limited", ErrDiskNotFound)
	if !errors.Is(wrapped, ErrDiskNotFound) || !IsRetryable(wrapped) {
		t.Errorf("throttled error should wrap and be retryable: %v", wrapped)
	}
	if IsRetryable(v) {
		t.Error("validation errors are not retryable")
	}
}
