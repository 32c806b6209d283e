package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/cloudcheck/pkg/stores"
	"github.com/openfroyo/cloudcheck/pkg/telemetry"
)

// DefaultActionTimeout bounds a single resolution action.
const DefaultActionTimeout = 5 * time.Minute

// Engine scans candidates into problems and resolves them.
type Engine struct {
	registry      *Registry
	deps          Deps
	recorder      stores.RunRecorder
	guard         Guard
	tel           *telemetry.Telemetry
	log           *telemetry.Logger
	locks         *KeyedMutex
	actionTimeout time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithRecorder persists runs, outcomes and audit entries.
func WithRecorder(r stores.RunRecorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithGuard installs a policy guard consulted before each action.
func WithGuard(g Guard) Option {
	return func(e *Engine) { e.guard = g }
}

// WithTelemetry enables metrics, tracing and events.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(e *Engine) { e.tel = t }
}

// WithLogger sets the engine logger. Handlers log through a "handlers"
// component of the same logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithActionTimeout bounds each resolution action.
func WithActionTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.actionTimeout = d
		}
	}
}

// New creates an engine and seals the registry.
func New(registry *Registry, deps Deps, opts ...Option) *Engine {
	registry.Seal()

	e := &Engine{
		registry:      registry,
		deps:          deps,
		log:           telemetry.NopLogger(),
		locks:         NewKeyedMutex(),
		actionTimeout: DefaultActionTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.deps.Logger = e.log.NewComponentLogger("handlers").Zerolog()
	e.log = e.log.NewComponentLogger("engine")
	return e
}

// Registry returns the sealed registry the engine was built with.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Scan builds a handler per candidate and reports the problems that still
// exist. An unregistered candidate type fails the whole scan; any other
// per-candidate error is recorded in Report.Errors.
func (e *Engine) Scan(ctx context.Context, candidates []Candidate) (*Report, error) {
	runID := NewRunID()
	ctx, finish := e.startRun(ctx, runID, stores.RunModeScan, "")

	report, err := e.scan(ctx, runID, candidates)
	summary := ScanSummary{}
	if report != nil {
		summary = report.Summary()
	}
	finish(summary, err)
	return report, err
}

// Apply scans candidates and resolves every problem found.
func (e *Engine) Apply(ctx context.Context, candidates []Candidate, opts ApplyOptions) (*ApplyResult, error) {
	opts = opts.withDefaults()
	runID := NewRunID()
	ctx, finish := e.startRun(ctx, runID, stores.RunModeApply, opts.Policy)

	report, err := e.scan(ctx, runID, candidates)
	if err != nil {
		finish(Summary{}, err)
		return nil, err
	}

	result := e.resolve(ctx, runID, report, opts)
	err = ctx.Err()
	finish(result.Summary(), err)
	return result, err
}

// ApplyReport resolves the problems of an earlier scan. Every problem is
// reconstructed and re-verified before acting, so a stale report is safe.
func (e *Engine) ApplyReport(ctx context.Context, report *Report, opts ApplyOptions) (*ApplyResult, error) {
	if report == nil {
		return nil, NewPermanentError("report is nil", nil).WithCode(ErrCodeValidation)
	}

	opts = opts.withDefaults()
	runID := NewRunID()
	ctx, finish := e.startRun(ctx, runID, stores.RunModeApply, opts.Policy)

	result := e.resolve(ctx, runID, report, opts)
	err := ctx.Err()
	finish(result.Summary(), err)
	return result, err
}

func (e *Engine) scan(ctx context.Context, runID string, candidates []Candidate) (*Report, error) {
	report := &Report{
		RunID:     runID,
		StartedAt: time.Now().UTC(),
		Problems:  []*Problem{},
	}

	// Unknown types are a build or configuration error; fail before touching
	// any resource.
	for _, c := range candidates {
		if _, _, err := e.registry.Lookup(c.Type); err != nil {
			return nil, err
		}
	}

	seen := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		id := c.ProblemID()
		if seen[id] {
			continue
		}
		seen[id] = true

		p, scanErr := e.detect(ctx, c)
		switch {
		case scanErr != nil:
			report.Errors = append(report.Errors, *scanErr)
			e.metrics().RecordScanError(c.Type)
		case p == nil:
			report.Dropped++
		default:
			report.Problems = append(report.Problems, p)
			e.metrics().RecordProblemDetected(p.Type)
			_ = e.events().PublishProblemDetected(runID, p.ID, p.Type, p.Description)
		}
	}

	report.CompletedAt = time.Now().UTC()
	e.log.WithRunID(runID).Info().
		Int("candidates", len(candidates)).
		Int("problems", len(report.Problems)).
		Int("errors", len(report.Errors)).
		Msg("Scan completed")
	return report, nil
}

// detect constructs the handler and returns the problem, nil when it no
// longer exists, or a scan error.
func (e *Engine) detect(ctx context.Context, c Candidate) (*Problem, *ScanError) {
	ctor, auto, _ := e.registry.Lookup(c.Type)
	scanErr := func(err error) *ScanError {
		return &ScanError{
			ProblemID:  c.ProblemID(),
			Type:       c.Type,
			ResourceID: c.ResourceID,
			Reason:     Reason(err),
		}
	}

	h, err := ctor(ctx, e.deps, c.ResourceID, c.Data)
	if err != nil {
		e.log.WithProblem(c.ProblemID(), c.Type).Debug().Err(err).Msg("Candidate could not be built")
		return nil, scanErr(err)
	}

	exists, err := h.ProblemStillExists(ctx)
	if err != nil {
		return nil, scanErr(fmt.Errorf("failed to verify problem: %w", err))
	}
	if !exists {
		return nil, nil
	}

	return &Problem{
		ID:             c.ProblemID(),
		Type:           c.Type,
		ResourceID:     h.ResourceID(),
		Description:    h.Description(),
		Resolutions:    describeResolutions(h.Resolutions()),
		AutoResolution: auto,
		Data:           c.Data,
	}, nil
}

func (e *Engine) resolve(ctx context.Context, runID string, report *Report, opts ApplyOptions) *ApplyResult {
	scheduler := NewProblemScheduler(opts.MaxParallel)
	outcomes := scheduler.Run(ctx, report.Problems, func(ctx context.Context, p *Problem) Outcome {
		start := time.Now()
		out := e.resolveOne(ctx, runID, p, opts)
		out.Duration = time.Since(start)
		return out
	})

	for _, out := range outcomes {
		e.recordOutcome(ctx, runID, out)
	}

	return &ApplyResult{Report: report, Outcomes: outcomes}
}

// resolveOne runs the per-problem state machine: rebuild, then under the
// rebuilt handler's lock re-verify, select, guard, act, re-verify.
func (e *Engine) resolveOne(ctx context.Context, runID string, p *Problem, opts ApplyOptions) Outcome {
	out := baseOutcome(p)
	log := e.log.WithRunID(runID).WithProblem(p.ID, p.Type)

	ctx, span := e.startSpan(ctx, "problem.resolve",
		telemetry.AttrProblemID.String(p.ID),
		telemetry.AttrProblemType.String(p.Type))
	defer func() {
		if span == nil {
			return
		}
		if out.Resolution != "" {
			span.SetAttributes(telemetry.AttrResolution.String(out.Resolution))
		}
		if out.Disposition == DispositionFailed {
			telemetry.RecordError(span, errors.New(out.Reason))
		} else {
			telemetry.RecordSuccess(span)
		}
		span.End()
	}()

	fail := func(err error) Outcome {
		out.Disposition = DispositionFailed
		out.Reason = Reason(err)
		out.ErrorClass = ClassOf(err)
		var ee *EngineError
		code := ""
		if errors.As(err, &ee) {
			code = ee.Code
		}
		e.metrics().RecordError(string(out.ErrorClass), code)
		if span != nil {
			span.SetAttributes(
				telemetry.AttrErrorClass.String(string(out.ErrorClass)),
				telemetry.AttrErrorCode.String(code))
		}
		log.WithError(err).Warn().Str("resolution", out.Resolution).Msg("Problem resolution failed")
		return out
	}

	ctor, _, err := e.registry.Lookup(p.Type)
	if err != nil {
		return fail(err)
	}

	h, err := ctor(ctx, e.deps, p.ResourceID, p.Data)
	if err != nil {
		if IsValidation(err) {
			out.Disposition = DispositionDropped
			out.Reason = Reason(err)
			return out
		}
		return fail(err)
	}

	unlock := e.locks.Lock(h.LockKey())
	defer unlock()

	exists, err := h.ProblemStillExists(ctx)
	if err != nil {
		return fail(fmt.Errorf("failed to re-verify problem: %w", err))
	}
	if !exists {
		out.Disposition = DispositionDropped
		out.Reason = "problem no longer exists"
		return out
	}

	name, ok, err := opts.Selector.Select(ctx, p)
	if err != nil {
		return fail(fmt.Errorf("failed to select resolution: %w", err))
	}
	if !ok {
		out.Disposition = DispositionSkipped
		out.Reason = "no resolution selected"
		return out
	}
	out.Resolution = name

	res, found := FindResolution(h.Resolutions(), name)
	if !found {
		return fail(NewValidationError(fmt.Sprintf("Unknown resolution %q for problem type %s", name, p.Type)).
			WithCode(ErrCodeUnknownResolution))
	}

	if name == ResolutionIgnore {
		out.Disposition = DispositionIgnored
		return out
	}

	plan := res.Plan()
	if opts.DryRun {
		out.Disposition = DispositionPlanned
		out.Reason = plan
		return out
	}

	if e.guard != nil {
		allowed, reasons, err := e.guard.Check(ctx, GuardInput{
			RunID:       runID,
			ProblemID:   p.ID,
			ProblemType: p.Type,
			ResourceID:  p.ResourceID,
			Resolution:  name,
			Plan:        plan,
			Policy:      opts.Policy,
			Auto:        opts.Policy == "auto",
		})
		if err != nil {
			return fail(fmt.Errorf("failed to evaluate policy: %w", err))
		}
		if !allowed {
			if span != nil {
				telemetry.AddEvent(span, "policy.violation", telemetry.AttrResolution.String(name))
			}
			_ = e.events().PublishPolicyViolation(runID, p.ID, name, strings.Join(reasons, "; "))
			return fail(NewPermanentError("denied by policy: "+strings.Join(reasons, "; "), nil).
				WithCode(ErrCodePolicyDenied))
		}
	}

	// Once dispatched, an action runs to completion or its timeout even if
	// the batch is cancelled.
	actionCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.actionTimeout)
	err = res.Action(actionCtx)
	if err == nil {
		exists, err = h.ProblemStillExists(actionCtx)
		if err != nil {
			err = fmt.Errorf("failed to re-verify problem after %s: %w", name, err)
		}
	}
	cancel()

	e.audit(ctx, runID, p, name, opts.Actor, err)

	if err != nil {
		return fail(err)
	}
	if exists {
		out.Disposition = DispositionFailed
		out.Reason = "problem still exists"
		return out
	}

	out.Disposition = DispositionResolved
	log.Info().Str("resolution", name).Msg("Problem resolved")
	return out
}

func (e *Engine) recordOutcome(ctx context.Context, runID string, out Outcome) {
	e.metrics().RecordResolution(out.Type, out.Resolution, string(out.Disposition), out.Duration)
	_ = e.events().PublishProblemOutcome(runID, out.ProblemID, out.Resolution, string(out.Disposition), out.Reason)

	if e.recorder == nil {
		return
	}
	err := e.recorder.RecordOutcome(context.WithoutCancel(ctx), &stores.ProblemOutcome{
		RunID:       runID,
		ProblemID:   out.ProblemID,
		Type:        out.Type,
		ResourceID:  out.ResourceID,
		Description: out.Description,
		Resolution:  out.Resolution,
		Disposition: string(out.Disposition),
		Reason:      out.Reason,
	})
	if err != nil {
		e.log.WithRunID(runID).WithProblem(out.ProblemID, out.Type).Error().Err(err).Msg("Failed to record outcome")
	}
}

func (e *Engine) audit(ctx context.Context, runID string, p *Problem, resolution, actor string, actionErr error) {
	if e.recorder == nil {
		return
	}
	if actor == "" {
		actor = "cloudcheck"
	}

	details := map[string]string{
		"run_id":     runID,
		"type":       p.Type,
		"resolution": resolution,
	}
	if actionErr != nil {
		details["error"] = actionErr.Error()
	}
	raw, _ := json.Marshal(details)
	detailStr := string(raw)
	target := p.ID

	err := e.recorder.CreateAuditEntry(context.WithoutCancel(ctx), &stores.AuditEntry{
		Action:   "resolution.applied",
		Actor:    actor,
		TargetID: &target,
		Details:  &detailStr,
	})
	if err != nil {
		e.log.WithRunID(runID).WithProblem(p.ID, p.Type).Error().Err(err).Msg("Failed to write audit entry")
	}
}

// startRun records the run and returns a finish function that completes it.
func (e *Engine) startRun(ctx context.Context, runID string, mode stores.RunMode, policy string) (context.Context, func(fmt.Stringer, error)) {
	started := time.Now()
	var span trace.Span
	if e.tel != nil && e.tel.Tracer != nil {
		ctx, span = e.tel.Tracer.StartRunSpan(ctx, runID, string(mode))
	}
	log := e.log.WithRunID(runID)
	if id := telemetry.TraceID(ctx); id != "" {
		log = log.WithField("trace_id", id)
	}

	e.metrics().RecordRunStarted(string(mode))
	_ = e.events().PublishRunStarted(runID, string(mode))

	if e.recorder != nil {
		err := e.recorder.CreateCheckRun(ctx, &stores.CheckRun{
			ID:        runID,
			Mode:      mode,
			Policy:    policy,
			Status:    stores.RunStatusRunning,
			StartedAt: started.UTC(),
		})
		if err != nil {
			log.Error().Err(err).Msg("Failed to record check run")
		}
	}

	return ctx, func(summary fmt.Stringer, err error) {
		status := stores.RunStatusCompleted
		var errMsg *string
		switch {
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			status = stores.RunStatusCancelled
		case err != nil:
			status = stores.RunStatusFailed
		}
		if err != nil {
			msg := err.Error()
			errMsg = &msg
		}

		if e.recorder != nil {
			raw, _ := json.Marshal(summary)
			if cerr := e.recorder.CompleteCheckRun(context.WithoutCancel(ctx), runID, status, string(raw), errMsg); cerr != nil {
				log.Error().Err(cerr).Msg("Failed to complete check run")
			}
		}

		duration := time.Since(started)
		e.metrics().RecordRunCompleted(string(mode), string(status), duration)
		_ = e.events().PublishRunCompleted(runID, string(status), duration)

		if span != nil {
			if err != nil {
				telemetry.RecordError(span, err)
			} else {
				telemetry.RecordSuccess(span)
			}
			span.End()
		}

		log.Info().
			Str("mode", string(mode)).
			Str("status", string(status)).
			Str("summary", summary.String()).
			Dur("duration", duration).
			Msg("Check run finished")
	}
}

func (e *Engine) metrics() *telemetry.Metrics {
	if e.tel == nil {
		return nil
	}
	return e.tel.Metrics
}

func (e *Engine) events() *telemetry.EventPublisher {
	if e.tel == nil {
		return nil
	}
	return e.tel.Events
}

func (e *Engine) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if e.tel == nil || e.tel.Tracer == nil {
		return ctx, nil
	}
	return e.tel.Tracer.StartSpan(ctx, name, attrs...)
}
