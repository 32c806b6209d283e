// Package engine detects and resolves divergences between the director's
// database, the cloud, and the agents running on VMs.
//
// # Overview
//
// A check run has two phases:
//
//  1. Scan - each Candidate is turned into a Handler through the Registry.
//     Handlers whose ProblemStillExists returns true become Problems in a
//     Report. Candidates that cannot be built are recorded as ScanErrors.
//  2. Apply - each Problem is resolved under a per-instance lock. The handler
//     is rebuilt and re-verified, a Selector picks a resolution, an optional
//     Guard may veto it, and the action runs followed by a final re-verify.
//
// Every problem ends in exactly one Disposition: resolved, ignored, failed,
// skipped, dropped, planned or cancelled.
//
// # Handlers
//
// A handler type declares its resolutions once as a Catalog and binds it per
// instance:
//
//	var catalog = engine.Catalog[*myHandler]{
//	    {Name: engine.ResolutionIgnore, Plan: engine.Static[*myHandler]("Skip for now"), Action: engine.Noop[*myHandler]},
//	    {Name: "fix", Plan: (*myHandler).planFix, Action: (*myHandler).fix},
//	}
//
// Handler types are registered with a default auto resolution:
//
//	reg := engine.NewRegistry()
//	reg.MustRegister("my_problem", newMyHandler, "fix")
//
// # Concurrency
//
// Problems are worked by a bounded pool (ApplyOptions.MaxParallel). Problems
// sharing a Handler.LockKey never run concurrently. Cancellation stops new
// problems from starting; an action already dispatched finishes or times out.
//
// # Errors
//
// Errors are classified (transient, throttled, conflict, permanent) through
// EngineError. Validation errors carry a human readable message that becomes
// the outcome reason verbatim.
package engine
