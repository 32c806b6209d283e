package engine

import (
	"context"
	"fmt"
	"sync"
)

// WorkFunc resolves one problem and reports its outcome.
type WorkFunc func(ctx context.Context, p *Problem) Outcome

// ProblemScheduler runs a WorkFunc over problems with a bounded worker pool.
// Cancellation is observed between problems only; a problem that has started
// runs to completion.
type ProblemScheduler struct {
	// maxParallel is the maximum number of concurrent workers
	maxParallel int
}

// NewProblemScheduler creates a scheduler. maxParallel below 1 means sequential.
func NewProblemScheduler(maxParallel int) *ProblemScheduler {
	if maxParallel < 1 {
		maxParallel = 1
	}
	return &ProblemScheduler{maxParallel: maxParallel}
}

// Run executes work for every problem and returns outcomes in input order.
// Problems not started before ctx is done are reported as cancelled.
func (s *ProblemScheduler) Run(ctx context.Context, problems []*Problem, work WorkFunc) []Outcome {
	outcomes := make([]Outcome, len(problems))
	if len(problems) == 0 {
		return outcomes
	}

	// Determine worker count (min of maxParallel and number of problems)
	workerCount := s.maxParallel
	if len(problems) < workerCount {
		workerCount = len(problems)
	}

	workQueue := make(chan int, len(problems))
	for i := range problems {
		workQueue <- i
	}
	close(workQueue)

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for idx := range workQueue {
				p := problems[idx]

				select {
				case <-ctx.Done():
					outcomes[idx] = cancelledOutcome(p, ctx.Err())
					continue
				default:
				}

				outcomes[idx] = s.runOne(ctx, p, work)
			}
		}()
	}

	wg.Wait()
	return outcomes
}

// runOne isolates a panicking handler to its own problem.
func (s *ProblemScheduler) runOne(ctx context.Context, p *Problem, work WorkFunc) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = baseOutcome(p)
			out.Disposition = DispositionFailed
			out.Reason = fmt.Sprintf("handler panicked: %v", r)
			out.ErrorClass = ErrorClassPermanent
		}
	}()
	return work(ctx, p)
}

func baseOutcome(p *Problem) Outcome {
	return Outcome{
		ProblemID:   p.ID,
		Type:        p.Type,
		ResourceID:  p.ResourceID,
		Description: p.Description,
	}
}

func cancelledOutcome(p *Problem, err error) Outcome {
	out := baseOutcome(p)
	out.Disposition = DispositionCancelled
	if err != nil {
		out.Reason = err.Error()
	}
	return out
}
