package workflow

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Executor runs the branches of a concurrent fork. RunAll submits every task,
// waits until all of them returned and reports the first error.
type Executor interface {
	RunAll(ctx context.Context, tasks ...func(context.Context) error) error
}

// ErrGroupExecutor is an Executor backed by errgroup.Group.
// Siblings of a failing task are not cancelled; they run to completion and
// their results are discarded.
type ErrGroupExecutor struct {
	limit int
}

// NewErrGroupExecutor creates an executor that runs at most limit branches of
// one fork at a time. limit <= 0 means unbounded.
func NewErrGroupExecutor(limit int) *ErrGroupExecutor {
	return &ErrGroupExecutor{limit: limit}
}

// RunAll runs tasks and waits for all of them
func (x *ErrGroupExecutor) RunAll(ctx context.Context, tasks ...func(context.Context) error) error {
	var g errgroup.Group
	if x.limit > 0 {
		g.SetLimit(x.limit)
	}
	for _, task := range tasks {
		task := task
		g.Go(func() error {
			return task(ctx)
		})
	}
	return g.Wait()
}
