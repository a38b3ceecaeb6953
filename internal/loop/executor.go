package loop

import (
	"context"
)

// job is one unit of work for the executor.
type job struct {
	ctx  context.Context
	fn   func(context.Context) error
	done chan error // nil for fire-and-forget jobs
}

// Run executes queued jobs one at a time until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("Loop executor started")
	defer m.logger.Info("Loop executor stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case j := <-m.jobs:
			err := j.fn(j.ctx)
			if j.done != nil {
				j.done <- err
			}
		}
	}
}

// do runs fn on the executor and waits for its result.
func (m *Manager) do(ctx context.Context, fn func(context.Context) error) error {
	done := make(chan error, 1)
	select {
	case m.jobs <- job{ctx: ctx, fn: fn, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// submit queues fn on the executor without waiting for it to run.
// It reports false if ctx ended before the job could be queued.
func (m *Manager) submit(ctx context.Context, fn func(context.Context) error) bool {
	select {
	case m.jobs <- job{ctx: context.WithoutCancel(ctx), fn: fn}:
		return true
	case <-ctx.Done():
		return false
	}
}
