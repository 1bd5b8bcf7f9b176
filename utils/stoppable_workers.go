// Package utils holds small concurrency helpers shared by the engine.
package utils

import (
	"context"
	"sync"

	goutils "go.viam.com/utils"
)

// StoppableWorkers is a collection of goroutines that can be stopped at a
// later time.
type StoppableWorkers interface {
	AddWorkers(...func(context.Context))
	Stop()
	Context() context.Context
}

// stoppableWorkersImpl does everything through the StoppableWorkers
// interface so the embedded WaitGroup is never copied.
type stoppableWorkersImpl struct {
	mu                      sync.Mutex
	cancelCtx               context.Context
	cancelFunc              func()
	activeBackgroundWorkers sync.WaitGroup
}

// NewStoppableWorkers runs the functions in separate goroutines. They can be
// stopped later.
func NewStoppableWorkers(funcs ...func(context.Context)) StoppableWorkers {
	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	workers := &stoppableWorkersImpl{cancelCtx: cancelCtx, cancelFunc: cancelFunc}
	workers.AddWorkers(funcs...)
	return workers
}

// AddWorkers starts up additional goroutines for each function passed in. If
// called after Stop, it returns immediately without starting anything.
func (sw *stoppableWorkersImpl) AddWorkers(funcs ...func(context.Context)) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.cancelCtx.Err() != nil {
		return
	}

	sw.activeBackgroundWorkers.Add(len(funcs))
	for _, f := range funcs {
		f := f
		goutils.PanicCapturingGo(func() {
			defer sw.activeBackgroundWorkers.Done()
			f(sw.cancelCtx)
		})
	}
}

// Stop shuts down all the goroutines and waits for them to exit.
func (sw *stoppableWorkersImpl) Stop() {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.cancelFunc()
	sw.activeBackgroundWorkers.Wait()
}

// Context gets the context the workers are checking on.
func (sw *stoppableWorkersImpl) Context() context.Context {
	return sw.cancelCtx
}
