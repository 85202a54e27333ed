// Package task manages the goroutines spawned by a printer connection manager.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-printlink/logger"
)

// ErrStopped is returned when a task is started on a stopped Manager.
var ErrStopped = errors.New("task: manager stopped")

// Func is a one-shot task body. ctx is cancelled when the Manager stops.
type Func func(ctx context.Context)

// LoopFunc is called repeatedly until it returns false or the Manager stops.
type LoopFunc func(ctx context.Context) bool

// Manager tracks the lifecycle of goroutines started through it, so that
// owners can signal all of them to stop and wait for them to terminate.
//
// A panic in a task body is recovered and logged; it does not take the
// process down.
//
// Example Usage:
//
//	mgr := task.NewManager(ctx, logger)
//	_ = mgr.Go("dial", func(ctx context.Context) {
//	    // ... one-shot work ...
//	})
//
//	mgr.Stop()
//	mgr.Wait()
type Manager struct {
	pctx   context.Context
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger logger.Logger
	count  atomic.Int32
	mu     sync.RWMutex // protect ctx and cancel
	taskMu sync.RWMutex // protect task creation during Wait()
}

// NewManager creates a Manager whose tasks derive their context from ctx.
func NewManager(ctx context.Context, l logger.Logger) *Manager {
	if l == nil {
		l = logger.GetLogger()
	}
	mgr := &Manager{pctx: ctx, logger: l}
	mgr.ctx, mgr.cancel = context.WithCancel(ctx)

	return mgr
}

func (mgr *Manager) getContext() context.Context {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	return mgr.ctx
}

// Go runs fn once in a new goroutine.
func (mgr *Manager) Go(name string, fn Func) error {
	starter, err := mgr.newStarter(name)
	if err != nil {
		return err
	}

	ctx := mgr.getContext()
	if err := starter.start(func() {
		mgr.callWithRecover(name, func() { fn(ctx) })
	}); err != nil {
		return err
	}

	return starter.waitForStart()
}

// Start runs fn repeatedly in a new goroutine until it returns false or the
// Manager stops.
func (mgr *Manager) Start(name string, fn LoopFunc) error {
	starter, err := mgr.newStarter(name)
	if err != nil {
		return err
	}

	err = starter.start(func() {
		mgr.callWithRecover(name, func() {
			for {
				ctx := mgr.getContext()
				select {
				case <-ctx.Done():
					return
				default:
					if !fn(ctx) {
						return
					}
				}
			}
		})
	})
	if err != nil {
		return err
	}

	return starter.waitForStart()
}

// Stop signals all running tasks to stop by cancelling their context.
func (mgr *Manager) Stop() {
	mgr.mu.Lock()
	if mgr.cancel != nil {
		mgr.cancel()
	}
	mgr.mu.Unlock()
}

// Wait blocks until every task has terminated. The Manager can be reused
// afterwards with a fresh context.
func (mgr *Manager) Wait() {
	mgr.taskMu.Lock()
	defer mgr.taskMu.Unlock()

	mgr.wg.Wait()

	mgr.mu.Lock()
	mgr.ctx, mgr.cancel = context.WithCancel(mgr.pctx)
	mgr.mu.Unlock()
}

// Count returns the number of running tasks.
func (mgr *Manager) Count() int {
	return int(mgr.count.Load())
}

func (mgr *Manager) callWithRecover(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			mgr.logger.Error("panic in task", "name", name, "panic", r)
		}
	}()

	fn()
}

type starter struct {
	mgr     *Manager
	name    string
	started chan struct{}
}

func (mgr *Manager) newStarter(name string) (*starter, error) {
	select {
	case <-mgr.getContext().Done():
		return nil, fmt.Errorf("start %s: %w", name, ErrStopped)
	default:
	}

	return &starter{mgr: mgr, name: name, started: make(chan struct{})}, nil
}

// start fails with ErrStopped while Wait holds taskMu.
func (s *starter) start(body func()) error {
	if !s.mgr.taskMu.TryRLock() {
		return fmt.Errorf("start %s: %w", s.name, ErrStopped)
	}
	defer s.mgr.taskMu.RUnlock()

	s.mgr.wg.Add(1)
	s.mgr.count.Add(1)

	go func() {
		defer s.mgr.wg.Done()
		defer func() {
			s.mgr.count.Add(-1)
			s.mgr.logger.Debug("task terminated", "name", s.name, "task_count", s.mgr.Count())
		}()

		close(s.started)
		body()
	}()

	return nil
}

func (s *starter) waitForStart() error {
	select {
	case <-s.started:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timeout waiting for %s to start", s.name)
	}
}
