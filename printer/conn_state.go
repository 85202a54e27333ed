package printer

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/arloliu/go-printlink/logger"
)

// ConnState represents the stages of a printer connection.
type ConnState uint32

const (
	// IdleState indicates there is no connection and no attempt in progress.
	IdleState ConnState = iota
	// ScanningState indicates a connect attempt is scanning for the target.
	ScanningState
	// LinkEstablishingState indicates the raw link is being opened.
	LinkEstablishingState
	// NegotiatingState indicates the write target is being selected.
	NegotiatingState
	// ReadyState indicates the connection has a write target and accepts sends.
	ReadyState
	// FailedState is a transient state entered when an attempt fails, before
	// resources are released and the state returns to idle.
	FailedState
)

// IsIdle returns if the state is idle.
func (cs ConnState) IsIdle() bool { return cs == IdleState }

// IsReady returns if the state is ready.
func (cs ConnState) IsReady() bool { return cs == ReadyState }

// IsConnecting returns if a connect attempt is in progress.
func (cs ConnState) IsConnecting() bool {
	return cs == ScanningState || cs == LinkEstablishingState || cs == NegotiatingState
}

// String returns string representation of the state.
func (cs ConnState) String() string {
	switch cs {
	case IdleState:
		return "idle"
	case ScanningState:
		return "scanning"
	case LinkEstablishingState:
		return "link-establishing"
	case NegotiatingState:
		return "negotiating"
	case ReadyState:
		return "ready"
	case FailedState:
		return "failed"
	default:
		return "unknown"
	}
}

// validTransitions lists the states reachable from each state. Idle is
// reachable from every other state on disconnect or link loss.
var validTransitions = map[ConnState][]ConnState{
	IdleState:             {ScanningState, LinkEstablishingState},
	ScanningState:         {LinkEstablishingState, FailedState, IdleState},
	LinkEstablishingState: {NegotiatingState, FailedState, IdleState},
	NegotiatingState:      {ReadyState, FailedState, IdleState},
	ReadyState:            {IdleState},
	FailedState:           {IdleState},
}

// ConnStateChangeHandler is invoked when the connection state changes.
//
// Note: the handler is invoked synchronously while the Manager holds its
// lock. It must not call back into the Manager apart from State.
type ConnStateChangeHandler func(prevState ConnState, newState ConnState)

// ConnStateMgr manages the state of a printer connection.
//
// It validates transitions, notifies handlers and lets callers wait for a
// given state.
type ConnStateMgr struct {
	mu       sync.Mutex
	cond     *sync.Cond
	state    atomic.Uint32
	logger   logger.Logger
	handlers []ConnStateChangeHandler
}

// NewConnStateMgr creates a ConnStateMgr in IdleState.
func NewConnStateMgr(l logger.Logger, handlers ...ConnStateChangeHandler) *ConnStateMgr {
	if l == nil {
		l = logger.GetLogger()
	}

	cs := &ConnStateMgr{
		logger:   l,
		handlers: make([]ConnStateChangeHandler, 0, len(handlers)),
	}
	cs.handlers = append(cs.handlers, handlers...)
	cs.state.Store(uint32(IdleState))
	cs.cond = sync.NewCond(&cs.mu)

	return cs
}

// State returns the current state.
func (cs *ConnStateMgr) State() ConnState {
	return ConnState(cs.state.Load())
}

// AddHandler adds one or more handlers to be invoked on state changes.
func (cs *ConnStateMgr) AddHandler(handlers ...ConnStateChangeHandler) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.handlers = append(cs.handlers, handlers...)
}

// WaitState waits until the state equals state or ctx is done.
func (cs *ConnStateMgr) WaitState(ctx context.Context, state ConnState) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.State() == state {
		return nil
	}

	stopFunc := context.AfterFunc(ctx, func() {
		cs.mu.Lock()
		defer cs.mu.Unlock()
		cs.cond.Broadcast()
	})
	defer stopFunc()

	for cs.State() != state {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		cs.cond.Wait()
	}

	return nil
}

// To transitions to newState.
//
// Transitioning to the current state is a no-op. It returns
// ErrInvalidTransition if newState is not reachable from the current state.
func (cs *ConnStateMgr) To(newState ConnState) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	curState := cs.State()
	if curState == newState {
		return nil
	}

	if !canTransition(curState, newState) {
		cs.logger.Debug("invalid state transition", "cur_state", curState.String(), "new_state", newState.String())
		return ErrInvalidTransition
	}

	cs.setState(newState)
	cs.invokeHandlers(curState, newState)

	return nil
}

// ToIdle transitions to IdleState from any state.
func (cs *ConnStateMgr) ToIdle() {
	if err := cs.To(IdleState); err != nil {
		cs.logger.Debug("ToIdle failed", "error", err)
	}
}

func canTransition(from, to ConnState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}

	return false
}

// setState stores the new state and wakes any waiter.
func (cs *ConnStateMgr) setState(newState ConnState) {
	cs.state.Store(uint32(newState))
	cs.cond.Broadcast()
}

func (cs *ConnStateMgr) invokeHandlers(prevState ConnState, newState ConnState) {
	for _, handler := range cs.handlers {
		if handler != nil {
			handler(prevState, newState)
		}
	}
}
