package printer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-printlink/internal/pool"
	"github.com/arloliu/go-printlink/internal/task"
	"github.com/arloliu/go-printlink/logger"
)

// attempt is one connect attempt. Every asynchronous result of the attempt
// carries its generation; results whose generation no longer matches the
// current attempt are dropped.
type attempt struct {
	gen     uint64
	address string

	ctx    context.Context
	cancel context.CancelFunc
	// linkCtx bounds the link watcher; it is handed over to the connection
	// when the attempt succeeds.
	linkCtx    context.Context
	linkCancel context.CancelFunc
	scanStop   context.CancelFunc
	timer      *time.Timer

	link Link

	once   sync.Once
	result chan error
}

func (at *attempt) stop() {
	at.timer.Stop()
	at.cancel()
	at.linkCancel()
}

func (at *attempt) resolve(err error) {
	at.once.Do(func() { at.result <- err })
}

// connection is the single ready connection owned by the Manager.
type connection struct {
	gen      uint64
	kind     TransportKind
	address  string
	link     Link
	endpoint string

	element     Element
	stream      StreamLink
	ackRequired bool
	maxChunk    int

	linkCancel context.CancelFunc
	lost       chan struct{}
	lostOnce   sync.Once
}

func (c *connection) markLost() {
	c.lostOnce.Do(func() { close(c.lost) })
}

// ConnectionInfo is a snapshot of the current connection.
type ConnectionInfo struct {
	State         ConnState
	Kind          TransportKind
	Address       string
	Endpoint      string
	Element       string
	AckRequired   bool
	MaxChunkBytes int
}

// Manager owns at most one printer connection and serializes discovery,
// connect, send and disconnect over a Driver.
//
// All methods are safe for concurrent use. Sends are single flight: a send
// issued while another is in progress fails with ErrBusy.
type Manager struct {
	ctx    context.Context
	cancel context.CancelFunc

	cfg        *ConnectionConfig
	driver     Driver
	logger     logger.Logger
	stateMgr   *ConnStateMgr
	registry   *DeviceRegistry
	negotiator *negotiator
	engine     *transferEngine
	taskMgr    *task.Manager
	metrics    ConnectionMetrics

	mu      sync.Mutex
	gen     uint64
	attempt *attempt
	conn    *connection

	scanMu sync.Mutex
	scan   *scanSlot

	sending atomic.Bool
	closed  atomic.Bool
}

// NewManager creates a Manager using cfg. ctx bounds the lifetime of every
// goroutine started by the Manager.
func NewManager(ctx context.Context, cfg *ConnectionConfig) (*Manager, error) {
	if cfg == nil {
		return nil, ErrConnConfigNil
	}
	if cfg.Driver() == nil {
		return nil, ErrDriverNil
	}

	l := cfg.Logger().With("transport", cfg.Driver().Kind().String())

	m := &Manager{
		cfg:      cfg,
		driver:   cfg.Driver(),
		logger:   l,
		stateMgr: NewConnStateMgr(l),
		registry: NewDeviceRegistry(cfg.RSSIFloor()),
		taskMgr:  task.NewManager(ctx, l),
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.negotiator = newNegotiator(cfg, m.taskMgr, l)
	m.engine = newTransferEngine(cfg, &m.metrics, l)

	m.stateMgr.AddHandler(func(prev, cur ConnState) {
		m.logger.Debug("connection state changed", "prev_state", prev.String(), "state", cur.String())
	})

	return m, nil
}

// State returns the current connection state.
func (m *Manager) State() ConnState {
	return m.stateMgr.State()
}

// WaitState waits until the connection reaches state or ctx is done.
func (m *Manager) WaitState(ctx context.Context, state ConnState) error {
	return m.stateMgr.WaitState(ctx, state)
}

// AddConnStateChangeHandler registers handlers invoked on every state change.
func (m *Manager) AddConnStateChangeHandler(handlers ...ConnStateChangeHandler) {
	m.stateMgr.AddHandler(handlers...)
}

// GetMetrics returns the metrics of the Manager.
func (m *Manager) GetMetrics() *ConnectionMetrics {
	return &m.metrics
}

// Config returns the configuration of the Manager.
func (m *Manager) Config() *ConnectionConfig {
	return m.cfg
}

// Connection returns a snapshot of the ready connection. The boolean is
// false when the Manager is not in ReadyState.
func (m *Manager) Connection() (ConnectionInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil {
		return ConnectionInfo{State: m.stateMgr.State()}, false
	}

	info := ConnectionInfo{
		State:         m.stateMgr.State(),
		Kind:          m.conn.kind,
		Address:       m.conn.address,
		Endpoint:      m.conn.endpoint,
		AckRequired:   m.conn.ackRequired,
		MaxChunkBytes: m.conn.maxChunk,
	}
	if m.conn.element != nil {
		info.Element = m.conn.element.UUID()
	}

	return info, true
}

// Connect establishes a connection to address and returns once it is ready
// or the attempt failed.
//
// An existing connection or attempt is torn down first. The address is
// validated before any transport resource is touched; a malformed address
// fails with ErrInvalidAddress.
//
// The attempt fails with ErrConnectTimeout when it is not ready within the
// connect timeout, with ErrNoWritableTarget when negotiation finds nothing
// to write to, and with ErrConnectFailed otherwise. Resources of a failed
// attempt are released before Connect returns.
func (m *Manager) Connect(ctx context.Context, address string) error {
	if m.closed.Load() {
		return ErrManagerClosed
	}

	if err := m.driver.ValidateAddress(address); err != nil {
		m.logger.Warn("invalid address", "method", "Connect", "address", address, "error", err)
		if errors.Is(err, ErrInvalidAddress) {
			return err
		}

		return fmt.Errorf("%w: %w", ErrInvalidAddress, err)
	}

	if err := m.checkPower(); err != nil {
		return err
	}

	m.metrics.incConnAttemptCount()

	at, err := m.startAttempt(ctx, address)
	if err != nil {
		return err
	}

	select {
	case err := <-at.result:
		return err
	case <-ctx.Done():
		m.mu.Lock()
		if m.attempt == at {
			release := m.failLocked(at, fmt.Errorf("%w: %w", ErrConnectFailed, ctx.Err()))
			m.mu.Unlock()
			release()
		} else {
			m.mu.Unlock()
		}

		return <-at.result
	}
}

// Disconnect tears down the connection or the attempt in progress and
// waits for the transport to confirm the link closure, bounded by the close
// timeout and ctx.
//
// It is idempotent and succeeds in every state.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.teardown(ctx, "aborted by disconnect")
	return nil
}

// Close disconnects, stops any running scan and waits for every goroutine
// started by the Manager. Afterwards Discover, Connect and Send fail with
// ErrManagerClosed.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	m.teardown(context.Background(), "manager closed")
	m.stopScan()
	m.cancel()
	m.taskMgr.Stop()
	m.taskMgr.Wait()

	m.logger.Debug("manager closed", "method", "Close", "task_count", m.taskMgr.Count())

	return nil
}

// Send encodes data as UTF-8 and sends it. See SendBytes.
func (m *Manager) Send(ctx context.Context, data string) error {
	return m.SendBytes(ctx, []byte(data))
}

// SendBytes writes data to the connected printer and returns once the
// transfer completed.
//
// It fails with ErrNotConnected when the Manager is not ready, without any
// write, and with ErrBusy when another transfer is in flight. Any other
// failure is a *SendError reporting the bytes delivered.
func (m *Manager) SendBytes(ctx context.Context, data []byte) error {
	if m.closed.Load() {
		return ErrManagerClosed
	}

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	if !m.sending.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer m.sending.Store(false)

	m.metrics.incSendCount()
	m.logger.Debug("send", "method", "SendBytes", "address", conn.address, "bytes", len(data))

	if err := m.engine.send(ctx, conn, data); err != nil {
		m.metrics.incSendErrCount()
		m.logger.Error("send failed", "method", "SendBytes", "address", conn.address, "error", err)

		return err
	}

	return nil
}

func (m *Manager) checkPower() error {
	switch state := m.driver.PowerState(); state {
	case PoweredOn, PowerUnknown:
		return nil
	case Unauthorized:
		return ErrPermissionDenied
	default:
		return fmt.Errorf("%w: radio %s", ErrTransportUnavailable, state)
	}
}

// startAttempt tears down the existing connection, registers a new attempt
// and starts its first stage.
func (m *Manager) startAttempt(ctx context.Context, address string) (*attempt, error) {
	m.mu.Lock()
	for m.attempt != nil || m.conn != nil {
		m.mu.Unlock()
		m.teardown(ctx, "superseded by connect")
		m.mu.Lock()
	}

	m.gen++
	at := &attempt{
		gen:     m.gen,
		address: address,
		result:  make(chan error, 1),
	}
	at.ctx, at.cancel = context.WithCancel(m.ctx)
	at.linkCtx, at.linkCancel = context.WithCancel(m.ctx)

	gen := at.gen
	timeout := m.cfg.ConnectTimeout()
	at.timer = time.AfterFunc(timeout, func() { m.onTimeout(gen, timeout) })
	m.attempt = at

	m.logger.Info("connect attempt started", "method", "Connect", "address", address, "gen", gen)

	var err error
	if scanner, ok := m.driver.(Scanner); ok {
		m.toState(ScanningState)
		scanCtx, scanCancel := context.WithCancel(at.ctx)
		at.scanStop = scanCancel
		err = m.taskMgr.Go("connect-scan", func(context.Context) {
			m.runConnectScan(scanCtx, scanCancel, scanner, at)
		})
	} else {
		m.toState(LinkEstablishingState)
		err = m.goDial(at)
	}

	if err != nil {
		release := m.failLocked(at, fmt.Errorf("%w: %w", ErrConnectFailed, err))
		m.mu.Unlock()
		release()

		return nil, <-at.result
	}
	m.mu.Unlock()

	return at, nil
}

func (m *Manager) runConnectScan(ctx context.Context, cancel context.CancelFunc, scanner Scanner, at *attempt) {
	slot := m.acquireScan(cancel)
	defer m.releaseScan(slot)

	// the attempt may have been resolved while the previous scan stopped
	if ctx.Err() != nil {
		return
	}

	m.metrics.incScanCount()
	m.logger.Debug("connect scan started", "method", "runConnectScan", "address", at.address, "gen", at.gen)

	err := scanner.Scan(ctx, ScanOptions{AllowDuplicates: true}, func(s Sighting) {
		if strings.EqualFold(s.Address, at.address) {
			m.onTargetSighted(at.gen, s)
		}
	})

	m.onScanEnded(at.gen, err, slot.superseded.Load())
}

func (m *Manager) goDial(at *attempt) error {
	gen, ctx, address := at.gen, at.ctx, at.address

	return m.taskMgr.Go("dial", func(context.Context) {
		link, err := m.driver.Dial(ctx, address)
		m.onLinkEstablished(gen, link, err)
	})
}

// currentAttempt returns the attempt with generation gen, or nil if it has
// been superseded or resolved. m.mu must be held.
func (m *Manager) currentAttempt(gen uint64) *attempt {
	if m.attempt == nil || m.attempt.gen != gen {
		return nil
	}

	return m.attempt
}

func (m *Manager) onTargetSighted(gen uint64, s Sighting) {
	m.mu.Lock()

	at := m.currentAttempt(gen)
	if at == nil || m.stateMgr.State() != ScanningState {
		m.mu.Unlock()
		return
	}

	m.logger.Info("target sighted", "method", "onTargetSighted", "address", s.Address, "name", s.Name, "rssi", s.RSSI, "gen", gen)
	at.scanStop()
	m.toState(LinkEstablishingState)

	if err := m.goDial(at); err != nil {
		release := m.failLocked(at, fmt.Errorf("%w: %w", ErrConnectFailed, err))
		m.mu.Unlock()
		release()

		return
	}
	m.mu.Unlock()
}

func (m *Manager) onScanEnded(gen uint64, err error, superseded bool) {
	m.mu.Lock()

	at := m.currentAttempt(gen)
	if at == nil || m.stateMgr.State() != ScanningState {
		m.mu.Unlock()
		return
	}

	var cause error
	switch {
	case superseded:
		cause = fmt.Errorf("%w: scan superseded", ErrConnectFailed)
	case err != nil:
		cause = connectError("scan", err)
	default:
		cause = fmt.Errorf("%w: scan ended before %s was sighted", ErrConnectFailed, at.address)
	}

	release := m.failLocked(at, cause)
	m.mu.Unlock()
	release()
}

func (m *Manager) onLinkEstablished(gen uint64, link Link, err error) {
	m.mu.Lock()

	at := m.currentAttempt(gen)
	if at == nil || m.stateMgr.State() != LinkEstablishingState {
		m.mu.Unlock()
		if link != nil {
			m.logger.Debug("drop stale link", "method", "onLinkEstablished", "gen", gen)
			m.closeLink(context.Background(), link)
		}

		return
	}

	if err != nil {
		release := m.failLocked(at, connectError("dial", err))
		m.mu.Unlock()
		release()

		return
	}

	at.link = link
	m.toState(NegotiatingState)
	m.watchLink(at.linkCtx, gen, link)

	switch m.driver.Kind() {
	case StreamTransport:
		sl, ok := link.(StreamLink)
		if !ok {
			release := m.failLocked(at, fmt.Errorf("%w: link is not a stream", ErrConnectFailed))
			m.mu.Unlock()
			release()

			return
		}
		m.readyLocked(at, &connection{
			kind:     StreamTransport,
			stream:   sl,
			maxChunk: m.cfg.StreamChunkSize(),
		})
		m.mu.Unlock()
		at.resolve(nil)

	default:
		pl, ok := link.(PacketLink)
		if !ok {
			release := m.failLocked(at, fmt.Errorf("%w: link exposes no endpoints", ErrConnectFailed))
			m.mu.Unlock()
			release()

			return
		}

		ctx := at.ctx
		err := m.taskMgr.Go("negotiate", func(context.Context) {
			target, err := m.negotiator.negotiate(ctx, pl)
			m.onNegotiated(gen, target, err)
		})
		if err != nil {
			release := m.failLocked(at, fmt.Errorf("%w: %w", ErrConnectFailed, err))
			m.mu.Unlock()
			release()

			return
		}
		m.mu.Unlock()
	}
}

func (m *Manager) onNegotiated(gen uint64, target *writeTarget, err error) {
	m.mu.Lock()

	at := m.currentAttempt(gen)
	if at == nil || m.stateMgr.State() != NegotiatingState {
		m.mu.Unlock()
		m.logger.Debug("drop stale negotiation result", "method", "onNegotiated", "gen", gen)

		return
	}

	if err != nil {
		release := m.failLocked(at, connectError("negotiate", err))
		m.mu.Unlock()
		release()

		return
	}

	m.readyLocked(at, &connection{
		kind:        PacketTransport,
		endpoint:    target.endpoint,
		element:     target.element,
		ackRequired: target.ackRequired,
		maxChunk:    target.maxChunk,
	})
	m.mu.Unlock()
	at.resolve(nil)
}

func (m *Manager) onTimeout(gen uint64, timeout time.Duration) {
	m.mu.Lock()

	at := m.currentAttempt(gen)
	if at == nil {
		m.mu.Unlock()
		m.logger.Debug("drop stale connect timeout", "method", "onTimeout", "gen", gen)

		return
	}

	m.metrics.incConnTimeoutCount()
	release := m.failLocked(at, fmt.Errorf("%w: %s not ready after %s", ErrConnectTimeout, at.address, timeout))
	m.mu.Unlock()
	release()
}

func (m *Manager) onLinkLost(gen uint64) {
	m.mu.Lock()

	if at := m.currentAttempt(gen); at != nil {
		release := m.failLocked(at, fmt.Errorf("%w: link lost during negotiation", ErrConnectFailed))
		m.mu.Unlock()
		release()

		return
	}

	if m.conn == nil || m.conn.gen != gen {
		m.mu.Unlock()
		m.logger.Debug("drop stale link loss", "method", "onLinkLost", "gen", gen)

		return
	}

	conn := m.conn
	m.conn = nil
	conn.linkCancel()
	conn.markLost()
	m.toState(IdleState)
	m.metrics.incLinkLostCount()
	m.logger.Warn("link lost", "method", "onLinkLost", "address", conn.address, "gen", gen)
	m.mu.Unlock()

	if err := conn.link.Close(); err != nil {
		m.logger.Debug("close lost link", "method", "onLinkLost", "error", err)
	}
}

// readyLocked promotes at to the ready connection conn. m.mu must be held.
func (m *Manager) readyLocked(at *attempt, conn *connection) {
	at.timer.Stop()
	at.cancel()

	conn.gen = at.gen
	conn.address = at.address
	conn.link = at.link
	conn.linkCancel = at.linkCancel
	conn.lost = make(chan struct{})

	m.attempt = nil
	m.conn = conn
	m.toState(ReadyState)
	m.metrics.incConnSuccessCount()

	m.logger.Info("connection ready",
		"method", "Connect",
		"address", conn.address,
		"gen", conn.gen,
		"kind", conn.kind.String(),
		"ack_required", conn.ackRequired,
		"max_chunk", conn.maxChunk,
	)
}

// failLocked detaches the failed attempt and moves through FailedState back
// to IdleState. m.mu must be held. The returned function releases the link
// and resolves the caller; it must be called after m.mu is released.
func (m *Manager) failLocked(at *attempt, err error) func() {
	m.attempt = nil
	at.stop()

	m.toState(FailedState)
	m.toState(IdleState)
	m.metrics.incConnErrCount()
	m.logger.Error("connect failed", "method", "Connect", "address", at.address, "gen", at.gen, "error", err)

	link := at.link

	return func() {
		if link != nil {
			m.closeLink(context.Background(), link)
		}
		at.resolve(err)
	}
}

// teardown releases the attempt in progress and the ready connection, if any.
func (m *Manager) teardown(ctx context.Context, reason string) {
	m.mu.Lock()

	var links []Link
	at := m.attempt
	if at != nil {
		m.attempt = nil
		at.stop()
		if at.link != nil {
			links = append(links, at.link)
		}
	}

	conn := m.conn
	if conn != nil {
		m.conn = nil
		conn.linkCancel()
		conn.markLost()
		links = append(links, conn.link)
	}

	m.toState(IdleState)
	m.mu.Unlock()

	for _, link := range links {
		m.closeLink(ctx, link)
	}

	if at != nil {
		at.resolve(fmt.Errorf("%w: %s", ErrConnectFailed, reason))
	}

	if at != nil || conn != nil {
		m.logger.Info("disconnected", "method", "teardown", "reason", reason)
	}
}

func (m *Manager) watchLink(ctx context.Context, gen uint64, link Link) {
	done := link.Done()
	if done == nil {
		return
	}

	err := m.taskMgr.Go("link-watch", func(taskCtx context.Context) {
		select {
		case <-done:
			m.onLinkLost(gen)
		case <-ctx.Done():
		case <-taskCtx.Done():
		}
	})
	if err != nil {
		m.logger.Debug("link watcher not started", "method", "watchLink", "gen", gen, "error", err)
	}
}

// closeLink closes link and waits for the closure confirmation, bounded by
// the close timeout and ctx.
func (m *Manager) closeLink(ctx context.Context, link Link) {
	if err := link.Close(); err != nil {
		m.logger.Warn("link close failed", "method", "closeLink", "error", err)
	}

	done := link.Done()
	if done == nil {
		return
	}

	timeout := m.cfg.CloseTimeout()
	timer := pool.GetTimer(timeout)
	defer pool.PutTimer(timer)

	select {
	case <-done:
	case <-ctx.Done():
	case <-timer.C:
		m.logger.Warn("link closure not confirmed", "method", "closeLink", "timeout", timeout)
	}
}

func (m *Manager) toState(state ConnState) {
	if err := m.stateMgr.To(state); err != nil {
		m.logger.Debug("state transition rejected", "cur_state", m.stateMgr.State().String(), "state", state.String(), "error", err)
	}
}

// connectError wraps err with ErrConnectFailed unless it already carries one
// of the connect error kinds.
func connectError(op string, err error) error {
	for _, kind := range []error{
		ErrConnectFailed, ErrConnectTimeout, ErrNoWritableTarget,
		ErrTransportUnavailable, ErrPermissionDenied,
	} {
		if errors.Is(err, kind) {
			return err
		}
	}

	return fmt.Errorf("%w: %s: %w", ErrConnectFailed, op, err)
}
