package printer

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var errFake = errors.New("fake transport error")

// fakeDriver is an in-memory Driver. Wrap it with fakeScanDriver or
// fakePairedDriver to add the optional capabilities.
type fakeDriver struct {
	kind TransportKind

	mu        sync.Mutex
	power     PowerState
	dialErr   error
	dialDelay time.Duration
	newLink   func(address string) Link
	links     []Link
	dials     []string
	// openAtDial counts links still open when a later Dial started.
	openAtDial int
	// dialGate, when set, holds the next Dial until it is closed, ignoring
	// the dial context.
	dialGate chan struct{}
}

func newFakeDriver(kind TransportKind, newLink func(address string) Link) *fakeDriver {
	return &fakeDriver{kind: kind, power: PoweredOn, newLink: newLink}
}

func (d *fakeDriver) Kind() TransportKind { return d.kind }

func (d *fakeDriver) PowerState() PowerState {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.power
}

func (d *fakeDriver) setPower(s PowerState) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.power = s
}

func (d *fakeDriver) ValidateAddress(address string) error {
	if !strings.HasPrefix(address, "AA:") && !strings.HasPrefix(address, "aa:") {
		return errors.New("address must start with AA:")
	}

	return nil
}

func (d *fakeDriver) Dial(ctx context.Context, address string) (Link, error) {
	d.mu.Lock()
	d.dials = append(d.dials, address)
	for _, l := range d.links {
		if !isClosed(l) {
			d.openAtDial++
		}
	}
	dialErr, delay, gate := d.dialErr, d.dialDelay, d.dialGate
	d.dialGate = nil
	d.mu.Unlock()

	if gate != nil {
		<-gate
	}

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if dialErr != nil {
		return nil, dialErr
	}

	link := d.newLink(address)

	d.mu.Lock()
	d.links = append(d.links, link)
	d.mu.Unlock()

	return link, nil
}

func (d *fakeDriver) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.dials)
}

func (d *fakeDriver) lastLink() Link {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.links) == 0 {
		return nil
	}

	return d.links[len(d.links)-1]
}

// fakeScanDriver adds Scanner to fakeDriver. Scan reports the configured
// sightings, then blocks until ctx is done.
type fakeScanDriver struct {
	*fakeDriver

	scanMu        sync.Mutex
	sightings     []Sighting
	sightingDelay time.Duration
	scanErr       error
	scanOpts      []ScanOptions
	activeScans   atomic.Int32
	overlapped    atomic.Bool
}

func newFakeScanDriver(kind TransportKind, newLink func(address string) Link, sightings ...Sighting) *fakeScanDriver {
	return &fakeScanDriver{fakeDriver: newFakeDriver(kind, newLink), sightings: sightings}
}

func (d *fakeScanDriver) Scan(ctx context.Context, opts ScanOptions, fn func(Sighting)) error {
	if d.activeScans.Add(1) > 1 {
		d.overlapped.Store(true)
	}
	defer d.activeScans.Add(-1)

	d.scanMu.Lock()
	d.scanOpts = append(d.scanOpts, opts)
	sightings := slices.Clone(d.sightings)
	delay, scanErr := d.sightingDelay, d.scanErr
	d.scanMu.Unlock()

	for _, s := range sightings {
		if delay > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		fn(s)
	}

	if scanErr != nil {
		return scanErr
	}

	<-ctx.Done()

	return nil
}

func (d *fakeScanDriver) scanCount() int {
	d.scanMu.Lock()
	defer d.scanMu.Unlock()

	return len(d.scanOpts)
}

func (d *fakeScanDriver) lastScanOpts() ScanOptions {
	d.scanMu.Lock()
	defer d.scanMu.Unlock()

	return d.scanOpts[len(d.scanOpts)-1]
}

// fakePairedDriver adds PairedLister to fakeDriver.
type fakePairedDriver struct {
	*fakeDriver
	paired []DeviceRecord
}

func (d *fakePairedDriver) PairedDevices(_ context.Context) ([]DeviceRecord, error) {
	return d.paired, nil
}

// fakeLink is the base of the fake links. drop simulates a remote loss.
type fakeLink struct {
	closeCount atomic.Int32
	noDone     bool
	done       chan struct{}
	once       sync.Once
}

func newFakeLink() *fakeLink {
	return &fakeLink{done: make(chan struct{})}
}

func (l *fakeLink) Close() error {
	l.closeCount.Add(1)
	l.drop()

	return nil
}

func (l *fakeLink) Done() <-chan struct{} {
	if l.noDone {
		return nil
	}

	return l.done
}

func (l *fakeLink) drop() {
	l.once.Do(func() { close(l.done) })
}

func (l *fakeLink) closed() bool {
	return l.closeCount.Load() > 0
}

func isClosed(link Link) bool {
	switch l := link.(type) {
	case *fakePacketLink:
		return l.closed()
	case *fakeStreamLink:
		return l.closed()
	default:
		return false
	}
}

type fakePacketLink struct {
	*fakeLink
	endpoints    []Endpoint
	endpointsErr error
}

func newFakePacketLink(endpoints ...Endpoint) *fakePacketLink {
	return &fakePacketLink{fakeLink: newFakeLink(), endpoints: endpoints}
}

func (l *fakePacketLink) Endpoints(_ context.Context) ([]Endpoint, error) {
	return l.endpoints, l.endpointsErr
}

type fakeEndpoint struct {
	uuid     string
	elements []Element
	err      error
	delay    time.Duration
}

func (e *fakeEndpoint) UUID() string { return e.uuid }

func (e *fakeEndpoint) Elements(ctx context.Context) ([]Element, error) {
	if e.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.delay):
		}
	}

	return e.elements, e.err
}

type fakeElement struct {
	uuid   string
	props  Property
	maxLen int

	mu       sync.Mutex
	writes   [][]byte
	acks     int
	writeErr error
	// failAckAt is the 1-based write whose acknowledgement fails; 0 disables it.
	failAckAt int
	// holdAcks keeps acknowledgements pending until releaseAcks.
	holdAcks bool
	pending  []func(error)
}

func (e *fakeElement) UUID() string { return e.uuid }

func (e *fakeElement) Properties() Property { return e.props }

func (e *fakeElement) MaxWriteLen(_ bool) int { return e.maxLen }

func (e *fakeElement) WriteWithResponse(p []byte, ack func(error)) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.writeErr != nil {
		return e.writeErr
	}
	e.writes = append(e.writes, slices.Clone(p))

	var ackErr error
	if e.failAckAt > 0 && len(e.writes) == e.failAckAt {
		ackErr = errFake
	}

	if e.holdAcks {
		e.pending = append(e.pending, func(err error) {
			if err == nil {
				err = ackErr
			}
			ack(err)
		})
		return nil
	}

	e.acks++
	go ack(ackErr)

	return nil
}

func (e *fakeElement) WriteWithoutResponse(p []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.writeErr != nil {
		return e.writeErr
	}
	e.writes = append(e.writes, slices.Clone(p))

	return nil
}

func (e *fakeElement) releaseAcks() {
	e.mu.Lock()
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	for _, ack := range pending {
		ack(nil)
	}
}

// ackAt delivers the held acknowledgement of the write at idx with err.
func (e *fakeElement) ackAt(idx int, err error) {
	e.mu.Lock()
	ack := e.pending[idx]
	e.mu.Unlock()

	ack(err)
}

func (e *fakeElement) writeSizes() []int {
	e.mu.Lock()
	defer e.mu.Unlock()

	sizes := make([]int, len(e.writes))
	for i, w := range e.writes {
		sizes[i] = len(w)
	}

	return sizes
}

func (e *fakeElement) written() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []byte
	for _, w := range e.writes {
		out = append(out, w...)
	}

	return out
}

// streamResult scripts one Write call of a fakeStreamLink. A negative n
// accepts the whole chunk.
type streamResult struct {
	n   int
	err error
}

type fakeStreamLink struct {
	*fakeLink

	mu      sync.Mutex
	script  []streamResult
	calls   []int
	data    []byte
	flushes int
	// block, when set, makes Write wait until it is closed.
	block chan struct{}
}

func newFakeStreamLink(script ...streamResult) *fakeStreamLink {
	return &fakeStreamLink{fakeLink: newFakeLink(), script: script}
}

func (l *fakeStreamLink) Write(p []byte) (int, error) {
	l.mu.Lock()
	block := l.block
	l.mu.Unlock()

	if block != nil {
		<-block
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls = append(l.calls, len(p))

	res := streamResult{n: -1}
	if len(l.script) > 0 {
		res = l.script[0]
		l.script = l.script[1:]
	}

	n := res.n
	if n < 0 || n > len(p) {
		n = len(p)
	}
	l.data = append(l.data, p[:n]...)

	return n, res.err
}

func (l *fakeStreamLink) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.flushes++

	return nil
}

func (l *fakeStreamLink) callSizes() []int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return slices.Clone(l.calls)
}

func (l *fakeStreamLink) written() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()

	return slices.Clone(l.data)
}

func (l *fakeStreamLink) flushCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.flushes
}

func zeroWrites(n int) []streamResult {
	res := make([]streamResult, n)
	for i := range res {
		res[i] = streamResult{n: 0}
	}

	return res
}

func makePayload(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte('A' + i%26)
	}

	return p
}
