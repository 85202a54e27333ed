//go:build linux

package bluez

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	dbus "github.com/godbus/dbus/v5"

	"github.com/arloliu/go-printlink/logger"
	"github.com/arloliu/go-printlink/printer"
)

// SPPUUID is the Serial Port Profile service class.
const SPPUUID = "00001101-0000-1000-8000-00805f9b34fb"

const responseBufferSize = 256

var profileCounter atomic.Uint64

// SPPDriver is the stream transport over a BlueZ RFCOMM Serial Port Profile
// connection. Addresses are MAC addresses of paired classic devices.
type SPPDriver struct {
	*adapter

	mu          sync.Mutex
	profilePath dbus.ObjectPath
	profile     *sppProfile
	registered  bool
}

var (
	_ printer.Driver       = (*SPPDriver)(nil)
	_ printer.PairedLister = (*SPPDriver)(nil)
)

// NewSPPDriver creates an SPP driver on the system bus. The client profile
// is registered with BlueZ on the first Dial.
func NewSPPDriver(opts ...Option) (*SPPDriver, error) {
	o, err := newOptions(opts...)
	if err != nil {
		return nil, err
	}

	a, err := newAdapter(o, "spp")
	if err != nil {
		return nil, err
	}

	id := profileCounter.Add(1)

	return &SPPDriver{
		adapter:     a,
		profilePath: dbus.ObjectPath("/io/printlink/spp/p" + strconv.FormatUint(id, 10)),
		profile:     newSPPProfile(a.logger),
	}, nil
}

func (d *SPPDriver) Kind() printer.TransportKind { return printer.StreamTransport }

func (d *SPPDriver) PowerState() printer.PowerState { return d.powerState() }

func (d *SPPDriver) ValidateAddress(address string) error { return ValidateMAC(address) }

// PairedDevices lists the devices paired with the adapter.
func (d *SPPDriver) PairedDevices(ctx context.Context) ([]printer.DeviceRecord, error) {
	objs, err := d.managedObjects(ctx)
	if err != nil {
		return nil, callError("list paired devices", err)
	}

	return pairedRecords(d.path, objs), nil
}

// pairedRecords returns the paired devices below adapterPath ordered by
// address.
func pairedRecords(adapterPath dbus.ObjectPath, objs managedObjects) []printer.DeviceRecord {
	var records []printer.DeviceRecord

	for path, ifaces := range objs {
		props, ok := ifaces[deviceIface]
		if !ok || !isChildOf(path, adapterPath) {
			continue
		}
		if paired, _ := boolProp(props, "Paired"); !paired {
			continue
		}

		rec := printer.DeviceRecord{
			Name:    stringProp(props, "Name"),
			Address: stringProp(props, "Address"),
		}
		if rec.Name == "" {
			rec.Name = stringProp(props, "Alias")
		}
		if rec.Address == "" {
			rec.Address = macFromPath(path)
		}
		records = append(records, rec)
	}

	slices.SortFunc(records, func(a, b printer.DeviceRecord) int {
		return strings.Compare(strings.ToUpper(a.Address), strings.ToUpper(b.Address))
	})

	return records
}

// Dial connects the serial port profile of the device at address and
// returns the RFCOMM socket handed over by BlueZ.
func (d *SPPDriver) Dial(ctx context.Context, address string) (printer.Link, error) {
	if err := d.register(); err != nil {
		return nil, err
	}

	path := d.devicePath(address)
	wait := d.profile.expect(path)
	defer d.profile.forget(path)

	dev := d.object(path)
	if call := dev.CallWithContext(ctx, deviceIface+".ConnectProfile", 0, SPPUUID); call.Err != nil {
		return nil, callError("connect profile "+address, call.Err)
	}

	var fd int
	select {
	case <-ctx.Done():
		// the socket may have been handed over concurrently
		select {
		case fd := <-wait:
			_ = syscall.Close(fd)
		default:
		}

		return nil, ctx.Err()
	case fd = <-wait:
	}

	file, err := fileFromFD(fd, "rfcomm:"+address)
	if err != nil {
		return nil, err
	}

	link := newSPPLink(d.adapter, path, address, file)
	go link.readResponses()

	link.logger.Info("spp link established", "method", "Dial")

	return link, nil
}

func (d *SPPDriver) register() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.registered {
		return nil
	}

	if err := d.conn.Export(d.profile, d.profilePath, profileIface); err != nil {
		return fmt.Errorf("export profile: %w", err)
	}

	opts := map[string]dbus.Variant{
		"Role":        dbus.MakeVariant("client"),
		"AutoConnect": dbus.MakeVariant(false),
	}
	pm := d.object("/org/bluez")
	if call := pm.Call(profileManagerIface+".RegisterProfile", 0, d.profilePath, SPPUUID, opts); call.Err != nil {
		_ = d.conn.Export(nil, d.profilePath, profileIface)
		return callError("register profile", call.Err)
	}

	d.registered = true
	d.logger.Debug("spp profile registered", "method", "register", "path", string(d.profilePath))

	return nil
}

// Close unregisters the client profile. Open links are not affected.
func (d *SPPDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.registered {
		return nil
	}
	d.registered = false

	call := d.object("/org/bluez").Call(profileManagerIface+".UnregisterProfile", 0, d.profilePath)
	_ = d.conn.Export(nil, d.profilePath, profileIface)

	if call.Err != nil {
		return callError("unregister profile", call.Err)
	}

	return nil
}

// fileFromFD wraps an RFCOMM socket in an *os.File backed by the runtime
// poller, so that Close interrupts a pending Read.
func fileFromFD(fd int, name string) (*os.File, error) {
	if err := syscall.SetNonblock(fd, true); err != nil {
		_ = syscall.Close(fd)
		return nil, fmt.Errorf("set rfcomm socket non-blocking: %w", err)
	}

	return os.NewFile(uintptr(fd), name), nil
}

// sppProfile implements org.bluez.Profile1. BlueZ calls NewConnection with
// the socket of each connection made through ConnectProfile.
type sppProfile struct {
	mu      sync.Mutex
	waiters map[dbus.ObjectPath]chan int
	logger  logger.Logger
}

func newSPPProfile(l logger.Logger) *sppProfile {
	return &sppProfile{waiters: make(map[dbus.ObjectPath]chan int), logger: l}
}

func (p *sppProfile) expect(dev dbus.ObjectPath) <-chan int {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch := make(chan int, 1)
	p.waiters[dev] = ch

	return ch
}

func (p *sppProfile) forget(dev dbus.ObjectPath) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.waiters, dev)
}

// Release is called by BlueZ when it unregisters the profile.
func (p *sppProfile) Release() *dbus.Error {
	p.logger.Debug("spp profile released", "method", "Release")
	return nil
}

// NewConnection hands fd to the Dial waiting for dev. Connections nobody
// waits for are rejected.
func (p *sppProfile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	p.mu.Lock()
	ch, ok := p.waiters[dev]
	if ok {
		delete(p.waiters, dev)
	}
	p.mu.Unlock()

	if !ok {
		p.logger.Warn("unexpected spp connection rejected", "method", "NewConnection", "device", string(dev))
		_ = syscall.Close(int(fd))

		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []any{"no pending connect"}}
	}

	ch <- int(fd)

	return nil
}

// RequestDisconnection is called by BlueZ when the remote disconnects the
// profile. The link notices it on its next read.
func (p *sppProfile) RequestDisconnection(dev dbus.ObjectPath) *dbus.Error {
	p.logger.Debug("spp disconnection requested", "method", "RequestDisconnection", "device", string(dev))
	return nil
}

type sppLink struct {
	*adapter
	path    dbus.ObjectPath
	address string
	file    *os.File
	logger  logger.Logger

	done     chan struct{}
	doneOnce sync.Once
	closed   sync.Once
	closeErr error
}

var _ printer.StreamLink = (*sppLink)(nil)

func newSPPLink(a *adapter, path dbus.ObjectPath, address string, file *os.File) *sppLink {
	return &sppLink{
		adapter: a,
		path:    path,
		address: address,
		file:    file,
		logger:  a.logger.With("address", address),
		done:    make(chan struct{}),
	}
}

func (l *sppLink) Write(p []byte) (int, error) {
	return l.file.Write(p)
}

func (l *sppLink) Done() <-chan struct{} {
	return l.done
}

// readResponses drains and logs what the printer sends back until the
// socket closes.
func (l *sppLink) readResponses() {
	defer l.doneOnce.Do(func() { close(l.done) })

	buf := make([]byte, responseBufferSize)
	for {
		n, err := l.file.Read(buf)
		if n > 0 {
			l.logger.Info("printer response", "method", "readResponses", "bytes", n, "data", printable(buf[:n]))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				l.logger.Warn("spp link read failed", "method", "readResponses", "error", err)
			}

			return
		}
	}
}

// Close closes the socket and disconnects the profile.
func (l *sppLink) Close() error {
	l.closed.Do(func() {
		l.closeErr = l.file.Close()

		ctx, cancel := context.WithTimeout(context.Background(), l.opts.callTimeout)
		defer cancel()

		if call := l.object(l.path).CallWithContext(ctx, deviceIface+".DisconnectProfile", 0, SPPUUID); call.Err != nil {
			l.logger.Debug("disconnect profile", "method", "Close", "error", call.Err)
		}
	})

	return l.closeErr
}

// printable renders a printer response for logging, escaping control bytes.
func printable(p []byte) string {
	var sb strings.Builder
	for _, b := range p {
		switch {
		case b == '\r' || b == '\n':
			sb.WriteByte(' ')
		case b < 0x20 || b >= 0x7f:
			fmt.Fprintf(&sb, "\\x%02x", b)
		default:
			sb.WriteByte(b)
		}
	}

	return strings.TrimSpace(sb.String())
}
