// Package serialport provides a printer stream transport over a serial
// device, such as a bound RFCOMM channel (/dev/rfcomm0), a USB CDC printer
// or a Windows COM port.
package serialport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/arloliu/go-printlink/logger"
	"github.com/arloliu/go-printlink/printer"
)

const (
	defaultBaudRate    = 115200
	defaultReadTimeout = 500 * time.Millisecond
	responseBufferSize = 256
)

var comPortPattern = regexp.MustCompile(`(?i)^(\\\\\.\\)?COM[0-9]+$`)

// port is the part of serial.Port used by a link.
type port interface {
	io.ReadWriteCloser
	Drain() error
	SetReadTimeout(t time.Duration) error
}

type options struct {
	baudRate    int
	readTimeout time.Duration
	logger      logger.Logger
}

// Option configures a Driver.
type Option interface {
	apply(*options) error
}

type optFunc struct {
	applyFunc func(*options) error
}

func (o *optFunc) apply(opts *options) error { return o.applyFunc(opts) }

func newOptFunc(f func(*options) error) *optFunc {
	return &optFunc{applyFunc: f}
}

// WithBaudRate sets the line speed. The default is 115200 baud, 8N1.
func WithBaudRate(baud int) Option {
	return newOptFunc(func(opts *options) error {
		if baud <= 0 || baud > 4000000 {
			return errors.New("baud rate out of range [1, 4000000]")
		}
		opts.baudRate = baud

		return nil
	})
}

// WithReadTimeout sets how long a read of printer responses blocks. It
// bounds how late the link notices a local close. The default is 500ms.
func WithReadTimeout(d time.Duration) Option {
	return newOptFunc(func(opts *options) error {
		if d < 10*time.Millisecond || d > 10*time.Second {
			return errors.New("read timeout out of range [10ms, 10s]")
		}
		opts.readTimeout = d

		return nil
	})
}

// WithLogger sets the logger. A nil logger is ignored.
func WithLogger(l logger.Logger) Option {
	return newOptFunc(func(opts *options) error {
		if l != nil {
			opts.logger = l
		}

		return nil
	})
}

// Driver is a stream transport whose addresses are serial port names.
type Driver struct {
	opts   *options
	logger logger.Logger

	open func(name string, mode *serial.Mode) (port, error)
	list func() ([]*enumerator.PortDetails, error)
}

var (
	_ printer.Driver       = (*Driver)(nil)
	_ printer.PairedLister = (*Driver)(nil)
)

// New creates a serial port driver.
func New(opts ...Option) (*Driver, error) {
	o := &options{
		baudRate:    defaultBaudRate,
		readTimeout: defaultReadTimeout,
		logger:      logger.GetLogger(),
	}
	for _, opt := range opts {
		if err := opt.apply(o); err != nil {
			return nil, err
		}
	}

	return &Driver{
		opts:   o,
		logger: o.logger.With("driver", "serial"),
		open: func(name string, mode *serial.Mode) (port, error) {
			return serial.Open(name, mode)
		},
		list: enumerator.GetDetailedPortsList,
	}, nil
}

func (d *Driver) Kind() printer.TransportKind { return printer.StreamTransport }

// PowerState always reports PowerUnknown: a serial line has no radio.
func (d *Driver) PowerState() printer.PowerState { return printer.PowerUnknown }

// ValidateAddress accepts device paths below /dev and Windows COM port names.
func (d *Driver) ValidateAddress(address string) error {
	switch {
	case strings.HasPrefix(address, "/dev/") && len(address) > len("/dev/"):
		return nil
	case comPortPattern.MatchString(address):
		return nil
	default:
		return fmt.Errorf("%w: %q is not a serial port name", printer.ErrInvalidAddress, address)
	}
}

// PairedDevices lists the serial ports of the host. USB ports are named
// after their product when it is known.
func (d *Driver) PairedDevices(_ context.Context) ([]printer.DeviceRecord, error) {
	ports, err := d.list()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}

	records := make([]printer.DeviceRecord, 0, len(ports))
	for _, p := range ports {
		name := p.Name
		if p.IsUSB && p.Product != "" {
			name = p.Product
		}
		records = append(records, printer.DeviceRecord{Name: name, Address: p.Name})
	}

	return records, nil
}

// Dial opens the port at address with the configured line settings.
func (d *Driver) Dial(ctx context.Context, address string) (printer.Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: d.opts.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	p, err := d.open(address, mode)
	if err != nil {
		return nil, openError(address, err)
	}

	if err := p.SetReadTimeout(d.opts.readTimeout); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", address, err)
	}

	link := &link{
		port:   p,
		logger: d.logger.With("address", address),
		done:   make(chan struct{}),
	}
	go link.readResponses()

	link.logger.Info("serial link established", "method", "Dial", "baud_rate", d.opts.baudRate)

	return link, nil
}

func openError(address string, err error) error {
	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		switch portErr.Code() {
		case serial.PermissionDenied:
			return fmt.Errorf("%w: open %s: %w", printer.ErrPermissionDenied, address, err)
		case serial.PortNotFound:
			return fmt.Errorf("%w: open %s: %w", printer.ErrTransportUnavailable, address, err)
		}
	}

	return fmt.Errorf("open %s: %w", address, err)
}

type link struct {
	port   port
	logger logger.Logger

	mu       sync.Mutex
	closing  bool
	closeErr error
	closed   sync.Once

	done     chan struct{}
	doneOnce sync.Once
}

var (
	_ printer.StreamLink = (*link)(nil)
	_ printer.Flusher    = (*link)(nil)
)

func (l *link) Write(p []byte) (int, error) {
	return l.port.Write(p)
}

// Flush waits until the output buffer has been transmitted.
func (l *link) Flush() error {
	return l.port.Drain()
}

func (l *link) Done() <-chan struct{} {
	return l.done
}

func (l *link) Close() error {
	l.closed.Do(func() {
		l.mu.Lock()
		l.closing = true
		l.mu.Unlock()

		l.closeErr = l.port.Close()
		l.logger.Debug("serial link closed", "method", "Close", "error", l.closeErr)
	})

	return l.closeErr
}

func (l *link) isClosing() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.closing
}

// readResponses drains and logs what the printer sends back until the port
// is closed or fails.
func (l *link) readResponses() {
	defer l.doneOnce.Do(func() { close(l.done) })

	buf := make([]byte, responseBufferSize)
	for {
		n, err := l.port.Read(buf)
		if n > 0 {
			l.logger.Info("printer response", "method", "readResponses", "bytes", n, "data", strconv.Quote(string(buf[:n])))
		}

		switch {
		case err != nil:
			if !l.isClosing() {
				l.logger.Warn("serial link read failed", "method", "readResponses", "error", err)
			}

			return
		case l.isClosing():
			return
		}
	}
}
