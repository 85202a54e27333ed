//go:build linux

package bluez

import (
	"errors"
	"strings"
	"time"

	dbus "github.com/godbus/dbus/v5"

	"github.com/arloliu/go-printlink/logger"
)

const (
	defaultAdapter        = "hci0"
	defaultResolveTimeout = 15 * time.Second
	defaultCallTimeout    = 5 * time.Second
)

type options struct {
	conn           *dbus.Conn
	adapter        string
	resolveTimeout time.Duration
	callTimeout    time.Duration
	logger         logger.Logger
}

// Option configures a GATTDriver or an SPPDriver.
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

func newOptions(opts ...Option) (*options, error) {
	o := &options{
		adapter:        defaultAdapter,
		resolveTimeout: defaultResolveTimeout,
		callTimeout:    defaultCallTimeout,
		logger:         logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(o); err != nil {
			return nil, err
		}
	}

	return o, nil
}

// WithAdapter selects the local adapter by its BlueZ name, e.g. "hci1".
// The default is "hci0".
func WithAdapter(name string) Option {
	return newOptFunc(func(opts *options) error {
		if name == "" || strings.ContainsAny(name, "/ ") {
			return errors.New("invalid adapter name")
		}
		opts.adapter = name

		return nil
	})
}

// WithConn uses conn instead of the shared system bus connection.
func WithConn(conn *dbus.Conn) Option {
	return newOptFunc(func(opts *options) error {
		if conn == nil {
			return errors.New("nil dbus connection")
		}
		opts.conn = conn

		return nil
	})
}

// WithResolveTimeout bounds the wait for BlueZ to resolve the remote
// services after a link is up. The default is 15 seconds.
func WithResolveTimeout(d time.Duration) Option {
	return newOptFunc(func(opts *options) error {
		if d < time.Second || d > 60*time.Second {
			return errors.New("resolve timeout out of range [1s, 60s]")
		}
		opts.resolveTimeout = d

		return nil
	})
}

// WithCallTimeout bounds the D-Bus calls issued while closing a link and
// reading adapter state. The default is 5 seconds.
func WithCallTimeout(d time.Duration) Option {
	return newOptFunc(func(opts *options) error {
		if d < 100*time.Millisecond || d > 60*time.Second {
			return errors.New("call timeout out of range [100ms, 60s]")
		}
		opts.callTimeout = d

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
