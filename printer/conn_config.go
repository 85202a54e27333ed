package printer

import (
	"errors"
	"sync"
	"time"

	"github.com/arloliu/go-printlink/logger"
)

// ConnectionConfig represents the configuration of a printer Manager.
type ConnectionConfig struct {
	mu sync.RWMutex

	// driver is the concrete transport.
	driver Driver

	// connectTimeout spans scanning, link establishment and negotiation of one
	// connect attempt. It should be between 1 and 120 seconds.
	// Defaults to 15 seconds.
	connectTimeout time.Duration

	// scanWindow is the discovery window used when Discover is called with a
	// non-positive duration. It should be between 1 and 60 seconds.
	// Defaults to 4 seconds.
	scanWindow time.Duration

	// rssiFloor is the discovery admission threshold. Sightings reporting an
	// RSSI at or below it are dropped. It should be between -127 and 0.
	// Defaults to -90.
	rssiFloor int

	// minChunkBytes is the lower bound of the negotiated packet chunk size.
	// It should be between 1 and 512.
	// Defaults to 20.
	minChunkBytes int

	// streamChunkSize is the maximum size of one stream write.
	// It should be between 1 and 65536.
	// Defaults to 1024.
	streamChunkSize int

	// streamRetryLimit is the number of consecutive zero-byte stream writes
	// tolerated before a transfer aborts. It should be between 1 and 1000.
	// Defaults to 50.
	streamRetryLimit int

	// streamRetryDelay is the back-off after a zero-byte stream write.
	// It should be between 1 millisecond and 5 seconds.
	// Defaults to 50 milliseconds.
	streamRetryDelay time.Duration

	// closeTimeout bounds the wait for link closure confirmation on
	// disconnect. It should be between 100 milliseconds and 30 seconds.
	// Defaults to 3 seconds.
	closeTimeout time.Duration

	// infraEndpoints is the set of endpoint UUIDs classified as
	// infrastructure by the negotiator.
	infraEndpoints uuidSet

	// logger provides a logger instance for logging connection events and errors.
	logger logger.Logger
}

// NewConnectionConfig creates a printer connection configuration with the given driver and optional functional options.
//
// It initializes a ConnectionConfig with default values and then applies the provided options.
//
// Returns a pointer to the initialized ConnectionConfig and an error if the driver is nil or an option is invalid.
func NewConnectionConfig(driver Driver, opts ...ConnOption) (*ConnectionConfig, error) {
	cfg := &ConnectionConfig{
		connectTimeout:   15 * time.Second,
		scanWindow:       4 * time.Second,
		rssiFloor:        -90,
		minChunkBytes:    20,
		streamChunkSize:  1024,
		streamRetryLimit: 50,
		streamRetryDelay: 50 * time.Millisecond,
		closeTimeout:     3 * time.Second,
		infraEndpoints:   newUUIDSet(DefaultInfrastructureEndpoints...),
		logger:           logger.GetLogger(),
	}

	if driver == nil {
		return cfg, ErrDriverNil
	}
	cfg.driver = driver

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return cfg, err
		}
	}

	return cfg, nil
}

// Update applies options to an existing configuration. Only options marked
// as runtime options are accepted.
func (cfg *ConnectionConfig) Update(opts ...ConnOption) error {
	for _, opt := range opts {
		o, ok := opt.(*connOptFunc)
		if ok && !o.runtime {
			return errors.New(o.name + " can't be changed at runtime")
		}

		cfg.mu.Lock()
		err := opt.apply(cfg)
		cfg.mu.Unlock()

		if err != nil {
			return err
		}
	}

	return nil
}

func (cfg *ConnectionConfig) Driver() Driver {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.driver
}

func (cfg *ConnectionConfig) ConnectTimeout() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.connectTimeout
}

func (cfg *ConnectionConfig) ScanWindow() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.scanWindow
}

func (cfg *ConnectionConfig) RSSIFloor() int {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.rssiFloor
}

func (cfg *ConnectionConfig) MinChunkBytes() int {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.minChunkBytes
}

func (cfg *ConnectionConfig) StreamChunkSize() int {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.streamChunkSize
}

func (cfg *ConnectionConfig) StreamRetryLimit() int {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.streamRetryLimit
}

func (cfg *ConnectionConfig) StreamRetryDelay() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.streamRetryDelay
}

func (cfg *ConnectionConfig) CloseTimeout() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.closeTimeout
}

// IsInfrastructureEndpoint reports whether id is a well-known service that
// never carries printer data.
func (cfg *ConnectionConfig) IsInfrastructureEndpoint(id string) bool {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.infraEndpoints.contains(id)
}

func (cfg *ConnectionConfig) Logger() logger.Logger {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.logger
}

// ConnOption represents a functional option for configuring a ConnectionConfig.
type ConnOption interface {
	apply(*ConnectionConfig) error
}

type connOptFunc struct {
	name      string
	runtime   bool
	applyFunc func(*ConnectionConfig) error
}

func (c *connOptFunc) apply(cfg *ConnectionConfig) error { return c.applyFunc(cfg) }

func newConnOptFunc(name string, runtime bool, f func(*ConnectionConfig) error) *connOptFunc {
	return &connOptFunc{
		name:      name,
		runtime:   runtime,
		applyFunc: f,
	}
}

// WithConnectTimeout sets the timeout of a connect attempt.
// An error is returned if the timeout is outside the valid range (1-120 seconds) or if the configuration is nil.
//
// The default value is 15 seconds.
//
// This option can be changed at runtime.
func WithConnectTimeout(val time.Duration) ConnOption {
	return newConnOptFunc("WithConnectTimeout", true, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		if val < 1*time.Second || val > 120*time.Second {
			return errors.New("connect timeout out of range [1s, 120s]")
		}
		cfg.connectTimeout = val

		return nil
	})
}

// WithScanWindow sets the default discovery window.
// An error is returned if the window is outside the valid range (1-60 seconds) or if the configuration is nil.
//
// The default value is 4 seconds.
//
// This option can be changed at runtime.
func WithScanWindow(val time.Duration) ConnOption {
	return newConnOptFunc("WithScanWindow", true, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		if val < 1*time.Second || val > 60*time.Second {
			return errors.New("scan window out of range [1s, 60s]")
		}
		cfg.scanWindow = val

		return nil
	})
}

// WithRSSIFloor sets the discovery admission threshold in dBm.
// An error is returned if the value is outside the valid range (-127 to 0) or if the configuration is nil.
//
// The default value is -90.
//
// This option can't be changed at runtime.
func WithRSSIFloor(val int) ConnOption {
	return newConnOptFunc("WithRSSIFloor", false, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		if val < -127 || val > 0 {
			return errors.New("rssi floor out of range [-127, 0]")
		}
		cfg.rssiFloor = val

		return nil
	})
}

// WithMinChunkBytes sets the lower bound of the negotiated packet chunk size.
// An error is returned if the value is outside the valid range (1-512) or if the configuration is nil.
//
// The default value is 20.
//
// This option can be changed at runtime. It applies to subsequent connects.
func WithMinChunkBytes(val int) ConnOption {
	return newConnOptFunc("WithMinChunkBytes", true, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		if val < 1 || val > 512 {
			return errors.New("min chunk bytes out of range [1, 512]")
		}
		cfg.minChunkBytes = val

		return nil
	})
}

// WithStreamChunkSize sets the maximum size of one stream write.
// An error is returned if the value is outside the valid range (1-65536) or if the configuration is nil.
//
// The default value is 1024.
//
// This option can be changed at runtime.
func WithStreamChunkSize(val int) ConnOption {
	return newConnOptFunc("WithStreamChunkSize", true, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		if val < 1 || val > 65536 {
			return errors.New("stream chunk size out of range [1, 65536]")
		}
		cfg.streamChunkSize = val

		return nil
	})
}

// WithStreamRetryLimit sets the number of consecutive zero-byte stream writes tolerated before a transfer aborts.
// An error is returned if the value is outside the valid range (1-1000) or if the configuration is nil.
//
// The default value is 50.
//
// This option can be changed at runtime.
func WithStreamRetryLimit(val int) ConnOption {
	return newConnOptFunc("WithStreamRetryLimit", true, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		if val < 1 || val > 1000 {
			return errors.New("stream retry limit out of range [1, 1000]")
		}
		cfg.streamRetryLimit = val

		return nil
	})
}

// WithStreamRetryDelay sets the back-off after a zero-byte stream write.
// An error is returned if the delay is outside the valid range (1ms-5s) or if the configuration is nil.
//
// The default value is 50 milliseconds.
//
// This option can be changed at runtime.
func WithStreamRetryDelay(val time.Duration) ConnOption {
	return newConnOptFunc("WithStreamRetryDelay", true, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		if val < time.Millisecond || val > 5*time.Second {
			return errors.New("stream retry delay out of range [1ms, 5s]")
		}
		cfg.streamRetryDelay = val

		return nil
	})
}

// WithCloseTimeout sets the maximum wait for link closure confirmation on disconnect.
// An error is returned if the timeout is outside the valid range (100ms-30s) or if the configuration is nil.
//
// The default value is 3 seconds.
//
// This option can be changed at runtime.
func WithCloseTimeout(val time.Duration) ConnOption {
	return newConnOptFunc("WithCloseTimeout", true, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		if val < 100*time.Millisecond || val > 30*time.Second {
			return errors.New("close timeout out of range [100ms, 30s]")
		}
		cfg.closeTimeout = val

		return nil
	})
}

// WithInfrastructureEndpoints adds endpoint UUIDs to the infrastructure
// denylist used during negotiation. Both short ("180a") and full base UUID
// forms are accepted.
//
// This option can't be changed at runtime.
func WithInfrastructureEndpoints(ids ...string) ConnOption {
	return newConnOptFunc("WithInfrastructureEndpoints", false, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		for _, id := range ids {
			if id == "" {
				return errors.New("empty infrastructure endpoint uuid")
			}
			cfg.infraEndpoints[NormalizeUUID(id)] = struct{}{}
		}

		return nil
	})
}

// WithLogger sets the logger.
// An error is returned if the configuration is nil.
//
// The default is the package default logger.
//
// This option can't be changed at runtime.
func WithLogger(l logger.Logger) ConnOption {
	return newConnOptFunc("WithLogger", false, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		if l != nil {
			cfg.logger = l
		}

		return nil
	})
}
