package printer

import (
	"context"
	"strings"
)

// TransportKind is the style of link a Driver produces.
type TransportKind uint8

const (
	// PacketTransport links expose endpoints and elements with optional per-write acknowledgement.
	PacketTransport TransportKind = iota + 1
	// StreamTransport links expose a byte stream with backpressure by zero-byte writes.
	StreamTransport
)

func (k TransportKind) String() string {
	switch k {
	case PacketTransport:
		return "packet"
	case StreamTransport:
		return "stream"
	default:
		return "unknown"
	}
}

// PowerState is the radio state reported by a Driver.
type PowerState uint8

const (
	// PowerUnknown means the driver cannot tell; operations proceed.
	PowerUnknown PowerState = iota
	PoweredOn
	PoweredOff
	// Unauthorized means the process lacks permission to use the radio.
	Unauthorized
	// Unsupported means no usable radio is present.
	Unsupported
)

func (s PowerState) String() string {
	switch s {
	case PoweredOn:
		return "powered-on"
	case PoweredOff:
		return "powered-off"
	case Unauthorized:
		return "unauthorized"
	case Unsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// Sighting is one advertisement or availability event observed while scanning.
type Sighting struct {
	Name    string
	Address string
	RSSI    int
	// HasRSSI is false when the transport does not report signal strength.
	HasRSSI bool
}

// ScanOptions controls a Scanner run.
type ScanOptions struct {
	// AllowDuplicates reports every advertisement, including repeated
	// sightings of the same device.
	AllowDuplicates bool
}

// Driver is a concrete transport.
type Driver interface {
	Kind() TransportKind
	PowerState() PowerState
	// ValidateAddress checks the syntax of address without touching the transport.
	ValidateAddress(address string) error
	// Dial opens a raw link to address. The returned Link is a PacketLink for
	// PacketTransport drivers and a StreamLink for StreamTransport drivers.
	Dial(ctx context.Context, address string) (Link, error)
}

// Scanner is implemented by drivers able to discover nearby devices.
type Scanner interface {
	// Scan reports sightings to fn until ctx is done, then returns nil.
	// It returns an error wrapping ErrTransportUnavailable when the radio
	// becomes unusable during the scan.
	//
	// fn is called from a single goroutine.
	Scan(ctx context.Context, opts ScanOptions, fn func(Sighting)) error
}

// PairedLister is implemented by drivers that can list known devices
// without scanning.
type PairedLister interface {
	PairedDevices(ctx context.Context) ([]DeviceRecord, error)
}

// Link is an established raw link.
type Link interface {
	// Close releases the link. It is safe to call more than once.
	Close() error
	// Done is closed once the link is gone, whether closed locally or lost.
	// A nil channel means the transport offers no closure confirmation.
	Done() <-chan struct{}
}

// PacketLink is a Link of a PacketTransport.
type PacketLink interface {
	Link
	Endpoints(ctx context.Context) ([]Endpoint, error)
}

// Endpoint is a sub-endpoint (service) of a PacketLink.
type Endpoint interface {
	UUID() string
	Elements(ctx context.Context) ([]Element, error)
}

// Property is the capability bit set of an Element.
type Property uint8

const (
	PropRead Property = 1 << iota
	PropWrite
	PropWriteWithoutResponse
	PropNotify
	PropIndicate
)

// Has reports whether all bits of p2 are set in p.
func (p Property) Has(p2 Property) bool {
	return p&p2 == p2
}

// String returns the compact flag list, e.g. "R,W,WnR".
func (p Property) String() string {
	flags := make([]string, 0, 5)
	if p.Has(PropRead) {
		flags = append(flags, "R")
	}
	if p.Has(PropWrite) {
		flags = append(flags, "W")
	}
	if p.Has(PropWriteWithoutResponse) {
		flags = append(flags, "WnR")
	}
	if p.Has(PropNotify) {
		flags = append(flags, "N")
	}
	if p.Has(PropIndicate) {
		flags = append(flags, "I")
	}

	return strings.Join(flags, ",")
}

// Element is a writable data point (characteristic) of an Endpoint.
type Element interface {
	UUID() string
	Properties() Property
	// MaxWriteLen returns the largest payload accepted by one write in the
	// given mode. Values below the configured minimum chunk size are raised
	// to it.
	MaxWriteLen(ack bool) int
	// WriteWithResponse issues p and returns once it is queued. ack is called
	// exactly once when the remote acknowledges the write or it fails.
	WriteWithResponse(p []byte, ack func(error)) error
	// WriteWithoutResponse issues p without waiting for the remote.
	WriteWithoutResponse(p []byte) error
}

// StreamLink is a Link of a StreamTransport.
type StreamLink interface {
	Link
	// Write accepts up to len(p) bytes. A (0, nil) result signals that the
	// transport buffer is momentarily full.
	Write(p []byte) (int, error)
}

// Flusher is implemented by stream links that buffer writes.
type Flusher interface {
	Flush() error
}
