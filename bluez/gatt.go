//go:build linux

package bluez

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	dbus "github.com/godbus/dbus/v5"

	"github.com/arloliu/go-printlink/logger"
	"github.com/arloliu/go-printlink/printer"
)

// attHeaderLen is the ATT write header subtracted from the MTU.
const attHeaderLen = 3

// GATTDriver is the packet transport over BlueZ GATT. Addresses are MAC
// addresses of Bluetooth Low Energy devices.
type GATTDriver struct {
	*adapter
}

var (
	_ printer.Driver  = (*GATTDriver)(nil)
	_ printer.Scanner = (*GATTDriver)(nil)
)

// NewGATTDriver creates a GATT driver on the system bus.
func NewGATTDriver(opts ...Option) (*GATTDriver, error) {
	o, err := newOptions(opts...)
	if err != nil {
		return nil, err
	}

	a, err := newAdapter(o, "gatt")
	if err != nil {
		return nil, err
	}

	return &GATTDriver{adapter: a}, nil
}

func (d *GATTDriver) Kind() printer.TransportKind { return printer.PacketTransport }

func (d *GATTDriver) PowerState() printer.PowerState { return d.powerState() }

func (d *GATTDriver) ValidateAddress(address string) error { return ValidateMAC(address) }

// Scan runs LE discovery on the adapter until ctx is done. Devices already
// known to BlueZ are reported first.
func (d *GATTDriver) Scan(ctx context.Context, opts printer.ScanOptions, fn func(printer.Sighting)) error {
	sub, err := d.subscribe(
		signalMatch(objManagerIface, "InterfacesAdded"),
		signalMatch(propsIface, "PropertiesChanged"),
	)
	if err != nil {
		return err
	}
	defer sub.close()

	obj := d.object(d.path)

	filter := map[string]dbus.Variant{
		"Transport":     dbus.MakeVariant("le"),
		"DuplicateData": dbus.MakeVariant(opts.AllowDuplicates),
	}
	if call := obj.CallWithContext(ctx, adapterIface+".SetDiscoveryFilter", 0, filter); call.Err != nil {
		return d.scanError("SetDiscoveryFilter", call.Err)
	}
	if call := obj.CallWithContext(ctx, adapterIface+".StartDiscovery", 0); call.Err != nil {
		return d.scanError("StartDiscovery", call.Err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), d.opts.callTimeout)
		defer cancel()
		if call := obj.CallWithContext(stopCtx, adapterIface+".StopDiscovery", 0); call.Err != nil {
			d.logger.Debug("stop discovery", "method", "Scan", "error", call.Err)
		}
	}()

	d.logger.Debug("discovery started", "method", "Scan", "allow_duplicates", opts.AllowDuplicates)

	// last known record per device, merged with every PropertiesChanged
	known := make(map[dbus.ObjectPath]printer.Sighting)

	objs, err := d.managedObjects(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}

		return d.scanError("prime", err)
	}
	for path, ifaces := range objs {
		props, ok := ifaces[deviceIface]
		if !ok || !isChildOf(path, d.path) {
			continue
		}
		s := sightingFromProps(path, props)
		known[path] = s
		if s.HasRSSI {
			fn(s)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case sig, ok := <-sub.ch:
			if !ok {
				return fmt.Errorf("%w: system bus connection lost", printer.ErrTransportUnavailable)
			}

			if path, ifaces, ok := interfacesAdded(sig); ok {
				props, ok := ifaces[deviceIface]
				if !ok || !isChildOf(path, d.path) {
					continue
				}
				s := sightingFromProps(path, props)
				known[path] = s
				fn(s)

				continue
			}

			iface, changed, ok := propertiesChanged(sig)
			if !ok {
				continue
			}

			switch {
			case iface == adapterIface && sig.Path == d.path:
				if powered, ok := boolProp(changed, "Powered"); ok && !powered {
					d.logger.Warn("adapter powered off during scan", "method", "Scan")
					return fmt.Errorf("%w: adapter %s powered off", printer.ErrTransportUnavailable, d.name)
				}

			case iface == deviceIface && isChildOf(sig.Path, d.path):
				s, found := known[sig.Path]
				if !found {
					s = printer.Sighting{Address: macFromPath(sig.Path)}
				}
				update := sightingFromProps(sig.Path, changed)
				if update.Name != "" {
					s.Name = update.Name
				}
				if update.HasRSSI {
					s.RSSI, s.HasRSSI = update.RSSI, true
				}
				known[sig.Path] = s

				// only RSSI updates are fresh advertisements
				if update.HasRSSI {
					fn(s)
				}
			}
		}
	}
}

func (d *GATTDriver) scanError(op string, err error) error {
	if powerStateFromError(err) == printer.Unsupported {
		return fmt.Errorf("%w: %s: %w", printer.ErrTransportUnavailable, op, err)
	}

	return callError(op, err)
}

// Dial connects the LE device at address and waits until BlueZ resolved its
// services. The device must be known to the adapter, which a preceding
// scan ensures.
func (d *GATTDriver) Dial(ctx context.Context, address string) (printer.Link, error) {
	path := d.devicePath(address)
	l := d.logger.With("address", address)

	sub, err := d.subscribe(signalMatch(propsIface, "PropertiesChanged"))
	if err != nil {
		return nil, err
	}

	dev := d.object(path)
	if call := dev.CallWithContext(ctx, deviceIface+".Connect", 0); call.Err != nil {
		sub.close()
		return nil, callError("connect "+address, call.Err)
	}

	link := &gattLink{
		adapter: d.adapter,
		path:    path,
		address: address,
		logger:  l,
		sub:     sub,
		done:    make(chan struct{}),
		stop:    make(chan struct{}),
	}

	if err := link.waitResolved(ctx); err != nil {
		sub.close()
		_ = link.Close()

		return nil, err
	}

	go link.watch()
	l.Info("gatt link established", "method", "Dial")

	return link, nil
}

type gattLink struct {
	*adapter
	path    dbus.ObjectPath
	address string
	logger  logger.Logger
	sub     *subscription

	done     chan struct{}
	doneOnce sync.Once
	stop     chan struct{}
	stopOnce sync.Once
	closeErr error
	closed   sync.Once
}

var _ printer.PacketLink = (*gattLink)(nil)

func (l *gattLink) waitResolved(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, l.opts.resolveTimeout)
	defer cancel()

	if v, err := l.object(l.path).GetProperty(deviceIface + ".ServicesResolved"); err == nil {
		if resolved, _ := v.Value().(bool); resolved {
			return nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("services of %s not resolved: %w", l.address, ctx.Err())

		case sig, ok := <-l.sub.ch:
			if !ok {
				return fmt.Errorf("%w: system bus connection lost", printer.ErrTransportUnavailable)
			}
			if sig.Path != l.path {
				continue
			}
			iface, changed, ok := propertiesChanged(sig)
			if !ok || iface != deviceIface {
				continue
			}
			if connected, ok := boolProp(changed, "Connected"); ok && !connected {
				return fmt.Errorf("%s disconnected while resolving services", l.address)
			}
			if resolved, ok := boolProp(changed, "ServicesResolved"); ok && resolved {
				return nil
			}
		}
	}
}

// watch marks the link done when the device reports a disconnection.
func (l *gattLink) watch() {
	defer l.sub.close()

	for {
		select {
		case <-l.stop:
			return

		case sig, ok := <-l.sub.ch:
			if !ok {
				l.logger.Warn("system bus connection lost", "method", "watch")
				l.markDone()

				return
			}
			if sig.Path != l.path {
				continue
			}
			iface, changed, ok := propertiesChanged(sig)
			if !ok || iface != deviceIface {
				continue
			}
			if connected, ok := boolProp(changed, "Connected"); ok && !connected {
				l.logger.Warn("device disconnected", "method", "watch")
				l.markDone()

				return
			}
		}
	}
}

func (l *gattLink) markDone() {
	l.doneOnce.Do(func() { close(l.done) })
}

func (l *gattLink) Done() <-chan struct{} {
	return l.done
}

// Close disconnects the device. The link is done once BlueZ answered.
func (l *gattLink) Close() error {
	l.closed.Do(func() {
		l.stopOnce.Do(func() { close(l.stop) })

		ctx, cancel := context.WithTimeout(context.Background(), l.opts.callTimeout)
		defer cancel()

		if call := l.object(l.path).CallWithContext(ctx, deviceIface+".Disconnect", 0); call.Err != nil {
			l.closeErr = callError("disconnect "+l.address, call.Err)
		}
		l.markDone()
		l.logger.Debug("gatt link closed", "method", "Close", "error", l.closeErr)
	})

	return l.closeErr
}

// Endpoints lists the primary services of the device with their
// characteristics.
func (l *gattLink) Endpoints(ctx context.Context) ([]printer.Endpoint, error) {
	objs, err := l.managedObjects(ctx)
	if err != nil {
		return nil, err
	}

	return buildEndpoints(l, l.path, objs), nil
}

// buildEndpoints groups the characteristics of objs below devPath by their
// service, ordered by object path.
func buildEndpoints(l *gattLink, devPath dbus.ObjectPath, objs managedObjects) []printer.Endpoint {
	services := make(map[dbus.ObjectPath]*gattService)

	for path, ifaces := range objs {
		props, ok := ifaces[gattServiceIface]
		if !ok || !isChildOf(path, devPath) {
			continue
		}
		services[path] = &gattService{path: path, uuid: stringProp(props, "UUID")}
	}

	for path, ifaces := range objs {
		props, ok := ifaces[gattCharIface]
		if !ok || !isChildOf(path, devPath) {
			continue
		}

		svcPath, _ := props["Service"].Value().(dbus.ObjectPath)
		svc, ok := services[svcPath]
		if !ok {
			continue
		}

		flags, _ := props["Flags"].Value().([]string)
		var mtu uint16
		if v, ok := props["MTU"]; ok {
			mtu, _ = v.Value().(uint16)
		}

		svc.chars = append(svc.chars, &gattChar{
			link:  l,
			path:  path,
			uuid:  stringProp(props, "UUID"),
			props: parseFlags(flags),
			mtu:   int(mtu),
		})
	}

	paths := make([]dbus.ObjectPath, 0, len(services))
	for path := range services {
		paths = append(paths, path)
	}
	slices.Sort(paths)

	endpoints := make([]printer.Endpoint, 0, len(paths))
	for _, path := range paths {
		svc := services[path]
		slices.SortFunc(svc.chars, func(a, b *gattChar) int { return strings.Compare(string(a.path), string(b.path)) })
		endpoints = append(endpoints, svc)
	}

	return endpoints
}

type gattService struct {
	path  dbus.ObjectPath
	uuid  string
	chars []*gattChar
}

func (s *gattService) UUID() string { return s.uuid }

func (s *gattService) Elements(_ context.Context) ([]printer.Element, error) {
	elements := make([]printer.Element, len(s.chars))
	for i, c := range s.chars {
		elements[i] = c
	}

	return elements, nil
}

type gattChar struct {
	link  *gattLink
	path  dbus.ObjectPath
	uuid  string
	props printer.Property
	// mtu is the ATT MTU reported by BlueZ, 0 when unknown.
	mtu int
}

func (c *gattChar) UUID() string { return c.uuid }

func (c *gattChar) Properties() printer.Property { return c.props }

// MaxWriteLen returns the MTU minus the ATT header, or 0 when BlueZ does not
// report the MTU.
func (c *gattChar) MaxWriteLen(_ bool) int {
	if c.mtu <= attHeaderLen {
		return 0
	}

	return c.mtu - attHeaderLen
}

// WriteWithResponse issues a write request. Requests are sent in call order;
// ack runs when BlueZ returns the remote response.
func (c *gattChar) WriteWithResponse(p []byte, ack func(error)) error {
	opts := map[string]dbus.Variant{"type": dbus.MakeVariant("request")}
	call := c.link.object(c.path).Go(gattCharIface+".WriteValue", 0, make(chan *dbus.Call, 1), p, opts)

	go func() {
		<-call.Done
		if call.Err != nil {
			ack(callError("write request", call.Err))
			return
		}
		ack(nil)
	}()

	return nil
}

// WriteWithoutResponse issues a write command.
func (c *gattChar) WriteWithoutResponse(p []byte) error {
	opts := map[string]dbus.Variant{"type": dbus.MakeVariant("command")}
	if call := c.link.object(c.path).Call(gattCharIface+".WriteValue", 0, p, opts); call.Err != nil {
		return callError("write command", call.Err)
	}

	return nil
}

// parseFlags maps the BlueZ characteristic flags to element properties.
func parseFlags(flags []string) printer.Property {
	var p printer.Property
	for _, f := range flags {
		switch f {
		case "read":
			p |= printer.PropRead
		case "write":
			p |= printer.PropWrite
		case "write-without-response":
			p |= printer.PropWriteWithoutResponse
		case "notify":
			p |= printer.PropNotify
		case "indicate":
			p |= printer.PropIndicate
		}
	}

	return p
}
