//go:build linux

package bluez

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	dbus "github.com/godbus/dbus/v5"

	"github.com/arloliu/go-printlink/logger"
	"github.com/arloliu/go-printlink/printer"
)

const (
	bluezService        = "org.bluez"
	adapterIface        = "org.bluez.Adapter1"
	deviceIface         = "org.bluez.Device1"
	gattServiceIface    = "org.bluez.GattService1"
	gattCharIface       = "org.bluez.GattCharacteristic1"
	profileIface        = "org.bluez.Profile1"
	profileManagerIface = "org.bluez.ProfileManager1"
	objManagerIface     = "org.freedesktop.DBus.ObjectManager"
	propsIface          = "org.freedesktop.DBus.Properties"

	interfacesAddedSignal   = objManagerIface + ".InterfacesAdded"
	propertiesChangedSignal = propsIface + ".PropertiesChanged"
)

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// adapter is the part of a driver bound to one local BlueZ adapter.
type adapter struct {
	conn   *dbus.Conn
	name   string
	path   dbus.ObjectPath
	opts   *options
	logger logger.Logger
}

func newAdapter(opts *options, kind string) (*adapter, error) {
	conn := opts.conn
	if conn == nil {
		var err error
		// the system bus connection is shared by the process and never closed here
		conn, err = dbus.SystemBus()
		if err != nil {
			return nil, fmt.Errorf("%w: connect system bus: %w", printer.ErrTransportUnavailable, err)
		}
	}

	return &adapter{
		conn:   conn,
		name:   opts.adapter,
		path:   dbus.ObjectPath("/org/bluez/" + opts.adapter),
		opts:   opts,
		logger: opts.logger.With("driver", kind, "adapter", opts.adapter),
	}, nil
}

func (a *adapter) object(path dbus.ObjectPath) dbus.BusObject {
	return a.conn.Object(bluezService, path)
}

// powerState reads the Powered property of the adapter.
func (a *adapter) powerState() printer.PowerState {
	v, err := a.object(a.path).GetProperty(adapterIface + ".Powered")
	if err != nil {
		state := powerStateFromError(err)
		a.logger.Debug("read adapter power state", "error", err, "power_state", state.String())

		return state
	}

	powered, ok := v.Value().(bool)
	switch {
	case !ok:
		return printer.PowerUnknown
	case powered:
		return printer.PoweredOn
	default:
		return printer.PoweredOff
	}
}

func (a *adapter) devicePath(address string) dbus.ObjectPath {
	return devicePath(a.path, address)
}

func (a *adapter) managedObjects(ctx context.Context) (managedObjects, error) {
	var objs managedObjects

	call := a.conn.Object(bluezService, "/").CallWithContext(ctx, objManagerIface+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("GetManagedObjects: %w", call.Err)
	}
	if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("decode GetManagedObjects: %w", err)
	}

	return objs, nil
}

// isChildOf reports whether path lies strictly below parent.
func isChildOf(path, parent dbus.ObjectPath) bool {
	return strings.HasPrefix(string(path), string(parent)+"/")
}

// devicePath converts a MAC address to its BlueZ object path under adapterPath,
// e.g. "AA:BB:CC:DD:EE:FF" to "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF".
func devicePath(adapterPath dbus.ObjectPath, address string) dbus.ObjectPath {
	dev := strings.ReplaceAll(strings.ToUpper(address), ":", "_")
	return dbus.ObjectPath(string(adapterPath) + "/dev_" + dev)
}

// macFromPath extracts the MAC address of a device object path. It returns
// an empty string for paths that are not device paths.
func macFromPath(p dbus.ObjectPath) string {
	s := string(p)
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}

	mac := s[idx+5:]
	if i := strings.IndexByte(mac, '/'); i >= 0 {
		mac = mac[:i]
	}

	return strings.ReplaceAll(mac, "_", ":")
}

// ValidateMAC checks that address has the form XX:XX:XX:XX:XX:XX.
func ValidateMAC(address string) error {
	parts := strings.Split(address, ":")
	if len(parts) != 6 {
		return fmt.Errorf("%w: %q is not of the form XX:XX:XX:XX:XX:XX", printer.ErrInvalidAddress, address)
	}

	for _, part := range parts {
		if len(part) != 2 {
			return fmt.Errorf("%w: %q is not of the form XX:XX:XX:XX:XX:XX", printer.ErrInvalidAddress, address)
		}
		if _, err := hex.DecodeString(part); err != nil {
			return fmt.Errorf("%w: %q has a non-hex octet", printer.ErrInvalidAddress, address)
		}
	}

	return nil
}

// dbusErrorName returns the D-Bus error name carried by err, if any.
func dbusErrorName(err error) string {
	var e dbus.Error
	if errors.As(err, &e) {
		return e.Name
	}

	var pe *dbus.Error
	if errors.As(err, &pe) && pe != nil {
		return pe.Name
	}

	return ""
}

func powerStateFromError(err error) printer.PowerState {
	switch dbusErrorName(err) {
	case "org.freedesktop.DBus.Error.AccessDenied", "org.bluez.Error.NotAuthorized", "org.bluez.Error.NotPermitted":
		return printer.Unauthorized
	case "org.freedesktop.DBus.Error.UnknownObject", "org.freedesktop.DBus.Error.ServiceUnknown",
		"org.freedesktop.DBus.Error.UnknownMethod", "org.freedesktop.DBus.Error.InvalidArgs":
		return printer.Unsupported
	default:
		return printer.PowerUnknown
	}
}

// callError maps a failed BlueZ call to the printer error kinds.
func callError(op string, err error) error {
	switch dbusErrorName(err) {
	case "org.freedesktop.DBus.Error.AccessDenied", "org.bluez.Error.NotAuthorized", "org.bluez.Error.NotPermitted":
		return fmt.Errorf("%w: %s: %w", printer.ErrPermissionDenied, op, err)
	case "org.bluez.Error.NotReady", "org.freedesktop.DBus.Error.ServiceUnknown":
		return fmt.Errorf("%w: %s: %w", printer.ErrTransportUnavailable, op, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func stringProp(props map[string]dbus.Variant, name string) string {
	if v, ok := props[name]; ok {
		s, _ := v.Value().(string)
		return s
	}

	return ""
}

func boolProp(props map[string]dbus.Variant, name string) (value bool, ok bool) {
	v, found := props[name]
	if !found {
		return false, false
	}
	value, ok = v.Value().(bool)

	return value, ok
}

// sightingFromProps builds a sighting from Device1 properties. Alias is not
// consulted: BlueZ derives it from the address when no name was advertised.
func sightingFromProps(path dbus.ObjectPath, props map[string]dbus.Variant) printer.Sighting {
	s := printer.Sighting{
		Name:    stringProp(props, "Name"),
		Address: stringProp(props, "Address"),
	}
	if s.Address == "" {
		s.Address = macFromPath(path)
	}

	if v, ok := props["RSSI"]; ok {
		if rssi, ok := v.Value().(int16); ok {
			s.RSSI = int(rssi)
			s.HasRSSI = true
		}
	}

	return s
}
