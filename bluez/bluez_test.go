//go:build linux

package bluez

import (
	"errors"
	"fmt"
	"testing"
	"time"

	dbus "github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-printlink/logger"
	"github.com/arloliu/go-printlink/printer"
)

const testAdapterPath = dbus.ObjectPath("/org/bluez/hci0")

func TestValidateMAC(t *testing.T) {
	require := require.New(t)

	require.NoError(ValidateMAC("AA:BB:CC:DD:EE:FF"))
	require.NoError(ValidateMAC("00:1b:dc:0f:7a:42"))

	for _, addr := range []string{"", "AA:BB:CC:DD:EE", "AA:BB:CC:DD:EE:FF:00", "AA-BB-CC-DD-EE-FF", "AA:BB:CC:DD:EE:GG", "AAA:BB:CC:DD:EE:F"} {
		require.ErrorIs(ValidateMAC(addr), printer.ErrInvalidAddress, addr)
	}
}

func TestDevicePath(t *testing.T) {
	require := require.New(t)

	path := devicePath(testAdapterPath, "aa:bb:cc:dd:ee:ff")
	require.Equal(dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"), path)
	require.Equal("AA:BB:CC:DD:EE:FF", macFromPath(path))
	require.Equal("AA:BB:CC:DD:EE:FF", macFromPath(path+"/service0010/char0011"))
	require.Empty(macFromPath("/org/bluez/hci0"))

	require.True(isChildOf(path, testAdapterPath))
	require.False(isChildOf(testAdapterPath, testAdapterPath))
	require.False(isChildOf("/org/bluez/hci01/dev_AA", testAdapterPath))
}

func TestParseFlags(t *testing.T) {
	require := require.New(t)

	props := parseFlags([]string{"read", "write-without-response", "write", "notify", "indicate", "authenticated-signed-writes"})
	require.Equal(printer.PropRead|printer.PropWrite|printer.PropWriteWithoutResponse|printer.PropNotify|printer.PropIndicate, props)
	require.Equal(printer.Property(0), parseFlags(nil))
	require.Equal(printer.PropWriteWithoutResponse, parseFlags([]string{"write-without-response"}))
}

func TestSightingFromProps(t *testing.T) {
	require := require.New(t)

	path := devicePath(testAdapterPath, "AA:BB:CC:DD:EE:01")

	s := sightingFromProps(path, map[string]dbus.Variant{
		"Name":    dbus.MakeVariant("ZQ320"),
		"Address": dbus.MakeVariant("AA:BB:CC:DD:EE:01"),
		"Alias":   dbus.MakeVariant("my printer"),
		"RSSI":    dbus.MakeVariant(int16(-61)),
	})
	require.Equal(printer.Sighting{Name: "ZQ320", Address: "AA:BB:CC:DD:EE:01", RSSI: -61, HasRSSI: true}, s)

	s = sightingFromProps(path, map[string]dbus.Variant{
		"Alias": dbus.MakeVariant("AA-BB-CC-DD-EE-01"),
	})
	require.Empty(s.Name, "alias is never used as name")
	require.Equal("AA:BB:CC:DD:EE:01", s.Address)
	require.False(s.HasRSSI)
}

func TestPowerStateFromError(t *testing.T) {
	require := require.New(t)

	require.Equal(printer.Unauthorized, powerStateFromError(dbus.Error{Name: "org.freedesktop.DBus.Error.AccessDenied"}))
	require.Equal(printer.Unsupported, powerStateFromError(dbus.Error{Name: "org.freedesktop.DBus.Error.UnknownObject"}))
	require.Equal(printer.Unsupported, powerStateFromError(&dbus.Error{Name: "org.freedesktop.DBus.Error.ServiceUnknown"}))
	require.Equal(printer.PowerUnknown, powerStateFromError(errors.New("boom")))
}

func TestCallError(t *testing.T) {
	require := require.New(t)

	err := callError("connect", dbus.Error{Name: "org.bluez.Error.NotAuthorized"})
	require.ErrorIs(err, printer.ErrPermissionDenied)

	err = callError("connect", fmt.Errorf("wrapped: %w", dbus.Error{Name: "org.bluez.Error.NotReady"}))
	require.ErrorIs(err, printer.ErrTransportUnavailable)

	err = callError("connect", dbus.Error{Name: "org.bluez.Error.Failed"})
	require.NotErrorIs(err, printer.ErrTransportUnavailable)
	require.Contains(err.Error(), "connect")
}

func TestBuildEndpoints(t *testing.T) {
	require := require.New(t)

	dev := devicePath(testAdapterPath, "AA:BB:CC:DD:EE:01")
	other := devicePath(testAdapterPath, "AA:BB:CC:DD:EE:02")
	gap := dev + "/service0001"
	vendor := dev + "/service0010"

	objs := managedObjects{
		dev: {deviceIface: {"Address": dbus.MakeVariant("AA:BB:CC:DD:EE:01")}},
		gap: {gattServiceIface: {"UUID": dbus.MakeVariant("00001800-0000-1000-8000-00805f9b34fb")}},
		gap + "/char0002": {gattCharIface: {
			"UUID":    dbus.MakeVariant("00002a00-0000-1000-8000-00805f9b34fb"),
			"Service": dbus.MakeVariant(gap),
			"Flags":   dbus.MakeVariant([]string{"read"}),
		}},
		vendor: {gattServiceIface: {"UUID": dbus.MakeVariant("49535343-fe7d-4ae5-8fa9-9fafd205e455")}},
		vendor + "/char0013": {gattCharIface: {
			"UUID":    dbus.MakeVariant("49535343-1e4d-4bd9-ba61-23c647249616"),
			"Service": dbus.MakeVariant(vendor),
			"Flags":   dbus.MakeVariant([]string{"notify"}),
		}},
		vendor + "/char0011": {gattCharIface: {
			"UUID":    dbus.MakeVariant("49535343-8841-43f4-a8d4-ecbe34729bb3"),
			"Service": dbus.MakeVariant(vendor),
			"Flags":   dbus.MakeVariant([]string{"write", "write-without-response"}),
			"MTU":     dbus.MakeVariant(uint16(247)),
		}},
		other + "/service0010": {gattServiceIface: {"UUID": dbus.MakeVariant("0000ffe0-0000-1000-8000-00805f9b34fb")}},
	}

	endpoints := buildEndpoints(nil, dev, objs)
	require.Len(endpoints, 2)
	require.Equal("00001800-0000-1000-8000-00805f9b34fb", endpoints[0].UUID())
	require.Equal("49535343-fe7d-4ae5-8fa9-9fafd205e455", endpoints[1].UUID())

	elements, err := endpoints[1].Elements(t.Context())
	require.NoError(err)
	require.Len(elements, 2)

	require.Equal("49535343-8841-43f4-a8d4-ecbe34729bb3", elements[0].UUID())
	require.Equal(printer.PropWrite|printer.PropWriteWithoutResponse, elements[0].Properties())
	require.Equal(244, elements[0].MaxWriteLen(false))
	require.Equal(0, elements[1].MaxWriteLen(true), "unknown mtu")
}

func TestPairedRecords(t *testing.T) {
	require := require.New(t)

	objs := managedObjects{
		devicePath(testAdapterPath, "AA:00:00:00:00:02"): {deviceIface: {
			"Address": dbus.MakeVariant("AA:00:00:00:00:02"),
			"Alias":   dbus.MakeVariant("Label printer"),
			"Paired":  dbus.MakeVariant(true),
		}},
		devicePath(testAdapterPath, "AA:00:00:00:00:01"): {deviceIface: {
			"Address": dbus.MakeVariant("AA:00:00:00:00:01"),
			"Name":    dbus.MakeVariant("RW420"),
			"Paired":  dbus.MakeVariant(true),
		}},
		devicePath(testAdapterPath, "AA:00:00:00:00:03"): {deviceIface: {
			"Address": dbus.MakeVariant("AA:00:00:00:00:03"),
			"Name":    dbus.MakeVariant("Headset"),
			"Paired":  dbus.MakeVariant(false),
		}},
		devicePath("/org/bluez/hci1", "AA:00:00:00:00:04"): {deviceIface: {
			"Name":   dbus.MakeVariant("Other adapter"),
			"Paired": dbus.MakeVariant(true),
		}},
	}

	records := pairedRecords(testAdapterPath, objs)
	require.Equal([]printer.DeviceRecord{
		{Name: "RW420", Address: "AA:00:00:00:00:01"},
		{Name: "Label printer", Address: "AA:00:00:00:00:02"},
	}, records)
}

func TestSignalDecoding(t *testing.T) {
	require := require.New(t)

	path := devicePath(testAdapterPath, "AA:BB:CC:DD:EE:01")

	sig := &dbus.Signal{
		Path: path,
		Name: propertiesChangedSignal,
		Body: []any{deviceIface, map[string]dbus.Variant{"Connected": dbus.MakeVariant(false)}, []string{}},
	}
	iface, changed, ok := propertiesChanged(sig)
	require.True(ok)
	require.Equal(deviceIface, iface)
	connected, ok := boolProp(changed, "Connected")
	require.True(ok)
	require.False(connected)

	_, _, ok = interfacesAdded(sig)
	require.False(ok)

	added := &dbus.Signal{
		Path: "/",
		Name: interfacesAddedSignal,
		Body: []any{path, map[string]map[string]dbus.Variant{deviceIface: {"Name": dbus.MakeVariant("P")}}},
	}
	p, ifaces, ok := interfacesAdded(added)
	require.True(ok)
	require.Equal(path, p)
	require.Contains(ifaces, deviceIface)

	_, _, ok = propertiesChanged(&dbus.Signal{Name: propertiesChangedSignal, Body: []any{"x"}})
	require.False(ok)
}

func TestNewOptions(t *testing.T) {
	require := require.New(t)

	o, err := newOptions()
	require.NoError(err)
	require.Equal("hci0", o.adapter)
	require.Equal(15*time.Second, o.resolveTimeout)
	require.NotNil(o.logger)
	require.Nil(o.conn)

	l := logger.NewDiscard()
	o, err = newOptions(WithAdapter("hci1"), WithResolveTimeout(30*time.Second), WithCallTimeout(time.Second), WithLogger(l))
	require.NoError(err)
	require.Equal("hci1", o.adapter)
	require.Equal(30*time.Second, o.resolveTimeout)
	require.Equal(time.Second, o.callTimeout)
	require.Equal(l, o.logger)

	_, err = newOptions(WithAdapter("hci0/dev"))
	require.Error(err)
	_, err = newOptions(WithResolveTimeout(0))
	require.EqualError(err, "resolve timeout out of range [1s, 60s]")
	_, err = newOptions(WithConn(nil))
	require.Error(err)
}

func TestSPPProfile(t *testing.T) {
	require := require.New(t)

	p := newSPPProfile(logger.NewDiscard())
	dev := devicePath(testAdapterPath, "AA:00:00:00:00:01")

	// nobody waits: rejected
	dbusErr := p.NewConnection(dev, dbus.UnixFD(-1), nil)
	require.NotNil(dbusErr)
	require.Equal("org.bluez.Error.Rejected", dbusErr.Name)

	wait := p.expect(dev)
	require.Nil(p.NewConnection(dev, dbus.UnixFD(42), nil))
	require.Equal(42, <-wait)

	p.forget(dev)
	require.NotNil(p.NewConnection(dev, dbus.UnixFD(-1), nil))
}

func TestPrintable(t *testing.T) {
	require := require.New(t)

	require.Equal("OK", printable([]byte("OK\r\n")))
	require.Equal(`\x1bV1.2 ready`, printable([]byte("\x1bV1.2\nready")))
	require.Empty(printable(nil))
}
