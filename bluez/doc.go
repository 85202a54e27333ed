//go:build linux

// Package bluez provides printer transport drivers for Linux over the BlueZ
// D-Bus API.
//
// GATTDriver is a packet transport: it scans with LE discovery, connects
// devices, exposes their GATT services as endpoints and writes
// characteristics with WriteValue requests or commands.
//
// SPPDriver is a stream transport: it registers a Serial Port Profile client
// with BlueZ and writes the RFCOMM socket handed over on ConnectProfile. It
// cannot scan; printer.Manager.Discover lists the paired devices instead.
//
// Both drivers share the process-wide system bus connection unless WithConn
// is given.
//
//	drv, err := bluez.NewGATTDriver(bluez.WithAdapter("hci0"))
//	if err != nil {
//		return err
//	}
//	cfg, err := printer.NewConnectionConfig(drv)
package bluez
