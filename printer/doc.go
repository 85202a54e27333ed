// Package printer implements a transport core for talking to label and
// receipt printers over Bluetooth style links.
//
// A Manager owns at most one logical connection. It drives device discovery,
// connection establishment and capability negotiation, then streams payloads
// to the negotiated write target:
//
//   - Packet transports (GATT) expose endpoints (services) holding elements
//     (characteristics). The Manager picks a writable element, preferring
//     write-without-response, and splits payloads into chunks of the
//     negotiated size. Acknowledged writes are pipelined and the transfer
//     succeeds only when every chunk is acknowledged.
//   - Stream transports (RFCOMM, serial) expose a byte stream. Zero-byte
//     writes are treated as backpressure and retried after a short delay up
//     to a bounded number of times.
//
// Concrete transports implement the Driver interface; see the bluez and
// serialport packages.
//
// Example Usage:
//
//	cfg, err := printer.NewConnectionConfig(driver, printer.WithConnectTimeout(10*time.Second))
//	if err != nil {
//	    // handle error
//	}
//	mgr, err := printer.NewManager(ctx, cfg)
//	if err != nil {
//	    // handle error
//	}
//	defer mgr.Close()
//
//	devices, _ := mgr.Discover(ctx, 0)
//	if err := mgr.Connect(ctx, devices[0].Address); err != nil {
//	    // handle error
//	}
//	err = mgr.Send(ctx, "^XA^FDHello^FS^XZ")
package printer
