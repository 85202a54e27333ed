package printer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// scanSlot is the single scan a Manager runs at a time, shared by
// discovery and connect-time scanning.
type scanSlot struct {
	cancel     context.CancelFunc
	done       chan struct{}
	superseded atomic.Bool
}

// acquireScan takes the scan slot, stopping the running scan and waiting
// for it to return first. cancel stops the new scan.
func (m *Manager) acquireScan(cancel context.CancelFunc) *scanSlot {
	slot := &scanSlot{cancel: cancel, done: make(chan struct{})}

	m.scanMu.Lock()
	prev := m.scan
	m.scan = slot
	m.scanMu.Unlock()

	if prev != nil {
		m.logger.Debug("stop previous scan", "method", "acquireScan")
		prev.superseded.Store(true)
		prev.cancel()
		<-prev.done
	}

	return slot
}

func (m *Manager) releaseScan(slot *scanSlot) {
	m.scanMu.Lock()
	if m.scan == slot {
		m.scan = nil
	}
	m.scanMu.Unlock()

	close(slot.done)
}

// stopScan stops the running scan, if any, and waits for it to return.
func (m *Manager) stopScan() {
	m.scanMu.Lock()
	slot := m.scan
	m.scanMu.Unlock()

	if slot != nil {
		slot.cancel()
		<-slot.done
	}
}

// Discover scans for printers during window and returns the admitted
// devices in the order they were first seen. A non-positive window uses the
// configured scan window.
//
// A sighting is admitted when it carries a name and, if the transport
// reports signal strength, its RSSI is above the configured floor. Repeated
// sightings of an address update its record.
//
// The scan ends when window elapses or ctx is done. If the radio becomes
// unusable during the scan, Discover returns what was collected without an
// error. A scan started by Discover or Connect stops any scan already
// running.
//
// Drivers unable to scan but able to list paired devices return that list.
func (m *Manager) Discover(ctx context.Context, window time.Duration) ([]DeviceRecord, error) {
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}

	if err := m.checkPower(); err != nil {
		return nil, err
	}

	scanner, ok := m.driver.(Scanner)
	if !ok {
		lister, ok := m.driver.(PairedLister)
		if !ok {
			return nil, ErrNotSupported
		}

		devices, err := lister.PairedDevices(ctx)
		if err != nil {
			return nil, fmt.Errorf("list paired devices: %w", err)
		}
		m.logger.Info("paired devices listed", "method", "Discover", "devices", len(devices))

		return devices, nil
	}

	if window <= 0 {
		window = m.cfg.ScanWindow()
	}

	scanCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	slot := m.acquireScan(cancel)
	defer m.releaseScan(slot)

	m.registry.Reset()
	m.metrics.incScanCount()
	m.logger.Debug("discovery started", "method", "Discover", "window", window)

	err := scanner.Scan(scanCtx, ScanOptions{}, func(s Sighting) {
		if m.registry.Admit(s) {
			m.metrics.incDeviceAdmitCount()
		}
	})

	devices := m.registry.Snapshot()

	if err != nil && scanCtx.Err() != nil && errors.Is(err, scanCtx.Err()) {
		err = nil
	}

	switch {
	case errors.Is(err, ErrTransportUnavailable):
		m.logger.Warn("radio unavailable, discovery ended early", "method", "Discover", "devices", len(devices), "error", err)
	case err != nil:
		return devices, fmt.Errorf("discovery: %w", err)
	case ctx.Err() != nil:
		return devices, ctx.Err()
	}

	m.logger.Info("discovery finished", "method", "Discover", "devices", len(devices), "superseded", slot.superseded.Load())

	return devices, nil
}

// Devices returns the devices admitted by the last discovery.
func (m *Manager) Devices() []DeviceRecord {
	return m.registry.Snapshot()
}
