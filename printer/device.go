package printer

import (
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// DeviceRecord is a candidate printer seen during discovery.
type DeviceRecord struct {
	Name    string
	Address string
	RSSI    int
	HasRSSI bool
	// LastSeen is the time of the most recent sighting.
	LastSeen time.Time
}

type deviceEntry struct {
	seq    uint64
	record DeviceRecord
}

// DeviceRegistry holds the devices admitted during one scan window.
//
// Records are keyed by address, compared case-insensitively. A repeated
// sighting replaces the stored record but keeps its original position, so
// Snapshot lists devices in the order they were first seen.
type DeviceRegistry struct {
	devices   *xsync.MapOf[string, deviceEntry]
	seq       atomic.Uint64
	rssiFloor int
	now       func() time.Time
}

// NewDeviceRegistry creates an empty registry admitting only sightings whose
// RSSI, when reported, is strictly greater than rssiFloor.
func NewDeviceRegistry(rssiFloor int) *DeviceRegistry {
	return &DeviceRegistry{
		devices:   xsync.NewMapOf[string, deviceEntry](),
		rssiFloor: rssiFloor,
		now:       time.Now,
	}
}

// Admit records s if it passes the admission filter and reports whether it
// was admitted.
func (r *DeviceRegistry) Admit(s Sighting) bool {
	if s.Name == "" || s.Address == "" {
		return false
	}
	if s.HasRSSI && s.RSSI <= r.rssiFloor {
		return false
	}

	rec := DeviceRecord{
		Name:     s.Name,
		Address:  s.Address,
		RSSI:     s.RSSI,
		HasRSSI:  s.HasRSSI,
		LastSeen: r.now(),
	}

	r.devices.Compute(strings.ToLower(s.Address), func(old deviceEntry, loaded bool) (deviceEntry, bool) {
		if !loaded {
			old.seq = r.seq.Add(1)
		}
		old.record = rec

		return old, false
	})

	return true
}

// Reset discards every record.
func (r *DeviceRegistry) Reset() {
	r.devices.Clear()
}

// Len returns the number of distinct devices.
func (r *DeviceRegistry) Len() int {
	return r.devices.Size()
}

// Snapshot returns the records ordered by first sighting.
func (r *DeviceRegistry) Snapshot() []DeviceRecord {
	entries := make([]deviceEntry, 0, r.devices.Size())
	r.devices.Range(func(_ string, e deviceEntry) bool {
		entries = append(entries, e)
		return true
	})

	slices.SortFunc(entries, func(a, b deviceEntry) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		default:
			return 0
		}
	})

	records := make([]DeviceRecord, len(entries))
	for i, e := range entries {
		records[i] = e.record
	}

	return records
}
