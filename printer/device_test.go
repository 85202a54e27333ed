package printer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeviceRegistry_Admission(t *testing.T) {
	require := require.New(t)

	reg := NewDeviceRegistry(-90)

	require.False(reg.Admit(Sighting{Name: "", Address: "AA:00", RSSI: -40, HasRSSI: true}), "empty name")
	require.False(reg.Admit(Sighting{Name: "P1", Address: "", RSSI: -40, HasRSSI: true}), "empty address")
	require.False(reg.Admit(Sighting{Name: "P1", Address: "AA:01", RSSI: -90, HasRSSI: true}), "at floor")
	require.False(reg.Admit(Sighting{Name: "P1", Address: "AA:02", RSSI: -100, HasRSSI: true}), "below floor")
	require.True(reg.Admit(Sighting{Name: "P1", Address: "AA:03", RSSI: -89, HasRSSI: true}))
	require.True(reg.Admit(Sighting{Name: "P2", Address: "AA:04"}), "no rssi reported")

	require.Equal(2, reg.Len())
}

func TestDeviceRegistry_DedupeKeepsLatest(t *testing.T) {
	require := require.New(t)

	reg := NewDeviceRegistry(-90)
	require.True(reg.Admit(Sighting{Name: "First", Address: "AA:01", RSSI: -70, HasRSSI: true}))
	require.True(reg.Admit(Sighting{Name: "Second", Address: "AA:02", RSSI: -60, HasRSSI: true}))
	require.True(reg.Admit(Sighting{Name: "First v2", Address: "aa:01", RSSI: -50, HasRSSI: true}))

	devices := reg.Snapshot()
	require.Len(devices, 2)

	require.Equal("First v2", devices[0].Name)
	require.Equal(-50, devices[0].RSSI)
	require.Equal("aa:01", devices[0].Address)
	require.False(devices[0].LastSeen.IsZero())
	require.Equal("Second", devices[1].Name)

	reg.Reset()
	require.Equal(0, reg.Len())
	require.Empty(reg.Snapshot())
}

func TestDeviceRegistry_Concurrent(t *testing.T) {
	require := require.New(t)

	reg := NewDeviceRegistry(-90)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				reg.Admit(Sighting{Name: "P", Address: string(rune('A' + j%10))})
			}
		}()
	}
	wg.Wait()

	devices := reg.Snapshot()
	require.Len(devices, 10)

	seen := make(map[string]bool)
	for _, d := range devices {
		require.False(seen[d.Address], "duplicate address %s", d.Address)
		seen[d.Address] = true
	}
}
