package printer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestManager_DiscoverEmptyWindow(t *testing.T) {
	require := require.New(t)

	driver := newFakeScanDriver(PacketTransport, nil)
	mgr := newTestManager(t, driver)

	begin := time.Now()
	devices, err := mgr.Discover(context.Background(), 100*time.Millisecond)
	require.NoError(err)
	require.Empty(devices)
	require.GreaterOrEqual(time.Since(begin), 90*time.Millisecond)
	require.Less(time.Since(begin), time.Second)
	require.False(driver.lastScanOpts().AllowDuplicates)
	require.Equal(uint64(1), mgr.GetMetrics().ScanCount.Load())
}

func TestManager_DiscoverAdmission(t *testing.T) {
	require := require.New(t)

	driver := newFakeScanDriver(PacketTransport, nil,
		Sighting{Name: "P1", Address: "AA:00:00:00:00:01", RSSI: -70, HasRSSI: true},
		Sighting{Name: "", Address: "AA:00:00:00:00:02", RSSI: -40, HasRSSI: true},
		Sighting{Name: "Weak", Address: "AA:00:00:00:00:03", RSSI: -95, HasRSSI: true},
		Sighting{Name: "P2", Address: "AA:00:00:00:00:04"},
		Sighting{Name: "P1", Address: "aa:00:00:00:00:01", RSSI: -45, HasRSSI: true},
	)
	mgr := newTestManager(t, driver)

	devices, err := mgr.Discover(context.Background(), 100*time.Millisecond)
	require.NoError(err)
	require.Len(devices, 2)

	require.Equal("P1", devices[0].Name)
	require.Equal(-45, devices[0].RSSI, "latest sighting wins")
	require.Equal("P2", devices[1].Name)
	require.False(devices[1].HasRSSI)

	require.Equal(devices, mgr.Devices())
	require.Equal(uint64(3), mgr.GetMetrics().DeviceAdmitCount.Load())

	t.Run("next window starts empty", func(t *testing.T) {
		driver.scanMu.Lock()
		driver.sightings = []Sighting{{Name: "P3", Address: "AA:00:00:00:00:05", RSSI: -60, HasRSSI: true}}
		driver.scanMu.Unlock()

		devices, err := mgr.Discover(context.Background(), 50*time.Millisecond)
		require.NoError(err)
		require.Len(devices, 1)
		require.Equal("P3", devices[0].Name)
	})
}

func TestManager_DiscoverRSSIFloorOption(t *testing.T) {
	require := require.New(t)

	driver := newFakeScanDriver(PacketTransport, nil,
		Sighting{Name: "Near", Address: "AA:00:00:00:00:01", RSSI: -60, HasRSSI: true},
		Sighting{Name: "Far", Address: "AA:00:00:00:00:02", RSSI: -75, HasRSSI: true},
	)
	mgr := newTestManager(t, driver, WithRSSIFloor(-70))

	devices, err := mgr.Discover(context.Background(), 50*time.Millisecond)
	require.NoError(err)
	require.Len(devices, 1)
	require.Equal("Near", devices[0].Name)
}

func TestManager_DiscoverRadioOff(t *testing.T) {
	require := require.New(t)

	driver := newFakeScanDriver(PacketTransport, nil,
		Sighting{Name: "P1", Address: "AA:00:00:00:00:01", RSSI: -50, HasRSSI: true},
	)
	driver.scanErr = fmt.Errorf("%w: adapter powered off", ErrTransportUnavailable)
	mgr := newTestManager(t, driver)

	devices, err := mgr.Discover(context.Background(), time.Second)
	require.NoError(err)
	require.Len(devices, 1)

	t.Run("radio off before the scan", func(t *testing.T) {
		driver.setPower(PoweredOff)
		_, err := mgr.Discover(context.Background(), time.Second)
		require.ErrorIs(err, ErrTransportUnavailable)
	})

	t.Run("permission denied", func(t *testing.T) {
		driver.setPower(Unauthorized)
		_, err := mgr.Discover(context.Background(), time.Second)
		require.ErrorIs(err, ErrPermissionDenied)
	})
}

func TestManager_DiscoverScanError(t *testing.T) {
	require := require.New(t)

	driver := newFakeScanDriver(PacketTransport, nil)
	driver.scanErr = errFake
	mgr := newTestManager(t, driver)

	_, err := mgr.Discover(context.Background(), time.Second)
	require.ErrorIs(err, errFake)
}

func TestManager_DiscoverPaired(t *testing.T) {
	require := require.New(t)

	paired := []DeviceRecord{{Name: "SPP Printer", Address: "AA:00:00:00:00:09"}}
	driver := &fakePairedDriver{fakeDriver: newFakeDriver(StreamTransport, nil), paired: paired}
	mgr := newTestManager(t, driver)

	devices, err := mgr.Discover(context.Background(), time.Second)
	require.NoError(err)
	require.Equal(paired, devices)
}

func TestManager_DiscoverNotSupported(t *testing.T) {
	require := require.New(t)

	mgr := newTestManager(t, newFakeDriver(StreamTransport, nil))

	_, err := mgr.Discover(context.Background(), time.Second)
	require.ErrorIs(err, ErrNotSupported)
}

func TestManager_DiscoverCancelled(t *testing.T) {
	require := require.New(t)

	driver := newFakeScanDriver(PacketTransport, nil,
		Sighting{Name: "P1", Address: "AA:00:00:00:00:01", RSSI: -50, HasRSSI: true},
	)
	mgr := newTestManager(t, driver)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	devices, err := mgr.Discover(ctx, 10*time.Second)
	require.ErrorIs(err, context.DeadlineExceeded)
	require.Len(devices, 1, "devices collected before cancellation are returned")
}

func TestManager_DiscoverSupersedesDiscover(t *testing.T) {
	require := require.New(t)

	driver := newFakeScanDriver(PacketTransport, nil)
	mgr := newTestManager(t, driver)

	firstDone := make(chan error, 1)
	go func() {
		_, err := mgr.Discover(context.Background(), 10*time.Second)
		firstDone <- err
	}()

	require.Eventually(func() bool { return driver.activeScans.Load() == 1 }, time.Second, time.Millisecond)

	_, err := mgr.Discover(context.Background(), 50*time.Millisecond)
	require.NoError(err)

	select {
	case err := <-firstDone:
		require.NoError(err)
	case <-time.After(time.Second):
		t.Fatal("first discovery not stopped")
	}

	require.False(driver.overlapped.Load(), "scans never overlap")
	require.Equal(2, driver.scanCount())
}

func TestManager_DiscoverSupersedesConnectScan(t *testing.T) {
	require := require.New(t)

	driver := newPacketDriver(&fakeElement{uuid: "ff01", props: PropWrite})
	mgr := newTestManager(t, driver)

	connectDone := make(chan error, 1)
	go func() {
		connectDone <- mgr.Connect(context.Background(), testAddr)
	}()

	require.Eventually(func() bool { return driver.activeScans.Load() == 1 }, time.Second, time.Millisecond)

	_, err := mgr.Discover(context.Background(), 50*time.Millisecond)
	require.NoError(err)

	select {
	case err := <-connectDone:
		require.ErrorIs(err, ErrConnectFailed)
	case <-time.After(time.Second):
		t.Fatal("connect scan not stopped")
	}

	require.False(driver.overlapped.Load())
	require.Equal(IdleState, mgr.State())
}
