package printer

import (
	"sync/atomic"
)

// ConnectionMetrics contains atomic metrics for a Manager.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc.
type ConnectionMetrics struct {
	// ScanCount indicates the number of scans started, for discovery and connect.
	ScanCount atomic.Uint64
	// DeviceAdmitCount indicates the number of sightings admitted to the device registry.
	DeviceAdmitCount atomic.Uint64

	// ConnAttemptCount indicates the number of connect attempts.
	ConnAttemptCount atomic.Uint64
	// ConnSuccessCount indicates the number of connect attempts reaching the ready state.
	ConnSuccessCount atomic.Uint64
	// ConnErrCount indicates the number of failed connect attempts, timeouts included.
	ConnErrCount atomic.Uint64
	// ConnTimeoutCount indicates the number of connect attempts that timed out.
	ConnTimeoutCount atomic.Uint64
	// LinkLostCount indicates the number of unsolicited link losses of ready connections.
	LinkLostCount atomic.Uint64

	// SendCount indicates the number of transfers started.
	SendCount atomic.Uint64
	// SendErrCount indicates the number of failed transfers.
	SendErrCount atomic.Uint64
	// BytesSentCount indicates the number of payload bytes handed to the transport.
	BytesSentCount atomic.Uint64
	// ChunkSentCount indicates the number of chunk writes issued.
	ChunkSentCount atomic.Uint64
	// StreamRetryCount indicates the number of zero-byte stream writes.
	StreamRetryCount atomic.Uint64
}

func (m *ConnectionMetrics) incScanCount() {
	m.ScanCount.Add(1)
}

func (m *ConnectionMetrics) incDeviceAdmitCount() {
	m.DeviceAdmitCount.Add(1)
}

func (m *ConnectionMetrics) incConnAttemptCount() {
	m.ConnAttemptCount.Add(1)
}

func (m *ConnectionMetrics) incConnSuccessCount() {
	m.ConnSuccessCount.Add(1)
}

func (m *ConnectionMetrics) incConnErrCount() {
	m.ConnErrCount.Add(1)
}

func (m *ConnectionMetrics) incConnTimeoutCount() {
	m.ConnTimeoutCount.Add(1)
}

func (m *ConnectionMetrics) incLinkLostCount() {
	m.LinkLostCount.Add(1)
}

func (m *ConnectionMetrics) incSendCount() {
	m.SendCount.Add(1)
}

func (m *ConnectionMetrics) incSendErrCount() {
	m.SendErrCount.Add(1)
}

func (m *ConnectionMetrics) addBytesSent(n int) {
	m.BytesSentCount.Add(uint64(n)) //nolint:gosec
}

func (m *ConnectionMetrics) incChunkSentCount() {
	m.ChunkSentCount.Add(1)
}

func (m *ConnectionMetrics) incStreamRetryCount() {
	m.StreamRetryCount.Add(1)
}
