package printer

import (
	"context"
	"fmt"
	"sync"

	"github.com/arloliu/go-printlink/internal/pool"
	"github.com/arloliu/go-printlink/logger"
)

// ackResult is the acknowledgement of the chunk at idx.
type ackResult struct {
	idx int
	err error
}

// transfer tracks the progress of one send.
type transfer struct {
	total       int
	offset      int
	outstanding int
}

func (tr *transfer) advance(n int) {
	tr.offset = min(tr.offset+n, tr.total)
}

func (tr *transfer) fail(err error) *SendError {
	return &SendError{Delivered: tr.offset, Total: tr.total, Err: err}
}

// transferEngine drives a payload to the write target of a ready connection.
type transferEngine struct {
	cfg     *ConnectionConfig
	metrics *ConnectionMetrics
	logger  logger.Logger
}

func newTransferEngine(cfg *ConnectionConfig, metrics *ConnectionMetrics, l logger.Logger) *transferEngine {
	return &transferEngine{cfg: cfg, metrics: metrics, logger: l}
}

// send writes data to conn according to its transport kind and write mode.
// Every failure is a *SendError.
func (e *transferEngine) send(ctx context.Context, conn *connection, data []byte) error {
	switch {
	case conn.kind == StreamTransport:
		return e.sendStream(ctx, conn, data)
	case conn.ackRequired:
		return e.sendAcked(ctx, conn, data)
	default:
		return e.sendUnacked(ctx, conn, data)
	}
}

// sendAcked issues every chunk up front and waits until all of them are
// acknowledged. The first failed acknowledgement aborts the transfer.
func (e *transferEngine) sendAcked(ctx context.Context, conn *connection, data []byte) error {
	chunks := splitChunks(data, conn.maxChunk)
	tr := &transfer{total: len(data), outstanding: len(chunks)}

	acks := make(chan ackResult, len(chunks))
	onAck := func(r ackResult) error {
		if r.err != nil {
			return fmt.Errorf("chunk %d/%d acknowledgement: %w", r.idx+1, len(chunks), r.err)
		}
		tr.advance(len(chunks[r.idx]))
		tr.outstanding--

		return nil
	}

	for i, chunk := range chunks {
		if err := interrupted(ctx, conn); err != nil {
			return tr.fail(err)
		}

		select {
		case r := <-acks:
			if err := onAck(r); err != nil {
				return tr.fail(err)
			}
		default:
		}

		var once sync.Once
		err := conn.element.WriteWithResponse(chunk, func(err error) {
			once.Do(func() { acks <- ackResult{idx: i, err: err} })
		})
		if err != nil {
			return tr.fail(fmt.Errorf("issue chunk %d/%d: %w", i+1, len(chunks), err))
		}
		e.metrics.incChunkSentCount()
		e.metrics.addBytesSent(len(chunk))
	}

	for tr.outstanding > 0 {
		select {
		case <-ctx.Done():
			return tr.fail(ctx.Err())
		case <-conn.lost:
			return tr.fail(ErrNotConnected)
		case r := <-acks:
			if err := onAck(r); err != nil {
				return tr.fail(err)
			}
		}
	}

	e.logger.Info("transfer complete", "method", "sendAcked", "bytes", tr.total, "chunks", len(chunks))

	return nil
}

// sendUnacked issues every chunk in order and returns after the last one is
// handed to the transport.
func (e *transferEngine) sendUnacked(ctx context.Context, conn *connection, data []byte) error {
	chunks := splitChunks(data, conn.maxChunk)
	tr := &transfer{total: len(data)}

	for i, chunk := range chunks {
		if err := interrupted(ctx, conn); err != nil {
			return tr.fail(err)
		}

		if err := conn.element.WriteWithoutResponse(chunk); err != nil {
			return tr.fail(fmt.Errorf("write chunk %d/%d: %w", i+1, len(chunks), err))
		}
		tr.advance(len(chunk))
		e.metrics.incChunkSentCount()
		e.metrics.addBytesSent(len(chunk))
	}

	e.logger.Info("transfer complete", "method", "sendUnacked", "bytes", tr.total, "chunks", len(chunks))

	return nil
}

// sendStream writes data in chunks of up to the stream chunk size. A
// zero-byte write backs off and retries until the retry limit of
// consecutive zero-byte writes is reached.
func (e *transferEngine) sendStream(ctx context.Context, conn *connection, data []byte) error {
	tr := &transfer{total: len(data)}
	chunkSize := e.cfg.StreamChunkSize()
	retryLimit := e.cfg.StreamRetryLimit()
	retryDelay := e.cfg.StreamRetryDelay()

	writes, retries := 0, 0
	for tr.offset < tr.total {
		if err := interrupted(ctx, conn); err != nil {
			return tr.fail(err)
		}

		chunk := data[tr.offset:min(tr.offset+chunkSize, tr.total)]
		n, err := conn.stream.Write(chunk)
		n = max(0, min(n, len(chunk)))
		writes++

		if n > 0 {
			tr.advance(n)
			retries = 0
			e.metrics.incChunkSentCount()
			e.metrics.addBytesSent(n)
		}
		if err != nil {
			e.logger.Error("stream write failed", "method", "sendStream", "offset", tr.offset, "total", tr.total, "error", err)
			return tr.fail(err)
		}
		if n > 0 {
			continue
		}

		retries++
		e.metrics.incStreamRetryCount()
		if retries >= retryLimit {
			e.logger.Error("stream stalled", "method", "sendStream", "offset", tr.offset, "total", tr.total, "retries", retries)
			return tr.fail(fmt.Errorf("stream stalled after %d consecutive zero-byte writes", retries))
		}

		e.logger.Debug("stream buffer full, backing off", "method", "sendStream", "retries", retries, "delay", retryDelay)
		if err := pool.Sleep(ctx, retryDelay); err != nil {
			return tr.fail(err)
		}
	}

	if f, ok := conn.stream.(Flusher); ok {
		if err := f.Flush(); err != nil {
			return tr.fail(fmt.Errorf("flush: %w", err))
		}
	}

	e.logger.Info("transfer complete", "method", "sendStream", "bytes", tr.total, "writes", writes)

	return nil
}

// interrupted returns the reason a transfer on conn must stop, or nil.
func interrupted(ctx context.Context, conn *connection) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-conn.lost:
		return ErrNotConnected
	default:
		return nil
	}
}

// splitChunks slices data into consecutive chunks of at most size bytes.
func splitChunks(data []byte, size int) [][]byte {
	if len(data) == 0 {
		return nil
	}
	if size <= 0 {
		size = len(data)
	}
	chunks := make([][]byte, 0, (len(data)+size-1)/size)
	for off := 0; off < len(data); off += size {
		chunks = append(chunks, data[off:min(off+size, len(data))])
	}

	return chunks
}
