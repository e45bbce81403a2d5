package transport

// --------------------------------------------------------------------------
// Channel Transport
// --------------------------------------------------------------------------

// ReadCallback is invoked by the transport for every inbound read batch.
// data holds the bytes of the batch. fd is the OS descriptor that arrived as
// ancillary data with this batch, or -1 when the batch carried none. At most
// one descriptor is delivered per batch because ancillary data marks a read
// boundary and is never coalesced across reads.
type ReadCallback func(data []byte, fd int)

// IChannelTransport is the interface for the duplex byte channel the IPC
// protocol runs on. Implementations deliver bytes in order in both
// directions and support attaching one OS descriptor to an outbound write.
//
// Writes are asynchronous: Write enqueues and returns, the completion
// callback fires on the transport's writer goroutine once the bytes hit the
// socket (or failed to). QueuedBytes exposes the enqueued-but-unwritten byte
// count which the channel uses for backpressure reporting.
type IChannelTransport interface {
	// StartReader installs the read callback and starts the reader loop.
	// Must be called exactly once.
	StartReader(cb ReadCallback)

	// OnReadEnd registers the callback invoked once when the read side ends.
	// err is nil for a clean end of stream (peer closed or CloseRead) and
	// non-nil for a read failure.
	OnReadEnd(cb func(err error))

	// OnClosed registers the callback invoked once the transport is fully
	// torn down: the reader has exited and all accepted writes were flushed
	// and the socket closed.
	OnClosed(cb func())

	// Write enqueues an asynchronous write. fd is an OS descriptor to attach
	// as ancillary data, or -1 for a plain write. done (may be nil) fires on
	// the writer goroutine with the write result. Write only returns an
	// error when the transport no longer accepts writes.
	Write(data []byte, fd int, done func(err error)) error

	// QueuedBytes returns the number of bytes accepted by Write but not yet
	// written to the socket
	QueuedBytes() int64

	// Fd returns the underlying descriptor, or -1 once the transport closed
	Fd() int

	// CloseRead shuts down the read side. Buffered unread data is discarded
	// and the reader loop ends.
	CloseRead()

	// Close stops accepting writes, flushes already accepted writes and then
	// closes the socket. It returns immediately, OnClosed reports completion.
	Close() error
}
