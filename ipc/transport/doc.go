// Package transport provides the duplex byte channel the IPC protocol runs
// on. It defines the transport contract consumed by the channel core and an
// implementation on unix stream socketpairs with SCM_RIGHTS descriptor
// passing.
//
// The package focuses on:
//   - Ordered, asynchronous delivery of byte batches in both directions
//   - Attaching one OS descriptor to an outbound write as ancillary data
//   - Exposing outbound buffering for backpressure reporting
//
// Key Components:
//
//   - IChannelTransport: Interface for transport implementations. Reads are
//     delivered through a callback carrying the batch bytes plus the single
//     descriptor (if any) that arrived with the batch; writes are enqueued
//     and complete asynchronously on the writer goroutine.
//
//   - socketPairTransport: The unix implementation. NewSocketPair creates a
//     connected pair for spawning (local transport plus raw peer file to
//     inherit), FromFD/FromFile attach to an inherited descriptor on the
//     child side. A reader goroutine runs the recvmsg loop, a writer
//     goroutine drains a lock-free MPSC queue, and descriptors are carried
//     as SCM_RIGHTS control messages.
//
// Descriptor discipline:
//
//	Ancillary data marks a read boundary, so at most one handle arrives per
//	read batch. Should a peer ever attach more than one descriptor, the
//	extras are closed immediately to avoid leaks; descriptors of dropped
//	batches (after CloseRead) are closed as well.
package transport
