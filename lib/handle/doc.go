// Package handle implements the conversion registry for OS handles that can
// be transferred over an IPC channel. For every supported handle type it
// bundles the operations needed on both sides of a transfer: obtaining a
// transferable descriptor from a wrapper, rebuilding a wrapper around a
// received descriptor, and releasing the descriptor once a transfer has
// resolved.
//
// Supported types and their wire tags:
//
//   - net.Server (*net.TCPListener, *net.UnixListener): listeners keep
//     accepting in both processes after the transfer
//   - net.Socket (*net.TCPConn, *net.UnixConn): established stream
//     connections
//   - dgram.Socket (*net.UDPConn): packet sockets
//
// The registry is a fixed table keyed by wire tag. Senders resolve a wrapper
// to its tag and strategy exactly once at the API boundary (Resolve),
// receivers look the strategy up from the tag announced on the wire
// (Lookup). Unknown wrappers and unknown tags fail with
// common.ErrInvalidHandleType.
//
// Ownership rules:
//
//	Extract duplicates the wrapper's descriptor and, unless KeepOpen was
//	requested, closes the original wrapper. The duplicate stays alive for
//	possible retransmissions until the peer acknowledges the handle; it is
//	then released through PostSend. Reconstruct consumes the received
//	descriptor and hands back a regular net wrapper.
package handle
