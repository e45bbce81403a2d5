// Package common provides core data structures and utilities shared across
// the IPC channel system. It defines fundamental types, configuration
// structures, and protocol elements used by other packages.
//
// The package focuses on:
//   - The envelope protocol spoken between the two channel peers
//   - Classification of internal protocol messages vs application messages
//   - Configuration structures for channel construction
//   - Custom logging implementation integrated with Dragonboat's logger
//
// Key Components:
//
//   - Envelope: Core wire unit of the channel. A plain application message
//     carries only a payload; the protocol messages for handle transfer
//     (CmdHandle, CmdHandleAck, CmdHandleNack) additionally set the cmd and
//     type fields. Factory functions create the different envelope kinds.
//
//   - IsInternalCmd: The classification rule shared by both peers. A command
//     string is internal iff it is strictly longer than InternalCmdPrefix and
//     starts with it. The prefix is a process-wide constant.
//
//   - ChannelConfig: Configuration for channel construction, including the
//     wire format, the backpressure watermark, the handle retransmission cap
//     and logging settings.
//
//   - SendOptions: Per-send options (keep-open and error-swallowing
//     semantics) including the normalization of the historic bare-bool form.
//
//   - Logger: Custom logging implementation that integrates with Dragonboat's
//     logging system while providing consistent formatting across the
//     application.
package common
