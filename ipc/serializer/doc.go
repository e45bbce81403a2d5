// Package serializer provides envelope serialization capabilities for the
// IPC channel system. It defines a common interface and multiple
// implementations for framing and unframing envelopes on the byte stream
// between the two channel peers.
//
// The package focuses on:
//   - Providing a consistent interface for different wire formats
//   - Stream-oriented decoding that tolerates partial frames
//   - Wire compatibility with foreign IPC peers in the json format
//
// Key Components:
//
//   - IChannelSerializer: Core interface that all serializer implementations
//     must satisfy. Decode operates on an accumulation buffer and reports how
//     many bytes it consumed, so callers can retain a partial frame tail
//     between reads.
//
//   - jsonSerializerImpl: Newline-delimited json, the format spoken by
//     foreign peers. Plain application messages travel as their bare payload,
//     protocol messages as objects carrying a cmd field. Use this format when
//     the other end of the channel is not a dIPC process.
//
//   - gobSerializerImpl: Implementation using Go's built-in gob encoding with
//     a length prefix per frame. Only suitable when both peers run dIPC.
//
//   - binarySerializerImpl: Custom length-prefixed binary format using a
//     flag-based approach to encode only present fields, resulting in compact
//     frames with minimal overhead. Only suitable when both peers run dIPC.
//
// Thread Safety:
//
//	All serializer implementations are stateless and safe for concurrent use
//	across multiple goroutines without additional synchronization. Note that
//	the channel always decodes from a single reader goroutine.
//
// Usage:
//
//	Serializers are typically created once per channel:
//
//	  s := serializer.NewJSONSerializer()
//	  data, err := s.Encode(env)
//	  // ... write data, read bytes from the peer ...
//	  envs, consumed, err := s.Decode(buffered)
//	  buffered = buffered[consumed:]
package serializer
