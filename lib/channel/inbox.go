package channel

import (
	"encoding/json"
)

// inboundMessage is one user message ready for delivery, together with the
// wrapper reconstructed from an ancillary handle when one traveled with it
type inboundMessage struct {
	msg     json.RawMessage
	wrapper any
}

// inbox buffers inbound user messages that arrive before the first message
// listener is registered. The channel flushes it exactly once, in arrival
// order, on the task pump. All access happens under the channel mutex.
type inbox struct {
	buffered []inboundMessage
	flushed  bool
}

func (b *inbox) add(m inboundMessage) {
	b.buffered = append(b.buffered, m)
}

// drain returns the buffered messages and marks the inbox flushed
func (b *inbox) drain() []inboundMessage {
	msgs := b.buffered
	b.buffered = nil
	b.flushed = true
	return msgs
}
