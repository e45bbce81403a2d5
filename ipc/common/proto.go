package common

import (
	"encoding/json"
	"strings"
)

// --------------------------------------------------------------------------
// Wire Protocol Constants
// --------------------------------------------------------------------------

// InternalCmdPrefix marks envelopes that belong to the channel protocol itself.
// The prefix is fixed for the lifetime of the process so both peers always
// agree on how messages are classified.
const InternalCmdPrefix = "NODE_"

const (
	// CmdHandle announces a data message that is accompanied by an OS handle
	CmdHandle = "NODE_HANDLE"
	// CmdHandleAck confirms that the peer received the announced handle
	CmdHandleAck = "NODE_HANDLE_ACK"
	// CmdHandleNack tells the sender that the announced handle did not arrive
	CmdHandleNack = "NODE_HANDLE_NACK"
)

// Wire tags for the supported handle types. The tags travel in the "type"
// field of a CmdHandle envelope and select the conversion strategy on both
// sides of the channel.
const (
	HandleTypeSocket = "net.Socket"
	HandleTypeServer = "net.Server"
	HandleTypeDgram  = "dgram.Socket"
)

// --------------------------------------------------------------------------
// Envelope Structure
// --------------------------------------------------------------------------

// Envelope represents a single decoded wire unit. A plain application message
// carries only the Msg payload; protocol messages additionally set Cmd (and
// Type for handle announcements).
type Envelope struct {
	// Cmd identifies internal protocol messages (see IsInternalCmd)
	Cmd string `json:"cmd,omitempty"`

	// Type is the handle type tag, only set for CmdHandle envelopes
	Type string `json:"type,omitempty"`

	// Msg is the application payload as encoded JSON
	Msg json.RawMessage `json:"msg,omitempty"`
}

// IsInternal reports whether the envelope belongs to the channel protocol
func (e *Envelope) IsInternal() bool {
	return IsInternalCmd(e.Cmd)
}

// IsInternalCmd reports whether cmd names an internal protocol message.
// A command is internal iff it is strictly longer than the prefix and starts
// with it - the bare prefix on its own is not a valid command.
func IsInternalCmd(cmd string) bool {
	return len(cmd) > len(InternalCmdPrefix) && strings.HasPrefix(cmd, InternalCmdPrefix)
}

// --------------------------------------------------------------------------
// Envelope Factory Functions
// --------------------------------------------------------------------------

// NewDataEnvelope creates an envelope for a plain application message
func NewDataEnvelope(payload json.RawMessage) *Envelope {
	return &Envelope{
		Msg: payload,
	}
}

// NewHandleEnvelope creates the announcement envelope for a handle transfer.
// The payload is the application message that travels with the handle.
func NewHandleEnvelope(typeTag string, payload json.RawMessage) *Envelope {
	return &Envelope{
		Cmd:  CmdHandle,
		Type: typeTag,
		Msg:  payload,
	}
}

// NewHandleAck creates the acknowledgment reply for a received handle
func NewHandleAck() *Envelope {
	return &Envelope{
		Cmd: CmdHandleAck,
	}
}

// NewHandleNack creates the negative reply for a handle that did not arrive
func NewHandleNack() *Envelope {
	return &Envelope{
		Cmd: CmdHandleNack,
	}
}
