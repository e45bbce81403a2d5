package serializer

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ValentinKolb/dIPC/ipc/common"
)

// NewJSONSerializer creates a new serializer using newline-delimited json
// encoding. This is the wire format spoken by foreign IPC peers: plain
// application messages travel as their bare payload, protocol messages as
// objects carrying a cmd field.
func NewJSONSerializer() IChannelSerializer {
	return &jsonSerializerImpl{}
}

// jsonSerializerImpl implements the IChannelSerializer interface using
// newline-delimited json encoding
type jsonSerializerImpl struct {
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IChannelSerializer)
// --------------------------------------------------------------------------

func (j jsonSerializerImpl) Encode(env *common.Envelope) ([]byte, error) {
	// Compact the payload first. This validates it and guarantees the frame
	// contains no raw newlines, which would break the line framing.
	var msg json.RawMessage
	if len(env.Msg) > 0 {
		var buf bytes.Buffer
		if err := json.Compact(&buf, env.Msg); err != nil {
			return nil, fmt.Errorf("invalid message payload: %v", err)
		}
		msg = buf.Bytes()
	}

	// Plain application messages go on the wire as their bare payload
	if env.Cmd == "" {
		if msg == nil {
			msg = json.RawMessage("null")
		}
		return append(msg, '\n'), nil
	}

	// Protocol messages are encoded as full envelope objects
	line, err := json.Marshal(&common.Envelope{
		Cmd:  env.Cmd,
		Type: env.Type,
		Msg:  msg,
	})
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}

func (j jsonSerializerImpl) Decode(data []byte) ([]common.Envelope, int, error) {
	var envs []common.Envelope
	consumed := 0

	for {
		idx := bytes.IndexByte(data[consumed:], '\n')
		if idx < 0 {
			// No complete line left, keep the tail for the next read
			break
		}

		line := bytes.TrimSpace(data[consumed : consumed+idx])
		consumed += idx + 1

		// Skip empty lines
		if len(line) == 0 {
			continue
		}

		env, err := j.decodeLine(line)
		if err != nil {
			// The malformed line is consumed so it is not retried forever
			return envs, consumed, fmt.Errorf("failed to decode message: %v", err)
		}
		envs = append(envs, env)
	}

	return envs, consumed, nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// decodeLine classifies and decodes a single complete line. A line is an
// internal protocol message iff it is an object whose cmd field passes
// common.IsInternalCmd, everything else is an application payload.
func (j jsonSerializerImpl) decodeLine(line []byte) (common.Envelope, error) {
	var probe struct {
		Cmd string `json:"cmd"`
	}
	if err := json.Unmarshal(line, &probe); err == nil && common.IsInternalCmd(probe.Cmd) {
		var env common.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			return common.Envelope{}, err
		}
		return env, nil
	}

	// Application payload: keep the raw bytes. The copy is required because
	// line aliases the caller's accumulation buffer.
	if !json.Valid(line) {
		return common.Envelope{}, fmt.Errorf("invalid json: %q", line)
	}
	msg := make(json.RawMessage, len(line))
	copy(msg, line)
	return common.Envelope{Msg: msg}, nil
}
