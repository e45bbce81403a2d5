package serializer

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/ValentinKolb/dIPC/ipc/common"
)

// NewBinarySerializer creates a new serializer using a custom binary format
// optimized for speed and efficiency
func NewBinarySerializer() IChannelSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IChannelSerializer using a custom binary
// format. Each frame starts with a 4 byte big endian body length followed by
// a flags byte that indicates which optional fields are present.
type binarySerializerImpl struct {
}

// Bit flags to indicate which optional fields are present
const (
	hasCmd  byte = 1 << 0
	hasType byte = 1 << 1
	hasMsg  byte = 1 << 2
)

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IChannelSerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) Encode(env *common.Envelope) ([]byte, error) {
	// Calculate total size needed
	bodySize := b.sizeBytes(env)
	result := make([]byte, 4+bodySize)

	// Write frame length
	binary.BigEndian.PutUint32(result[:4], uint32(bodySize))

	// Initialize flags byte
	var flags byte = 0

	// Set position for writing (after frame length and flags)
	pos := 5

	// Handle Cmd
	if env.Cmd != "" {
		flags |= hasCmd
		pos += writeField(result, pos, []byte(env.Cmd))
	}

	// Handle Type
	if env.Type != "" {
		flags |= hasType
		pos += writeField(result, pos, []byte(env.Type))
	}

	// Handle Msg
	if env.Msg != nil {
		flags |= hasMsg
		pos += writeField(result, pos, env.Msg)
	}

	// Set flags byte after knowing which fields are present
	result[4] = flags

	return result, nil
}

func (b binarySerializerImpl) Decode(data []byte) ([]common.Envelope, int, error) {
	var envs []common.Envelope
	consumed := 0

	for len(data)-consumed >= 4 {
		bodyLen := int(binary.BigEndian.Uint32(data[consumed : consumed+4]))

		// Incomplete frame, keep the tail for the next read
		if len(data)-consumed-4 < bodyLen {
			break
		}

		body := data[consumed+4 : consumed+4+bodyLen]
		consumed += 4 + bodyLen

		env, err := b.decodeBody(body)
		if err != nil {
			return envs, consumed, fmt.Errorf("failed to decode message: %v", err)
		}
		envs = append(envs, env)
	}

	return envs, consumed, nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// decodeBody decodes a single frame body into an envelope
func (b binarySerializerImpl) decodeBody(body []byte) (common.Envelope, error) {
	var env common.Envelope

	// Check minimum size (flags)
	if len(body) < 1 {
		return env, fmt.Errorf("body too short for flags byte")
	}

	flags := body[0]
	pos := 1

	// Read Cmd if present
	if flags&hasCmd != 0 {
		field, n, err := readField(body, pos, "cmd")
		if err != nil {
			return env, err
		}
		env.Cmd = string(field)
		pos += n
	}

	// Read Type if present
	if flags&hasType != 0 {
		field, n, err := readField(body, pos, "type")
		if err != nil {
			return env, err
		}
		env.Type = string(field)
		pos += n
	}

	// Read Msg if present - create an empty slice (not nil) if length is 0
	if flags&hasMsg != 0 {
		field, n, err := readField(body, pos, "msg")
		if err != nil {
			return env, err
		}
		env.Msg = make(json.RawMessage, len(field))
		copy(env.Msg, field)
		pos += n
	}

	return env, nil
}

// writeField writes a length-prefixed field at pos and returns how many bytes it wrote
func writeField(dst []byte, pos int, field []byte) int {
	binary.BigEndian.PutUint32(dst[pos:pos+4], uint32(len(field)))
	copy(dst[pos+4:pos+4+len(field)], field)
	return 4 + len(field)
}

// readField reads a length-prefixed field at pos and returns it together
// with the number of bytes consumed
func readField(src []byte, pos int, name string) ([]byte, int, error) {
	if pos+4 > len(src) {
		return nil, 0, fmt.Errorf("body too short for %s length", name)
	}
	fieldLen := int(binary.BigEndian.Uint32(src[pos : pos+4]))
	if pos+4+fieldLen > len(src) {
		return nil, 0, fmt.Errorf("body too short for %s data", name)
	}
	return src[pos+4 : pos+4+fieldLen], 4 + fieldLen, nil
}

// sizeBytes calculates the body size needed for serialization
func (b binarySerializerImpl) sizeBytes(env *common.Envelope) int {
	// 1 byte for flags
	size := 1

	// Add sizes for fields that require length encoding
	if env.Cmd != "" {
		size += 4 + len(env.Cmd) // 4 bytes for length + cmd string
	}
	if env.Type != "" {
		size += 4 + len(env.Type) // 4 bytes for length + type string
	}
	if env.Msg != nil {
		size += 4 + len(env.Msg) // 4 bytes for length + payload bytes
	}

	return size
}
