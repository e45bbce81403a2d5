package serializer

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"

	"github.com/ValentinKolb/dIPC/ipc/common"
)

// NewGOBSerializer creates a new serializer using Go's binary gob format.
// Each envelope is framed with a 4 byte big endian length prefix and encoded
// by its own encoder, so every frame is self contained.
func NewGOBSerializer() IChannelSerializer {
	return &gobSerializerImpl{}
}

// gobSerializerImpl implements the IChannelSerializer interface using gob encoding
type gobSerializerImpl struct {
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IChannelSerializer)
// --------------------------------------------------------------------------

func (g gobSerializerImpl) Encode(env *common.Envelope) ([]byte, error) {
	var buf bytes.Buffer

	// Reserve the length prefix
	buf.Write(make([]byte, 4))

	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(env); err != nil {
		return nil, err
	}

	// Patch the frame length in
	b := buf.Bytes()
	binary.BigEndian.PutUint32(b[:4], uint32(len(b)-4))
	return b, nil
}

func (g gobSerializerImpl) Decode(data []byte) ([]common.Envelope, int, error) {
	var envs []common.Envelope
	consumed := 0

	for len(data)-consumed >= 4 {
		frameLen := int(binary.BigEndian.Uint32(data[consumed : consumed+4]))

		// Incomplete frame, keep the tail for the next read
		if len(data)-consumed-4 < frameLen {
			break
		}

		body := data[consumed+4 : consumed+4+frameLen]
		consumed += 4 + frameLen

		var env common.Envelope
		dec := gob.NewDecoder(bytes.NewReader(body))
		if err := dec.Decode(&env); err != nil {
			return envs, consumed, fmt.Errorf("failed to decode message: %v", err)
		}
		envs = append(envs, env)
	}

	return envs, consumed, nil
}
