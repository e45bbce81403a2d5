package serializer

import (
	"fmt"

	"github.com/ValentinKolb/dIPC/ipc/common"
)

// IChannelSerializer is the interface for all envelope serializers.
//
// A serializer turns envelopes into framed bytes and back. Because the
// underlying transport is a byte stream, Decode works on an accumulation
// buffer: it consumes as many complete frames as the buffer holds and
// reports how many bytes it used, so the caller can retain the partial
// tail for the next read.
type IChannelSerializer interface {
	// Encode serializes a single envelope into one framed byte sequence
	// It returns the framed bytes and an error if any
	Encode(env *common.Envelope) ([]byte, error)

	// Decode consumes all complete frames from data. It returns the decoded
	// envelopes, the number of bytes consumed and an error if any.
	// On a malformed frame the frame is consumed and skipped; the envelopes
	// decoded before it are still returned together with the error.
	Decode(data []byte) (envs []common.Envelope, consumed int, err error)
}

// LookupSerializer resolves a serializer implementation from its
// configuration name (json, gob or binary)
func LookupSerializer(name string) (IChannelSerializer, error) {
	switch name {
	case "json":
		return NewJSONSerializer(), nil
	case "gob":
		return NewGOBSerializer(), nil
	case "binary":
		return NewBinarySerializer(), nil
	default:
		return nil, fmt.Errorf("invalid serializer %s", name)
	}
}
