package handle

import (
	"fmt"
	"net"
	"os"

	"github.com/ValentinKolb/dIPC/ipc/common"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("handle")

// --------------------------------------------------------------------------
// Conversion Strategy
// --------------------------------------------------------------------------

// Strategy bundles the conversion operations for one transferable handle
// type. The registry below is fixed at startup and never mutated, both peers
// resolve strategies from the same table.
type Strategy struct {
	// Extract obtains a transferable descriptor from the wrapper. A nil file
	// with a nil error means the wrapper's resource is already gone (closed
	// or transferred before); the message is then sent without a handle.
	Extract func(wrapper any, opts common.SendOptions) (*os.File, error)

	// Reconstruct builds the receiving-side wrapper around a received
	// descriptor. The descriptor is consumed by the call.
	Reconstruct func(file *os.File) (any, error)

	// PostSend releases the extracted descriptor once a transfer has
	// resolved (acknowledged, given up on or failed to write)
	PostSend func(file *os.File)

	// SimultaneousAccepts marks listener types that keep accepting in both
	// processes after the transfer. It is a dispatch hint only: unix kernels
	// already share the pending-connection queue between accepting
	// processes, so nothing is configured here.
	SimultaneousAccepts bool
}

// strategies is the conversion table keyed by wire tag
var strategies = map[string]Strategy{
	common.HandleTypeSocket: {
		Extract:     extractFile,
		Reconstruct: reconstructConn,
		PostSend:    closeExtracted,
	},
	common.HandleTypeServer: {
		Extract:             extractFile,
		Reconstruct:         reconstructListener,
		PostSend:            closeExtracted,
		SimultaneousAccepts: true,
	},
	common.HandleTypeDgram: {
		Extract:     extractFile,
		Reconstruct: reconstructPacketConn,
		PostSend:    closeExtracted,
	},
}

// --------------------------------------------------------------------------
// Registry Lookup
// --------------------------------------------------------------------------

// Lookup returns the conversion strategy for a wire tag. Receiving peers use
// this to convert an announced handle.
func Lookup(typeTag string) (Strategy, error) {
	st, ok := strategies[typeTag]
	if !ok {
		return Strategy{}, fmt.Errorf("%w: %q", common.ErrInvalidHandleType, typeTag)
	}
	return st, nil
}

// Resolve maps a wrapper to its wire tag and conversion strategy. Sending
// peers call this once at the API boundary, afterwards only the resolved
// strategy is used.
func Resolve(wrapper any) (string, Strategy, error) {
	var typeTag string

	switch wrapper.(type) {
	case *net.TCPListener, *net.UnixListener:
		typeTag = common.HandleTypeServer
	case *net.TCPConn, *net.UnixConn:
		typeTag = common.HandleTypeSocket
	case *net.UDPConn:
		typeTag = common.HandleTypeDgram
	default:
		return "", Strategy{}, fmt.Errorf("%w: cannot transfer a %T", common.ErrInvalidHandleType, wrapper)
	}

	st, err := Lookup(typeTag)
	if err != nil {
		return "", Strategy{}, err
	}
	return typeTag, st, nil
}
