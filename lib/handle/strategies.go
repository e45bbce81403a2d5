package handle

import (
	"fmt"
	"io"
	"net"
	"os"

	"github.com/ValentinKolb/dIPC/ipc/common"
)

// --------------------------------------------------------------------------
// Extraction
// --------------------------------------------------------------------------

// filer is implemented by every net wrapper that can expose its descriptor
type filer interface {
	File() (*os.File, error)
}

// extractFile duplicates the wrapper's descriptor for the transfer. Unless
// KeepOpen is requested the original wrapper is closed, detaching the
// resource from its current owner.
func extractFile(wrapper any, opts common.SendOptions) (*os.File, error) {
	f, ok := wrapper.(filer)
	if !ok {
		return nil, fmt.Errorf("%w: %T does not expose a descriptor", common.ErrInvalidHandleType, wrapper)
	}

	file, err := f.File()
	if err != nil {
		// Resource already closed or transferred away
		Logger.Debugf("descriptor of %T unavailable, sending without handle: %v", wrapper, err)
		return nil, nil
	}

	if !opts.KeepOpen {
		if closer, ok := wrapper.(io.Closer); ok {
			_ = closer.Close()
		}
	}

	return file, nil
}

// --------------------------------------------------------------------------
// Reconstruction
// --------------------------------------------------------------------------

// reconstructListener rebuilds a net.Listener around a received descriptor
func reconstructListener(file *os.File) (any, error) {
	defer file.Close()

	ln, err := net.FileListener(file)
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild listener: %v", err)
	}
	return ln, nil
}

// reconstructConn rebuilds a net.Conn around a received descriptor
func reconstructConn(file *os.File) (any, error) {
	defer file.Close()

	conn, err := net.FileConn(file)
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild connection: %v", err)
	}
	return conn, nil
}

// reconstructPacketConn rebuilds a net.PacketConn around a received descriptor
func reconstructPacketConn(file *os.File) (any, error) {
	defer file.Close()

	conn, err := net.FilePacketConn(file)
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild packet connection: %v", err)
	}
	return conn, nil
}

// --------------------------------------------------------------------------
// Cleanup
// --------------------------------------------------------------------------

// closeExtracted releases the duplicated descriptor of a resolved transfer
func closeExtracted(file *os.File) {
	if file != nil {
		_ = file.Close()
	}
}
