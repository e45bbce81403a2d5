package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/dIPC/ipc/common"
	"github.com/ValentinKolb/dIPC/lib/util"
	"github.com/lni/dragonboat/v4/logger"
	"golang.org/x/sys/unix"
)

var Logger = logger.GetLogger("transport")

const (
	// scmMaxFDs is the kernel limit for descriptors in a single SCM_RIGHTS
	// control message (SCM_MAX_FD). The oob buffer is sized for it so a peer
	// can never truncate our control data.
	scmMaxFDs = 253
)

// writeRequest is one queued outbound write
type writeRequest struct {
	data []byte
	fd   int
	done func(error)
}

// socketPairTransport implements IChannelTransport on one end of a unix
// stream socket. A dedicated reader goroutine performs the recvmsg loop and
// a dedicated writer goroutine drains the MPSC write queue, so neither
// direction ever blocks the channel state machine.
type socketPairTransport struct {
	conn *net.UnixConn

	readBufferSize int

	queue       *util.MPSC[writeRequest]
	queuedBytes atomic.Int64

	writeClosed   atomic.Bool
	readStopped   atomic.Bool
	readerStarted atomic.Bool

	fdMu sync.Mutex
	fd   int

	cbMu      sync.Mutex
	readEndCb func(error)
	closedCb  func()

	readerDone  chan struct{}
	writerDone  chan struct{}
	closeOnce   sync.Once
	readEndOnce sync.Once
	closedOnce  sync.Once
}

// --------------------------------------------------------------------------
// Transport Factory Methods
// --------------------------------------------------------------------------

// NewSocketPair creates a connected unix stream socketpair and returns a
// transport attached to the local end together with the raw peer end. The
// peer file is meant to be inherited by a spawned process (conventionally as
// descriptor 3) and attached there with FromFD. readBufferSize <= 0 selects
// the default.
func NewSocketPair(readBufferSize int) (IChannelTransport, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create socketpair: %v", err)
	}

	local := os.NewFile(uintptr(fds[0]), "ipc-local")
	peer := os.NewFile(uintptr(fds[1]), "ipc-peer")

	t, err := FromFile(local, readBufferSize)

	// FromFile duplicated the descriptor, the original is no longer needed
	_ = local.Close()

	if err != nil {
		_ = peer.Close()
		return nil, nil, err
	}
	return t, peer, nil
}

// FromFD attaches a transport to an inherited channel descriptor. Ownership
// of fd transfers to the transport.
func FromFD(fd int, name string, readBufferSize int) (IChannelTransport, error) {
	f := os.NewFile(uintptr(fd), name)
	if f == nil {
		return nil, fmt.Errorf("invalid channel descriptor %d", fd)
	}
	defer f.Close()
	return FromFile(f, readBufferSize)
}

// FromFile attaches a transport to the unix stream socket behind f. The
// descriptor is duplicated, the caller keeps ownership of f.
func FromFile(f *os.File, readBufferSize int) (IChannelTransport, error) {
	c, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("failed to attach channel descriptor: %v", err)
	}

	conn, ok := c.(*net.UnixConn)
	if !ok {
		_ = c.Close()
		return nil, fmt.Errorf("channel descriptor is a %T, expected a unix stream socket", c)
	}

	if readBufferSize <= 0 {
		readBufferSize = common.DefaultReadBufferSize
	}

	t := &socketPairTransport{
		conn:           conn,
		readBufferSize: readBufferSize,
		queue:          util.NewMPSC[writeRequest](),
		fd:             connFd(conn),
		readerDone:     make(chan struct{}),
		writerDone:     make(chan struct{}),
	}

	go t.writeLoop()

	return t, nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IChannelTransport)
// --------------------------------------------------------------------------

func (t *socketPairTransport) StartReader(cb ReadCallback) {
	if t.readerStarted.Swap(true) {
		Logger.Panicf("transport reader started twice")
	}
	go t.readLoop(cb)
}

func (t *socketPairTransport) OnReadEnd(cb func(error)) {
	t.cbMu.Lock()
	t.readEndCb = cb
	t.cbMu.Unlock()
}

func (t *socketPairTransport) OnClosed(cb func()) {
	t.cbMu.Lock()
	t.closedCb = cb
	t.cbMu.Unlock()
}

func (t *socketPairTransport) Write(data []byte, fd int, done func(error)) error {
	if t.writeClosed.Load() {
		return fmt.Errorf("transport is closed")
	}

	t.queuedBytes.Add(int64(len(data)))

	req := &writeRequest{data: data, fd: fd, done: done}
	if !t.queue.Push(req) {
		// Lost the race against Close
		t.queuedBytes.Add(-int64(len(data)))
		return fmt.Errorf("transport is closed")
	}
	return nil
}

func (t *socketPairTransport) QueuedBytes() int64 {
	return t.queuedBytes.Load()
}

func (t *socketPairTransport) Fd() int {
	t.fdMu.Lock()
	defer t.fdMu.Unlock()
	return t.fd
}

func (t *socketPairTransport) CloseRead() {
	if t.readStopped.Swap(true) {
		return
	}
	// Unblocks a pending ReadMsgUnix with end of stream
	_ = t.conn.CloseRead()
}

func (t *socketPairTransport) Close() error {
	t.closeOnce.Do(func() {
		t.writeClosed.Store(true)
		// The writer drains everything accepted so far, then closes the
		// socket (which also unblocks the reader)
		t.queue.Close()
	})
	return nil
}

// --------------------------------------------------------------------------
// Reader
// --------------------------------------------------------------------------

// readLoop performs the recvmsg loop. Each iteration delivers at most one
// batch of bytes plus the single descriptor that arrived with it.
func (t *socketPairTransport) readLoop(cb ReadCallback) {
	defer t.maybeFireClosed()
	defer close(t.readerDone)

	buf := make([]byte, t.readBufferSize)
	oob := make([]byte, unix.CmsgSpace(4*scmMaxFDs))

	for {
		n, oobn, _, _, err := t.conn.ReadMsgUnix(buf, oob)

		fd := -1
		if oobn > 0 {
			fd = t.claimFD(oob[:oobn])
		}

		if n > 0 && !t.readStopped.Load() {
			data := make([]byte, n)
			copy(data, buf[:n])
			cb(data, fd)
		} else if fd != -1 {
			// The batch is dropped, don't leak its descriptor
			_ = unix.Close(fd)
		}

		if err != nil {
			t.fireReadEnd(normalizeReadErr(err))
			return
		}
	}
}

// claimFD extracts the descriptor from the ancillary data of one read.
// Everything beyond the first descriptor is closed immediately: the protocol
// sends one handle per batch, anything else would leak.
func (t *socketPairTransport) claimFD(oob []byte) int {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		Logger.Errorf("failed to parse control message: %v", err)
		return -1
	}

	fd := -1
	for _, msg := range msgs {
		fds, err := unix.ParseUnixRights(&msg)
		if err != nil {
			// Not an SCM_RIGHTS message
			continue
		}
		for _, received := range fds {
			if fd == -1 {
				fd = received
				continue
			}
			Logger.Warningf("received more than one descriptor in a batch, closing extra fd %d", received)
			_ = unix.Close(received)
		}
	}
	return fd
}

// fireReadEnd reports the end of the read side exactly once
func (t *socketPairTransport) fireReadEnd(err error) {
	t.readEndOnce.Do(func() {
		if err != nil {
			Logger.Warningf("channel read failed: %v", err)
		}

		t.cbMu.Lock()
		cb := t.readEndCb
		t.cbMu.Unlock()

		if cb != nil {
			cb(err)
		}
	})
}

// --------------------------------------------------------------------------
// Writer
// --------------------------------------------------------------------------

// writeLoop drains the write queue. After Close has been called and the
// remaining requests were flushed it closes the socket.
func (t *socketPairTransport) writeLoop() {
	for req := range t.queue.Recv() {
		err := t.performWrite(req)

		t.queuedBytes.Add(-int64(len(req.data)))

		if err != nil {
			Logger.Debugf("write of %d bytes failed: %v", len(req.data), err)
		}
		if req.done != nil {
			req.done(err)
		}
	}

	// Queue closed and drained
	_ = t.conn.Close()

	t.fdMu.Lock()
	t.fd = -1
	t.fdMu.Unlock()

	close(t.writerDone)
	t.maybeFireClosed()
}

// performWrite performs one write, attaching the descriptor when present
func (t *socketPairTransport) performWrite(req *writeRequest) error {
	if req.fd < 0 {
		_, err := t.conn.Write(req.data)
		return err
	}

	rights := unix.UnixRights(req.fd)
	n, _, err := t.conn.WriteMsgUnix(req.data, rights, nil)
	if err != nil {
		return err
	}

	// The descriptor travels with the first byte. A short write can only
	// happen for the remaining payload, finish it with plain writes.
	if n < len(req.data) {
		_, err = t.conn.Write(req.data[n:])
	}
	return err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// maybeFireClosed fires the closed callback once the reader (if ever
// started) has exited and the writer has flushed and closed the socket
func (t *socketPairTransport) maybeFireClosed() {
	if t.readerStarted.Load() {
		select {
		case <-t.readerDone:
		default:
			return
		}
	}
	select {
	case <-t.writerDone:
	default:
		return
	}

	t.closedOnce.Do(func() {
		t.cbMu.Lock()
		cb := t.closedCb
		t.cbMu.Unlock()

		if cb != nil {
			cb()
		}
	})
}

// normalizeReadErr maps the expected end-of-stream conditions to nil
func normalizeReadErr(err error) error {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// connFd reports the raw descriptor behind conn
func connFd(conn *net.UnixConn) int {
	raw, err := conn.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	_ = raw.Control(func(f uintptr) {
		fd = int(f)
	})
	return fd
}
