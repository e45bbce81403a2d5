package channel

import (
	"sync"

	"github.com/ValentinKolb/dIPC/ipc/transport"
)

// ChannelRef is the reference controller of a channel. It tracks how many
// writes are in flight and tells the host process when the channel no longer
// needs it to stay alive.
//
// Two modes exist. In the automatic mode (the default) every accepted write
// holds one reference and Done is closed on the first transition back to
// zero. Calling Ref or Unref switches to the explicit mode permanently:
// automatic counting no longer has any effect, Ref pins the channel until
// Unref is called and Unref releases it immediately, in-flight writes
// notwithstanding.
type ChannelRef struct {
	mu          sync.Mutex
	transport   transport.IChannelTransport
	count       int
	explicitSet bool
	released    bool
	done        chan struct{}
}

func newChannelRef(t transport.IChannelTransport) *ChannelRef {
	return &ChannelRef{
		transport: t,
		done:      make(chan struct{}),
	}
}

// --------------------------------------------------------------------------
// Explicit Interface
// --------------------------------------------------------------------------

// Ref pins the channel: Done will not be closed by idle writes anymore,
// only by Unref or by the channel closing
func (r *ChannelRef) Ref() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.explicitSet = true
}

// Unref releases the channel immediately, regardless of in-flight writes
func (r *ChannelRef) Unref() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.explicitSet = true
	r.releaseLocked()
}

// Fd returns the descriptor of the underlying channel, or -1 once the
// channel is gone
func (r *ChannelRef) Fd() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.transport == nil {
		return -1
	}
	return r.transport.Fd()
}

// Done returns a channel that is closed once the IPC channel no longer
// requires the host process to stay alive: all in-flight writes completed
// (automatic mode), Unref was called, or the channel closed. The close is
// permanent.
func (r *ChannelRef) Done() <-chan struct{} {
	return r.done
}

// --------------------------------------------------------------------------
// Automatic Interface (driven by the channel's write bookkeeping)
// --------------------------------------------------------------------------

// retain is called once per write accepted by the transport
func (r *ChannelRef) retain() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count++
}

// release is the counterpart of retain, called on write completion
func (r *ChannelRef) release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count--
	if r.count == 0 && !r.explicitSet {
		r.releaseLocked()
	}
}

// detach is called exactly once, at disconnect completion
func (r *ChannelRef) detach() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transport = nil
	r.releaseLocked()
}

func (r *ChannelRef) releaseLocked() {
	if r.released {
		return
	}
	r.released = true
	close(r.done)
}
