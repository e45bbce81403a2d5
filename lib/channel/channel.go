package channel

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/ValentinKolb/dIPC/ipc/common"
	"github.com/ValentinKolb/dIPC/ipc/serializer"
	"github.com/ValentinKolb/dIPC/ipc/transport"
	"github.com/ValentinKolb/dIPC/lib/handle"
	"github.com/lni/dragonboat/v4/logger"
	"golang.org/x/sys/unix"
)

var Logger = logger.GetLogger("channel")

// --------------------------------------------------------------------------
// Send Bookkeeping
// --------------------------------------------------------------------------

// queuedSend is one send deferred behind an in-flight handle handshake.
// Handle extraction is deferred until the entry is replayed, so the wrapper
// stays usable while it waits.
type queuedSend struct {
	msg     json.RawMessage
	wrapper any
	typeTag string
	strat   handle.Strategy
	opts    common.SendOptions
	cb      func(error)
}

// pendingHandleSend is the single in-flight handle transfer awaiting its
// acknowledgment. The encoded envelope and the extracted descriptor are
// retained verbatim so a retransmission resends exactly what was announced.
type pendingHandleSend struct {
	data            []byte
	file            *os.File
	msg             json.RawMessage
	strat           handle.Strategy
	opts            common.SendOptions
	retransmissions uint8

	// written is set once the transport reported the announcement write as
	// completed; the retained descriptor may only be closed out-of-band
	// (teardown) after that point
	written bool
}

// --------------------------------------------------------------------------
// Channel
// --------------------------------------------------------------------------

// Channel is the protocol controller for one IPC connection. It multiplexes
// user messages and internal control envelopes over one duplex transport,
// serializes handle transfers so at most one handshake is outstanding, and
// drives the connected → draining → disconnected lifecycle.
//
// All mutable state is owned by one mutex. Listener callbacks never run
// under it: they are executed on a single task-pump goroutine in a total,
// deterministic order.
type Channel struct {
	mu sync.Mutex

	transport  transport.IChannelTransport
	serializer serializer.IChannelSerializer
	config     common.ChannelConfig

	connected     bool
	disconnecting bool
	finished      bool

	// readBuf holds the undecoded tail of the inbound byte stream. A
	// requested disconnect waits until it is empty so a partially read
	// message is not lost.
	readBuf []byte

	// inFd is an ancillary descriptor that arrived ahead of its handle
	// announcement, -1 while there is none
	inFd int

	// handleQueue is the ordered backlog behind an in-flight handshake. It
	// is nil while sends may write directly and non-nil (possibly empty)
	// while they must queue.
	handleQueue []*queuedSend

	// pending is the one handle transfer awaiting ACK/NACK
	pending *pendingHandleSend

	inbox inbox
	pump  *taskPump
	ref   *ChannelRef

	messageListeners    []func(msg json.RawMessage, wrapper any)
	internalListeners   []func(env common.Envelope)
	disconnectListeners []func()
	closeListeners      []func()
	errorListeners      []func(err error)
}

// Setup wires one transport and one serializer into a connected channel and
// starts its reader. The channel accepts sends immediately; inbound user
// messages that arrive before the first OnMessage listener are buffered and
// flushed once one is registered.
func Setup(t transport.IChannelTransport, s serializer.IChannelSerializer, cfg common.ChannelConfig) *Channel {
	c := &Channel{
		transport:  t,
		serializer: s,
		config:     cfg,
		connected:  true,
		inFd:       -1,
		pump:       newTaskPump(),
		ref:        newChannelRef(t),
	}

	// Lifecycle callbacks must be in place before the first byte is read
	t.OnReadEnd(c.onReadEnd)
	t.OnClosed(c.onTransportClosed)
	t.StartReader(c.onRead)

	Logger.Debugf("channel ready (fd %d, serializer %s)", t.Fd(), cfg.Serializer)
	return c
}

// --------------------------------------------------------------------------
// Listener Registration
// --------------------------------------------------------------------------

// OnMessage registers a listener for user messages. wrapper is non-nil when
// the message traveled with an OS handle (a *net.TCPListener, *net.TCPConn,
// ... per package handle). Registering the first listener schedules the
// flush of buffered messages on the task pump; the flush never runs
// synchronously from this call.
func (c *Channel) OnMessage(fn func(msg json.RawMessage, wrapper any)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageListeners = append(c.messageListeners, fn)
	if len(c.messageListeners) == 1 && !c.inbox.flushed {
		c.scheduleInboxFlushLocked()
	}
}

// OnInternalMessage registers a listener for protocol envelopes that are not
// part of the handle handshake (commands with the internal prefix that the
// channel itself does not consume)
func (c *Channel) OnInternalMessage(fn func(env common.Envelope)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.internalListeners = append(c.internalListeners, fn)
}

// OnDisconnect registers a listener for the disconnect event, fired once
// when the channel leaves the connected state for good
func (c *Channel) OnDisconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectListeners = append(c.disconnectListeners, fn)
}

// OnClose registers a listener for the terminal close event, fired once the
// transport is fully torn down. Register before calling Disconnect.
func (c *Channel) OnClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeListeners = append(c.closeListeners, fn)
}

// OnError registers a listener for asynchronous channel errors. Without one,
// errors are logged.
func (c *Channel) OnError(fn func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorListeners = append(c.errorListeners, fn)
}

// --------------------------------------------------------------------------
// Public Operations
// --------------------------------------------------------------------------

// Send transmits a message and optionally one OS handle to the peer.
//
// msg may be any JSON-encodable value. wrapper, when non-nil, must be one of
// the transferable types of package handle. opts may be nil, a bool (the
// legacy swallow-errors call shape) or a SendOptions/*SendOptions value.
// callback, when non-nil, runs on the task pump once the write completed or
// failed; without a callback, failures go to the error listeners.
//
// The bool return is the flow signal: true means keep sending, false means
// the outbound buffer passed the backpressure threshold (nothing is dropped
// either way). The error return covers argument validation only; channel
// state and transport failures are reported asynchronously.
func (c *Channel) Send(msg any, wrapper any, opts any, callback func(error)) (bool, error) {
	if msg == nil {
		return false, fmt.Errorf("%w: message", common.ErrMissingArguments)
	}
	options, err := common.ParseSendOptions(opts)
	if err != nil {
		return false, err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return false, fmt.Errorf("%w: cannot serialize %T: %v", common.ErrInvalidArgumentType, msg, err)
	}

	// Resolve the handle type at the call boundary so an unsupported
	// wrapper fails fast and synchronously
	var typeTag string
	var strat handle.Strategy
	if wrapper != nil {
		typeTag, strat, err = handle.Resolve(wrapper)
		if err != nil {
			return false, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		c.reportClosedLocked(callback)
		return false, nil
	}

	// A handshake in flight defers everything behind it to keep the
	// cross-message order
	if c.handleQueue != nil {
		c.handleQueue = append(c.handleQueue, &queuedSend{
			msg:     payload,
			wrapper: wrapper,
			typeTag: typeTag,
			strat:   strat,
			opts:    options,
			cb:      callback,
		})
		return len(c.handleQueue) == 1, nil
	}

	if wrapper != nil {
		c.transmitHandleLocked(payload, wrapper, typeTag, strat, options, callback)
	} else {
		c.transmitPlainLocked(payload, options, callback)
	}
	return c.transport.QueuedBytes() < c.config.BackpressureThreshold(), nil
}

// Disconnect stops the channel. No new sends are accepted once it returns;
// work already queued behind a pending handle transfer still drains before
// the transport is torn down, and a partially read inbound message is
// decoded first. The second call returns ErrAlreadyDisconnected.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return common.ErrAlreadyDisconnected
	}
	c.connected = false
	c.disconnecting = true

	Logger.Debugf("disconnect requested")
	c.maybeFinishLocked()
	return nil
}

// Connected reports whether the channel still accepts sends
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Control returns the reference controller of this channel
func (c *Channel) Control() *ChannelRef {
	return c.ref
}

// Wait blocks until the channel is fully closed and all events were
// delivered. Call after Disconnect (or after the peer went away), it does
// not initiate a teardown by itself.
func (c *Channel) Wait() {
	c.pump.wait()
}

// --------------------------------------------------------------------------
// Outbound Path
// --------------------------------------------------------------------------

// transmitHandleLocked starts a handle transfer: extract, announce, retain
func (c *Channel) transmitHandleLocked(msg json.RawMessage, wrapper any, typeTag string, strat handle.Strategy, opts common.SendOptions, cb func(error)) {
	file, err := strat.Extract(wrapper, opts)
	if err != nil {
		c.reportWriteResultLocked(cb, fmt.Errorf("cannot extract %s handle: %v", typeTag, err), opts)
		return
	}
	if file == nil {
		// The wrapper's descriptor is already gone (closed, or transferred
		// once before): fall back to sending the payload alone
		Logger.Warningf("%s handle is no longer transferable, sending the message without it", typeTag)
		c.transmitPlainLocked(msg, opts, cb)
		return
	}

	if strat.SimultaneousAccepts {
		Logger.Debugf("announcing %s handle shared between accepting processes", typeTag)
	}

	env := common.NewHandleEnvelope(typeTag, msg)
	data, err := c.serializer.Encode(env)
	if err != nil {
		strat.PostSend(file)
		c.reportWriteResultLocked(cb, common.NewWriteError("handle announcement", err), opts)
		return
	}

	p := &pendingHandleSend{
		data:  data,
		file:  file,
		msg:   msg,
		strat: strat,
		opts:  opts,
	}
	c.pending = p
	if c.handleQueue == nil {
		c.handleQueue = make([]*queuedSend, 0, 4)
	}

	metricMessagesSent.Inc()
	c.writeRawLocked("handle announcement", data, int(file.Fd()), cb, opts, p)
}

// transmitPlainLocked writes a plain data message
func (c *Channel) transmitPlainLocked(msg json.RawMessage, opts common.SendOptions, cb func(error)) {
	metricMessagesSent.Inc()
	c.writeEnvelopeLocked("send", common.NewDataEnvelope(msg), cb, opts)
}

// writeEnvelopeLocked encodes env and hands it to the transport without a
// descriptor attached
func (c *Channel) writeEnvelopeLocked(op string, env *common.Envelope, cb func(error), opts common.SendOptions) {
	data, err := c.serializer.Encode(env)
	if err != nil {
		c.reportWriteResultLocked(cb, common.NewWriteError(op, err), opts)
		return
	}
	c.writeRawLocked(op, data, -1, cb, opts, nil)
}

// writeRawLocked enqueues bytes (and optionally a descriptor) on the
// transport. The completion runs on the writer goroutine and re-locks the
// channel. p is the pending transfer owning this write, nil otherwise.
func (c *Channel) writeRawLocked(op string, data []byte, fd int, cb func(error), opts common.SendOptions, p *pendingHandleSend) {
	if c.transport == nil {
		c.reportClosedLocked(cb)
		return
	}

	c.ref.retain()
	err := c.transport.Write(data, fd, func(werr error) {
		c.ref.release()
		c.mu.Lock()
		defer c.mu.Unlock()
		c.writeDoneLocked(op, p, cb, opts, werr)
	})
	if err != nil {
		// The transport is already closed, no completion will fire
		c.ref.release()
		c.writeDoneLocked(op, p, cb, opts, err)
	}
}

// writeDoneLocked settles one write: callbacks, error surfacing and, for a
// failed handle announcement, the handshake unwind
func (c *Channel) writeDoneLocked(op string, p *pendingHandleSend, cb func(error), opts common.SendOptions, err error) {
	if p != nil {
		p.written = true
	}

	if err == nil {
		if p != nil && c.finished && c.pending == p {
			// Teardown raced the write completion, release the dup here
			p.strat.PostSend(p.file)
			c.pending = nil
		}
		if cb != nil {
			c.pump.post(func() { cb(nil) })
		}
		return
	}

	metricWriteErrors.Inc()

	// A failed announcement ends its handshake: no acknowledgment can come
	// back for bytes that never left
	if p != nil && c.pending == p {
		p.strat.PostSend(p.file)
		c.pending = nil
		c.flushQueueLocked()
		c.maybeFinishLocked()
	}

	c.reportWriteResultLocked(cb, common.NewWriteError(op, err), opts)
}

// reportWriteResultLocked delivers a write failure to the callback or the
// error listeners, honoring the swallow-errors option
func (c *Channel) reportWriteResultLocked(cb func(error), err error, opts common.SendOptions) {
	if opts.SwallowErrors {
		Logger.Debugf("swallowed channel error: %v", err)
		return
	}
	if cb != nil {
		c.pump.post(func() { cb(err) })
		return
	}
	c.emitErrorLocked(err)
}

// reportClosedLocked resolves a send that can no longer reach the wire.
// Unlike write failures this is not subject to swallowErrors.
func (c *Channel) reportClosedLocked(cb func(error)) {
	if cb != nil {
		c.pump.post(func() { cb(common.ErrChannelClosed) })
		return
	}
	c.emitErrorLocked(common.ErrChannelClosed)
}

// flushQueueLocked drains the backlog after a handshake resolved. Entries
// replay in enqueue order; the first handle-carrying entry starts the next
// handshake and the remainder stays queued behind it.
func (c *Channel) flushQueueLocked() {
	for c.pending == nil && len(c.handleQueue) > 0 {
		qs := c.handleQueue[0]
		c.handleQueue = c.handleQueue[1:]
		if qs.wrapper != nil {
			c.transmitHandleLocked(qs.msg, qs.wrapper, qs.typeTag, qs.strat, qs.opts, qs.cb)
		} else {
			c.transmitPlainLocked(qs.msg, qs.opts, qs.cb)
		}
	}
	if c.pending == nil && len(c.handleQueue) == 0 {
		c.handleQueue = nil
	}
}

// --------------------------------------------------------------------------
// Inbound Path
// --------------------------------------------------------------------------

// onRead is the transport read callback, running on the reader goroutine
func (c *Channel) onRead(data []byte, fd int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.finished {
		if fd >= 0 {
			closeRawFd(fd)
		}
		return
	}

	if fd >= 0 {
		if c.inFd >= 0 {
			Logger.Warningf("new ancillary descriptor while %d is still unclaimed, closing the stale one", c.inFd)
			closeRawFd(c.inFd)
		}
		c.inFd = fd
	}

	c.readBuf = append(c.readBuf, data...)
	envs, consumed, err := c.serializer.Decode(c.readBuf)
	if err != nil {
		// The serializer consumed past the malformed frame, everything
		// decoded before it is still delivered
		c.emitErrorLocked(fmt.Errorf("failed to decode inbound data: %v", err))
	}
	if consumed == len(c.readBuf) {
		c.readBuf = c.readBuf[:0]
	} else {
		c.readBuf = append(c.readBuf[:0], c.readBuf[consumed:]...)
	}

	for i := range envs {
		c.dispatchLocked(&envs[i])
	}

	// A fully drained read may satisfy a waiting disconnect
	c.maybeFinishLocked()
}

// dispatchLocked routes one decoded envelope
func (c *Channel) dispatchLocked(env *common.Envelope) {
	if !env.IsInternal() {
		metricMessagesReceived.Inc()
		c.deliverMessageLocked(env.Msg, nil)
		return
	}

	switch env.Cmd {
	case common.CmdHandleAck:
		c.resolveHandshakeLocked(true)
	case common.CmdHandleNack:
		c.resolveHandshakeLocked(false)
	case common.CmdHandle:
		c.receiveHandleLocked(env)
	default:
		c.deliverInternalLocked(*env)
	}
}

// receiveHandleLocked handles an inbound handle announcement: acknowledge,
// reconstruct, deliver
func (c *Channel) receiveHandleLocked(env *common.Envelope) {
	fd := c.inFd
	c.inFd = -1

	if fd < 0 {
		// The ancillary data did not make it (e.g. truncated), ask the
		// sender for a retransmission and drop the payload: it travels
		// again with the next attempt
		Logger.Warningf("handle announcement (%s) arrived without a descriptor, requesting retransmission", env.Type)
		metricNacksSent.Inc()
		c.writeEnvelopeLocked("handle nack", common.NewHandleNack(), nil, common.SendOptions{SwallowErrors: true})
		return
	}

	// Acknowledge before reconstructing so the sender releases its retained
	// dup and resumes its backlog as early as possible
	c.writeEnvelopeLocked("handle ack", common.NewHandleAck(), nil, common.SendOptions{SwallowErrors: true})

	strat, err := handle.Lookup(env.Type)
	if err != nil {
		closeRawFd(fd)
		c.emitErrorLocked(fmt.Errorf("received handle of unsupported type %q: %v", env.Type, err))
		return
	}

	wrapper, err := strat.Reconstruct(os.NewFile(uintptr(fd), "ipc-handle"))
	if err != nil {
		c.emitErrorLocked(fmt.Errorf("failed to reconstruct %s handle: %v", env.Type, err))
		return
	}

	metricHandlesReceived.Inc()
	metricMessagesReceived.Inc()
	c.deliverMessageLocked(env.Msg, wrapper)
}

// resolveHandshakeLocked settles the pending transfer on ACK/NACK
func (c *Channel) resolveHandshakeLocked(acked bool) {
	p := c.pending
	if p == nil {
		Logger.Warningf("received a stray handle acknowledgment, no transfer is pending")
		return
	}

	switch {
	case acked:
		p.strat.PostSend(p.file)
		c.pending = nil
		metricHandlesSent.Inc()
		Logger.Debugf("handle transfer acknowledged")

	case p.retransmissions >= c.config.MaxRetransmissions:
		// The descriptor never made it across: give up on it, but not on
		// the data, which the receiver dropped along with every refused
		// announcement. It goes out again as a plain message, ahead of the
		// backlog so the original order holds.
		p.strat.PostSend(p.file)
		c.pending = nil
		metricTransferFailures.Inc()
		Logger.Warningf("handle did not reach the receiving process after %d retransmissions, sending the message without it", p.retransmissions)
		c.transmitPlainLocked(p.msg, p.opts, nil)

	default:
		p.retransmissions++
		metricRetransmissions.Inc()
		Logger.Debugf("handle transfer refused, retransmission %d/%d", p.retransmissions, c.config.MaxRetransmissions)
		c.writeRawLocked("handle retransmission", p.data, int(p.file.Fd()), nil, p.opts, p)
		return
	}

	c.flushQueueLocked()
	c.maybeFinishLocked()
}

// deliverMessageLocked hands a user message to the listeners, or buffers it
// while none is registered yet
func (c *Channel) deliverMessageLocked(msg json.RawMessage, wrapper any) {
	if len(c.messageListeners) == 0 {
		c.inbox.add(inboundMessage{msg: msg, wrapper: wrapper})
		return
	}
	c.pump.post(func() {
		c.mu.Lock()
		listeners := c.messageListeners
		c.mu.Unlock()
		for _, fn := range listeners {
			fn(msg, wrapper)
		}
	})
}

// deliverInternalLocked hands a protocol envelope the channel itself does
// not consume to the internal-message listeners
func (c *Channel) deliverInternalLocked(env common.Envelope) {
	if len(c.internalListeners) == 0 {
		Logger.Debugf("dropping internal message %s, no listener registered", env.Cmd)
		return
	}
	c.pump.post(func() {
		c.mu.Lock()
		listeners := c.internalListeners
		c.mu.Unlock()
		for _, fn := range listeners {
			fn(env)
		}
	})
}

// scheduleInboxFlushLocked posts the one-time flush of buffered messages
func (c *Channel) scheduleInboxFlushLocked() {
	c.pump.post(func() {
		c.mu.Lock()
		msgs := c.inbox.drain()
		listeners := c.messageListeners
		c.mu.Unlock()
		for _, m := range msgs {
			for _, fn := range listeners {
				fn(m.msg, m.wrapper)
			}
		}
	})
}

// emitErrorLocked delivers an asynchronous error to the error listeners, or
// logs it when nobody listens
func (c *Channel) emitErrorLocked(err error) {
	if len(c.errorListeners) == 0 {
		Logger.Errorf("unhandled channel error: %v", err)
		return
	}
	c.pump.post(func() {
		c.mu.Lock()
		listeners := c.errorListeners
		c.mu.Unlock()
		for _, fn := range listeners {
			fn(err)
		}
	})
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// maybeFinishLocked completes a requested disconnect once nothing is in
// flight anymore: no pending handshake, no backlog and no partially read
// inbound message
func (c *Channel) maybeFinishLocked() {
	if !c.disconnecting || c.finished {
		return
	}
	if c.pending != nil || len(c.handleQueue) > 0 || len(c.readBuf) > 0 {
		return
	}
	c.finishLocked()
}

// finishLocked tears the channel down exactly once: releases undeliverable
// work, detaches the reader, flushes and closes the transport and emits
// disconnect. The terminal close event follows once the transport reports
// full closure.
func (c *Channel) finishLocked() {
	if c.finished {
		return
	}
	c.finished = true

	// A still-pending transfer can only exist on a forced teardown. Its dup
	// is released here if the announcement write already completed,
	// otherwise the write completion does it.
	if p := c.pending; p != nil && p.written {
		p.strat.PostSend(p.file)
		c.pending = nil
	}

	// Queued sends can no longer be written
	for _, qs := range c.handleQueue {
		c.reportClosedLocked(qs.cb)
	}
	c.handleQueue = nil

	if c.inFd >= 0 {
		closeRawFd(c.inFd)
		c.inFd = -1
	}

	t := c.transport
	c.transport = nil
	c.ref.detach()

	c.pump.post(func() {
		c.mu.Lock()
		listeners := c.disconnectListeners
		c.mu.Unlock()
		for _, fn := range listeners {
			fn()
		}
	})

	t.CloseRead()
	if err := t.Close(); err != nil {
		Logger.Warningf("failed to close transport: %v", err)
	}

	Logger.Debugf("channel disconnected")
}

// onReadEnd fires once when the transport read loop ends. A clean end of
// stream means the peer went away: queued work can no longer resolve, so the
// teardown is forced.
func (c *Channel) onReadEnd(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		c.emitErrorLocked(fmt.Errorf("channel read failed: %v", err))
	}
	if c.finished {
		return
	}

	Logger.Debugf("peer closed the channel")
	c.connected = false
	c.disconnecting = true
	c.finishLocked()
}

// onTransportClosed fires once the transport is fully torn down; it emits
// the terminal close event and stops the pump behind it
func (c *Channel) onTransportClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()

	Logger.Debugf("channel closed")
	c.pump.post(func() {
		c.mu.Lock()
		listeners := c.closeListeners
		c.mu.Unlock()
		for _, fn := range listeners {
			fn()
		}
	})
	c.pump.stop()
}

func closeRawFd(fd int) {
	if err := unix.Close(fd); err != nil {
		Logger.Warningf("failed to close descriptor %d: %v", fd, err)
	}
}
