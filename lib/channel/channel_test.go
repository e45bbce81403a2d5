package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dIPC/ipc/common"
	"github.com/ValentinKolb/dIPC/ipc/serializer"
	"github.com/ValentinKolb/dIPC/ipc/transport"
	"golang.org/x/sys/unix"
)

// --------------------------------------------------------------------------
// Fake Transport
// --------------------------------------------------------------------------

// fakeWrite is one write accepted by the fake transport
type fakeWrite struct {
	data []byte
	fd   int
	done func(error)
}

// fakeTransport implements transport.IChannelTransport in memory. Writes are
// recorded and settle only when the test says so, which makes the protocol
// state machine fully deterministic to test. Close settles the remaining
// writes like the real writer loop, the terminal closed event is fired
// manually with fireClosed.
type fakeTransport struct {
	mu          sync.Mutex
	writes      []fakeWrite
	settled     int
	queued      int64
	readCb      transport.ReadCallback
	readEndCb   func(error)
	closedCb    func()
	closed      bool
	closeCalled chan struct{}
	drain       sync.WaitGroup
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{closeCalled: make(chan struct{})}
}

func (f *fakeTransport) StartReader(cb transport.ReadCallback) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readCb = cb
}

func (f *fakeTransport) OnReadEnd(cb func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readEndCb = cb
}

func (f *fakeTransport) OnClosed(cb func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closedCb = cb
}

func (f *fakeTransport) Write(data []byte, fd int, done func(error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return fmt.Errorf("transport is closed")
	}
	f.writes = append(f.writes, fakeWrite{data: data, fd: fd, done: done})
	f.queued += int64(len(data))
	return nil
}

func (f *fakeTransport) QueuedBytes() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queued
}

func (f *fakeTransport) Fd() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return -1
	}
	return 7
}

func (f *fakeTransport) CloseRead() {}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	pending := f.takeUnsettledLocked()
	f.mu.Unlock()

	// The real writer loop flushes accepted writes before closing
	f.drain.Add(1)
	go func() {
		defer f.drain.Done()
		for _, done := range pending {
			if done != nil {
				done(nil)
			}
		}
	}()

	close(f.closeCalled)
	return nil
}

// takeUnsettledLocked marks all remaining writes settled and returns their
// completion callbacks
func (f *fakeTransport) takeUnsettledLocked() []func(error) {
	var dones []func(error)
	for ; f.settled < len(f.writes); f.settled++ {
		w := f.writes[f.settled]
		f.queued -= int64(len(w.data))
		dones = append(dones, w.done)
	}
	return dones
}

// settleNext completes the oldest unsettled write with the given result
func (f *fakeTransport) settleNext(t *testing.T, err error) {
	t.Helper()

	f.mu.Lock()
	if f.settled >= len(f.writes) {
		f.mu.Unlock()
		t.Fatalf("No unsettled write to complete")
	}
	w := f.writes[f.settled]
	f.settled++
	f.queued -= int64(len(w.data))
	f.mu.Unlock()

	// The completion must not run under the transport lock, it re-enters
	// the channel
	if w.done != nil {
		w.done(err)
	}
}

// deliver feeds one inbound batch to the reader callback
func (f *fakeTransport) deliver(data []byte, fd int) {
	f.mu.Lock()
	cb := f.readCb
	f.mu.Unlock()
	cb(data, fd)
}

// endRead reports the end of the inbound stream (nil mimics a peer close)
func (f *fakeTransport) endRead(err error) {
	f.mu.Lock()
	cb := f.readEndCb
	f.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

// fireClosed emits the terminal closed event once the close flush settled
func (f *fakeTransport) fireClosed() {
	f.drain.Wait()
	f.mu.Lock()
	cb := f.closedCb
	f.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// writeCount returns how many writes the transport accepted so far
func (f *fakeTransport) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

// write returns the i-th accepted write
func (f *fakeTransport) write(t *testing.T, i int) fakeWrite {
	t.Helper()

	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.writes) {
		t.Fatalf("Write %d was never accepted, have %d", i, len(f.writes))
	}
	return f.writes[i]
}

// --------------------------------------------------------------------------
// Test Helpers
// --------------------------------------------------------------------------

// newTestChannel wires a channel to a fake transport and the json serializer
func newTestChannel(t *testing.T, cfg common.ChannelConfig) (*Channel, *fakeTransport) {
	t.Helper()

	ft := newFakeTransport()
	s, err := serializer.LookupSerializer("json")
	if err != nil {
		t.Fatalf("Failed to create serializer: %v", err)
	}
	return Setup(ft, s, cfg), ft
}

// awaitError receives one error from the channel or fails the test
func awaitError(t *testing.T, ch chan error) error {
	t.Helper()

	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("Timeout waiting for a result")
		return nil
	}
}

// line frames one json line the way the wire carries it
func line(s string) []byte {
	return []byte(s + "\n")
}

// listenerAnnouncement builds the inbound frame and descriptor for a handle
// transfer of a fresh TCP listener. The original listener is closed, the
// returned descriptor keeps the socket alive and is owned by the caller.
func listenerAnnouncement(t *testing.T, payload string) ([]byte, int, string) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to bind: %v", err)
	}
	addr := ln.Addr().String()

	file, err := ln.(*net.TCPListener).File()
	if err != nil {
		t.Fatalf("Failed to dup the listener: %v", err)
	}

	// Detach a raw descriptor so no os.File finalizer can steal it
	fd, err := unix.Dup(int(file.Fd()))
	if err != nil {
		t.Fatalf("Failed to dup the descriptor: %v", err)
	}
	_ = file.Close()
	_ = ln.Close()

	frame := line(`{"cmd":"NODE_HANDLE","type":"net.Server","msg":` + payload + `}`)
	return frame, fd, addr
}

// --------------------------------------------------------------------------
// Send Path
// --------------------------------------------------------------------------

// TestSendWritesPayloadLine tests the plain outbound path end to end
func TestSendWritesPayloadLine(t *testing.T) {
	ch, ft := newTestChannel(t, common.DefaultChannelConfig())

	result := make(chan error, 1)
	ok, err := ch.Send(map[string]int{"x": 1}, nil, nil, func(err error) {
		result <- err
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if !ok {
		t.Errorf("Expected no backpressure on an empty channel")
	}

	w := ft.write(t, 0)
	if string(w.data) != `{"x":1}`+"\n" {
		t.Errorf("Unexpected frame: %q", string(w.data))
	}
	if w.fd != -1 {
		t.Errorf("Plain sends must not carry a descriptor, got %d", w.fd)
	}

	// The callback fires on write completion
	ft.settleNext(t, nil)
	if err := awaitError(t, result); err != nil {
		t.Errorf("Expected a nil result, got: %v", err)
	}
}

// TestSendArgumentValidation tests the synchronous error returns
func TestSendArgumentValidation(t *testing.T) {
	ch, ft := newTestChannel(t, common.DefaultChannelConfig())

	testCases := []struct {
		name     string
		msg      any
		wrapper  any
		opts     any
		expected error
	}{
		{name: "NilMessage", msg: nil, expected: common.ErrMissingArguments},
		{name: "UnserializableMessage", msg: make(chan int), expected: common.ErrInvalidArgumentType},
		{name: "BadOptionsType", msg: "m", opts: 42, expected: common.ErrInvalidArgumentType},
		{name: "UnsupportedWrapper", msg: "m", wrapper: "not a socket", expected: common.ErrInvalidHandleType},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ch.Send(tc.msg, tc.wrapper, tc.opts, nil); !errors.Is(err, tc.expected) {
				t.Errorf("Expected %v, got %v", tc.expected, err)
			}
		})
	}

	if count := ft.writeCount(); count != 0 {
		t.Errorf("Rejected sends must not reach the transport, got %d writes", count)
	}
}

// TestSendAfterDisconnect tests that late sends resolve asynchronously with
// ErrChannelClosed and that the second disconnect is rejected
func TestSendAfterDisconnect(t *testing.T) {
	ch, _ := newTestChannel(t, common.DefaultChannelConfig())

	if err := ch.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if err := ch.Disconnect(); !errors.Is(err, common.ErrAlreadyDisconnected) {
		t.Errorf("Expected ErrAlreadyDisconnected, got %v", err)
	}
	if ch.Connected() {
		t.Errorf("Expected the channel to report disconnected")
	}

	result := make(chan error, 1)
	ok, err := ch.Send("late", nil, nil, func(err error) {
		result <- err
	})
	if err != nil {
		t.Fatalf("Send must not fail synchronously, got: %v", err)
	}
	if ok {
		t.Errorf("Expected the flow signal to be false on a closed channel")
	}
	if err := awaitError(t, result); !errors.Is(err, common.ErrChannelClosed) {
		t.Errorf("Expected ErrChannelClosed, got %v", err)
	}
}

// TestSendBackpressureSignal tests the flow signal against the watermark
func TestSendBackpressureSignal(t *testing.T) {
	cfg := common.DefaultChannelConfig()
	cfg.Watermark = 4 // backpressure at 8 queued bytes
	ch, ft := newTestChannel(t, cfg)

	// The frame is far larger than the threshold, so the very first send
	// already reports backpressure (nothing is dropped)
	ok, err := ch.Send("a payload above the watermark", nil, nil, nil)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if ok {
		t.Errorf("Expected the flow signal to report backpressure")
	}

	// Draining the queue restores the flow signal
	ft.settleNext(t, nil)
	ok, err = ch.Send("x", nil, nil, nil)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if !ok {
		t.Errorf("Expected the flow signal to recover after the drain")
	}
}

// TestWriteFailureReachesCallback tests asynchronous write error reporting
func TestWriteFailureReachesCallback(t *testing.T) {
	ch, ft := newTestChannel(t, common.DefaultChannelConfig())

	result := make(chan error, 1)
	if _, err := ch.Send("m", nil, nil, func(err error) { result <- err }); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	ft.settleNext(t, fmt.Errorf("broken pipe"))

	err := awaitError(t, result)
	var writeErr *common.WriteError
	if !errors.As(err, &writeErr) {
		t.Fatalf("Expected a WriteError, got %T: %v", err, err)
	}
	if writeErr.Op != "send" {
		t.Errorf("Expected op 'send', got %q", writeErr.Op)
	}
}

// TestWriteFailureWithoutCallbackEmitsError tests the error event fallback
func TestWriteFailureWithoutCallbackEmitsError(t *testing.T) {
	ch, ft := newTestChannel(t, common.DefaultChannelConfig())

	errs := make(chan error, 1)
	ch.OnError(func(err error) { errs <- err })

	if _, err := ch.Send("m", nil, nil, nil); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	ft.settleNext(t, fmt.Errorf("broken pipe"))

	err := awaitError(t, errs)
	var writeErr *common.WriteError
	if !errors.As(err, &writeErr) {
		t.Errorf("Expected a WriteError event, got %T: %v", err, err)
	}
}

// TestSwallowErrorsSuppressesTheEvent tests the legacy swallow-errors flag
func TestSwallowErrorsSuppressesTheEvent(t *testing.T) {
	ch, ft := newTestChannel(t, common.DefaultChannelConfig())

	errs := make(chan error, 1)
	ch.OnError(func(err error) { errs <- err })

	// The bool options form is the wire protocol's swallow-errors flag
	if _, err := ch.Send("m", nil, true, nil); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	ft.settleNext(t, fmt.Errorf("broken pipe"))

	select {
	case err := <-errs:
		t.Errorf("Expected the failure to be swallowed, got event: %v", err)
	case <-time.After(100 * time.Millisecond):
		// Expected, the failure is only logged
	}
}

// --------------------------------------------------------------------------
// Inbound Path
// --------------------------------------------------------------------------

// TestMessageDelivery tests ordered delivery of inbound user messages
func TestMessageDelivery(t *testing.T) {
	ch, ft := newTestChannel(t, common.DefaultChannelConfig())

	msgs := make(chan string, 8)
	ch.OnMessage(func(msg json.RawMessage, wrapper any) {
		if wrapper != nil {
			t.Errorf("Plain messages must not carry a wrapper, got %T", wrapper)
		}
		msgs <- string(msg)
	})

	// Two messages in one batch, one in a second batch
	ft.deliver([]byte("{\"seq\":1}\n{\"seq\":2}\n"), -1)
	ft.deliver(line(`{"seq":3}`), -1)

	for i := 1; i <= 3; i++ {
		select {
		case got := <-msgs:
			expected := fmt.Sprintf(`{"seq":%d}`, i)
			if got != expected {
				t.Errorf("Expected %s, got %s", expected, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("Timeout waiting for message %d", i)
		}
	}
}

// TestPartialFrameIsBuffered tests reassembly of frames split across reads
func TestPartialFrameIsBuffered(t *testing.T) {
	ch, ft := newTestChannel(t, common.DefaultChannelConfig())

	msgs := make(chan string, 1)
	ch.OnMessage(func(msg json.RawMessage, wrapper any) {
		msgs <- string(msg)
	})

	ft.deliver([]byte(`{"split"`), -1)
	ft.deliver([]byte(":true}\n"), -1)

	select {
	case got := <-msgs:
		if got != `{"split":true}` {
			t.Errorf("Expected the reassembled message, got %s", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Timeout waiting for the reassembled message")
	}
}

// TestInboxBuffersUntilFirstListener tests that early messages wait for the
// first listener and are flushed in arrival order, ahead of later messages
func TestInboxBuffersUntilFirstListener(t *testing.T) {
	ch, ft := newTestChannel(t, common.DefaultChannelConfig())

	ft.deliver(line(`{"seq":1}`), -1)
	ft.deliver(line(`{"seq":2}`), -1)

	msgs := make(chan string, 8)
	ch.OnMessage(func(msg json.RawMessage, wrapper any) {
		msgs <- string(msg)
	})

	ft.deliver(line(`{"seq":3}`), -1)

	for i := 1; i <= 3; i++ {
		select {
		case got := <-msgs:
			expected := fmt.Sprintf(`{"seq":%d}`, i)
			if got != expected {
				t.Errorf("Expected %s, got %s", expected, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("Timeout waiting for message %d", i)
		}
	}

	// A second listener must not trigger another flush
	dup := make(chan string, 8)
	ch.OnMessage(func(msg json.RawMessage, wrapper any) {
		dup <- string(msg)
	})
	select {
	case got := <-dup:
		t.Errorf("Buffered messages were flushed twice: %s", got)
	case <-time.After(100 * time.Millisecond):
	}
}

// TestInternalMessages tests routing of non-handshake protocol envelopes
func TestInternalMessages(t *testing.T) {
	ch, ft := newTestChannel(t, common.DefaultChannelConfig())

	// Without a listener internal messages are dropped, never buffered
	ft.deliver(line(`{"cmd":"NODE_CUSTOM","msg":{"n":1}}`), -1)

	envs := make(chan common.Envelope, 2)
	ch.OnInternalMessage(func(env common.Envelope) {
		envs <- env
	})
	userMsgs := make(chan string, 2)
	ch.OnMessage(func(msg json.RawMessage, wrapper any) {
		userMsgs <- string(msg)
	})

	ft.deliver(line(`{"cmd":"NODE_CUSTOM","msg":{"n":2}}`), -1)

	select {
	case env := <-envs:
		if env.Cmd != "NODE_CUSTOM" || string(env.Msg) != `{"n":2}` {
			t.Errorf("Unexpected envelope: %+v", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Timeout waiting for the internal message")
	}

	select {
	case env := <-envs:
		t.Errorf("The dropped envelope resurfaced: %+v", env)
	case msg := <-userMsgs:
		t.Errorf("An internal message reached the user listeners: %s", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

// TestDecodeErrorKeepsEarlierEnvelopes tests that a malformed frame surfaces
// as an error without losing the messages decoded before it
func TestDecodeErrorKeepsEarlierEnvelopes(t *testing.T) {
	ch, ft := newTestChannel(t, common.DefaultChannelConfig())

	msgs := make(chan string, 2)
	ch.OnMessage(func(msg json.RawMessage, wrapper any) {
		msgs <- string(msg)
	})
	errs := make(chan error, 2)
	ch.OnError(func(err error) { errs <- err })

	ft.deliver([]byte("{\"ok\":1}\n{broken\n"), -1)

	select {
	case got := <-msgs:
		if got != `{"ok":1}` {
			t.Errorf("Expected the message before the malformed frame, got %s", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Timeout waiting for the surviving message")
	}

	if err := awaitError(t, errs); !strings.Contains(err.Error(), "decode") {
		t.Errorf("Expected a decode error, got: %v", err)
	}
}

// --------------------------------------------------------------------------
// Handle Transfer (Sending Side)
// --------------------------------------------------------------------------

// TestHandleTransferOrdering tests the full sending-side handshake: announce,
// defer the backlog, flush it on the acknowledgment
func TestHandleTransferOrdering(t *testing.T) {
	ch, ft := newTestChannel(t, common.DefaultChannelConfig())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to bind: %v", err)
	}

	announceResult := make(chan error, 1)
	ok, err := ch.Send(map[string]string{"transfer": "ln"}, ln, nil, func(err error) {
		announceResult <- err
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if !ok {
		t.Errorf("Expected no backpressure for the announcement")
	}

	// The announcement is an envelope object with the descriptor attached
	w := ft.write(t, 0)
	if !strings.HasPrefix(string(w.data), `{"cmd":"NODE_HANDLE","type":"net.Server"`) {
		t.Errorf("Unexpected announcement frame: %q", string(w.data))
	}
	if w.fd < 0 {
		t.Errorf("Expected a descriptor on the announcement")
	}

	// The extraction closed the original wrapper
	if _, err := ln.Accept(); err == nil {
		t.Errorf("Expected the listener to be closed after the transfer started")
	}

	// Everything sent during the handshake queues behind it: the first
	// queued entry still reports true, the second reports false
	if ok, _ := ch.Send(map[string]int{"q": 1}, nil, nil, nil); !ok {
		t.Errorf("Expected true for the first queued send")
	}
	if ok, _ := ch.Send(map[string]int{"q": 2}, nil, nil, nil); ok {
		t.Errorf("Expected false for the second queued send")
	}
	if count := ft.writeCount(); count != 1 {
		t.Fatalf("Queued sends must not reach the transport, got %d writes", count)
	}

	// The send callback fires on write completion, not on the acknowledgment
	ft.settleNext(t, nil)
	if err := awaitError(t, announceResult); err != nil {
		t.Errorf("Expected a nil result for the announcement, got: %v", err)
	}

	// The acknowledgment releases the backlog in order
	ft.deliver(line(`{"cmd":"NODE_HANDLE_ACK"}`), -1)

	if count := ft.writeCount(); count != 3 {
		t.Fatalf("Expected the backlog to flush, got %d writes", count)
	}
	if got := string(ft.write(t, 1).data); got != `{"q":1}`+"\n" {
		t.Errorf("Backlog order violated, got %q first", got)
	}
	if got := string(ft.write(t, 2).data); got != `{"q":2}`+"\n" {
		t.Errorf("Backlog order violated, got %q second", got)
	}

	// With the handshake resolved, new sends write directly again
	if _, err := ch.Send(map[string]int{"q": 3}, nil, nil, nil); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if count := ft.writeCount(); count != 4 {
		t.Errorf("Expected a direct write after the handshake, got %d writes", count)
	}
}

// TestHandleNackRetransmission tests the refusal path: capped retransmission
// of the identical announcement, then payload redelivery without the handle
func TestHandleNackRetransmission(t *testing.T) {
	cfg := common.DefaultChannelConfig()
	cfg.MaxRetransmissions = 2
	ch, ft := newTestChannel(t, cfg)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to bind: %v", err)
	}

	if _, err := ch.Send(map[string]string{"payload": "precious"}, ln, nil, nil); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	// One plain send queues behind the handshake
	if _, err := ch.Send(map[string]string{"queued": "yes"}, nil, nil, nil); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	announcement := ft.write(t, 0)
	ft.settleNext(t, nil)

	// Two refusals produce two byte-identical retransmissions with the
	// same descriptor
	for i := 1; i <= 2; i++ {
		ft.deliver(line(`{"cmd":"NODE_HANDLE_NACK"}`), -1)

		if count := ft.writeCount(); count != i+1 {
			t.Fatalf("Expected retransmission %d, got %d writes", i, count)
		}
		retry := ft.write(t, i)
		if string(retry.data) != string(announcement.data) {
			t.Errorf("Retransmission %d is not byte identical", i)
		}
		if retry.fd != announcement.fd {
			t.Errorf("Retransmission %d carries descriptor %d, expected %d", i, retry.fd, announcement.fd)
		}
		ft.settleNext(t, nil)
	}

	// The next refusal exhausts the cap: the payload is redelivered as a
	// plain message ahead of the backlog, the handle is given up on
	ft.deliver(line(`{"cmd":"NODE_HANDLE_NACK"}`), -1)

	if count := ft.writeCount(); count != 5 {
		t.Fatalf("Expected redelivery and backlog flush, got %d writes", count)
	}
	redelivery := ft.write(t, 3)
	if string(redelivery.data) != `{"payload":"precious"}`+"\n" {
		t.Errorf("Expected the plain payload redelivery, got %q", string(redelivery.data))
	}
	if redelivery.fd != -1 {
		t.Errorf("The redelivery must not carry a descriptor, got %d", redelivery.fd)
	}
	if got := string(ft.write(t, 4).data); got != `{"queued":"yes"}`+"\n" {
		t.Errorf("Expected the backlog behind the redelivery, got %q", got)
	}
}

// TestSecondHandleTransferWaitsForFirst tests that handle handshakes are
// strictly serialized: the second transfer is not even extracted until the
// first one resolves
func TestSecondHandleTransferWaitsForFirst(t *testing.T) {
	ch, ft := newTestChannel(t, common.DefaultChannelConfig())

	first, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to bind: %v", err)
	}
	second, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to bind: %v", err)
	}
	defer second.Close()

	if _, err := ch.Send(map[string]int{"h": 1}, first, nil, nil); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if _, err := ch.Send(map[string]int{"h": 2}, second, nil, nil); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if count := ft.writeCount(); count != 1 {
		t.Fatalf("Expected only the first announcement on the wire, got %d writes", count)
	}

	// The queued transfer has not touched its wrapper yet
	_ = second.(*net.TCPListener).SetDeadline(time.Now().Add(50 * time.Millisecond))
	if _, err := second.Accept(); err == nil {
		t.Fatalf("Expected a timeout from the idle listener")
	} else {
		var netErr net.Error
		if !errors.As(err, &netErr) || !netErr.Timeout() {
			t.Errorf("The queued wrapper was already extracted: %v", err)
		}
	}
	// Resolving the first handshake starts the second transfer
	ft.settleNext(t, nil)
	ft.deliver(line(`{"cmd":"NODE_HANDLE_ACK"}`), -1)

	if count := ft.writeCount(); count != 2 {
		t.Fatalf("Expected the second announcement after the ack, got %d writes", count)
	}
	w := ft.write(t, 1)
	if !strings.Contains(string(w.data), `"msg":{"h":2}`) {
		t.Errorf("Unexpected second announcement: %q", string(w.data))
	}
	if w.fd < 0 {
		t.Errorf("Expected a descriptor on the second announcement")
	}

	// Now the extraction consumed the second wrapper
	_ = second.(*net.TCPListener).SetDeadline(time.Now().Add(50 * time.Millisecond))
	_, err = second.Accept()
	if err == nil {
		t.Errorf("Expected the second listener to be closed after its transfer started")
	} else {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			t.Errorf("Expected the second listener to be closed, it still accepts")
		}
	}
}

// TestSpentWrapperSendsPlain tests the fallback when the wrapper's resource
// is already gone at send time
func TestSpentWrapperSendsPlain(t *testing.T) {
	ch, ft := newTestChannel(t, common.DefaultChannelConfig())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to bind: %v", err)
	}
	_ = ln.Close()

	if _, err := ch.Send(map[string]int{"m": 1}, ln, nil, nil); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	w := ft.write(t, 0)
	if string(w.data) != `{"m":1}`+"\n" {
		t.Errorf("Expected the bare payload, got %q", string(w.data))
	}
	if w.fd != -1 {
		t.Errorf("Expected no descriptor, got %d", w.fd)
	}

	// No handshake was started, the next send writes directly
	if _, err := ch.Send(map[string]int{"m": 2}, nil, nil, nil); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if count := ft.writeCount(); count != 2 {
		t.Errorf("Expected a direct write, got %d", count)
	}
}

// TestKeepOpenLeavesTheWrapperUsable tests the keep-open send option
func TestKeepOpenLeavesTheWrapperUsable(t *testing.T) {
	ch, ft := newTestChannel(t, common.DefaultChannelConfig())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to bind: %v", err)
	}
	defer ln.Close()

	if _, err := ch.Send("m", ln, common.SendOptions{KeepOpen: true}, nil); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if w := ft.write(t, 0); w.fd < 0 {
		t.Fatalf("Expected a descriptor on the announcement")
	}

	// The original listener still works: a deadline wait times out instead
	// of failing with a closed error
	_ = ln.(*net.TCPListener).SetDeadline(time.Now().Add(50 * time.Millisecond))
	_, err = ln.Accept()
	if err == nil {
		t.Fatalf("Expected a timeout from the idle listener")
	}
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Errorf("Expected a timeout, the listener seems closed: %v", err)
	}
}

// TestAnnouncementWriteFailureUnwindsHandshake tests that a failed
// announcement write releases the backlog instead of stalling it forever
func TestAnnouncementWriteFailureUnwindsHandshake(t *testing.T) {
	ch, ft := newTestChannel(t, common.DefaultChannelConfig())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to bind: %v", err)
	}

	announceResult := make(chan error, 1)
	if _, err := ch.Send("transfer", ln, nil, func(err error) { announceResult <- err }); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if _, err := ch.Send("queued", nil, nil, nil); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	ft.settleNext(t, fmt.Errorf("connection reset"))

	var writeErr *common.WriteError
	if err := awaitError(t, announceResult); !errors.As(err, &writeErr) {
		t.Errorf("Expected a WriteError for the announcement, got: %v", err)
	}

	// The backlog flushed despite the dead handshake
	if count := ft.writeCount(); count != 2 {
		t.Fatalf("Expected the backlog to flush, got %d writes", count)
	}
	if got := string(ft.write(t, 1).data); got != `"queued"`+"\n" {
		t.Errorf("Expected the queued message, got %q", got)
	}
}

// TestStrayAckIsTolerated tests that an acknowledgment without a pending
// transfer is ignored
func TestStrayAckIsTolerated(t *testing.T) {
	ch, ft := newTestChannel(t, common.DefaultChannelConfig())

	ft.deliver(line(`{"cmd":"NODE_HANDLE_ACK"}`), -1)
	ft.deliver(line(`{"cmd":"NODE_HANDLE_NACK"}`), -1)

	// The channel keeps working
	if _, err := ch.Send("still alive", nil, nil, nil); err != nil {
		t.Fatalf("Send failed after stray acknowledgments: %v", err)
	}
	if count := ft.writeCount(); count != 1 {
		t.Errorf("Expected exactly the one send, got %d writes", count)
	}
}

// --------------------------------------------------------------------------
// Handle Transfer (Receiving Side)
// --------------------------------------------------------------------------

// TestReceiveHandle tests the receiving side: acknowledge first, then
// reconstruct and deliver the wrapper with its message
func TestReceiveHandle(t *testing.T) {
	ch, ft := newTestChannel(t, common.DefaultChannelConfig())

	type delivery struct {
		msg     string
		wrapper any
	}
	deliveries := make(chan delivery, 1)
	ch.OnMessage(func(msg json.RawMessage, wrapper any) {
		deliveries <- delivery{msg: string(msg), wrapper: wrapper}
	})

	frame, fd, addr := listenerAnnouncement(t, `{"greeting":"hi"}`)
	ft.deliver(frame, fd)

	// The acknowledgment goes out before the wrapper is delivered
	if got := string(ft.write(t, 0).data); got != `{"cmd":"NODE_HANDLE_ACK"}`+"\n" {
		t.Fatalf("Expected an ack, got %q", got)
	}

	select {
	case d := <-deliveries:
		if d.msg != `{"greeting":"hi"}` {
			t.Errorf("Expected the announcement payload, got %s", d.msg)
		}
		rebuilt, ok := d.wrapper.(net.Listener)
		if !ok {
			t.Fatalf("Expected a net.Listener wrapper, got %T", d.wrapper)
		}
		defer rebuilt.Close()
		if rebuilt.Addr().String() != addr {
			t.Errorf("Expected address %s, got %s", addr, rebuilt.Addr())
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Timeout waiting for the handle delivery")
	}
}

// TestReceiveHandleWithoutDescriptor tests the negative acknowledgment when
// the ancillary descriptor did not arrive
func TestReceiveHandleWithoutDescriptor(t *testing.T) {
	ch, ft := newTestChannel(t, common.DefaultChannelConfig())

	msgs := make(chan string, 1)
	ch.OnMessage(func(msg json.RawMessage, wrapper any) {
		msgs <- string(msg)
	})

	ft.deliver(line(`{"cmd":"NODE_HANDLE","type":"net.Server","msg":{"x":1}}`), -1)

	if got := string(ft.write(t, 0).data); got != `{"cmd":"NODE_HANDLE_NACK"}`+"\n" {
		t.Fatalf("Expected a nack, got %q", got)
	}

	// The payload is dropped, it travels again with the retransmission
	select {
	case msg := <-msgs:
		t.Errorf("The refused announcement must not be delivered, got %s", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

// TestReceiveHandleOfUnknownType tests that an unsupported wire tag is
// acknowledged, surfaced as an error and not delivered
func TestReceiveHandleOfUnknownType(t *testing.T) {
	ch, ft := newTestChannel(t, common.DefaultChannelConfig())

	errs := make(chan error, 1)
	ch.OnError(func(err error) { errs <- err })
	msgs := make(chan string, 1)
	ch.OnMessage(func(msg json.RawMessage, wrapper any) {
		msgs <- string(msg)
	})

	// A pipe write end stands in for the untransferable descriptor
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Failed to create pipe: %v", err)
	}
	defer r.Close()
	fd, err := unix.Dup(int(w.Fd()))
	if err != nil {
		t.Fatalf("Failed to dup: %v", err)
	}
	_ = w.Close()

	ft.deliver(line(`{"cmd":"NODE_HANDLE","type":"tls.Socket","msg":{}}`), fd)

	if got := string(ft.write(t, 0).data); got != `{"cmd":"NODE_HANDLE_ACK"}`+"\n" {
		t.Fatalf("Expected an ack, got %q", got)
	}
	if err := awaitError(t, errs); !strings.Contains(err.Error(), "unsupported type") {
		t.Errorf("Expected an unsupported-type error, got: %v", err)
	}
	select {
	case msg := <-msgs:
		t.Errorf("The broken announcement must not be delivered, got %s", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// TestDisconnectDrainsPendingWork tests that a requested disconnect waits
// for the handshake and its backlog before tearing the transport down
func TestDisconnectDrainsPendingWork(t *testing.T) {
	ch, ft := newTestChannel(t, common.DefaultChannelConfig())

	disconnected := make(chan struct{})
	ch.OnDisconnect(func() { close(disconnected) })
	closed := make(chan struct{})
	ch.OnClose(func() { close(closed) })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to bind: %v", err)
	}

	if _, err := ch.Send("transfer", ln, nil, nil); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	queuedResult := make(chan error, 1)
	if _, err := ch.Send("queued", nil, nil, func(err error) { queuedResult <- err }); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if err := ch.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	// The transport must stay up while the handshake is unresolved
	select {
	case <-ft.closeCalled:
		t.Fatalf("The transport was closed with a pending handshake")
	case <-time.After(100 * time.Millisecond):
	}

	// Resolving the handshake releases the backlog and then the teardown
	ft.settleNext(t, nil)
	ft.deliver(line(`{"cmd":"NODE_HANDLE_ACK"}`), -1)

	select {
	case <-ft.closeCalled:
	case <-time.After(2 * time.Second):
		t.Fatalf("Timeout waiting for the transport teardown")
	}

	// The queued send was flushed before the close and completes cleanly
	if err := awaitError(t, queuedResult); err != nil {
		t.Errorf("Expected the queued send to complete, got: %v", err)
	}

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatalf("Timeout waiting for the disconnect event")
	}

	// The terminal close event follows the transport's full closure
	ft.fireClosed()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("Timeout waiting for the close event")
	}

	waitDone := make(chan struct{})
	go func() {
		ch.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("Timeout waiting for Wait to return")
	}
}

// TestPeerCloseForcesTeardown tests the forced teardown when the peer goes
// away: queued work resolves with ErrChannelClosed
func TestPeerCloseForcesTeardown(t *testing.T) {
	ch, ft := newTestChannel(t, common.DefaultChannelConfig())

	disconnected := make(chan struct{})
	ch.OnDisconnect(func() { close(disconnected) })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to bind: %v", err)
	}

	announceResult := make(chan error, 1)
	if _, err := ch.Send("transfer", ln, nil, func(err error) { announceResult <- err }); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	queuedResult := make(chan error, 1)
	if _, err := ch.Send("queued", nil, nil, func(err error) { queuedResult <- err }); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	// End of stream: the acknowledgment can never arrive anymore
	ft.endRead(nil)

	select {
	case <-ft.closeCalled:
	case <-time.After(2 * time.Second):
		t.Fatalf("Timeout waiting for the forced teardown")
	}
	if ch.Connected() {
		t.Errorf("Expected the channel to report disconnected")
	}

	// The queued send can never be written
	if err := awaitError(t, queuedResult); !errors.Is(err, common.ErrChannelClosed) {
		t.Errorf("Expected ErrChannelClosed for the queued send, got: %v", err)
	}

	// The announcement write was already accepted, the transport flush
	// completes it
	if err := awaitError(t, announceResult); err != nil {
		t.Errorf("Expected the announcement write to complete, got: %v", err)
	}

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatalf("Timeout waiting for the disconnect event")
	}
}

// TestReadFailureSurfacesAndTearsDown tests the error path of the read loop
func TestReadFailureSurfacesAndTearsDown(t *testing.T) {
	ch, ft := newTestChannel(t, common.DefaultChannelConfig())

	errs := make(chan error, 1)
	ch.OnError(func(err error) { errs <- err })

	ft.endRead(fmt.Errorf("connection reset by peer"))

	if err := awaitError(t, errs); !strings.Contains(err.Error(), "read failed") {
		t.Errorf("Expected a read failure, got: %v", err)
	}
	select {
	case <-ft.closeCalled:
	case <-time.After(2 * time.Second):
		t.Fatalf("Timeout waiting for the teardown")
	}
	if ch.Connected() {
		t.Errorf("Expected the channel to report disconnected")
	}
}

// TestDisconnectWaitsForPartialInboundFrame tests that a split inbound frame
// is decoded before a requested disconnect completes
func TestDisconnectWaitsForPartialInboundFrame(t *testing.T) {
	ch, ft := newTestChannel(t, common.DefaultChannelConfig())

	msgs := make(chan string, 1)
	ch.OnMessage(func(msg json.RawMessage, wrapper any) {
		msgs <- string(msg)
	})

	// Half a frame is buffered when the disconnect is requested
	ft.deliver([]byte(`{"tail"`), -1)
	if err := ch.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	select {
	case <-ft.closeCalled:
		t.Fatalf("The channel tore down with a partially read message")
	case <-time.After(100 * time.Millisecond):
	}

	// The rest of the frame completes the message and the teardown
	ft.deliver([]byte(":true}\n"), -1)

	select {
	case got := <-msgs:
		if got != `{"tail":true}` {
			t.Errorf("Expected the reassembled message, got %s", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Timeout waiting for the final message")
	}
	select {
	case <-ft.closeCalled:
	case <-time.After(2 * time.Second):
		t.Fatalf("Timeout waiting for the teardown")
	}
}
