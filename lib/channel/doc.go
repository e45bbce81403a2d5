/*
Package channel implements the IPC protocol controller: structured message
exchange and OS handle transfer between two processes over one duplex byte
channel, with focus on:

  - Ordering: messages reach the peer in send order, even when handle
    transfers interleave with plain sends
  - Acknowledged handle transfer: at most one handle is in flight, refused
    transfers are retransmitted a bounded number of times
  - Backpressure: every send reports whether the outbound buffer passed the
    high watermark
  - Graceful teardown: a disconnect drains queued work and partially read
    inbound data before the transport goes away

Key Components:

  - Channel: the protocol controller created by Setup, exposing Send,
    Disconnect and the event listeners
  - ChannelRef: the reference controller telling the host process when the
    channel no longer needs it to stay alive
  - inbox: buffers inbound messages until the first listener is registered,
    then flushes them once, in arrival order

Protocol:

A message with a handle travels as a handle announcement envelope, the
descriptor rides along as ancillary data. The receiver acknowledges
(positively or negatively) before reconstructing; the sender retains a dup
of the descriptor until the acknowledgment arrives so a refused transfer can
be retransmitted verbatim. Once the retransmission cap is exhausted the
descriptor is given up and the message is redelivered without it. Sends
issued while a handshake is in flight are queued and replayed in order
afterwards; acknowledgments themselves bypass that queue.

Thread Safety:

All methods of Channel are safe for concurrent use. Listener callbacks are
executed on a single task-pump goroutine: they never run concurrently with
each other and their order is the order the events occurred in. Callbacks
must not block indefinitely since they share that goroutine.

Usage:

	t, peer, _ := transport.NewSocketPair(0)
	s, _ := serializer.LookupSerializer("json")
	ch := channel.Setup(t, s, common.DefaultChannelConfig())

	ch.OnMessage(func(msg json.RawMessage, wrapper any) {
		if ln, ok := wrapper.(net.Listener); ok {
			go serve(ln)
		}
	})

	ch.Send(map[string]any{"hello": "world"}, nil, nil, nil)
	ch.Send("take this", listener, nil, nil)

	// hand peer to the child process (exec.Cmd ExtraFiles), then later:
	ch.Disconnect()
	ch.Wait()
*/
package channel
