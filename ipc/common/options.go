package common

import "fmt"

// --------------------------------------------------------------------------
// Send Options
// --------------------------------------------------------------------------

// SendOptions controls how a single message (and its optional handle) is
// transmitted over the channel.
type SendOptions struct {
	// KeepOpen keeps the local handle wrapper usable after it was sent.
	// By default the sender side is closed once the transfer starts.
	KeepOpen bool

	// SwallowErrors suppresses the asynchronous error event for this send
	// when no callback was supplied. Write failures are then only logged.
	SwallowErrors bool
}

// ParseSendOptions normalizes the options argument of Channel.Send. The
// argument may be nil, a bare bool (the historic swallow-errors flag of the
// wire protocol), a SendOptions value or a *SendOptions pointer. Anything
// else is rejected with ErrInvalidArgumentType.
func ParseSendOptions(v any) (SendOptions, error) {
	switch opts := v.(type) {
	case nil:
		return SendOptions{}, nil
	case bool:
		return SendOptions{SwallowErrors: opts}, nil
	case SendOptions:
		return opts, nil
	case *SendOptions:
		if opts == nil {
			return SendOptions{}, nil
		}
		return *opts, nil
	default:
		return SendOptions{}, fmt.Errorf("%w: options must be nil, bool or SendOptions, got %T", ErrInvalidArgumentType, v)
	}
}
