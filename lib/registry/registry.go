package registry

import (
	"io"

	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("registry")

// SocketRegistry tracks live handle wrappers under caller-chosen routing
// keys. A typical use is a worker process keeping the listeners and sockets
// it received over the channel, grouped by purpose, so they can be counted
// and torn down together.
//
// Wrappers must be comparable values (the net wrappers are pointers, which
// always are).
type SocketRegistry struct {
	entries *xsync.MapOf[string, []any]
}

// NewSocketRegistry creates an empty registry
func NewSocketRegistry() *SocketRegistry {
	return &SocketRegistry{
		entries: xsync.NewMapOf[string, []any](),
	}
}

// --------------------------------------------------------------------------
// Registry Operations
// --------------------------------------------------------------------------

// Add appends a wrapper to the entry of the given routing key
func (r *SocketRegistry) Add(key string, wrapper any) {
	r.entries.Compute(key, func(old []any, _ bool) ([]any, bool) {
		wrappers := make([]any, 0, len(old)+1)
		wrappers = append(wrappers, old...)
		wrappers = append(wrappers, wrapper)
		return wrappers, false
	})
}

// Remove removes one occurrence of the wrapper from the entry of the given
// routing key. It reports whether the wrapper was present.
func (r *SocketRegistry) Remove(key string, wrapper any) bool {
	removed := false
	r.entries.Compute(key, func(old []any, loaded bool) ([]any, bool) {
		if !loaded {
			return nil, true
		}

		wrappers := make([]any, 0, len(old))
		for _, w := range old {
			if !removed && w == wrapper {
				removed = true
				continue
			}
			wrappers = append(wrappers, w)
		}

		// Drop empty entries so Keys stays meaningful
		if len(wrappers) == 0 {
			return nil, true
		}
		return wrappers, false
	})
	return removed
}

// Count returns the number of wrappers currently tracked under the key
func (r *SocketRegistry) Count(key string) int {
	wrappers, ok := r.entries.Load(key)
	if !ok {
		return 0
	}
	return len(wrappers)
}

// Keys returns all routing keys that currently have at least one wrapper
func (r *SocketRegistry) Keys() []string {
	var keys []string
	r.entries.Range(func(key string, _ []any) bool {
		keys = append(keys, key)
		return true
	})
	return keys
}

// CloseAll removes the entry of the given routing key and closes every
// tracked wrapper that is closeable. It returns the number of closed
// wrappers.
func (r *SocketRegistry) CloseAll(key string) int {
	wrappers, ok := r.entries.LoadAndDelete(key)
	if !ok {
		return 0
	}

	closed := 0
	for _, w := range wrappers {
		closer, ok := w.(io.Closer)
		if !ok {
			continue
		}
		if err := closer.Close(); err != nil {
			Logger.Warningf("failed to close %T of entry %q: %v", w, key, err)
		}
		closed++
	}
	return closed
}
