/*
Package registry provides a concurrency-safe registry for handle wrappers
that arrived over (or are about to be sent over) an IPC channel, with focus
on:

  - Grouping: wrappers are tracked under caller-chosen routing keys
  - Bulk teardown: all wrappers of a key can be closed in one call
  - Introspection: keys and per-key counts are cheap to query

Key Components:

  - SocketRegistry: the registry itself, one instance per process is typical
  - Add / Remove: track and untrack individual wrappers
  - Count / Keys: inspect the current state
  - CloseAll: drop a key and close every closeable wrapper it held

Thread Safety:

All operations are safe for concurrent use. The registry is backed by a
lock-free map; per-key updates are atomic read-copy-update operations, so
concurrent Add and Remove calls on the same key never lose entries.

The registry does not take ownership of wrappers: nothing is closed until
CloseAll is called, and wrappers removed via Remove stay open.
*/
package registry
