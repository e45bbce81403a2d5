// Package cmd implements the command-line interface for the dIPC
// inter-process control channel. It provides a hierarchical command structure
// with a runnable demo of both sides of a channel.
//
// The package is organized into several subpackages:
//
//   - demo: Parent side of the demo (spawns the child, sends messages and handles)
//   - echo: Child side of the demo (attaches to the inherited channel, echoes back)
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See dipc -help for a list of all commands.
package cmd
