package common

import (
	"fmt"
	"strconv"
	"strings"
)

// --------------------------------------------------------------------------
// Channel configuration struct
// --------------------------------------------------------------------------

const (
	// DefaultWatermark is the reference level for outbound buffering. A send
	// reports backpressure once the transport has accepted more than twice
	// this many bytes that are not yet written out.
	DefaultWatermark = 64 * 1024

	// DefaultMaxRetransmissions is how often a handle announcement is resent
	// after the peer reported that the handle did not arrive
	DefaultMaxRetransmissions = 3

	// DefaultReadBufferSize is the size of the transport read buffer
	DefaultReadBufferSize = 64 * 1024
)

// ChannelConfig holds all configuration parameters for an IPC channel.
type ChannelConfig struct {
	// Serializer selects the wire format (json, gob, binary). Only json is
	// compatible with foreign peers, the other two require dIPC on both ends.
	Serializer string

	// Watermark is the outbound buffering reference level in bytes,
	// backpressure is reported at 2*Watermark
	Watermark int64

	// MaxRetransmissions caps how often a handle announcement is resent
	// on a negative acknowledgment
	MaxRetransmissions uint8

	// ReadBufferSize is the transport read buffer size in bytes
	ReadBufferSize int

	// Logging configuration
	LogLevel string
}

// DefaultChannelConfig returns the configuration used when no explicit
// settings are provided
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		Serializer:         "json",
		Watermark:          DefaultWatermark,
		MaxRetransmissions: DefaultMaxRetransmissions,
		ReadBufferSize:     DefaultReadBufferSize,
		LogLevel:           "info",
	}
}

// BackpressureThreshold returns the queued-byte level at which sends start
// reporting backpressure
func (c *ChannelConfig) BackpressureThreshold() int64 {
	if c.Watermark <= 0 {
		return 2 * DefaultWatermark
	}
	return 2 * c.Watermark
}

// String returns a formatted string representation of the configuration
func (c *ChannelConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// Wire format
	addSection("Channel")
	addField("Serializer", c.Serializer)
	addField("Watermark", fmt.Sprintf("%d bytes", c.Watermark))
	addField("Backpressure At", fmt.Sprintf("%d bytes", c.BackpressureThreshold()))
	addField("Max Retransmissions", strconv.Itoa(int(c.MaxRetransmissions)))

	// Transport settings
	addSection("Transport")
	addField("Read Buffer", fmt.Sprintf("%d bytes", c.ReadBufferSize))

	// Logging configuration
	addSection("Logging")
	addField("Log Level", c.LogLevel)

	return sb.String()
}
