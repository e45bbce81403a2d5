package channel

import (
	"github.com/VictoriaMetrics/metrics"
)

// Channel counters, exposed in prometheus format via metrics.WritePrometheus
// (the demo command serves them on --metrics-addr). Counters are process
// wide: a process usually owns exactly one channel.
var (
	metricMessagesSent     = metrics.NewCounter(`dipc_channel_messages_sent_total`)
	metricMessagesReceived = metrics.NewCounter(`dipc_channel_messages_received_total`)
	metricHandlesSent      = metrics.NewCounter(`dipc_channel_handles_sent_total`)
	metricHandlesReceived  = metrics.NewCounter(`dipc_channel_handles_received_total`)
	metricRetransmissions  = metrics.NewCounter(`dipc_channel_handle_retransmissions_total`)
	metricNacksSent        = metrics.NewCounter(`dipc_channel_handle_nacks_sent_total`)
	metricTransferFailures = metrics.NewCounter(`dipc_channel_handle_transfer_failures_total`)
	metricWriteErrors      = metrics.NewCounter(`dipc_channel_write_errors_total`)
)
