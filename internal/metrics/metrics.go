// Package metrics provides Prometheus metrics for mpy-sync. The CLI is short
// lived, so instead of serving them the registry is dumped to a textfile in
// the workspace state directory after each verb.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var registry = prometheus.NewRegistry()

var (
	toolInvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mpysync_tool_invocations_total",
			Help: "Total number of device tool invocations",
		},
		[]string{"verb", "status"},
	)

	filesTransferredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mpysync_files_transferred_total",
			Help: "Total number of per-file transfers attempted",
		},
		[]string{"direction", "status"},
	)

	remoteListingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mpysync_remote_listings_total",
			Help: "Remote tree listings by source (device, memory, file)",
		},
		[]string{"source"},
	)

	gateQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mpysync_gate_queue_depth",
			Help: "Operations waiting in the connection gate",
		},
		[]string{"port"},
	)
)

func init() {
	registry.MustRegister(toolInvocationsTotal, filesTransferredTotal, remoteListingsTotal, gateQueueDepth)
}

func ToolInvocation(verb, status string) {
	toolInvocationsTotal.WithLabelValues(verb, status).Inc()
}

func FileTransferred(direction, status string) {
	filesTransferredTotal.WithLabelValues(direction, status).Inc()
}

func RemoteListing(source string) {
	remoteListingsTotal.WithLabelValues(source).Inc()
}

func SetQueueDepth(port string, n int) {
	gateQueueDepth.WithLabelValues(port).Set(float64(n))
}

// WriteTextfile dumps every metric in the Prometheus text format to path.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, registry)
}
