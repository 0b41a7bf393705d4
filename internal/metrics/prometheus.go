package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RegisterTFTP registers GaugeFunc/CounterFunc collectors on reg that read
// m's atomics on every scrape, so Prometheus observes live values without
// the hot path ever touching a prometheus.Counter directly.
func RegisterTFTP(reg prometheus.Registerer, m *TFTP) {
	factory := promauto.With(reg)

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "tftp_active_sessions",
		Help: "Number of TFTP transfer sessions currently in progress.",
	}, func() float64 { return float64(m.ActiveSessions.Load()) })

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "tftp_worker_queue_depth",
		Help: "Number of TFTP session tasks queued but not yet scheduled.",
	}, func() float64 { return float64(m.WorkerQueueDepth.Load()) })

	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "tftp_sessions_total",
		Help: "Total number of TFTP transfer sessions started.",
	}, func() float64 { return float64(m.SessionsTotal.Load()) })

	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "tftp_bytes_sent_total",
		Help: "Total bytes sent to clients in DATA packets.",
	}, func() float64 { return float64(m.BytesSent.Load()) })

	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "tftp_bytes_received_total",
		Help: "Total bytes received from clients in DATA packets.",
	}, func() float64 { return float64(m.BytesReceived.Load()) })

	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "tftp_retransmits_total",
		Help: "Total number of DATA/ACK retransmissions due to timeout or NAK.",
	}, func() float64 { return float64(m.RetransmitsTotal.Load()) })

	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "tftp_errors_total",
		Help: "Total number of ERROR packets sent to clients.",
	}, func() float64 { return float64(m.ErrorsTotal.Load()) })

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "tftp_multicast_sessions_active",
		Help: "Number of active RFC 2090 multicast transfer sessions.",
	}, func() float64 { return float64(m.MulticastSessions.Load()) })

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "tftp_multicast_clients_active",
		Help: "Number of clients currently joined to a multicast session.",
	}, func() float64 { return float64(m.MulticastClients.Load()) })

	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "tftp_rate_limit_triggered_total",
		Help: "Total number of requests rejected due to rate limiting.",
	}, func() float64 { return float64(m.RateLimitTriggered.Load()) })

	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "tftp_path_traversal_blocks_total",
		Help: "Total number of requests rejected for attempted path traversal.",
	}, func() float64 { return float64(m.PathTraversalBlocks.Load()) })
}

// RegisterSFTP registers GaugeFunc/CounterFunc collectors on reg that read
// m's atomics on every scrape.
func RegisterSFTP(reg prometheus.Registerer, m *SFTP) {
	factory := promauto.With(reg)

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "sftp_active_connections",
		Help: "Number of SSH connections currently established.",
	}, func() float64 { return float64(m.ActiveConnections.Load()) })

	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "sftp_connections_accepted_total",
		Help: "Total number of SSH connections accepted.",
	}, func() float64 { return float64(m.ConnectionsAccepted.Load()) })

	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "sftp_connections_closed_total",
		Help: "Total number of SSH connections closed cleanly.",
	}, func() float64 { return float64(m.ConnectionsClosed.Load()) })

	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "sftp_connections_rejected_total",
		Help: "Total number of SSH connections rejected (rate limit or connection limit).",
	}, func() float64 { return float64(m.ConnectionsRejected.Load()) })

	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "sftp_auth_attempts_total",
		Help: "Total number of public key authentication attempts.",
	}, func() float64 { return float64(m.AuthAttempts.Load()) })

	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "sftp_auth_failures_total",
		Help: "Total number of failed public key authentication attempts.",
	}, func() float64 { return float64(m.AuthFailures.Load()) })

	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "sftp_rate_limit_triggered_total",
		Help: "Total number of connections rejected due to rate limiting.",
	}, func() float64 { return float64(m.RateLimitTriggered.Load()) })

	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "sftp_bytes_sent_total",
		Help: "Total bytes sent to clients over SFTP READ responses.",
	}, func() float64 { return float64(m.BytesSent.Load()) })

	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "sftp_bytes_received_total",
		Help: "Total bytes received from clients over SFTP WRITE requests.",
	}, func() float64 { return float64(m.BytesReceived.Load()) })

	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "sftp_operations_total",
		Help: "Total number of SFTP protocol requests dispatched.",
	}, func() float64 { return float64(m.OperationsTotal.Load()) })

	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "sftp_errors_total",
		Help: "Total number of SFTP requests that completed with a non-OK status.",
	}, func() float64 { return float64(m.ErrorsTotal.Load()) })

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "sftp_handles_open",
		Help: "Number of open file/directory handles across all connections.",
	}, func() float64 { return float64(m.HandlesOpen.Load()) })
}
