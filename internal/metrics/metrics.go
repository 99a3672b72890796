// Package metrics holds the Prometheus collectors shared by the mailer, the
// SMTP client and the capture server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Deliveries counts dispatch attempts per transport. Result is "ok" or
	// "error".
	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailer_deliveries_total",
			Help: "Messages handed to a transport, by transport and result.",
		},
		[]string{
			"transport", // "mail", "sendmail", "smtp" or "ses"
			"result",
		},
	)

	// BatchChunks counts Bcc chunks dispatched in batch mode.
	BatchChunks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailer_batch_chunks_total",
			Help: "Bcc batch chunks dispatched.",
		},
	)

	// SMTPReplies counts replies read by the SMTP client, by command and
	// reply code.
	SMTPReplies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailer_smtpclient_replies_total",
			Help: "SMTP replies received, by command and code.",
		},
		[]string{
			"cmd",
			"code",
		},
	)

	// SinkMessages counts messages accepted or rejected by the capture
	// server.
	SinkMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailer_sink_messages_total",
			Help: "Messages received by the capture server, by result: accepted, parseerror.",
		},
		[]string{
			"result",
		},
	)

	// SinkConnections counts connections accepted by the capture server.
	SinkConnections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailer_sink_connections_total",
			Help: "Connections accepted by the capture server.",
		},
	)
)

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
