// Package metrics exposes Prometheus instrumentation for the engines: token
// mint/redeem volume, in-flight handle counts, and connection-state
// transitions. Collectors register on the default registry; binaries that
// want them scrape-able serve promhttp.Handler().
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TagsMinted counts tokens minted, by tag kind.
	TagsMinted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grpcw_tags_minted_total",
		Help: "Completion-queue tokens minted, by tag kind.",
	}, []string{"kind"})

	// TagsRedeemed counts tokens redeemed, by tag kind.
	TagsRedeemed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grpcw_tags_redeemed_total",
		Help: "Completion-queue tokens redeemed, by tag kind.",
	}, []string{"kind"})

	// InFlightHandles tracks live RPC handles per engine ("client"/"server").
	InFlightHandles = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "grpcw_in_flight_handles",
		Help: "RPC handles currently owned by an engine.",
	}, []string{"engine"})

	// StateTransitions counts client connection-state transitions, by the
	// state entered.
	StateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grpcw_client_state_transitions_total",
		Help: "Client connection-state transitions, by new state.",
	}, []string{"state"})

	// StreamWrites counts server-stream writes issued to subscribers.
	StreamWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grpcw_server_stream_writes_total",
		Help: "Server-stream writes issued, by outcome.",
	}, []string{"outcome"})
)
