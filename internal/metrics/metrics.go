package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bcgw_deliveries_total",
			Help: "Delivery outcomes by result",
		},
		[]string{"result"}, // sent|failed|retried|dropped
	)

	DispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bcgw_dispatches_total",
			Help: "Campaign dispatch attempts by outcome",
		},
		[]string{"outcome"}, // dispatched|conflict|error
	)

	ChunksExpandedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bcgw_chunks_expanded_total",
			Help: "Chunk jobs expanded into per-recipient send jobs",
		},
	)
)

func MustRegister(r prometheus.Registerer) {
	r.MustRegister(
		DeliveriesTotal,
		DispatchesTotal,
		ChunksExpandedTotal,
	)
}
