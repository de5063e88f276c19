package aggregator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var roundsClosedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "calendar_aggregator_rounds_closed_total",
	Help: "counter of aggregator rounds closed, by outcome (ok, empty, error)",
}, []string{"outcome"})

var roundSizeGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "calendar_aggregator_last_round_size",
	Help: "number of digests included in the most recently closed non-empty round",
})

var overloadedSubmitCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "calendar_aggregator_overloaded_submit_total",
	Help: "counter of Submit calls rejected because the current round's buffer is full",
})
