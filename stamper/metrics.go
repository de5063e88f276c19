package stamper

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var anchorStateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "calendar_stamper_anchor_state",
	Help: "1 if the stamper currently has an in-flight anchor in the named state, else 0",
}, []string{"state"})

var anchorsFinalizedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "calendar_stamper_anchors_finalized_total",
	Help: "counter of anchors fully finalized, upgrading every member commitment",
})

func setAnchorState(state AnchorState) {
	for _, s := range []AnchorState{StateBuilding, StateBroadcast, StateConfirming, StateConfirmed, "idle"} {
		if s == state {
			anchorStateGauge.WithLabelValues(string(s)).Set(1)
		} else {
			anchorStateGauge.WithLabelValues(string(s)).Set(0)
		}
	}
}
