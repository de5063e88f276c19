package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var submitCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "calendar_submit_total",
	Help: "counter of POST /digest requests by outcome",
}, []string{"status"})

var getCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "calendar_get_total",
	Help: "counter of GET /timestamp requests by outcome",
}, []string{"status"})

var backupBytesCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "calendar_backup_bytes_total",
	Help: "counter of raw journal bytes served over GET /backup",
})
