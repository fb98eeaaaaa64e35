package stream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "licenserelay_stream_connections",
		Help: "Currently attached stream clients.",
	})

	framesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "licenserelay_stream_frames_sent_total",
		Help: "Frames written to stream clients.",
	})

	droppedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "licenserelay_stream_dropped_clients_total",
		Help: "Clients dropped because their send buffer filled.",
	})
)

func setActiveStreams(n int) { activeStreams.Set(float64(n)) }

func recordFrameSent() { framesSent.Inc() }

func recordDroppedClient() { droppedClients.Inc() }
