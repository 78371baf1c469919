package conn

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "velox_h2_active_connections",
		Help: "Number of HTTP/2 connections currently being served.",
	})

	activeStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "velox_h2_active_streams",
		Help: "Number of HTTP/2 streams currently tracked across all connections.",
	})

	framesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "velox_h2_frames_received_total",
		Help: "HTTP/2 frames received, by frame type.",
	}, []string{"type"})

	goAwaysSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "velox_h2_goaways_sent_total",
		Help: "GOAWAY frames sent, by error code.",
	}, []string{"code"})

	rstStreamsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "velox_h2_rst_streams_sent_total",
		Help: "RST_STREAM frames sent in response to stream errors.",
	})
)
