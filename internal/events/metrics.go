package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_events_published_total",
		Help: "Events handed to Kafka, by event type",
	}, []string{"type"})

	eventsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrow_events_failed_total",
		Help: "Events that could not be produced or delivered",
	})
)
