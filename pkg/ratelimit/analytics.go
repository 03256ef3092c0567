package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalLocks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sandwich",
			Subsystem: "ratelimit",
			Name:      "global_locks_total",
			Help:      "Times the global ratelimit was engaged",
		},
	)

	ticketWaits = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sandwich",
			Subsystem: "ratelimit",
			Name:      "ticket_wait_seconds",
			Help:      "Time between a ticket being submitted and granted",
			Buckets:   []float64{.001, .01, .1, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"route"},
	)

	abandonedTickets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sandwich",
			Subsystem: "ratelimit",
			Name:      "abandoned_tickets_total",
			Help:      "Tickets whose caller went away before completing the hand-off",
		},
		[]string{"route"},
	)
)

// Collectors returns the ratelimiter metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{globalLocks, ticketWaits, abandonedTickets}
}
