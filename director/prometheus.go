package director

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	TotalPushes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mdmrelay",
		Subsystem: "apns_pushes",
		Name:      "total",
		Help:      "Total number of APNs pushes attempted.",
	})

	FailedPushes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mdmrelay",
		Subsystem: "apns_pushes",
		Name:      "failed_total",
		Help:      "Number of APNs pushes that failed after all retries.",
	})

	NotificationsScheduled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mdmrelay",
		Subsystem: "notifications",
		Name:      "scheduled_total",
		Help:      "Number of notification targets handed to the scheduler.",
	})

	NotificationsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mdmrelay",
		Subsystem: "notifications",
		Name:      "dropped_total",
		Help:      "Number of notification targets the scheduler refused.",
	})

	CommandsQueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mdmrelay",
		Subsystem: "commands",
		Name:      "queued_total",
		Help:      "Number of device commands queued, by request type.",
	}, []string{"request_type"})

	MalformedEnvelopes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mdmrelay",
		Subsystem: "commands",
		Name:      "malformed_total",
		Help:      "Number of stored command bodies that could not be served.",
	})
)

func Metrics() {
	prometheus.MustRegister(TotalPushes)
	prometheus.MustRegister(FailedPushes)
	prometheus.MustRegister(NotificationsScheduled)
	prometheus.MustRegister(NotificationsDropped)
	prometheus.MustRegister(CommandsQueued)
	prometheus.MustRegister(MalformedEnvelopes)
}
