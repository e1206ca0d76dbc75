package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	MessagesInserted      prometheus.Counter
	RealtimePublished     *prometheus.CounterVec
	RealtimeSubscriptions prometheus.Gauge
	ReadAcks              prometheus.Counter
}

// New создает коллекторы и регистрирует их в reg.
// В тестах передается отдельный prometheus.NewRegistry().
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stay_booking_messages_inserted_total",
			Help: "Number of messages durably written.",
		}),
		RealtimePublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stay_booking_realtime_published_total",
			Help: "Number of realtime events published, by event type.",
		}, []string{"event"}),
		RealtimeSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stay_booking_realtime_subscriptions",
			Help: "Number of open realtime subscriptions.",
		}),
		ReadAcks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stay_booking_read_acks_total",
			Help: "Number of read acknowledgements recorded.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.MessagesInserted, m.RealtimePublished, m.RealtimeSubscriptions, m.ReadAcks)
	}
	return m
}
