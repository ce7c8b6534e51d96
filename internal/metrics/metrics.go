// Package metrics — счётчики чата для Prometheus (/metrics).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "docchat",
		Name:      "ws_sessions_active",
		Help:      "Number of live WebSocket sessions.",
	})
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "docchat",
		Name:      "ws_rooms_active",
		Help:      "Number of group rooms with at least one session.",
	})
	Commands = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docchat",
		Name:      "ws_commands_total",
		Help:      "Incoming WebSocket commands by type and outcome.",
	}, []string{"type", "outcome"})
	FanOut = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docchat",
		Name:      "ws_fanout_deliveries_total",
		Help:      "Events queued to sessions by event type.",
	}, []string{"event"})
	SlowClients = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "docchat",
		Name:      "ws_slow_clients_total",
		Help:      "Sessions closed because their send buffer was full.",
	})
	Messages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docchat",
		Name:      "messages_created_total",
		Help:      "Persisted chat messages by message type.",
	}, []string{"type"})
	PointerUpdateFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "docchat",
		Name:      "group_pointer_update_failures_total",
		Help:      "Messages persisted whose group last-message pointer update failed.",
	})
	DetachedFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docchat",
		Name:      "detached_task_failures_total",
		Help:      "Best-effort background tasks that failed.",
	}, []string{"task"})
	PushSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docchat",
		Name:      "push_notifications_total",
		Help:      "Web Push notifications by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(
		ActiveSessions, ActiveRooms, Commands, FanOut, SlowClients,
		Messages, PointerUpdateFailures, DetachedFailures, PushSent,
	)
}

// Handler отдаёт метрики в формате Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}
