// Package metrics holds the Prometheus collectors shared by the chat client
// and the development server.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chatsync"

var (
	PagesFetched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "history_pages_fetched_total",
		Help:      "History pages requested, by kind (initial, older) and result.",
	}, []string{"kind", "result"})

	LiveMerged = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "live_messages_merged_total",
		Help:      "Live messages inserted at the head of a room.",
	})

	DuplicatesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "duplicate_messages_dropped_total",
		Help:      "Messages skipped because their id was already present, by source.",
	}, []string{"source"})

	Reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transport_reconnects_total",
		Help:      "Reconnect attempts made by the transport.",
	})

	ReadCommits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "read_commits_total",
		Help:      "Read-state commits, by result.",
	}, []string{"result"})

	ServerMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "devserver_messages_saved_total",
		Help:      "Messages persisted by the development server.",
	})

	ServerConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "devserver_ws_connections",
		Help:      "Open websocket connections on the development server.",
	})
)

var registerOnce sync.Once

// Register adds every collector to reg once per process. A nil reg uses the
// default registerer.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		reg.MustRegister(
			PagesFetched,
			LiveMerged,
			DuplicatesDropped,
			Reconnects,
			ReadCommits,
			ServerMessages,
			ServerConnections,
		)
	})
}
