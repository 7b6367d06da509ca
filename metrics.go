package fxmonitor

import "github.com/prometheus/client_golang/prometheus"

var (
	restartCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fxmonitor_child_restart_total",
			Help: "Total number of times the child was restarted, by reason.",
		},
		[]string{"reason"},
	)
	crashCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fxmonitor_child_crash_total",
			Help: "Total number of times the child has crashed.",
		},
	)
	uptimeGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fxmonitor_uptime_seconds",
			Help: "Monitor uptime in seconds.",
		},
	)
	perfCollectCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fxmonitor_perf_collect_total",
			Help: "Perf collection cycles, by outcome.",
		},
		[]string{"result"},
	)
	perfHistoryGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fxmonitor_perf_history_snapshots",
			Help: "Snapshots currently held in the perf history.",
		},
	)
	perfIntervalTicks = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fxmonitor_perf_interval_ticks",
			Help: "Ticks processed by each thread during the last collected interval.",
		},
		[]string{"thread"},
	)
	routerEventCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fxmonitor_router_events_total",
			Help: "Trace events routed, by handler.",
		},
		[]string{"handler"},
	)
	routerStaleCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fxmonitor_router_stale_events_total",
			Help: "Trace events dropped because of a generation mismatch.",
		},
	)
	childMemoryGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fxmonitor_child_memory_bytes",
			Help: "Memory figures last reported by the child.",
		},
		[]string{"kind"},
	)
	childPlayersGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fxmonitor_child_players",
			Help: "Players currently connected to the child.",
		},
	)
	nextRestartGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fxmonitor_scheduler_next_restart_timestamp_seconds",
			Help: "Unix time of the next scheduled restart, 0 when idle or skipped.",
		},
	)
	announceCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fxmonitor_scheduler_announcements_total",
			Help: "Restart warnings emitted by the scheduler.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		restartCounter, crashCounter, uptimeGauge,
		perfCollectCounter, perfHistoryGauge, perfIntervalTicks,
		routerEventCounter, routerStaleCounter, childMemoryGauge, childPlayersGauge,
		nextRestartGauge, announceCounter,
	)
}
