package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// hiveCollectors exposes the hive's operational counters on /metrics. Each
// server carries its own registry so tests can build servers side by side
// without colliding on the default registerer.
type hiveCollectors struct {
	reg *prometheus.Registry
}

func newCollectors(ctl Control) *hiveCollectors {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),

		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "hive_uptime_seconds",
			Help: "Seconds since the hive started serving.",
		}, func() float64 { return ctl.Uptime().Seconds() }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "hive_active_strategies",
			Help: "Number of currently hosted strategies.",
		}, func() float64 { return float64(ctl.ActiveHosts()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "hive_gateway_queue_depth",
			Help: "Intents queued across all strategy lanes.",
		}, func() float64 {
			var total int
			for _, n := range ctl.QueueDepths() {
				total += n
			}
			return float64(total)
		}),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "hive_scheduler_ticks_total",
			Help: "Scheduler passes completed.",
		}, func() float64 { return float64(ctl.SchedStats().Ticks) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "hive_scheduler_served_total",
			Help: "Strategy callbacks served across all ticks.",
		}, func() float64 { return float64(ctl.SchedStats().Served) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "hive_scheduler_stale_skips_total",
			Help: "Ticks a strategy was skipped for a stale market book.",
		}, func() float64 { return float64(ctl.SchedStats().StaleSkips) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "hive_scheduler_budget_overruns_total",
			Help: "Strategy callbacks that exceeded the soft tick budget.",
		}, func() float64 { return float64(ctl.SchedStats().BudgetOverruns) }),
	)
	return &hiveCollectors{reg: reg}
}

func (c *hiveCollectors) handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}
