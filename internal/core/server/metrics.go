package server

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/buildmaster/core/internal/core/breaker"
	"github.com/buildmaster/core/internal/core/queue"
	"github.com/buildmaster/core/internal/core/registry"
)

const metricsScrapeTimeout = 5 * time.Second

// newMetricsHandler builds a /metrics handler over a server-local registry
// so repeated Server constructions (tests, embedded use) never collide on
// duplicate collector registration.
func newMetricsHandler(q *queue.Store, reg *registry.Registry, brk *breaker.Registry) http.Handler {
	pr := prometheus.NewRegistry()
	pr.MustRegister(collectors.NewGoCollector())
	pr.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	pr.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "buildmaster_queue_depth_pending",
		Help: "Number of queue items waiting for dispatch.",
	}, func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), metricsScrapeTimeout)
		defer cancel()
		depth, err := q.DepthPending(ctx)
		if err != nil {
			return -1
		}
		return float64(depth)
	}))

	pr.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "buildmaster_queue_oldest_pending_age_ms",
		Help: "Age in milliseconds of the oldest pending queue item.",
	}, func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), metricsScrapeTimeout)
		defer cancel()
		age, err := q.OldestPendingAgeMs(ctx)
		if err != nil {
			return -1
		}
		return float64(age)
	}))

	pr.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "buildmaster_circuit_breakers_open",
		Help: "Number of agents whose circuit breaker is currently open.",
	}, func() float64 {
		return float64(brk.OpenCount())
	}))

	pr.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "buildmaster_agents_online",
		Help: "Number of agents currently online across all orgs.",
	}, func() float64 {
		n := 0
		for _, a := range reg.ListAll() {
			if a.Status == registry.StatusOnline {
				n++
			}
		}
		return float64(n)
	}))

	return promhttp.HandlerFor(pr, promhttp.HandlerOpts{})
}
