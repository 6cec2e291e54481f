// Package metrics exposes the node's Prometheus counters and gauges.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every metric this node exports. Constructed once per
// node and threaded through the router, supervisor pool, and ACL.
type Registry struct {
	reg *prometheus.Registry

	PoolSize        prometheus.Gauge
	MaxStreams      prometheus.Gauge
	VerdictsTotal   *prometheus.CounterVec
	DelegationTotal *prometheus.CounterVec
	ACLRejections   prometheus.Counter
	OfflineRetries  prometheus.Counter
}

// New constructs a fresh metric set registered against its own registry, so
// multiple nodes can run in the same test binary without collisions.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		PoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "observer_pool_streams",
			Help: "Number of streams currently supervised locally.",
		}),
		MaxStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "observer_pool_capacity",
			Help: "Maximum number of streams this node will supervise locally.",
		}),
		VerdictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "observer_verdicts_total",
			Help: "Resolved stream verdicts by winner label.",
		}, []string{"winner"}),
		DelegationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "observer_delegation_total",
			Help: "PUT outcomes by disposition (local, child, merged).",
		}, []string{"disposition"}),
		ACLRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "observer_acl_rejections_total",
			Help: "Inbound requests rejected by the sibling ACL.",
		}),
		OfflineRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "observer_offline_retries_total",
			Help: "Offline-verdict retry cycles observed across all supervisors.",
		}),
	}
	reg.MustRegister(r.PoolSize, r.MaxStreams, r.VerdictsTotal, r.DelegationTotal, r.ACLRejections, r.OfflineRetries)
	return r
}

// Handler returns the standard net/http handler serving Prometheus text exposition.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
