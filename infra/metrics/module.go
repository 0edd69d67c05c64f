package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"

	"github.com/relaygrid/session-fabric/internal/service"
)

// NewRegistry builds a per-instance registry carrying the fabric collector
// and the usual process/runtime collectors. Per-instance keeps parallel
// fabrics (tests, embedded use) from fighting over the global registry.
func NewRegistry(c *Collector) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	for _, col := range []prometheus.Collector{
		c,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Handler is the scrape endpoint mounted by the HTTP server.
type Handler http.Handler

func NewHandler(reg *prometheus.Registry) Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

var Module = fx.Module(
	"metrics",

	fx.Provide(
		func(m service.Manager) StatsSource { return m },
		NewCollector,
		NewRegistry,
		NewHandler,
	),
)
