// Package stats tallies crawl progress from the engine's event stream and
// exposes it as Prometheus metrics.
package stats

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"crawlcore/internal/engine"
)

// Collector is an engine event consumer backed by its own Prometheus
// registry, so nothing leaks into the process-global default registry.
type Collector struct {
	reg *prometheus.Registry

	scheduled prometheus.Counter
	dropped   *prometheus.CounterVec
	failed    prometheus.Counter
	responses *prometheus.CounterVec
	items     prometheus.Counter
	latency   prometheus.Histogram

	mu      sync.Mutex
	tallies map[string]int64
}

// NewCollector builds a collector with all metrics registered.
func NewCollector() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		scheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawl_requests_scheduled_total",
			Help: "Requests accepted into the frontier.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawl_requests_dropped_total",
			Help: "Requests rejected before dispatch, labeled by reason.",
		}, []string{"reason"}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawl_requests_failed_total",
			Help: "Requests that terminally failed.",
		}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawl_responses_total",
			Help: "Responses received, labeled by status class.",
		}, []string{"class"}),
		items: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawl_items_scraped_total",
			Help: "Items yielded by the spider.",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crawl_fetch_duration_seconds",
			Help:    "Fetch latency as observed on received responses.",
			Buckets: prometheus.DefBuckets,
		}),
		tallies: make(map[string]int64),
	}

	c.reg.MustRegister(c.scheduled, c.dropped, c.failed, c.responses, c.items, c.latency)
	return c
}

// Consume updates metrics from one engine event.
func (c *Collector) Consume(ev engine.Event) {
	switch e := ev.(type) {
	case engine.RequestScheduled:
		c.scheduled.Inc()
		c.bump("requests/scheduled")
	case engine.RequestDropped:
		c.dropped.WithLabelValues(e.Reason).Inc()
		c.bump("requests/dropped/" + e.Reason)
	case engine.RequestFailed:
		c.failed.Inc()
		c.bump("requests/failed")
	case engine.ResponseReceived:
		c.responses.WithLabelValues(statusClass(e.Response.StatusCode)).Inc()
		if e.Response.Latency > 0 {
			c.latency.Observe(e.Response.Latency.Seconds())
		}
		c.bump("responses/" + statusClass(e.Response.StatusCode))
	case engine.ItemScraped:
		c.items.Inc()
		c.bump("items/scraped")
	}
}

func (c *Collector) bump(key string) {
	c.mu.Lock()
	c.tallies[key]++
	c.mu.Unlock()
}

// Snapshot returns a copy of the plain tallies, for end-of-run summaries.
func (c *Collector) Snapshot() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.tallies))
	for k, v := range c.tallies {
		out[k] = v
	}
	return out
}

// Registry exposes the backing registry for additional instrumentation.
func (c *Collector) Registry() *prometheus.Registry {
	return c.reg
}

// Handler serves the collector's metrics in Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "other"
	}
	return fmt.Sprintf("%dxx", status/100)
}
