// Package metrics exposes the node's Prometheus gauges/counters: dispatch
// queue depth, replication activity, and dysfunction scores, per the
// DOMAIN STACK's prometheus/client_golang wiring.
//
// Grounded on the teacher's core/system_health_logging.go HealthLogger,
// adapted from blockchain-specific gauges (block height, pending tx, total
// supply) to the storage network's own health signals, and trimmed to just
// the registry/gauges/HTTP endpoint (the JSON-log side of HealthLogger is
// superseded here by logrus' own structured output used throughout this
// module).
package metrics

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Collector owns the Prometheus registry and the node-health gauges.
type Collector struct {
	registry *prometheus.Registry
	log      *logrus.Entry

	queueDepthGauge      prometheus.Gauge
	storedChunksGauge    prometheus.Gauge
	storedBytesGauge     prometheus.Gauge
	elderCountGauge      prometheus.Gauge
	dysfunctionalGauge   prometheus.Gauge
	replicationOpCounter prometheus.Counter
	aeRetryCounter       prometheus.Counter
	aeRedirectCounter    prometheus.Counter
	memAllocGauge        prometheus.Gauge
	goroutinesGauge      prometheus.Gauge
}

// New builds a Collector and registers all of its metrics.
func New(log *logrus.Entry) *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{registry: reg, log: log}

	c.queueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stornet_dispatch_queue_depth",
		Help: "Number of Cmds currently queued for dispatch",
	})
	c.storedChunksGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stornet_stored_chunks",
		Help: "Number of chunks and registers held on disk",
	})
	c.storedBytesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stornet_stored_bytes",
		Help: "Bytes of chunk data held on disk",
	})
	c.elderCountGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stornet_elder_count",
		Help: "Number of elders in our section",
	})
	c.dysfunctionalGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stornet_dysfunctional_peers",
		Help: "Number of peers currently flagged dysfunctional",
	})
	c.replicationOpCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stornet_replication_ops_total",
		Help: "Total churn-driven replication batches sent",
	})
	c.aeRetryCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stornet_ae_retry_total",
		Help: "Total anti-entropy retry replies sent",
	})
	c.aeRedirectCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stornet_ae_redirect_total",
		Help: "Total anti-entropy redirect replies sent",
	})
	c.memAllocGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stornet_mem_alloc_bytes",
		Help: "Current memory allocation in bytes",
	})
	c.goroutinesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stornet_goroutines",
		Help: "Number of running goroutines",
	})

	reg.MustRegister(
		c.queueDepthGauge,
		c.storedChunksGauge,
		c.storedBytesGauge,
		c.elderCountGauge,
		c.dysfunctionalGauge,
		c.replicationOpCounter,
		c.aeRetryCounter,
		c.aeRedirectCounter,
		c.memAllocGauge,
		c.goroutinesGauge,
	)
	return c
}

// SetQueueDepth records the dispatch queue's current length.
func (c *Collector) SetQueueDepth(n int) { c.queueDepthGauge.Set(float64(n)) }

// SetStorage records the current chunk count and byte usage.
func (c *Collector) SetStorage(chunks int, bytes uint64) {
	c.storedChunksGauge.Set(float64(chunks))
	c.storedBytesGauge.Set(float64(bytes))
}

// SetElderCount records the size of our section's elder set.
func (c *Collector) SetElderCount(n int) { c.elderCountGauge.Set(float64(n)) }

// SetDysfunctionalCount records how many peers are currently flagged.
func (c *Collector) SetDysfunctionalCount(n int) { c.dysfunctionalGauge.Set(float64(n)) }

// IncReplicationOp records one churn-replication batch having been sent.
func (c *Collector) IncReplicationOp() { c.replicationOpCounter.Inc() }

// IncAERetry records one AntiEntropyRetry reply having been sent.
func (c *Collector) IncAERetry() { c.aeRetryCounter.Inc() }

// IncAERedirect records one AntiEntropyRedirect reply having been sent.
func (c *Collector) IncAERedirect() { c.aeRedirectCounter.Inc() }

func (c *Collector) recordRuntimeStats() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	c.memAllocGauge.Set(float64(mem.Alloc))
	c.goroutinesGauge.Set(float64(runtime.NumGoroutine()))
}

// Run periodically refreshes the runtime-derived gauges (memory,
// goroutines) until ctx is done; the domain-specific gauges above are
// pushed directly by their owning subsystems as events occur.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.recordRuntimeStats()
		case <-ctx.Done():
			return
		}
	}
}

// Serve exposes the registry on a /metrics HTTP endpoint, returning the
// underlying server so the caller can manage its shutdown.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if c.log != nil {
				c.log.WithError(err).Error("metrics server stopped")
			}
		}
	}()
	return srv
}

// Shutdown gracefully stops the metrics HTTP server.
func (c *Collector) Shutdown(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}
