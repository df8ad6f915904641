package proxy

import (
	"expvar"
	"sync/atomic"

	"github.com/docker/go-metrics"
	prometheus "github.com/trow-registry/trow/metrics"
)

var (
	// requests is the number of total incoming proxy requests received for blob/manifest
	requests = prometheus.ProxyNamespace.NewLabeledCounter("requests", "The number of total incoming proxy request received", "type")
	// hits is the number of total proxy requests served from the local cache
	hits = prometheus.ProxyNamespace.NewLabeledCounter("hits", "The number of total proxy request hits", "type")
	// misses is the number of total proxy requests that required an upstream fetch
	misses = prometheus.ProxyNamespace.NewLabeledCounter("misses", "The number of total proxy request misses", "type")
	// pulledBytes is the size of total bytes pulled from the upstream
	pulledBytes = prometheus.ProxyNamespace.NewLabeledCounter("pulled_bytes", "The size of total bytes pulled from the upstream", "type")
	// pushedBytes is the size of total bytes pushed to the client
	pushedBytes = prometheus.ProxyNamespace.NewLabeledCounter("pushed_bytes", "The size of total bytes pushed to the client", "type")
)

// engineMetrics holds the raw counters backing the engine's expvar output.
type engineMetrics struct {
	Requests    uint64
	Hits        uint64
	Misses      uint64
	BytesPulled uint64
	BytesPushed uint64
}

type metricsCollector struct {
	blob     engineMetrics
	manifest engineMetrics
}

// collector tracks pull-through cache metrics globally, mirrored onto both
// expvar (for ad-hoc inspection) and Prometheus (for scraping).
var collector = &metricsCollector{}

func init() {
	registry := expvar.Get("registry")
	if registry == nil {
		registry = expvar.NewMap("registry")
	}

	pm := registry.(*expvar.Map).Get("proxy")
	if pm == nil {
		pm = &expvar.Map{}
		pm.(*expvar.Map).Init()
		registry.(*expvar.Map).Set("proxy", pm)
	}

	pm.(*expvar.Map).Set("blobs", expvar.Func(func() interface{} {
		return collector.blob
	}))
	pm.(*expvar.Map).Set("manifests", expvar.Func(func() interface{} {
		return collector.manifest
	}))

	metrics.Register(prometheus.ProxyNamespace)
	initPrometheusMetrics("blob")
	initPrometheusMetrics("manifest")
}

func initPrometheusMetrics(kind string) {
	requests.WithValues(kind).Inc(0)
	hits.WithValues(kind).Inc(0)
	misses.WithValues(kind).Inc(0)
	pulledBytes.WithValues(kind).Inc(0)
	pushedBytes.WithValues(kind).Inc(0)
}

// blobPulled records a blob fetched from the upstream into the local cache.
func blobPulled(bytesPulled int64) {
	atomic.AddUint64(&collector.blob.Misses, 1)
	atomic.AddUint64(&collector.blob.BytesPulled, uint64(bytesPulled))

	misses.WithValues("blob").Inc(1)
	pulledBytes.WithValues("blob").Inc(float64(bytesPulled))
}

// blobServed records a blob served to a client, hit indicating whether it
// was already present locally.
func blobServed(bytesPushed int64, hit bool) {
	atomic.AddUint64(&collector.blob.Requests, 1)
	atomic.AddUint64(&collector.blob.BytesPushed, uint64(bytesPushed))

	requests.WithValues("blob").Inc(1)
	pushedBytes.WithValues("blob").Inc(float64(bytesPushed))

	if hit {
		atomic.AddUint64(&collector.blob.Hits, 1)
		hits.WithValues("blob").Inc(1)
	}
}

// manifestPulled records a manifest fetched from the upstream into the
// local cache.
func manifestPulled(bytesPulled int) {
	atomic.AddUint64(&collector.manifest.Misses, 1)
	atomic.AddUint64(&collector.manifest.BytesPulled, uint64(bytesPulled))

	misses.WithValues("manifest").Inc(1)
	pulledBytes.WithValues("manifest").Inc(float64(bytesPulled))
}

// manifestServed records a manifest served to a client, hit indicating
// whether it was already present locally.
func manifestServed(bytesPushed int, hit bool) {
	atomic.AddUint64(&collector.manifest.Requests, 1)
	atomic.AddUint64(&collector.manifest.BytesPushed, uint64(bytesPushed))

	requests.WithValues("manifest").Inc(1)
	pushedBytes.WithValues("manifest").Inc(float64(bytesPushed))

	if hit {
		atomic.AddUint64(&collector.manifest.Hits, 1)
		hits.WithValues("manifest").Inc(1)
	}
}
