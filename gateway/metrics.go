package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/ipfs/rawgw/path"

	blocks "github.com/ipfs/go-block-format"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// We can add buckets as a parameter in the future, but for now using static defaults
// suggested in https://github.com/ipfs/kubo/issues/8441
var defaultBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60}

type ipfsBackendWithMetrics struct {
	backend       IPFSBackend
	apiCallMetric *prometheus.HistogramVec
}

func newIPFSBackendWithMetrics(backend IPFSBackend, reg prometheus.Registerer) *ipfsBackendWithMetrics {
	apiCallMetric := registerOrGetMetric(
		prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "ipfs",
				Subsystem: "gw_backend",
				Name:      "api_call_duration_seconds",
				Help:      "The time spent in IPFSBackend API calls that returned success.",
				Buckets:   defaultBuckets,
			},
			[]string{"name", "result"},
		),
		"ipfs_gw_backend_api_call_duration_seconds",
		reg,
	).(*prometheus.HistogramVec)

	return &ipfsBackendWithMetrics{backend, apiCallMetric}
}

func (b *ipfsBackendWithMetrics) updateBackendCallMetric(name string, err error, begin time.Time) {
	end := time.Since(begin).Seconds()
	if err == nil {
		b.apiCallMetric.WithLabelValues(name, "success").Observe(end)
	} else {
		b.apiCallMetric.WithLabelValues(name, "failure").Observe(end)
	}
}

func (b *ipfsBackendWithMetrics) GetBlock(ctx context.Context, p path.ImmutablePath) (ContentPathMetadata, blocks.Block, error) {
	begin := time.Now()
	name := "IPFSBackend.GetBlock"
	ctx, span := spanTrace(ctx, name, trace.WithAttributes(attribute.String("path", p.String())))
	defer span.End()

	md, blk, err := b.backend.GetBlock(ctx, p)

	b.updateBackendCallMetric(name, err, begin)
	return md, blk, err
}

func (b *ipfsBackendWithMetrics) Get(ctx context.Context, p path.ImmutablePath) (ContentPathMetadata, *GetResponse, error) {
	begin := time.Now()
	name := "IPFSBackend.Get"
	ctx, span := spanTrace(ctx, name, trace.WithAttributes(attribute.String("path", p.String())))
	defer span.End()

	md, resp, err := b.backend.Get(ctx, p)

	b.updateBackendCallMetric(name, err, begin)
	return md, resp, err
}

func (b *ipfsBackendWithMetrics) ResolvePath(ctx context.Context, p path.ImmutablePath) (ContentPathMetadata, error) {
	begin := time.Now()
	name := "IPFSBackend.ResolvePath"
	ctx, span := spanTrace(ctx, name, trace.WithAttributes(attribute.String("path", p.String())))
	defer span.End()

	md, err := b.backend.ResolvePath(ctx, p)

	b.updateBackendCallMetric(name, err, begin)
	return md, err
}

func (b *ipfsBackendWithMetrics) IsCached(ctx context.Context, p path.Path) bool {
	begin := time.Now()
	name := "IPFSBackend.IsCached"
	ctx, span := spanTrace(ctx, name, trace.WithAttributes(attribute.String("path", p.String())))
	defer span.End()

	bln := b.backend.IsCached(ctx, p)

	b.updateBackendCallMetric(name, nil, begin)
	return bln
}

var _ IPFSBackend = (*ipfsBackendWithMetrics)(nil)

func newHandlerWithMetrics(c *Config, backend IPFSBackend, reg prometheus.Registerer) *handler {
	i := &handler{
		config:  c,
		backend: newIPFSBackendWithMetrics(backend, reg),

		// Request-type counter: one increment per request, labeled with the
		// negotiated response format ("" for the implicit default).
		requestTypeMetric: registerOrGetMetric(
			prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "ipfs",
					Subsystem: "http",
					Name:      "gw_request_types",
					Help:      "The number of requests per implicit or explicit request type.",
				},
				[]string{"gateway", "type"},
			),
			"ipfs_http_gw_request_types",
			reg,
		).(*prometheus.CounterVec),

		// Generic: time it takes to execute a successful gateway request (all request types)
		getMetric: newHistogramMetric(reg,
			"gw_get_duration_seconds",
			"The time to GET a successful response to a request (all content types).",
		),
		// Deserialized: time it takes to return a file
		unixfsFileGetMetric: newHistogramMetric(reg,
			"gw_unixfs_file_get_duration_seconds",
			"The time to serve an entire UnixFS file from the gateway.",
		),
		// Block: time it takes to return requested Block
		rawBlockGetMetric: newHistogramMetric(reg,
			"gw_raw_block_get_duration_seconds",
			"The time to GET an entire raw Block from the gateway.",
		),
	}
	return i
}

func newHistogramMetric(reg prometheus.Registerer, name string, help string) *prometheus.HistogramVec {
	return registerOrGetMetric(
		prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "ipfs",
				Subsystem: "http",
				Name:      name,
				Help:      help,
				Buckets:   defaultBuckets,
			},
			[]string{"gateway"},
		),
		"ipfs_http_"+name,
		reg,
	).(*prometheus.HistogramVec)
}

// spanTrace starts a new span using the standard IPFS tracing conventions.
func spanTrace(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer("rawgw").Start(ctx, fmt.Sprintf("%s.%s", " Gateway", spanName), opts...)
}
