package status

import (
	"context"
	"net/http"
	"sync"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wansongcc/distributed-llama/internal/logger"
)

// Metrics are the node's operational counters, exported at /metrics.
type Metrics struct {
	registry *prometheus.Registry

	Forwards       prometheus.Counter
	ForwardSeconds prometheus.Histogram
	BytesSent      prometheus.Counter
	BytesReceived  prometheus.Counter
	Sessions       prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		Forwards: factory.NewCounter(prometheus.CounterOpts{
			Name: "dllama_forwards_total",
			Help: "Completed forward passes.",
		}),
		ForwardSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "dllama_forward_seconds",
			Help:    "Wall-clock duration of one forward pass.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "dllama_network_sent_bytes_total",
			Help: "Bytes written to mesh sockets.",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "dllama_network_received_bytes_total",
			Help: "Bytes read from mesh sockets.",
		}),
		Sessions: factory.NewCounter(prometheus.CounterOpts{
			Name: "dllama_sessions_total",
			Help: "Inference sessions served.",
		}),
	}
}

// Info is the node's mutable identity, reported at /status.
type Info struct {
	mu sync.Mutex

	Role      string `json:"role"`
	NodeIndex int    `json:"nodeIndex"`
	NNodes    int    `json:"nNodes"`
	NStages   int    `json:"nStages"`
	SessionID string `json:"sessionId,omitempty"`
	ModelPath string `json:"modelPath,omitempty"`
	Ready     bool   `json:"ready"`
}

// Update mutates the info under its lock.
func (i *Info) Update(fn func(*Info)) {
	i.mu.Lock()
	defer i.mu.Unlock()
	fn(i)
}

func (i *Info) snapshot() Info {
	i.mu.Lock()
	defer i.mu.Unlock()
	return Info{
		Role:      i.Role,
		NodeIndex: i.NodeIndex,
		NNodes:    i.NNodes,
		NStages:   i.NStages,
		SessionID: i.SessionID,
		ModelPath: i.ModelPath,
		Ready:     i.Ready,
	}
}

// goccySerializer swaps echo's JSON codec for goccy/go-json.
type goccySerializer struct{}

func (goccySerializer) Serialize(c *echo.Context, i any, indent string) error {
	enc := json.NewEncoder(c.Response())
	if indent != "" {
		enc.SetIndent("", indent)
	}
	return enc.Encode(i)
}

func (goccySerializer) Deserialize(c *echo.Context, i any) error {
	return json.NewDecoder(c.Request().Body).Decode(i)
}

// Serve runs the status endpoint until the context ends: /healthz for
// liveness, /status for node identity, /metrics for Prometheus.
func Serve(ctx context.Context, log logger.Logger, addr string, info *Info, metrics *Metrics) error {
	e := echo.New()
	e.JSONSerializer = goccySerializer{}
	e.Use(middleware.Recover())

	e.GET("/healthz", func(c *echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/status", func(c *echo.Context) error {
		return c.JSON(http.StatusOK, info.snapshot())
	})
	metricsHandler := promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{})
	e.GET("/metrics", func(c *echo.Context) error {
		metricsHandler.ServeHTTP(c.Response(), c.Request())
		return nil
	})

	log.Info("status server listening", "addr", addr)
	sc := echo.StartConfig{Address: addr}
	return sc.Start(ctx, e)
}
