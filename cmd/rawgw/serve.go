package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ipfs/rawgw/blockstore"
	"github.com/ipfs/rawgw/config"
	"github.com/ipfs/rawgw/gateway"
	"github.com/ipfs/rawgw/repo"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "run the gateway",
	Flags: append(append([]cli.Flag{
		&cli.StringFlag{
			Name:    "listen",
			Usage:   "address the gateway listens on",
			EnvVars: []string{"RAWGW_LISTEN"},
		},
		&cli.IntFlag{
			Name:    "max-concurrent-requests",
			Usage:   "maximum number of in-flight gateway requests, 0 disables the limit",
			EnvVars: []string{"RAWGW_MAX_CONCURRENT_REQUESTS"},
		},
		&cli.BoolFlag{
			Name:    "trace-stdout",
			Usage:   "print OpenTelemetry spans to stderr",
			EnvVars: []string{"RAWGW_TRACE_STDOUT"},
		},
	}, repoFlags...), contentFlags...),
	Action: func(cctx *cli.Context) error {
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func serve(ctx context.Context, cfg config.Config) (err error) {
	shutdownTracing, err := setupTracing(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Gateway.ShutdownTimeout)
		defer cancel()
		if serr := shutdownTracing(sctx); serr != nil && err == nil {
			err = serr
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r, err := repo.Open(cfg.Datastore, reg)
	if err != nil {
		return err
	}
	defer r.Close()

	bs, err := contentStore(ctx, r, cfg)
	if err != nil {
		return err
	}

	backend, err := gateway.NewBlocksBackend(bs)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Gateway.ListenAddress)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Gateway.ListenAddress, err)
	}

	srv := &http.Server{
		Handler:           newServerHandler(cfg.Gateway, backend, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Infow("gateway listening", "address", "http://"+ln.Addr().String())
	log.Infof("metrics available at http://%s/debug/metrics/prometheus", ln.Addr())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down gateway")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Gateway.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

// contentStore imports the configured content and returns the store the
// gateway reads from. An in-memory store is frozen after the import so
// requests are served without locking.
func contentStore(ctx context.Context, r *repo.Repo, cfg config.Config) (blockstore.Blockstore, error) {
	roots, err := importContent(ctx, r.Blockstore(), cfg.Import)
	if err != nil {
		return nil, err
	}
	for _, root := range rootStrings(roots) {
		log.Infof("hosting root at http://%s/ipfs/%s", cfg.Gateway.ListenAddress, root)
	}

	if cfg.Datastore.Type != config.DatastoreMemory {
		if err := r.Sync(ctx); err != nil {
			return nil, err
		}
		return r.Blockstore(), nil
	}
	return blockstore.Freeze(ctx, r.Blockstore())
}

// newServerHandler routes gateway paths to the gateway handler, next to the
// metrics and health endpoints.
func newServerHandler(c config.Gateway, backend gateway.IPFSBackend, reg *prometheus.Registry) http.Handler {
	headers := make(map[string][]string, len(c.Headers))
	for k, v := range c.Headers {
		headers[k] = v
	}
	gateway.AddAccessControlHeaders(headers)

	gwHandler := gateway.NewHandler(gateway.Config{
		Headers:               headers,
		DeserializedResponses: c.DeserializedResponses,
		MaxConcurrentRequests: c.MaxConcurrentRequests,
		MetricsRegistry:       reg,
	}, backend)

	// Paths are left as sent so the gateway reports malformed ones itself.
	router := mux.NewRouter().SkipClean(true)
	router.PathPrefix("/ipfs/").Handler(gwHandler)
	router.PathPrefix("/ipns/").Handler(gwHandler)
	router.Handle("/debug/metrics/prometheus", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet, http.MethodHead)

	return otelhttp.NewHandler(router, "Gateway.Request")
}
