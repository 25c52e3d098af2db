package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mini-call/callee"
	"mini-call/config"
	"mini-call/metrics"
	"mini-call/middleware"
	"mini-call/server"
)

func serveCommand(c *cli.Context) error {
	cfg, logger, pool, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	reg, closeRegistry, err := newRegistry(cfg, logger)
	if err != nil {
		return err
	}
	defer closeRegistry()

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)
	metrics.RegisterParcelPool(promReg, "server", pool)

	demo, err := newDemoCallee(c.GlobalString("descriptor"),
		callee.WithLogger(logger),
		callee.WithMiddleware(handlerChain(cfg, logger, m)...),
	)
	if err != nil {
		return err
	}

	svr := server.NewServer(server.WithLogger(logger), server.WithPool(pool))
	if err := svr.Register(demo); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svr.ListenAndServe(cfg.Server.Network, cfg.Server.Address)
	})
	g.Go(func() error {
		// Advertise once the socket exists so discovered callers can dial.
		time.Sleep(100 * time.Millisecond)
		return svr.Advertise(ctx, reg, localEndpoint(cfg), cfg.Registry.TTL)
	})

	var metricsSrv *http.Server
	if addr := c.String("metrics-addr"); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: addr, Handler: mux}
		g.Go(func() error {
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		if metricsSrv != nil {
			metricsSrv.Close()
		}
		return svr.Shutdown(c.Duration("shutdown-timeout"))
	})

	return g.Wait()
}

// handlerChain builds the callee middlewares from configuration. Recovery is
// outermost so a panic anywhere below still produces a reply.
func handlerChain(cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) []middleware.Middleware {
	chain := []middleware.Middleware{
		middleware.RecoveryMiddleware(logger),
		middleware.LoggingMiddleware(logger),
		middleware.MetricsMiddleware(m),
	}
	if cfg.RateLimit.RequestsPerSecond > 0 {
		chain = append(chain, middleware.RateLimitMiddleware(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst))
	}
	if cfg.Handler.Timeout > 0 {
		chain = append(chain, middleware.TimeoutMiddleware(cfg.Handler.Timeout))
	}
	return chain
}
