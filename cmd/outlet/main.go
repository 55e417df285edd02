package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/Datarails/mcp-outlet/codec"
	"github.com/Datarails/mcp-outlet/config"
	"github.com/Datarails/mcp-outlet/dispatcher"
	"github.com/Datarails/mcp-outlet/httpapi"
	"github.com/Datarails/mcp-outlet/logging"
	"github.com/Datarails/mcp-outlet/middleware"
	"github.com/Datarails/mcp-outlet/monitoring"
	"github.com/Datarails/mcp-outlet/registry"
)

const shutdownTimeout = 10 * time.Second

func main() {
	addr := flag.String("addr", "", "HTTP listen address (overrides OUTLET_HTTP_ADDR)")
	dev := flag.Bool("dev", false, "development logging (overrides LOG_DEV)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}
	if *dev {
		cfg.Logging.Development = true
	}

	if err := run(cfg); err != nil {
		log.Fatalf("outlet: %v", err)
	}
}

func run(cfg *config.Config) error {
	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewMetrics(promReg)

	servers, closeRegistry, err := buildRegistry(cfg.Registry, logger)
	if err != nil {
		return err
	}
	defer closeRegistry()

	codecType, err := codec.ParseCodecType(cfg.Call.Codec)
	if err != nil {
		return err
	}

	d, err := dispatcher.New(
		dispatcher.WithLogger(logger),
		dispatcher.WithCodec(codec.GetCodec(codecType)),
		dispatcher.WithMetrics(metrics),
		dispatcher.WithRegistry(servers),
		dispatcher.WithCallTimeout(cfg.Call.Timeout),
		dispatcher.WithTempBase(cfg.Call.TempFolder),
		dispatcher.WithMiddleware(buildMiddlewares(cfg, logger, metrics)...),
	)
	if err != nil {
		return err
	}

	api := httpapi.NewServer(d,
		httpapi.WithLogger(logger),
		httpapi.WithRegistry(servers),
		httpapi.WithGatherer(promReg),
		httpapi.WithTempDir(cfg.Call.TempFolder),
		httpapi.WithReleaseMode(!cfg.Logging.Development),
	)
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Shutting down gracefully", zap.String("signal", sig.String()))
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

// buildMiddlewares returns the chain outermost first. Retries run inside the request timeout.
func buildMiddlewares(cfg *config.Config, logger *zap.Logger, metrics *monitoring.Metrics) []middleware.Middleware {
	mws := []middleware.Middleware{
		middleware.MetricsMiddleware(metrics),
		middleware.LoggingMiddleware(logger),
	}
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Float64("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst))
		mws = append(mws, middleware.RateLimitMiddleware(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst))
	}
	if cfg.Call.RequestTimeout > 0 {
		mws = append(mws, middleware.TimeOutMiddleware(cfg.Call.RequestTimeout))
	}
	if cfg.Call.RetryMax > 0 {
		mws = append(mws, middleware.RetryMiddleware(cfg.Call.RetryMax, cfg.Call.RetryDelay, logger))
	}
	return mws
}

// buildRegistry layers the optional catalogs: etcd first (writable), then the file.
func buildRegistry(cfg config.RegistryConfig, logger *zap.Logger) (registry.Registry, func(), error) {
	var layers registry.Multi
	closeFn := func() {}

	if len(cfg.EtcdEndpoints) > 0 {
		etcd, err := registry.NewEtcdRegistry(cfg.EtcdEndpoints, registry.WithTTL(cfg.EtcdTTL))
		if err != nil {
			return nil, nil, err
		}
		layers = append(layers, etcd)
		closeFn = func() { _ = etcd.Close() }
		logger.Info("Using etcd server catalog", zap.Strings("endpoints", cfg.EtcdEndpoints))
	}
	if cfg.ServersFile != "" {
		file, err := registry.LoadFile(cfg.ServersFile)
		if err != nil {
			closeFn()
			return nil, nil, err
		}
		layers = append(layers, file)
		logger.Info("Loaded server catalog", zap.String("path", cfg.ServersFile))
	}
	if len(layers) == 0 {
		return nil, closeFn, nil
	}
	return layers, closeFn, nil
}
