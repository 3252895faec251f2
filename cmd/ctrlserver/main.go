// Command ctrlserver runs the device-control server of the spider robot.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"remote-ctrl/command"
	"remote-ctrl/config"
	"remote-ctrl/device"
	"remote-ctrl/logger"
	"remote-ctrl/middleware"
	"remote-ctrl/registry"
	"remote-ctrl/server"
)

var (
	configPath    string
	listenAddr    string
	advertiseAddr string
	deviceName    string
	etcdEndpoints []string
	metricsAddr   string
	logLevel      string
	exposeErrors  bool
)

var rootCmd = &cobra.Command{
	Use:           "ctrlserver",
	Short:         "Serve device commands to operator consoles",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadServer(configPath)
		if err != nil {
			return err
		}
		applyFlags(cmd, &cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}

		log, err := logger.New(cfg.Log)
		if err != nil {
			return err
		}
		defer log.Sync()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg, log)
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	f.StringVar(&listenAddr, "listen", "", "listen address (default \":8372\")")
	f.StringVar(&advertiseAddr, "advertise", "", "address announced to discovery (default: listen address)")
	f.StringVar(&deviceName, "device", "", "device name announced to discovery")
	f.StringSliceVar(&etcdEndpoints, "etcd", nil, "etcd endpoints, enables discovery")
	f.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	f.StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	f.BoolVar(&exposeErrors, "expose-errors", false, "send handler error messages to consoles")
}

// applyFlags lets flags given on the command line win over the file.
func applyFlags(cmd *cobra.Command, cfg *config.Server) {
	f := cmd.Flags()
	if f.Changed("listen") {
		cfg.Listen = listenAddr
	}
	if f.Changed("advertise") {
		cfg.Advertise = advertiseAddr
	}
	if f.Changed("device") {
		cfg.Device = deviceName
	}
	if f.Changed("etcd") {
		cfg.Etcd.Endpoints = etcdEndpoints
	}
	if f.Changed("metrics-addr") {
		cfg.MetricsAddr = metricsAddr
	}
	if f.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if f.Changed("expose-errors") {
		cfg.ExposeErrors = exposeErrors
	}
}

func run(ctx context.Context, cfg config.Server, log *zap.Logger) error {
	metrics := prometheus.NewRegistry()
	metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// No hardware driver is linked in, the simulator stands in for the robot
	sim := device.NewSimulator()
	spider, err := device.NewSpider(sim, sim)
	if err != nil {
		return err
	}
	commands := device.Commands()

	svr := server.NewServer(
		server.WithLogger(log),
		server.WithReadTimeout(cfg.ReadTimeout),
		server.WithMaxIdle(cfg.MaxIdle),
		server.WithWriteTimeout(cfg.WriteTimeout),
		server.WithDevice(cfg.Device),
		server.WithRegisterTTL(cfg.RegisterTTL),
		server.WithMetrics(metrics),
	)
	svr.Use(middleware.LoggingMiddleware(log))
	svr.Use(middleware.MetricsMiddleware(metrics))
	if cfg.RateLimit > 0 {
		svr.Use(middleware.RateLimitMiddleware(cfg.RateLimit, cfg.RateBurst))
	}
	if cfg.ReadRetries > 0 {
		svr.Use(middleware.RetryMiddleware(cfg.ReadRetries, cfg.RetryDelay, command.RetryReads(commands), log))
	}
	if cfg.CommandTimeout > 0 {
		svr.Use(middleware.TimeOutMiddleware(cfg.CommandTimeout))
	}

	var reg registry.Registry
	if len(cfg.Etcd.Endpoints) > 0 {
		etcd, err := registry.NewEtcdRegistry(cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout, log.Named("registry"))
		if err != nil {
			return err
		}
		defer etcd.Close()
		reg = etcd
	}

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, metrics, log)
	}

	advertise := cfg.Advertise
	if advertise == "" {
		advertise = cfg.Listen
	}
	factory := server.Controllers(commands,
		func(peer string) (*device.Spider, error) { return spider, nil },
		command.WithLogger(log.Named("command")),
		command.WithExposedErrors(cfg.ExposeErrors))

	errc := make(chan error, 1)
	go func() { errc <- svr.Serve("tcp", cfg.Listen, advertise, reg, factory) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	if err := svr.Shutdown(cfg.ShutdownTimeout); err != nil {
		log.Warn("shutdown", zap.Error(err))
	}
	return <-errc
}

func serveMetrics(addr string, gatherer prometheus.Gatherer, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	log.Info("serving metrics", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("metrics server stopped", zap.Error(err))
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
