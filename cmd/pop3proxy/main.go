// Command pop3proxy runs the POP3 proxy: a single reactor goroutine
// handling every client/origin session, plus a management listener for
// runtime control of the external-transformation filter.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/infodancer/pop3proxy/internal/config"
	"github.com/infodancer/pop3proxy/internal/logging"
	"github.com/infodancer/pop3proxy/internal/management"
	"github.com/infodancer/pop3proxy/internal/metrics"
	"github.com/infodancer/pop3proxy/internal/proxyserver"
	"github.com/infodancer/pop3proxy/internal/reactor"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	flags := config.ParseFlags()

	cfg, err := config.LoadWithFlags(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.LogLevel)

	var collector metrics.Collector = &metrics.NoopCollector{}
	if cfg.Metrics.Enabled {
		collector = metrics.NewPrometheusCollector(prometheus.DefaultRegisterer)
	}

	// et is the single shared, lock-guarded view of the external-
	// transformation settings: the management listener's sole write path,
	// and every session's read path, from here on.
	et := config.NewETGuard(cfg.ET)

	var filterErrLog *os.File
	if et.Snapshot().Activated {
		filterErrLog, err = os.OpenFile("filter-errors.log", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error opening filter error log: %v\n", err)
			os.Exit(1)
		}
		defer filterErrLog.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	r, err := reactor.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating reactor: %v\n", err)
		os.Exit(1)
	}

	proxy, err := proxyserver.New(r, &cfg, et, collector, logger, filterErrLog)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error starting proxy listener: %v\n", err)
		os.Exit(1)
	}
	defer proxy.Close()

	mgmt := management.New(&cfg, et, collector, logger)
	go func() {
		if err := mgmt.ListenAndServe(); err != nil {
			logger.Error("management listener stopped", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		mgmt.Close()
	}()

	if cfg.Metrics.Enabled {
		metricsServer := metrics.NewPrometheusServer(cfg.Metrics.Address, cfg.Metrics.Path)
		go func() {
			if err := metricsServer.Start(ctx); err != nil && err != context.Canceled {
				logger.Error("metrics server error", "error", err)
			}
		}()
		logger.Info("metrics server started", "address", cfg.Metrics.Address, "path", cfg.Metrics.Path)
	}

	logger.Info("starting pop3proxy", "hostname", cfg.Hostname, "listen", cfg.Listen, "origin", cfg.Origin)

	if err := r.Run(ctx); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "reactor error: %v\n", err)
		os.Exit(1)
	}

	logger.Info("pop3proxy stopped")
}
