// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command offloadd runs the flow offload engine. It follows neighbor and
// conntrack events from the kernel and programs consolidated flows into the
// configured offload device.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"grimm.is/flyoffload/internal/config"
	"grimm.is/flyoffload/internal/errors"
	"grimm.is/flyoffload/internal/logging"
	"grimm.is/flyoffload/internal/offload/ct"
	"grimm.is/flyoffload/internal/offload/encap"
	"grimm.is/flyoffload/internal/offload/engine"
	"grimm.is/flyoffload/internal/offload/hw"
	"grimm.is/flyoffload/internal/offload/metrics"
	"grimm.is/flyoffload/internal/offload/neigh"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to HCL config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		logging.Error("offloadd failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.LoadFile(configPath); err != nil {
			return err
		}
	}

	logger := logging.New(cfg.LoggingConfig())
	logging.SetDefault(logger)

	ec, err := cfg.EngineConfig()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics()
	if err := m.RegisterMetrics(reg); err != nil {
		return err
	}

	var tracker ct.Tracker
	nf, err := ct.NewNetfilterTracker(logger)
	if err != nil {
		logger.Warn("conntrack unavailable, keeping offload marks in memory", "error", err)
		tracker = ct.NewMemoryTracker()
	} else {
		defer nf.Close()
		tracker = nf
	}

	var mirror *hw.FlowMirror
	if pin := cfg.Offload.FlowMapPin; pin != "" {
		if mirror, err = hw.OpenFlowMirror(pin, logger); err != nil {
			return err
		}
		defer mirror.Close()
	}

	resolver := neigh.NewNetlinkResolver(logger)
	e, err := engine.NewEngine(engine.Deps{
		Device:   hw.NewSimDevice(logger, cfg.SimConfig()),
		Resolver: resolver,
		Encoder:  encap.VXLANEncoder{},
		Tracker:  tracker,
		Mirror:   mirror,
		Metrics:  m,
	}, logger, ec)
	if err != nil {
		return err
	}
	if err := e.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return resolver.Watch(gctx, e.OnNeighborUpdate)
	})

	if *cfg.Offload.CTEvents {
		listener := ct.NewListener(logger, uint8(min(ec.Workers, 255)))
		g.Go(func() error {
			return listener.Run(gctx, e.OnConnectionDestroyed)
		})
	}

	if addr := cfg.MetricsListen; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			logger.Info("metrics server listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, errors.KindUnavailable, "metrics server")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	logger.Info("offloadd running",
		"workers", ec.Workers,
		"slots", ec.Slots,
		"ct_events", *cfg.Offload.CTEvents,
		"flow_map", cfg.Offload.FlowMapPin != "")

	runErr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Close(closeCtx); err != nil {
		logger.Error("engine shutdown", "error", err)
		if runErr == nil {
			runErr = err
		}
	}
	logger.Info("offloadd stopped")
	return runErr
}
