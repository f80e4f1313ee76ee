package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"dtnmesh/pkg/bundle"
	"dtnmesh/pkg/cla"
	"dtnmesh/pkg/cla/layers"
	"dtnmesh/pkg/config"
	"dtnmesh/pkg/events"
	"dtnmesh/pkg/identity"
	"dtnmesh/pkg/metrics"
	"dtnmesh/pkg/neighbor"
	"dtnmesh/pkg/observability"
	"dtnmesh/pkg/policy"
	"dtnmesh/pkg/routing"
	"dtnmesh/pkg/storage"
)

// run is the main entry point after CLI parsing.
func run(opts Options) int {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	local, err := bundle.ParseEID("dtn://" + cfg.NodeName)
	if err != nil {
		zap.L().Error("bad node name", zap.String("node_name", cfg.NodeName), zap.Error(err))
		return 1
	}
	zap.L().Info("dtnmesh-node started", zap.String("node", string(local)))

	priv, err := identity.LoadOrGen(cfg.Identity, cfg.DataDir)
	if err != nil {
		zap.L().Error("failed to init identity", zap.Error(err))
		return 1
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	store, err := storage.Open(cfg.Store, nil, m)
	if err != nil {
		zap.L().Error("failed to open storage", zap.Error(err))
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()
	if err := deliverLocal(bus, store, local); err != nil {
		zap.L().Error("failed to bind local delivery", zap.Error(err))
		return 1
	}
	db := neighbor.NewDatabase(cfg.Neighbor, nil, m)
	go db.Run(ctx)
	go sweepLoop(ctx, store, cfg.Store)

	chain, err := policy.FromConfig(cfg.Policy, m)
	if err != nil {
		zap.L().Error("bad policy config", zap.Error(err))
		return 1
	}

	mgr := cla.NewManager(local, priv, store, bus, m,
		time.Duration(cfg.CLA.ContactSkewSec)*time.Second,
		time.Duration(cfg.CLA.TransferTimeoutSec)*time.Second)

	engine, err := routing.New(local, db, store, mgr, chain, bus, m)
	if err != nil {
		zap.L().Error("failed to build routing engine", zap.Error(err))
		return 1
	}
	if err := engine.Up(); err != nil {
		zap.L().Error("failed to start routing engine", zap.Error(err))
		return 1
	}

	stopLayers, err := layers.Start(ctx, cfg.CLA, mgr)
	if err != nil {
		zap.L().Error("failed to start convergence layers", zap.Error(err))
		return 1
	}

	var msrv *http.Server
	if cfg.Metrics.Enabled {
		msrv = metrics.NewServer(cfg.Metrics.Listen, reg)
		go func() {
			zap.L().Info("metrics endpoint up", zap.String("listen", cfg.Metrics.Listen))
			if err := msrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				zap.L().Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	zap.L().Info("node is running")
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	zap.L().Info("shutting down", zap.String("signal", s.String()))

	cancel()
	stopLayers()
	var shutdownErr error
	if msrv != nil {
		shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
		shutdownErr = multierr.Append(shutdownErr, msrv.Shutdown(shCtx))
		shCancel()
	}
	shutdownErr = multierr.Append(shutdownErr, engine.Down())
	shutdownErr = multierr.Append(shutdownErr, mgr.Close())
	shutdownErr = multierr.Append(shutdownErr, store.Close())
	if shutdownErr != nil {
		zap.L().Warn("shutdown finished with errors", zap.Error(shutdownErr))
		return 1
	}
	zap.L().Info("shutdown complete")
	return 0
}

// deliverLocal removes bundles addressed to this node from the store as
// soon as they arrive. Without an application agent attached, the log
// line is the delivery.
func deliverLocal(bus *events.Bus, store storage.Store, local bundle.EID) error {
	return bus.SubscribeBundleQueued(func(e events.BundleQueued) {
		if !e.Meta.Destination.SameHost(local) {
			return
		}
		if err := store.Remove(e.Meta.ID); err != nil {
			return
		}
		zap.L().Info("bundle delivered locally",
			zap.String("bundle", e.Meta.ID.String()),
			zap.String("destination", string(e.Meta.Destination)),
			zap.Int("payload_len", e.Meta.PayloadLen))
	})
}

// sweepLoop evicts expired bundles on the configured interval.
func sweepLoop(ctx context.Context, store storage.Store, cfg config.StoreConfig) {
	t := time.NewTicker(time.Duration(cfg.SweepIntervalSec) * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := store.Expire(time.Now())
			if err != nil {
				zap.L().Warn("bundle expiry sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				zap.L().Info("expired bundles dropped", zap.Int("count", n))
			}
		}
	}
}
