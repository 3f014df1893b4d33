/*
Copyright 2025 The Multigres Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// replroute routes writes to the primary and reads to healthy replicas of
// a PostgreSQL cluster, monitors replication health, and assists manual
// failover with a validated promotion workflow.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/multigres/replroute/go/config"
	"github.com/multigres/replroute/go/dbconn"
	"github.com/multigres/replroute/go/failover"
	"github.com/multigres/replroute/go/health"
	"github.com/multigres/replroute/go/router"
	"github.com/multigres/replroute/go/servenv"
	"github.com/multigres/replroute/go/topology"
)

var (
	v  = viper.New()
	lg = servenv.NewLogger()

	Main = &cobra.Command{
		Use:   "replroute",
		Short: "Replroute is a replication-aware access layer for a PostgreSQL cluster: primary/replica routing, lag monitoring, and operator-assisted failover.",
		Args:  cobra.NoArgs,
		RunE:  run,
	}
)

func init() {
	config.RegisterFlags(Main.Flags())
	lg.RegisterFlags(Main.Flags(), v)
}

func main() {
	if err := Main.Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(v, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := lg.Build(v)
	if err != nil {
		return err
	}

	nodes, err := cfg.NodeSet()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := topology.NewRegistry(nodes, logger)
	pools := dbconn.NewPools(dbconn.PQOpener(cfg.ConnParams()), logger)
	defer func() { _ = pools.Close() }()

	prober := health.NewProber(pools, logger, cfg.ProbeTimeout)
	monitor := health.NewMonitor(registry, prober, logger, health.Options{
		ProbeInterval:    cfg.ProbeInterval,
		LagCeiling:       cfg.LagCeiling,
		FailureThreshold: cfg.FailureThreshold,
	})
	monitor.OnPrimarySuspect(func(ev health.PrimarySuspectEvent) {
		logger.Error("primary suspect",
			"node_id", ev.NodeID,
			"reason", ev.Reason,
			"consecutive_failures", ev.ConsecutiveFailures,
		)
	})

	rt := router.NewRouter(registry, pools, logger)
	coordinator := failover.NewCoordinator(registry, prober, logger, cfg.FailoverLagCeiling)

	logger.Info("replroute starting up",
		"primary", nodes.Primary().ID,
		"replicas", len(nodes.Replicas()),
		"http_addr", cfg.HTTPAddr,
	)

	monitor.Open(ctx)
	defer monitor.Close()

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: diagnosticsMux(rt, monitor, pools, registry, coordinator),
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("replroute shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func diagnosticsMux(rt *router.Router, monitor *health.Monitor, pools *dbconn.Pools, registry *topology.Registry, coordinator *failover.Coordinator) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/debug/topology", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(rt.GetTopologySnapshot())
	})

	mux.HandleFunc("/debug/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"snapshots":    monitor.Snapshots(),
			"probes":       monitor.Probes(),
			"probe_errors": monitor.ProbeErrors(),
		})
	})

	mux.HandleFunc("POST /failover/begin", func(w http.ResponseWriter, r *http.Request) {
		candidate := r.URL.Query().Get("candidate")
		if candidate == "" {
			http.Error(w, "missing candidate parameter", http.StatusBadRequest)
			return
		}
		// The workflow must outlive the request; only process shutdown
		// should cancel its validation probe.
		wf, err := coordinator.BeginFailover(context.WithoutCancel(r.Context()), candidate)
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"workflow_id": wf.ID.String(),
			"candidate":   wf.CandidateID,
		})
	})

	mux.HandleFunc("GET /failover/status", func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.URL.Query().Get("id"))
		if err != nil {
			http.Error(w, "invalid workflow id", http.StatusBadRequest)
			return
		}
		state, reason, err := coordinator.FailoverStatus(id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"state":  state.String(),
			"reason": reason,
		})
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := pools.CheckConnectivity(ctx, registry.CurrentPrimary()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	return mux
}
