package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fleetcontrol/fleet-supervisor/config"
	"github.com/fleetcontrol/fleet-supervisor/fleet"
	"github.com/fleetcontrol/fleet-supervisor/logging"
	"github.com/fleetcontrol/fleet-supervisor/registry_store"
	"github.com/fleetcontrol/fleet-supervisor/router"
)

var version = "dev"

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.LogDevelopment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Sugar()

	log.Infof("fleetd %s starting", version)

	var servers fleet.ServerRegistry
	if cfg.CatalogPath != "" {
		db, err := registry_store.Open(cfg.CatalogPath)
		if err != nil {
			log.Fatalf("catalog: %v", err)
		}
		defer db.Close()
		servers = db
	}

	sup := fleet.New(servers, fleet.Config{
		KillEscalation:  cfg.KillEscalation,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, cfg.HeartbeatInterval, log)

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, http.HandlerFunc(sup.Hub().ServeHTTP))
	mux.Handle("/", router.New(sup))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: mux,
	}

	go sup.Run()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Infof("listening on :%s (ws path %s)", cfg.Port, cfg.Path)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http: %v", err)
		}
	}()

	<-sigCh
	log.Info("shutting down…")

	sup.Shutdown()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Errorf("shutdown: %v", err)
	}
}
