// pillboxd serves the pillbox JSON API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pillbox/config"
	"pillbox/healthz"
	"pillbox/service"
	"pillbox/webapi"
)

var (
	configPath  = flag.String("config", "pillbox.yaml", "Path to the YAML config file.  A missing file means built-in defaults.")
	listen      = flag.String("listen", "", "Server address:port for the API.  Overrides server.listen.")
	debugListen = flag.String("debug-listen", "", "Server address:port for debug endpoint.  Overrides server.debug_listen.")
	backend     = flag.String("store", "", "Store backend, firestore or badger.  Overrides store.backend.")
	dataProject = flag.String("data-project", "", "GCP project that contains the application state.  Overrides store.data_project.")
	badgerDir   = flag.String("badger-dir", "", "Directory for the Badger store.  Overrides store.badger_dir.")
	monitoring  = flag.Bool("monitoring", false, "Enable monitoring?  Overrides monitoring.enabled when set.")
)

func main() {
	flag.Parse()

	slog.Info("Starting up")
	slog.Info(
		"Flags",
		slog.String("config", *configPath),
		slog.String("listen", *listen),
		slog.String("debug-listen", *debugListen),
		slog.String("store", *backend),
		slog.String("data-project", *dataProject),
		slog.String("badger-dir", *badgerDir),
		slog.Bool("monitoring", *monitoring),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := do(ctx); err != nil {
		slog.ErrorContext(ctx, "Error", slog.Any("err", err))
		os.Exit(255)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, err
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	if *debugListen != "" {
		cfg.Server.DebugListen = *debugListen
	}
	if *backend != "" {
		cfg.Store.Backend = *backend
	}
	if *dataProject != "" {
		cfg.Store.DataProject = *dataProject
	}
	if *badgerDir != "" {
		cfg.Store.BadgerDir = *badgerDir
	}
	if *monitoring {
		cfg.Monitoring.Enabled = true
	}
	return cfg, nil
}

func do(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("while loading config: %w", err)
	}

	if cfg.Monitoring.Enabled {
		shutdown, err := service.InstallMonitoring(ctx, cfg, "pillboxd")
		if err != nil {
			return fmt.Errorf("while installing monitoring: %w", err)
		}
		defer shutdown()
	}

	svc, err := service.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("while assembling service: %w", err)
	}
	defer svc.Close()

	api := webapi.New(
		svc.Registry,
		svc.Ledger,
		svc.Engine,
		svc.Resolver,
		svc.Inventory,
		webapi.WithAllowedOrigins(cfg.Server.AllowedOrigins),
		webapi.WithDevelopment(cfg.Development()),
	)

	apiServer := &http.Server{
		Addr:    cfg.Server.Listen,
		Handler: api.Handler(),

		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	debugServeMux := http.NewServeMux()
	debugServeMux.Handle("/healthz", healthz.New(nil))
	debugServeMux.Handle("/readyz", healthz.New(svc.Store.Ping))
	debugServeMux.HandleFunc("/debug/pprof/", pprof.Index)
	debugServeMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	debugServeMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	debugServeMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	debugServeMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	debugServer := &http.Server{
		Addr:    cfg.Server.DebugListen,
		Handler: debugServeMux,

		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		if err := debugServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.ErrorContext(ctx, "Debug server died", slog.Any("err", err))
			os.Exit(255)
		}
	}()

	go func() {
		slog.InfoContext(ctx, "Serving API", slog.String("listen", cfg.Server.Listen))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.ErrorContext(ctx, "API server died", slog.Any("err", err))
			os.Exit(255)
		}
	}()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	<-signalCh

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(ctx, "Error while shutting down API server", slog.Any("err", err))
	}
	debugServer.Shutdown(shutdownCtx)

	return nil
}
