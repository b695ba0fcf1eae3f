// poller runs the trigger engine once per poll period, standing in for an
// external scheduler hitting GET /api/v1/iot/handler.
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
	"pillbox/poller"
	"pillbox/service"
)

var (
	configPath  = flag.String("config", "pillbox.yaml", "Path to the YAML config file.  A missing file means built-in defaults.")
	debugListen = flag.String("debug-listen", "", "Server address:port for debug endpoint.  Overrides server.debug_listen.")
	pollPeriod  = flag.Duration("poll-period", 0, "Time between trigger passes.  Overrides schedule.poll_period.")
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
		slog.String("debug-listen", *debugListen),
		slog.Duration("poll-period", *pollPeriod),
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

func do(ctx context.Context) error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("while loading config: %w", err)
	}
	if *debugListen != "" {
		cfg.Server.DebugListen = *debugListen
	}
	if *pollPeriod != 0 {
		cfg.Schedule.PollPeriod = *pollPeriod
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

	if cfg.Monitoring.Enabled {
		shutdown, err := service.InstallMonitoring(ctx, cfg, "pillbox-poller")
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

	p := poller.New(svc.Engine, cfg.Schedule.PollPeriod)

	go func() {
		if err := debugServer.ListenAndServe(); err != nil {
			slog.ErrorContext(ctx, "Debug server died", slog.Any("err", err))
			os.Exit(255)
		}
	}()

	pollCtx, stopPolling := context.WithCancel(ctx)
	defer stopPolling()
	go func() {
		p.Run(pollCtx)
	}()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	<-signalCh

	return nil
}
