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
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/banshee-data/gesture.capture/internal/api"
	"github.com/banshee-data/gesture.capture/internal/config"
	"github.com/banshee-data/gesture.capture/internal/db"
	"github.com/banshee-data/gesture.capture/internal/device"
	"github.com/banshee-data/gesture.capture/internal/pipeline"
	"github.com/banshee-data/gesture.capture/internal/queue"
	"github.com/banshee-data/gesture.capture/internal/session"
	"github.com/banshee-data/gesture.capture/internal/version"
)

var (
	configPath  = flag.String("config", config.DefaultConfigPath, "Path to the YAML session configuration")
	devMode     = flag.Bool("dev", false, "Run with simulated devices")
	listen      = flag.String("listen", "", "Listen address (overrides the configuration)")
	dbPath      = flag.String("db", "", "Session database path (overrides the configuration)")
	autostart   = flag.Bool("autostart", false, "Start a session as soon as the service is up")
	participant = flag.Int("participant", 0, "Participant for -autostart (default from the configuration)")
	testName    = flag.String("test", "test", "Test name for -autostart")
	showVersion = flag.Bool("version", false, "Print the version and exit")
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `Usage: capture [flags]            run the acquisition service
       capture migrate <action>   manage the session database schema
       capture ctl <command>      control a running service

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		return
	}

	cfg, err := loadConfig(*configPath, *configPath != config.DefaultConfigPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	applyOverrides(cfg)

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "migrate":
			if err := db.RunMigrateCommand(args[1:], cfg.GetDatabase(), os.Stdout); err != nil {
				log.Fatalf("migrate: %v", err)
			}
			return
		case "ctl":
			if err := runCtl(context.Background(), args[1:], cfg, os.Stdout); err != nil {
				log.Fatalf("ctl: %v", err)
			}
			return
		default:
			flag.Usage()
			os.Exit(2)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := serve(ctx, cfg); err != nil {
		log.Fatal(err)
	}
	log.Printf("Graceful shutdown complete")
}

// loadConfig reads path. A missing default file yields an empty
// configuration; a missing explicit file is an error.
func loadConfig(path string, explicit bool) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) && !explicit {
		log.Printf("no %s found, using defaults", path)
		return config.Empty(), nil
	}
	return cfg, err
}

func applyOverrides(cfg *config.Config) {
	if *devMode {
		cfg.DevMode = devMode
	}
	if *listen != "" {
		cfg.Listen = listen
	}
	if *dbPath != "" {
		cfg.Database = dbPath
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	log.Printf("capture %s: %s", version.Version, cfg.Summary())

	var devices session.Devices = device.Hardware{}
	if cfg.GetDevMode() {
		station, err := device.StartStation(device.StationConfig{})
		if err != nil {
			return fmt.Errorf("failed to start simulated station: %w", err)
		}
		defer station.Close()
		devices = device.Simulator{Station: station}
		log.Printf("dev mode: devices are simulated")
	}

	ledger, err := db.NewDB(cfg.GetDatabase())
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer ledger.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	pipelineMetrics, err := pipeline.NewMetrics(reg)
	if err != nil {
		return err
	}
	queueMetrics, err := queue.NewMetrics(reg)
	if err != nil {
		return err
	}

	ctrl := session.New(session.Options{
		Config:       cfg,
		Devices:      devices,
		Ledger:       ledger,
		Metrics:      pipelineMetrics,
		QueueMetrics: queueMetrics,
	})

	srv := api.NewServer(ctrl, ledger, reg)
	mux := srv.ServeMux()
	srv.AttachDebugRoutes(mux)
	if err := ledger.AttachAdminRoutes(mux); err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.GetListen(),
		Handler:           api.LoggingMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup
	serverErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	if *autostart {
		if _, err := ctrl.Start(ctx, *participant, *testName); err != nil {
			log.Printf("autostart failed: %v", err)
		}
	}

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		return fmt.Errorf("failed to start server: %w", err)
	}

	if ctrl.Phase() == session.Acquiring {
		log.Println("stopping the running session...")
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if _, err := ctrl.Stop(stopCtx); err != nil {
			log.Printf("session stopped with errors: %v", err)
		}
		cancel()
	}

	log.Println("shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}
	wg.Wait()
	return nil
}
