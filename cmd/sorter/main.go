package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/shrimp-sorter/internal/actuation"
	"github.com/banshee-data/shrimp-sorter/internal/api"
	"github.com/banshee-data/shrimp-sorter/internal/config"
	"github.com/banshee-data/shrimp-sorter/internal/db"
	"github.com/banshee-data/shrimp-sorter/internal/monitoring"
	"github.com/banshee-data/shrimp-sorter/internal/pipeline"
	"github.com/banshee-data/shrimp-sorter/internal/serialmux"
	"github.com/banshee-data/shrimp-sorter/internal/sorting"
	"github.com/banshee-data/shrimp-sorter/internal/telemetry"
	"github.com/banshee-data/shrimp-sorter/internal/version"
)

var (
	configPath    = flag.String("config", config.DefaultConfigPath, "Path to the sorter JSON config")
	devMode       = flag.Bool("dev", false, "Run in dev mode (synthetic frames, replay detector, emulated servo controller)")
	listen        = flag.String("listen", ":8080", "Listen address")
	port          = flag.String("port", "", "Servo controller serial port (overrides config; \"none\" disables serial)")
	videoPath     = flag.String("video", "", "Read frames from a video file")
	cameraIndex   = flag.Int("camera", -1, "Read frames from the camera at this index")
	imagesDir     = flag.String("images", "", "Read frames from a directory of still images")
	dbPath        = flag.String("db", "sorter.db", "SQLite database path (empty disables persistence)")
	csvDir        = flag.String("csv-dir", "", "Directory for detection and summary CSV logs (empty disables)")
	detectorURL   = flag.String("detector-url", "http://127.0.0.1:8000", "Base URL of the tracking sidecar")
	detectorGRPC  = flag.String("detector-grpc", "", "gRPC target of the tracking sidecar (overrides --detector-url)")
	fixturesPath  = flag.String("fixtures", "config/dev-detections.jsonl", "Replay detector fixture used in dev mode")
	frameInterval = flag.Duration("frame-interval", 33*time.Millisecond, "Frame interval for synthetic and still-image sources, and for video files that report no frame rate")
	showVersion   = flag.Bool("version", false, "Print version and exit")
)

const snapshotInterval = 5 * time.Second

func main() {
	os.Exit(run())
}

// run returns the process exit code so deferred cleanup happens before exit.
func run() int {
	if err := config.LoadEnv(); err != nil {
		log.Fatalf("failed to load .env: %v", err)
	}
	flag.Parse()
	applyEnv(flag.CommandLine)

	if *showVersion {
		fmt.Println(version.String())
		return 0
	}

	if flag.Arg(0) == "migrate" {
		if *dbPath == "" {
			log.Fatal("migrate requires --db")
		}
		if err := db.RunMigrateCommand(flag.Args()[1:], *dbPath, os.Stdout); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		return 0
	}

	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	cfg, err := config.LoadSorterConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	regCfg := sorting.RegistryConfigFromSorter(cfg)
	classifier, err := sorting.ClassifierFromSorter(cfg)
	if err != nil {
		log.Fatalf("invalid size categories: %v", err)
	}
	registry, err := sorting.NewRegistry(regCfg, classifier, nil)
	if err != nil {
		log.Fatalf("failed to create registry: %v", err)
	}
	logBanner(log.Printf, cfg)

	source, sourceName, err := openSource(cfg)
	if err != nil {
		log.Fatalf("failed to open frame source: %v", err)
	}
	defer source.Close()

	det, err := openDetector()
	if err != nil {
		log.Fatalf("failed to create detector: %v", err)
	}
	if c, ok := det.(io.Closer); ok {
		defer c.Close()
	}

	mux, driver, err := openServo(cfg)
	if err != nil {
		log.Fatalf("failed to open servo controller: %v", err)
	}
	defer mux.Close()
	if err := mux.Initialize(); err != nil {
		log.Fatalf("failed to initialize servo controller: %v", err)
	}

	scheduler := actuation.New(driver, actuation.Options{Settle: cfg.GetSettleDuration()})

	var database *db.DB
	var runID string
	sinks := telemetry.NewFanout()
	if *dbPath != "" {
		database, err = db.NewDB(*dbPath)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer database.Close()

		cfgJSON, err := json.Marshal(cfg.Effective())
		if err != nil {
			log.Fatalf("failed to encode config: %v", err)
		}
		run, err := database.StartRun(sourceName, string(cfgJSON), time.Now())
		if err != nil {
			log.Fatalf("failed to start run: %v", err)
		}
		runID = run.ID
		log.Printf("sort run %s started (source %s)", runID, sourceName)
		sinks.Add(db.NewSink(database, runID, snapshotInterval, nil))
	}
	if *csvDir != "" {
		csvSink, err := telemetry.NewCSVSink(*csvDir, cfg.CategoryNames(), nil)
		if err != nil {
			log.Fatalf("failed to create CSV log: %v", err)
		}
		log.Printf("logging detections to %s", csvSink.Path())
		sinks.Add(csvSink)
	}
	live := api.NewLiveHub(api.DefaultLiveInterval, nil)
	sinks.Add(live)

	pipe, err := pipeline.New(pipeline.Options{
		Config:    pipeline.ConfigFromSorter(cfg),
		Source:    source,
		Detector:  det,
		Registry:  registry,
		Scheduler: scheduler,
		Sinks:     sinks,
	})
	if err != nil {
		log.Fatalf("failed to create pipeline: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	// run the monitor routine to manage IO on the serial port
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := mux.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("failed to monitor serial port: %v", err)
		}
		log.Print("monitor routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		serialmux.WatchReplies(ctx, mux, monitoring.Prefixed("controller"))
	}()

	homeCtx, cancelHome := context.WithTimeout(ctx, 5*time.Second)
	if err := scheduler.Home(homeCtx, regCfg.Profiles); err != nil {
		log.Printf("homing: %v", err)
	}
	cancelHome()

	httpMux := api.NewServer(pipe, cfg, database, runID, live).ServeMux()
	mux.AttachAdminRoutes(httpMux)
	if database != nil {
		if err := database.AttachAdminRoutes(httpMux); err != nil {
			log.Fatalf("failed to attach database admin routes: %v", err)
		}
	}
	server := &http.Server{
		Addr:    *listen,
		Handler: api.LoggingMiddleware(httpMux),
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()
		log.Printf("listening on %s", *listen)

		<-ctx.Done()
		log.Println("shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		log.Printf("HTTP server routine stopped")
	}()

	runErr := pipe.Run(ctx)
	if runErr != nil {
		log.Printf("pipeline stopped: %v", runErr)
	}
	// a stop-policy source ends the run without a signal
	stop()

	if err := sinks.Close(); err != nil {
		log.Printf("failed to close telemetry sinks: %v", err)
	}
	logTotals(log.Printf, cfg, registry.Counts())

	wg.Wait()
	log.Printf("graceful shutdown complete")
	if runErr != nil {
		return 1
	}
	return 0
}
