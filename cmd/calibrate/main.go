// Command calibrate measures labelled sample images and suggests size
// thresholds for the sorter config.
//
// Images are read from one folder per category under --root, named after
// the categories in the sorter config (e.g. root/small, root/medium,
// root/large).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/banshee-data/shrimp-sorter/internal/calibration"
	"github.com/banshee-data/shrimp-sorter/internal/config"
	"github.com/banshee-data/shrimp-sorter/internal/detector"
	"github.com/banshee-data/shrimp-sorter/internal/httputil"
)

var (
	configPath  = flag.String("config", config.DefaultConfigPath, "Path to the sorter JSON config (categories and frame size)")
	root        = flag.String("root", "calibration", "Directory holding one image folder per category")
	detectorURL = flag.String("detector-url", "http://127.0.0.1:8000", "Base URL of the tracking sidecar")
	fixtures    = flag.String("fixtures", "", "Use a replay detector fixture instead of the sidecar")
	confidence  = flag.Float64("confidence", 0.7, "Minimum detection confidence")
	class       = flag.String("class", "", "Only measure detections with this class label (empty accepts all)")
	plotPath    = flag.String("plot", "size_distribution.png", "Histogram output path (empty disables)")
	jsonOut     = flag.Bool("json", false, "Print the report as JSON")
)

func main() {
	if err := config.LoadEnv(); err != nil {
		log.Fatalf("failed to load .env: %v", err)
	}
	flag.Parse()

	cfg, err := config.LoadSorterConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	var det detector.Detector
	if *fixtures != "" {
		det, err = detector.LoadReplay(*fixtures)
		if err != nil {
			log.Fatalf("failed to load fixtures: %v", err)
		}
	} else {
		det = detector.NewHTTPDetector(config.EnvOr(config.EnvDetectorURL, *detectorURL),
			httputil.NewStandardClient(&http.Client{Timeout: 30 * time.Second}))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cal := calibration.New(det, calibration.Options{
		Width:         cfg.GetFrameWidth(),
		Height:        cfg.GetFrameHeight(),
		MinConfidence: *confidence,
		ClassLabel:    *class,
	})

	categories := cfg.CategoryNames()
	for _, cat := range categories {
		dir := filepath.Join(*root, cat)
		res, err := cal.ProcessDir(ctx, cat, dir)
		if err != nil {
			if ctx.Err() != nil {
				log.Fatalf("interrupted")
			}
			log.Printf("skipping %s: %v", cat, err)
			continue
		}
		log.Printf("%s: %d images, %d measured, %d skipped", cat, res.Images, res.Measured, res.Skipped)
	}

	report := cal.Analyze(categories)
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			log.Fatalf("failed to write report: %v", err)
		}
	} else if err := report.WriteText(os.Stdout); err != nil {
		log.Fatalf("failed to write report: %v", err)
	}

	if *plotPath != "" {
		if err := cal.PlotDistribution(report, *plotPath); err != nil {
			log.Printf("no distribution plot: %v", err)
		} else {
			log.Printf("saved distribution plot to %s", *plotPath)
		}
	}

	if !report.Complete() {
		os.Exit(1)
	}
}
