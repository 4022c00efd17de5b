package main

import (
	"flag"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/banshee-data/shrimp-sorter/internal/actuation"
	"github.com/banshee-data/shrimp-sorter/internal/capture"
	"github.com/banshee-data/shrimp-sorter/internal/capture/video"
	"github.com/banshee-data/shrimp-sorter/internal/config"
	"github.com/banshee-data/shrimp-sorter/internal/detector"
	"github.com/banshee-data/shrimp-sorter/internal/httputil"
	"github.com/banshee-data/shrimp-sorter/internal/serialmux"
	"github.com/banshee-data/shrimp-sorter/internal/servo"
	"github.com/banshee-data/shrimp-sorter/internal/version"
)

// envFlags maps flag names to the environment variables that may set them.
var envFlags = map[string]string{
	"config":        config.EnvConfigPath,
	"port":          config.EnvSerialPort,
	"db":            config.EnvDBPath,
	"listen":        config.EnvListen,
	"detector-url":  config.EnvDetectorURL,
	"detector-grpc": config.EnvDetectorGRPC,
	"csv-dir":       config.EnvCSVDir,
}

// applyEnv fills flags that were not given on the command line from the
// environment. Explicit flags always win.
func applyEnv(fs *flag.FlagSet) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })
	for name, key := range envFlags {
		if explicit[name] {
			continue
		}
		if value := config.EnvOr(key, ""); value != "" {
			if err := fs.Set(name, value); err != nil {
				fmt.Printf("ignoring %s=%q: %v\n", key, value, err)
			}
		}
	}
}

// flagWasSet reports whether name was given on the command line or filled
// from the environment by applyEnv.
func flagWasSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

// openSource picks the frame source from the flags: video file, camera,
// image directory, or a synthetic source in dev mode. A live camera is the
// default outside dev mode.
func openSource(cfg *config.SorterConfig) (capture.Source, string, error) {
	w, h := cfg.GetFrameWidth(), cfg.GetFrameHeight()
	switch {
	case *videoPath != "":
		src, err := video.OpenFile(*videoPath, w, h, *frameInterval, nil)
		return src, "video:" + *videoPath, err
	case *cameraIndex >= 0:
		src, err := video.OpenCamera(*cameraIndex, w, h)
		return src, fmt.Sprintf("camera:%d", *cameraIndex), err
	case *imagesDir != "":
		src, err := capture.NewImageDirSource(*imagesDir, w, h, *frameInterval, nil)
		return src, "images:" + *imagesDir, err
	case *devMode:
		return capture.NewSyntheticSource(w, h, *frameInterval, 0, nil), "synthetic", nil
	default:
		src, err := video.OpenCamera(0, w, h)
		return src, "camera:0", err
	}
}

// openDetector returns the replay detector in dev mode unless a sidecar
// was given explicitly. A gRPC target takes precedence over the HTTP URL.
func openDetector() (detector.Detector, error) {
	if *devMode && !flagWasSet("detector-url") && !flagWasSet("detector-grpc") {
		return detector.LoadReplay(*fixturesPath)
	}
	if *detectorGRPC != "" {
		return detector.DialGRPCDetector(*detectorGRPC, 5*time.Second)
	}
	if *detectorURL == "" {
		return nil, fmt.Errorf("--detector-url is required outside dev mode")
	}
	return detector.NewHTTPDetector(*detectorURL, httputil.NewStandardClient(&http.Client{Timeout: 5 * time.Second})), nil
}

// openServo returns the controller mux and the driver for the gates. Dev
// mode drives an emulated controller; port "none" logs moves without a
// controller.
func openServo(cfg *config.SorterConfig) (serialmux.SerialMuxInterface, actuation.Driver, error) {
	channels := make(map[string]int)
	for _, c := range cfg.GetCategories() {
		channels[c.Name] = c.Channel
	}

	portName := cfg.GetSerial().Port
	if *port != "" {
		portName = *port
	}

	switch {
	case strings.EqualFold(portName, "none"):
		return serialmux.NewDisabledSerialMux(), servo.NewLogDriver(), nil
	case *devMode && !flagWasSet("port"):
		m, _ := serialmux.NewMockSerialMux()
		return m, servo.NewSerialDriver(m, channels), nil
	default:
		s := cfg.GetSerial()
		m, err := serialmux.NewRealSerialMux(portName, serialmux.PortOptions{
			BaudRate: s.BaudRate,
			DataBits: s.DataBits,
			StopBits: s.StopBits,
			Parity:   s.Parity,
		})
		if err != nil {
			return nil, nil, err
		}
		return m, servo.NewSerialDriver(m, channels), nil
	}
}

// logBanner prints the effective sorting parameters at startup.
func logBanner(logf func(string, ...interface{}), cfg *config.SorterConfig) {
	logf("shrimp sorter %s", version.String())
	logf("confidence threshold: %.2f", cfg.GetConfidenceThreshold())
	thresholds := cfg.GetSizeThresholds()
	for i, c := range cfg.GetCategories() {
		switch {
		case len(thresholds) == 0:
			logf("  %-8s all areas", c.Name)
		case i == 0:
			logf("  %-8s area < %.1f px²", c.Name, thresholds[0])
		case i == len(thresholds):
			logf("  %-8s area >= %.1f px²", c.Name, thresholds[i-1])
		default:
			logf("  %-8s %.1f <= area < %.1f px²", c.Name, thresholds[i-1], thresholds[i])
		}
		logf("           channel %d rest %.1f° target %.1f° hold %s cycle %s",
			c.Channel, c.RestAngle, c.TargetAngle, c.Hold(), c.TotalCycle())
	}
}

// logTotals prints the final per-category counts.
func logTotals(logf func(string, ...interface{}), cfg *config.SorterConfig, counts map[string]int64) {
	var total int64
	logf("final counts:")
	for _, name := range cfg.CategoryNames() {
		logf("  %-8s %d", name, counts[name])
		total += counts[name]
	}
	logf("  %-8s %d", "total", total)
}
