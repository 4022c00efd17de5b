// Package api serves the sorter's HTTP status, history and live views.
package api

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/shrimp-sorter/internal/config"
	"github.com/banshee-data/shrimp-sorter/internal/db"
	"github.com/banshee-data/shrimp-sorter/internal/pipeline"
	"github.com/banshee-data/shrimp-sorter/internal/telemetry"
)

// ANSI escape codes for access log colouring
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Pipeline is the read-only view of the running sorter.
type Pipeline interface {
	Snapshot() telemetry.Snapshot
	Stats() pipeline.Stats
}

type Server struct {
	pipe  Pipeline
	cfg   *config.SorterConfig
	db    *db.DB // nil when persistence is disabled
	runID string
	live  *LiveHub
	start time.Time
}

// NewServer creates the API server. database may be nil.
func NewServer(pipe Pipeline, cfg *config.SorterConfig, database *db.DB, runID string, live *LiveHub) *Server {
	if live == nil {
		live = NewLiveHub(0, nil)
	}
	return &Server{
		pipe:  pipe,
		cfg:   cfg,
		db:    database,
		runID: runID,
		live:  live,
		start: time.Now(),
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Unwrap lets http.ResponseController and the websocket upgrader reach
// the underlying writer.
func (lrw *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return lrw.ResponseWriter
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns a mux with every API route registered.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

// Register adds the API routes to an existing mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/counts", s.handleCounts)
	mux.HandleFunc("/api/objects", s.handleObjects)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/dispatches", s.handleDispatches)
	mux.HandleFunc("/api/runs", s.handleRuns)
	mux.HandleFunc("/api/charts/counts", s.handleCountsChart)
	mux.Handle("/api/live", s.live)
}
