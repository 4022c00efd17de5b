package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/shrimp-sorter/internal/httputil"
	"github.com/banshee-data/shrimp-sorter/internal/pipeline"
	"github.com/banshee-data/shrimp-sorter/internal/sorting"
)

// CountsResponse lists per-category counts in size order.
type CountsResponse struct {
	At         time.Time        `json:"at"`
	Categories []string         `json:"categories"`
	Counts     map[string]int64 `json:"counts"`
	Total      int64            `json:"total"`
	RunID      string           `json:"run_id,omitempty"`
}

// StatsResponse wraps the pipeline counters with process uptime.
type StatsResponse struct {
	pipeline.Stats
	UptimeSeconds float64 `json:"uptime_seconds"`
	LiveClients   int     `json:"live_clients"`
}

func (s *Server) handleCounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	snap := s.pipe.Snapshot().Registry
	resp := CountsResponse{
		At:         snap.At,
		Categories: s.cfg.CategoryNames(),
		Counts:     snap.Counts,
		RunID:      s.runID,
	}
	for _, n := range snap.Counts {
		resp.Total += n
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) handleObjects(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	objects := s.pipe.Snapshot().Registry.Objects
	if objects == nil {
		objects = []sorting.TrackedObject{}
	}
	httputil.WriteJSONOK(w, objects)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.cfg.Effective())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, StatsResponse{
		Stats:         s.pipe.Stats(),
		UptimeSeconds: time.Since(s.start).Seconds(),
		LiveClients:   s.live.Clients(),
	})
}

func (s *Server) handleDispatches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.db == nil {
		httputil.ServiceUnavailable(w, "persistence is disabled")
		return
	}
	limit, ok := parseLimit(w, r, 100)
	if !ok {
		return
	}
	runID := r.URL.Query().Get("run")
	if runID == "" {
		runID = s.runID
	}
	records, err := s.db.RecentDispatches(runID, limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if records == nil {
		httputil.WriteJSONOK(w, []struct{}{})
		return
	}
	httputil.WriteJSONOK(w, records)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.db == nil {
		httputil.ServiceUnavailable(w, "persistence is disabled")
		return
	}
	limit, ok := parseLimit(w, r, 20)
	if !ok {
		return
	}
	runs, err := s.db.Runs(limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if runs == nil {
		httputil.WriteJSONOK(w, []struct{}{})
		return
	}
	httputil.WriteJSONOK(w, runs)
}

func parseLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 10000 {
		httputil.BadRequest(w, "limit must be an integer between 1 and 10000")
		return 0, false
	}
	return n, true
}
