package api

import (
	"bytes"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/shrimp-sorter/internal/db"
	"github.com/banshee-data/shrimp-sorter/internal/httputil"
)

// handleCountsChart renders the live per-category counts as a bar chart and,
// when persistence is enabled, the run's count history as a line chart.
func (s *Server) handleCountsChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	snap := s.pipe.Snapshot()
	categories := s.cfg.CategoryNames()

	y := make([]opts.BarData, 0, len(categories))
	for _, c := range categories {
		y = append(y, opts.BarData{Value: snap.Registry.Counts[c]})
	}

	at := snap.Registry.At
	if at.IsZero() {
		at = time.Now()
	}
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Sorter Counts", Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{Title: "Sorted Objects", Subtitle: fmt.Sprintf("%s fps=%.1f", at.Format(time.RFC3339), snap.FPS)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(categories).
		AddSeries("count", y,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	page := components.NewPage()
	page.AddCharts(bar)

	if s.db != nil && s.runID != "" {
		history, err := s.db.CountHistory(s.runID)
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("count history: %v", err))
			return
		}
		if len(history) > 0 {
			page.AddCharts(historyChart(history, categories))
		}
	}

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func historyChart(history []db.CountSnapshot, categories []string) *charts.Line {
	x := make([]string, 0, len(history))
	for _, h := range history {
		x = append(x, h.TakenAt.Format("15:04:05"))
	}

	// Categories seen in history but no longer configured still get a line.
	names := append([]string(nil), categories...)
	known := make(map[string]bool, len(names))
	for _, c := range names {
		known[c] = true
	}
	var extra []string
	for _, h := range history {
		for c := range h.Counts {
			if !known[c] {
				known[c] = true
				extra = append(extra, c)
			}
		}
	}
	sort.Strings(extra)
	names = append(names, extra...)

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{Title: "Count History", Subtitle: fmt.Sprintf("snapshots=%d", len(history))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	line.SetXAxis(x)
	for _, c := range names {
		data := make([]opts.LineData, 0, len(history))
		for _, h := range history {
			data = append(data, opts.LineData{Value: h.Counts[c]})
		}
		line.AddSeries(c, data)
	}
	return line
}
