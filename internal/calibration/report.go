package calibration

import (
	"fmt"
	"io"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/shrimp-sorter/internal/sorting"
)

// AccuracyWarningPercent is the average accuracy below which the suggested
// thresholds are flagged as unreliable.
const AccuracyWarningPercent = 90.0

// CategoryStats are the descriptive statistics for one category's areas.
// Std is the population standard deviation.
type CategoryStats struct {
	Category string  `json:"category"`
	Count    int     `json:"count"`
	Mean     float64 `json:"mean"`
	Std      float64 `json:"std"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
}

// CategoryAccuracy is how many samples the suggested thresholds put back
// in their labelled category.
type CategoryAccuracy struct {
	Category string  `json:"category"`
	Correct  int     `json:"correct"`
	Total    int     `json:"total"`
	Percent  float64 `json:"percent"`
}

// Report is the result of Analyze.
type Report struct {
	Stats      []CategoryStats    `json:"stats"`
	Missing    []string           `json:"missing,omitempty"`
	Thresholds []float64          `json:"thresholds,omitempty"`
	Accuracy   []CategoryAccuracy `json:"accuracy,omitempty"`
	Average    float64            `json:"average_accuracy"`
	Warning    string             `json:"warning,omitempty"`
}

// Complete reports whether thresholds could be suggested.
func (r Report) Complete() bool { return len(r.Thresholds) > 0 }

// Describe computes count, mean, population std, min and max of areas.
func Describe(category string, areas []float64) CategoryStats {
	s := CategoryStats{Category: category, Count: len(areas)}
	if len(areas) == 0 {
		return s
	}
	mean, variance := stat.PopMeanVariance(areas, nil)
	s.Mean = mean
	s.Std = math.Sqrt(variance)
	s.Min = floats.Min(areas)
	s.Max = floats.Max(areas)
	return s
}

// SuggestThresholds returns the midpoints between consecutive category
// means, categories ordered smallest first.
func SuggestThresholds(stats []CategoryStats) []float64 {
	if len(stats) < 2 {
		return nil
	}
	out := make([]float64, 0, len(stats)-1)
	for i := 1; i < len(stats); i++ {
		out = append(out, (stats[i-1].Mean+stats[i].Mean)/2)
	}
	return out
}

// Analyze summarises the recorded samples for categories (smallest first),
// suggests thresholds and scores them against the labelled samples.
// Thresholds are only suggested when every category has samples.
func (c *Calibrator) Analyze(categories []string) Report {
	c.mu.Lock()
	samples := make(map[string][]float64, len(categories))
	for _, cat := range categories {
		samples[cat] = append([]float64(nil), c.samples[cat]...)
	}
	c.mu.Unlock()

	var r Report
	for _, cat := range categories {
		st := Describe(cat, samples[cat])
		if st.Count == 0 {
			r.Missing = append(r.Missing, cat)
		}
		r.Stats = append(r.Stats, st)
	}
	if len(r.Missing) > 0 || len(categories) < 2 {
		return r
	}

	thresholds := SuggestThresholds(r.Stats)
	classifier, err := sorting.NewClassifier(categories, thresholds)
	if err != nil {
		r.Warning = fmt.Sprintf("category means are not ascending: %v", err)
		return r
	}
	r.Thresholds = thresholds

	var sum float64
	for _, cat := range categories {
		acc := CategoryAccuracy{Category: cat, Total: len(samples[cat])}
		for _, area := range samples[cat] {
			if classifier.Classify(area) == cat {
				acc.Correct++
			}
		}
		acc.Percent = 100 * float64(acc.Correct) / float64(acc.Total)
		sum += acc.Percent
		r.Accuracy = append(r.Accuracy, acc)
	}
	r.Average = sum / float64(len(categories))
	if r.Average < AccuracyWarningPercent {
		r.Warning = fmt.Sprintf("average accuracy %.1f%% is below %.0f%%; collect more samples or review the labels",
			r.Average, AccuracyWarningPercent)
	}
	return r
}

// WriteText prints the report in a human readable form, ending with a
// size_thresholds snippet for the sorter config.
func (r Report) WriteText(w io.Writer) error {
	ew := &errWriter{w: w}
	ew.printf("===== calibration summary =====\n")
	for _, s := range r.Stats {
		if s.Count == 0 {
			ew.printf("%s: no samples\n", s.Category)
			continue
		}
		ew.printf("%s:\n  samples: %d\n  mean: %.2f px²\n  std: %.2f\n  min: %.2f px²\n  max: %.2f px²\n",
			s.Category, s.Count, s.Mean, s.Std, s.Min, s.Max)
	}
	if r.Complete() {
		ew.printf("\n===== suggested thresholds =====\n")
		for i, t := range r.Thresholds {
			ew.printf("%s/%s: %.1f px²\n", r.Stats[i].Category, r.Stats[i+1].Category, t)
		}
		ew.printf("\n\"size_thresholds\": [")
		for i, t := range r.Thresholds {
			if i > 0 {
				ew.printf(", ")
			}
			ew.printf("%.1f", t)
		}
		ew.printf("]\n\n===== accuracy =====\n")
		for _, a := range r.Accuracy {
			ew.printf("%s: %.1f%% (%d/%d)\n", a.Category, a.Percent, a.Correct, a.Total)
		}
		ew.printf("average: %.1f%%\n", r.Average)
	}
	if r.Warning != "" {
		ew.printf("\nWARNING: %s\n", r.Warning)
	}
	return ew.err
}

type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...interface{}) {
	if ew.err != nil {
		return
	}
	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}
