package sorting

import (
	"fmt"
	"math"
	"sort"
)

// Classifier maps a box area to a size category using ascending thresholds.
// N categories need N-1 thresholds: area < t[0] is category 0 and
// area >= t[N-2] is the last category.
type Classifier struct {
	categories []string
	thresholds []float64
	rank       map[string]int
}

// NewClassifier validates and builds a Classifier. Categories are given
// smallest first.
func NewClassifier(categories []string, thresholds []float64) (*Classifier, error) {
	if len(categories) == 0 {
		return nil, fmt.Errorf("classifier needs at least one category")
	}
	if len(thresholds) != len(categories)-1 {
		return nil, fmt.Errorf("%d categories need %d thresholds, got %d", len(categories), len(categories)-1, len(thresholds))
	}
	rank := make(map[string]int, len(categories))
	for i, c := range categories {
		if c == "" {
			return nil, fmt.Errorf("category %d has no name", i)
		}
		if _, dup := rank[c]; dup {
			return nil, fmt.Errorf("duplicate category %q", c)
		}
		rank[c] = i
	}
	for i, t := range thresholds {
		if math.IsNaN(t) {
			return nil, fmt.Errorf("threshold %d is NaN", i)
		}
		if i > 0 && t <= thresholds[i-1] {
			return nil, fmt.Errorf("thresholds must be strictly ascending: %v", thresholds)
		}
	}
	return &Classifier{
		categories: append([]string(nil), categories...),
		thresholds: append([]float64(nil), thresholds...),
		rank:       rank,
	}, nil
}

// Classify returns the category for the given area.
func (c *Classifier) Classify(area float64) string {
	// first threshold strictly greater than area
	i := sort.Search(len(c.thresholds), func(i int) bool { return area < c.thresholds[i] })
	return c.categories[i]
}

// Rank returns the position of category in size order, or -1 if unknown.
func (c *Classifier) Rank(category string) int {
	if r, ok := c.rank[category]; ok {
		return r
	}
	return -1
}

// Categories returns the categories smallest first.
func (c *Classifier) Categories() []string {
	return append([]string(nil), c.categories...)
}

// Thresholds returns the ascending area thresholds.
func (c *Classifier) Thresholds() []float64 {
	return append([]float64(nil), c.thresholds...)
}
