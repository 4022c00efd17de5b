package calibration

import (
	"fmt"
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// HistogramBins is the bin count used for each category's histogram.
const HistogramBins = 20

var categoryColors = []color.Color{
	color.RGBA{R: 0, G: 160, B: 0, A: 180},
	color.RGBA{R: 255, G: 165, B: 0, A: 180},
	color.RGBA{R: 220, G: 0, B: 0, A: 180},
	color.RGBA{R: 0, G: 120, B: 220, A: 180},
	color.RGBA{R: 140, G: 0, B: 200, A: 180},
}

var thresholdColors = []color.Color{
	color.RGBA{B: 255, A: 255},
	color.RGBA{R: 128, B: 128, A: 255},
}

// PlotDistribution writes a histogram of every category's areas, with the
// suggested thresholds as dashed vertical lines. The image format follows
// the file extension of path.
func (c *Calibrator) PlotDistribution(report Report, path string) error {
	p := plot.New()
	p.Title.Text = "Area distribution per size category"
	p.X.Label.Text = "Area (px²)"
	p.Y.Label.Text = "Count"
	p.Add(plotter.NewGrid())

	plotted := 0
	for i, st := range report.Stats {
		areas := c.Samples(st.Category)
		if len(areas) == 0 {
			continue
		}
		h, err := plotter.NewHist(plotter.Values(areas), HistogramBins)
		if err != nil {
			return fmt.Errorf("histogram %s: %w", st.Category, err)
		}
		h.FillColor = categoryColors[i%len(categoryColors)]
		h.LineStyle.Width = vg.Points(0.5)
		p.Add(h)
		p.Legend.Add(fmt.Sprintf("%s (n=%d)", st.Category, len(areas)), h)
		plotted++
	}
	if plotted == 0 {
		return fmt.Errorf("no samples to plot")
	}

	yMax := p.Y.Max
	for i, t := range report.Thresholds {
		line, err := plotter.NewLine(plotter.XYs{{X: t, Y: 0}, {X: t, Y: yMax}})
		if err != nil {
			return fmt.Errorf("threshold line: %w", err)
		}
		line.Color = thresholdColors[i%len(thresholdColors)]
		line.Width = vg.Points(1.5)
		line.Dashes = []vg.Length{vg.Points(6), vg.Points(4)}
		p.Add(line)
		p.Legend.Add(fmt.Sprintf("%s/%s threshold: %.1f", report.Stats[i].Category, report.Stats[i+1].Category, t), line)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	if err := p.Save(12*vg.Inch, 8*vg.Inch, path); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}
