package training

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

// PlotHistory renders accuracy, loss, precision and recall curves, training
// against validation, as a 2x2 PNG at path. A metric that was never recorded
// gets an empty panel.
func PlotHistory(h *History, path string) error {
	if h == nil || h.Len() == 0 {
		return fmt.Errorf("plot history: no epochs recorded")
	}

	metrics := [][]string{
		{MetricAccuracy, MetricLoss},
		{MetricPrecision, MetricRecall},
	}
	plots := make([][]*plot.Plot, len(metrics))
	for row, names := range metrics {
		plots[row] = make([]*plot.Plot, len(names))
		for col, name := range names {
			p, err := plotMetric(h, name)
			if err != nil {
				return err
			}
			plots[row][col] = p
		}
	}

	img := vgimg.New(vg.Points(1080), vg.Points(864))
	dc := draw.New(img)
	tiles := draw.Tiles{
		Rows:      len(metrics),
		Cols:      len(metrics[0]),
		PadX:      vg.Millimeter * 4,
		PadY:      vg.Millimeter * 4,
		PadTop:    vg.Millimeter * 2,
		PadBottom: vg.Millimeter * 2,
		PadLeft:   vg.Millimeter * 2,
		PadRight:  vg.Millimeter * 2,
	}
	canvases := plot.Align(plots, tiles, dc)
	for row := range plots {
		for col, p := range plots[row] {
			p.Draw(canvases[row][col])
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create plot dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create plot: %w", err)
	}
	if _, err := (vgimg.PngCanvas{Canvas: img}).WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("write plot: %w", err)
	}
	return f.Close()
}

func plotMetric(h *History, name string) (*plot.Plot, error) {
	train, val := h.Series(name), h.Series(valName(name))

	title := strings.ToUpper(name[:1]) + name[1:]
	p := plot.New()
	p.Title.Text = "Model " + title
	p.X.Label.Text = "Epoch"
	p.Y.Label.Text = title
	p.Legend.Top = true
	if len(train) == 0 && len(val) == 0 {
		p.Title.Text += " (not recorded)"
		return p, nil
	}

	var lines []any
	if len(train) > 0 {
		lines = append(lines, "Train "+title, epochPoints(h.Epochs, train))
	}
	if len(val) > 0 {
		lines = append(lines, "Val "+title, epochPoints(h.Epochs, val))
	}
	if err := plotutil.AddLinePoints(p, lines...); err != nil {
		return nil, fmt.Errorf("plot %s: %w", name, err)
	}
	p.Add(plotter.NewGrid())
	return p, nil
}

func epochPoints(epochs []int, values []float64) plotter.XYs {
	pts := make(plotter.XYs, 0, len(values))
	for i, v := range values {
		x := float64(i + 1)
		if i < len(epochs) {
			x = float64(epochs[i] + 1)
		}
		pts = append(pts, plotter.XY{X: x, Y: v})
	}
	return pts
}
