package main

import (
	"os"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/treesync/train"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// lossHistory records the root replica's minibatch loss per iteration. As a
// step observer it samples the loss right after the averaged gradient is in,
// before the update is applied.
type lossHistory struct {
	solver *train.SGD

	iters  []int
	losses []float64
}

func (h *lossHistory) BeforeStep() error { return nil }

func (h *lossHistory) AfterGradients() error {
	if h.solver == nil {
		return nil
	}
	h.iters = append(h.iters, h.solver.Iter())
	h.losses = append(h.losses, h.solver.LastLoss())
	return nil
}

func (h *lossHistory) last() float64 {
	if len(h.losses) == 0 {
		return 0
	}
	return h.losses[len(h.losses)-1]
}

// writeCSV dumps the history as an "iteration,loss" CSV file.
func (h *lossHistory) writeCSV(path string) error {
	df := dataframe.New(
		series.New(h.iters, series.Int, "iteration"),
		series.New(h.losses, series.Float, "loss"),
	)
	if df.Err != nil {
		return errors.Wrap(df.Err, "failed to build loss history dataframe")
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create loss history file %q", path)
	}
	defer func() { _ = f.Close() }()
	return errors.Wrapf(df.WriteCSV(f), "failed to write loss history to %q", path)
}

// savePlot renders the loss curve as a PNG.
func (h *lossHistory) savePlot(path string) error {
	p := plot.New()
	p.Title.Text = "Synchronized training"
	p.X.Label.Text = "iteration"
	p.Y.Label.Text = "minibatch loss"

	xys := make(plotter.XYs, len(h.losses))
	for i := range xys {
		xys[i] = plotter.XY{X: float64(h.iters[i]), Y: h.losses[i]}
	}
	line, err := plotter.NewLine(xys)
	if err != nil {
		return errors.Wrap(err, "failed to build the loss curve")
	}
	p.Add(plotter.NewGrid(), line)
	return errors.Wrapf(p.Save(12*vg.Inch, 6*vg.Inch, path), "failed to save loss plot to %q", path)
}
