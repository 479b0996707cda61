// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/curioloop/imvj/internal/coupling"
)

// plotResiduals draws the relative residual of every iteration on a log
// scale, one line per time step, and saves it to path. The image format
// follows the file extension.
func plotResiduals(s *coupling.Stats, path string) error {
	p := plot.New()
	p.Title.Text = "IMVJ residual history"
	p.X.Label.Text = "iteration"
	p.Y.Label.Text = "relative residual"
	p.Y.Scale = plot.LogScale{}
	p.Y.Tick.Marker = plot.LogTicks{Prec: -1}
	p.Add(plotter.NewGrid())

	k := 0
	for t, it := range s.Iterations {
		if k+it > len(s.Residuals) {
			return fmt.Errorf("time step %d: %d residuals left for %d iterations", t, len(s.Residuals)-k, it)
		}
		pts := make(plotter.XYs, 0, it)
		for i, r := range s.Residuals[k : k+it] {
			// zero residuals have no place on a log axis
			if r > 0 {
				pts = append(pts, plotter.XY{X: float64(k + i), Y: r})
			}
		}
		k += it
		if len(pts) == 0 {
			continue
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return err
		}
		line.LineStyle.Color = plotutil.Color(t)
		p.Add(line)
		p.Legend.Add(fmt.Sprintf("t=%d", t), line)
	}
	return p.Save(6*vg.Inch, 4*vg.Inch, path)
}
