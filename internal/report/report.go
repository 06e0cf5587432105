// Package report summarises a finished reconstruction.
package report

import (
	"fmt"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"reconloop/internal/posefile"
)

// Thresholds are the inlier counts the final pose file is scored at.
var Thresholds = []float64{500, 1000, 2000, 4000}

const header = "Time (min) | Iterations | Reg. Rate @500 | @1000 | @2000 | @4000\n"

// IterationPoint is one iteration's rate, for the history chart.
type IterationPoint struct {
	Number      int
	IterationID string
	Profile     string
	Rate        float64
}

// Summary is the record emitted once per run.
type Summary struct {
	RunID            string
	Elapsed          time.Duration
	Iterations       int
	FinalIterationID string
	Rates            []float64 // one per Thresholds entry
	History          []IterationPoint
}

// ElapsedMinutes is the run time in minutes.
func (s Summary) ElapsedMinutes() float64 { return s.Elapsed.Minutes() }

// Build scores the final pose file at every threshold.
func Build(finalPoses string, elapsed time.Duration, iterations int, finalID string, history []IterationPoint) (Summary, error) {
	rates, err := posefile.RegistrationRates(finalPoses, Thresholds)
	if err != nil {
		return Summary{}, err
	}
	return Summary{
		Elapsed:          elapsed,
		Iterations:       iterations,
		FinalIterationID: finalID,
		Rates:            rates,
		History:          history,
	}, nil
}

// Format renders the two-line stats report.
func Format(s Summary) string {
	var b strings.Builder
	b.WriteString(header)
	fmt.Fprintf(&b, "%.1f %d", s.ElapsedMinutes(), s.Iterations)
	for _, r := range s.Rates {
		fmt.Fprintf(&b, " %.1f%%", r*100)
	}
	b.WriteString("\n")
	return b.String()
}

// WriteSummary stores Format(s) at path.
func WriteSummary(path string, s Summary) error {
	return os.WriteFile(path, []byte(Format(s)), 0o644)
}

// CopyFinal copies the last iteration's pose file to its stable name.
func CopyFinal(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open final poses: %w", err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy final poses: %w", err)
	}
	return out.Close()
}

// WriteChart plots the registration rate of every iteration.
func WriteChart(path string, s Summary, threshold float64) error {
	if len(s.History) == 0 {
		return nil
	}

	p := plot.New()
	p.Title.Text = "Registration rate per iteration"
	p.X.Label.Text = "Iteration"
	p.Y.Label.Text = "Registered images"
	p.Y.Min = 0
	p.Y.Max = 1
	p.Add(plotter.NewGrid())

	pts := make(plotter.XYs, len(s.History))
	for i, it := range s.History {
		pts[i] = plotter.XY{X: float64(it.Number), Y: it.Rate}
	}
	line, points, err := plotter.NewLinePoints(pts)
	if err != nil {
		return err
	}
	line.Width = vg.Points(1)
	p.Add(line, points)
	p.Legend.Add("rate", line, points)

	if threshold > 0 {
		target := plotter.NewFunction(func(float64) float64 { return threshold })
		target.Color = color.RGBA{R: 200, A: 255}
		target.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		p.Add(target)
		p.Legend.Add("threshold", target)
	}

	return p.Save(8*vg.Inch, 4*vg.Inch, path)
}
