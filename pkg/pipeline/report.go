package pipeline

import (
	"fmt"
	"math"
	"strings"

	"github.com/dustin/go-humanize"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"cellstoatlas/internal/models"
)

// Report summarises a pipeline run
type Report struct {
	Groups []GroupResult

	// TotalCells is the number of rows in the working table
	TotalCells int

	// PlacedCells is the number of rows that received atlas coordinates
	PlacedCells int

	// Mean, Min and Max describe the placed atlas coordinates
	Mean, Min, Max models.Point3D
}

func newReport(results []GroupResult, records []*models.CellRecord) *Report {
	r := &Report{Groups: results, TotalCells: len(records)}

	var xs, ys, zs []float64
	for _, rec := range records {
		if rec.Post == nil || !isFinite(*rec.Post) {
			continue
		}
		xs = append(xs, rec.Post.X)
		ys = append(ys, rec.Post.Y)
		zs = append(zs, rec.Post.Z)
	}
	r.PlacedCells = len(xs)
	if len(xs) == 0 {
		return r
	}

	r.Mean = models.Point3D{X: stat.Mean(xs, nil), Y: stat.Mean(ys, nil), Z: stat.Mean(zs, nil)}
	r.Min = models.Point3D{X: floats.Min(xs), Y: floats.Min(ys), Z: floats.Min(zs)}
	r.Max = models.Point3D{X: floats.Max(xs), Y: floats.Max(ys), Z: floats.Max(zs)}
	return r
}

// Count returns how many groups, and how many cells in them, ended with status
func (r *Report) Count(status models.GroupStatus) (groups, cells int) {
	for _, g := range r.Groups {
		if g.Status == status {
			groups++
			cells += g.Rows
		}
	}
	return groups, cells
}

// Failed returns the groups that failed, in processing order
func (r *Report) Failed() []GroupResult {
	var out []GroupResult
	for _, g := range r.Groups {
		if g.Status == models.StatusFailed {
			out = append(out, g)
		}
	}
	return out
}

// Summary renders a human readable summary of the run
func (r *Report) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Images: %s, cells: %s, placed: %s\n",
		humanize.Comma(int64(len(r.Groups))), humanize.Comma(int64(r.TotalCells)), humanize.Comma(int64(r.PlacedCells)))

	for _, status := range []models.GroupStatus{models.StatusPlaced, models.StatusSkipped, models.StatusFailed, models.StatusPending} {
		groups, cells := r.Count(status)
		if groups == 0 {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s images (%s cells)\n", status, humanize.Comma(int64(groups)), humanize.Comma(int64(cells)))
	}

	if r.PlacedCells > 0 {
		fmt.Fprintf(&b, "Mean atlas position: (%.2f, %.2f, %.2f)\n", r.Mean.X, r.Mean.Y, r.Mean.Z)
		fmt.Fprintf(&b, "Atlas bounds: (%.2f, %.2f, %.2f) - (%.2f, %.2f, %.2f)\n",
			r.Min.X, r.Min.Y, r.Min.Z, r.Max.X, r.Max.Y, r.Max.Z)
	}
	return b.String()
}

func isFinite(p models.Point3D) bool {
	return !math.IsNaN(p.X+p.Y+p.Z) && !math.IsInf(p.X+p.Y+p.Z, 0)
}
