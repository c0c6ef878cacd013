// Package pipeline maps detected cells from their histology images into the
// 3D reference atlas.
//
// Cells are grouped by the section image they were detected on. Each group
// goes through three stages:
//  1. pre-registration: ROI crop coordinates are rescaled into the
//     downsampled image that was registered
//  2. non-linear alignment: transformix moves the points onto the atlas slice
//  3. affine placement: the inverted atlas viewer position puts the aligned
//     slice into the 3D atlas grid
//
// A failure in one group never touches the rows of another group.
package pipeline

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"cellstoatlas/internal/ctxlog"
	"cellstoatlas/internal/models"
	"cellstoatlas/pkg/affine"
	"cellstoatlas/pkg/artifacts"
	"cellstoatlas/pkg/elastix"
	"cellstoatlas/pkg/registry"
)

// Pipeline holds the settings of a run
type Pipeline struct {
	// Registry resolves per-image artifact paths
	Registry *registry.Registry

	// Transformer applies the non-linear registration; usually elastix.Transformix
	Transformer elastix.PointTransformer

	// Resolution is the atlas resolution in micrometers per atlas pixel
	Resolution float64

	// RequireNonlinear skips images that have no non-linear registration yet.
	// When false, such images are placed from their pre-registration coordinates.
	RequireNonlinear bool

	// Workers bounds how many image groups run at once; values below 1 mean 1
	Workers int
}

// GroupResult is the outcome of one image group
type GroupResult struct {
	Image  string
	Rows   int
	Status models.GroupStatus
	Err    error
}

// groupOutcome holds the coordinates a group derived, keyed by cell index.
type groupOutcome struct {
	pre  map[int]models.Point2D
	post map[int]models.Point3D
}

// Run derives atlas coordinates for every record, writing Pre and Post in
// place. Group-scoped failures are recorded in the report and do not stop
// the run. If ctx is cancelled, groups that have not started are left
// pending, rows of finished groups keep their coordinates, and the context
// error is returned with the report.
func (p *Pipeline) Run(ctx context.Context, records []*models.CellRecord) (*Report, error) {
	if p.Resolution <= 0 {
		return nil, fmt.Errorf("%w: %g", ErrInvalidResolution, p.Resolution)
	}
	log := ctxlog.FromContext(ctx)

	groups := registry.GroupRecords(records)
	results := make([]GroupResult, len(groups))
	outcomes := make([]groupOutcome, len(groups))

	workers := p.Workers
	if workers < 1 {
		workers = 1
	}
	var eg errgroup.Group
	eg.SetLimit(workers)

	for i, g := range groups {
		results[i] = GroupResult{Image: g.Key, Rows: len(g.Rows)}
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i].Err = err
				return nil
			}
			log.Debug("processing image", "image", g.Key, "cells", len(g.Rows))
			outcomes[i], results[i].Status, results[i].Err = p.processGroup(ctx, records, g)

			switch results[i].Status {
			case models.StatusPlaced:
				log.Info("image placed", "image", g.Key, "cells", len(g.Rows))
			case models.StatusSkipped:
				log.Warn("image skipped, no non-linear registration", "image", g.Key, "cells", len(g.Rows))
			case models.StatusFailed:
				log.Error("image failed", "image", g.Key, "cells", len(g.Rows), "error", results[i].Err)
			}
			return nil
		})
	}
	_ = eg.Wait()

	merge(records, outcomes)

	report := newReport(results, records)
	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

// processGroup runs the three stages for one image group. It only reads
// records; derived coordinates are returned for the final merge.
func (p *Pipeline) processGroup(ctx context.Context, records []*models.CellRecord, g registry.Group) (groupOutcome, models.GroupStatus, error) {
	var out groupOutcome

	pre, err := p.preRegistration(records, g)
	if err != nil {
		return out, models.StatusFailed, fmt.Errorf("pre-registration: %w", err)
	}
	out.pre = pre

	points := make([]affine.Point, len(g.Rows))
	for i, row := range g.Rows {
		pt := pre[records[row].Index]
		points[i] = affine.Point{pt.X, pt.Y}
	}

	tpPath := p.Registry.NonlinearTransformPath(g)
	exists, err := artifacts.Exists(tpPath)
	if err != nil {
		return out, models.StatusFailed, fmt.Errorf("non-linear transform: %w", err)
	}

	aligned := points
	switch {
	case exists:
		if p.Transformer == nil {
			return out, models.StatusFailed, fmt.Errorf("%w: no point transformer configured", elastix.ErrExternalToolFailure)
		}
		aligned, err = p.Transformer.TransformPoints(ctx, points, tpPath)
		if err != nil {
			return out, models.StatusFailed, fmt.Errorf("non-linear alignment: %w", err)
		}
		if len(aligned) != len(points) {
			return out, models.StatusFailed, fmt.Errorf("%w: got %d points for %d cells",
				elastix.ErrExternalToolFailure, len(aligned), len(points))
		}
		for i, pt := range aligned {
			if !finitePoint(pt) {
				return out, models.StatusFailed, fmt.Errorf("%w: non-finite point %v for cell %d",
					elastix.ErrExternalToolFailure, pt, records[g.Rows[i]].Index)
			}
		}
	case p.RequireNonlinear:
		return out, models.StatusSkipped, nil
	}

	placed, err := PlacePoints(aligned, p.Registry.AffineViewPath(g), p.Resolution)
	if err != nil {
		return out, models.StatusFailed, fmt.Errorf("affine placement: %w", err)
	}

	out.post = make(map[int]models.Point3D, len(placed))
	for i, row := range g.Rows {
		q := placed[i]
		out.post[records[row].Index] = models.Point3D{X: q[0], Y: q[1], Z: q[2]}
	}
	return out, models.StatusPlaced, nil
}

// merge writes group outcomes back into the records by cell index.
func merge(records []*models.CellRecord, outcomes []groupOutcome) {
	byIndex := make(map[int]*models.CellRecord, len(records))
	for _, rec := range records {
		byIndex[rec.Index] = rec
	}
	for _, o := range outcomes {
		for idx, pt := range o.pre {
			byIndex[idx].Pre = &pt
		}
		for idx, pt := range o.post {
			byIndex[idx].Post = &pt
		}
	}
}
