package pipeline

import (
	"errors"
	"fmt"
	"math"

	"cellstoatlas/internal/models"
	"cellstoatlas/pkg/affine"
	"cellstoatlas/pkg/artifacts"
	"cellstoatlas/pkg/registry"
)

// ErrInvalidResolution is returned for a non-positive atlas resolution.
var ErrInvalidResolution = errors.New("atlas resolution must be positive")

// PreRegistrationPoint maps a detection made on a high-resolution ROI crop
// into the downsampled image that was registered. The offset and the
// rescaled position are truncated toward zero.
func PreRegistrationPoint(rec *models.CellRecord, roi registry.ROIInfo) models.Point2D {
	hrX := math.Trunc(roi.OffsetX) + rec.CenterX
	hrY := math.Trunc(roi.OffsetY) + rec.CenterY
	return models.Point2D{
		X: math.Trunc(hrX * roi.HighResPixelSize / roi.RegistrationPixelSize),
		Y: math.Trunc(hrY * roi.HighResPixelSize / roi.RegistrationPixelSize),
	}
}

// preRegistration derives pre-registration coordinates for every row of an
// image group, keyed by cell index. The ROI table of each manual ROI is read
// fresh from disk.
func (p *Pipeline) preRegistration(records []*models.CellRecord, g registry.Group) (map[int]models.Point2D, error) {
	out := make(map[int]models.Point2D, len(g.Rows))
	for _, sub := range registry.SubgroupByManualROI(records, g) {
		path, err := p.Registry.ManualROIFilePath(records, sub)
		if err != nil {
			return nil, err
		}
		table, err := registry.LoadROITable(path)
		if err != nil {
			return nil, err
		}

		rois := make(map[string]registry.ROIInfo)
		for _, row := range sub.Rows {
			rec := records[row]
			info, ok := rois[rec.ROI]
			if !ok {
				if info, err = table.Lookup(rec.ROI); err != nil {
					return nil, fmt.Errorf("manual ROI %s: %w", sub.Key, err)
				}
				rois[rec.ROI] = info
			}
			out[rec.Index] = PreRegistrationPoint(rec, info)
		}
	}
	return out, nil
}

func finitePoint(p affine.Point) bool {
	for _, c := range p {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}

// PlacePoints puts aligned 2D points into the 3D atlas. The view stored in
// viewPath is inverted; each point is truncated to whole pixels, padded with
// z=0, transformed and divided by the resolution (micrometers per atlas
// pixel) to give atlas pixel coordinates.
func PlacePoints(points []affine.Point, viewPath string, resolution float64) ([]affine.Point, error) {
	if resolution <= 0 {
		return nil, fmt.Errorf("%w: %g", ErrInvalidResolution, resolution)
	}

	params, err := artifacts.ReadAffineView(viewPath)
	if err != nil {
		return nil, err
	}
	view, err := affine.ToMatrix(params)
	if err != nil {
		return nil, fmt.Errorf("view %s: %w", viewPath, err)
	}
	inv, err := view.Inverse()
	if err != nil {
		return nil, fmt.Errorf("view %s: %w", viewPath, err)
	}

	out := make([]affine.Point, len(points))
	for i, pt := range points {
		if len(pt) != 2 {
			return nil, fmt.Errorf("point %d: %w: expected 2D point, got %dD", i, affine.ErrDimensionMismatch, len(pt))
		}
		pos := affine.Point{math.Trunc(pt[0]), math.Trunc(pt[1])}.Pad(0)
		reg, err := inv.Apply(pos)
		if err != nil {
			return nil, fmt.Errorf("view %s: %w", viewPath, err)
		}
		out[i] = reg.Scale(resolution)
	}
	return out, nil
}
