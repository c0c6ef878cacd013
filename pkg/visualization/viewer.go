// Package visualization renders placed atlas coordinates as density images
// so a run can be checked by eye.
package visualization

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/floats"

	"cellstoatlas/internal/models"
)

// maxVoxels bounds the size of the density volume
const maxVoxels = 1 << 26

// ErrNoPoints is returned when there is nothing to render
var ErrNoPoints = errors.New("no points to render")

// Viewer bins atlas points into a voxel grid spanning their bounding box
type Viewer struct {
	// counts holds the number of cells per voxel in z-major order
	counts []float64

	// dimensions of the grid in voxels
	width  int
	height int
	depth  int

	// origin is the atlas position of voxel (0,0,0)
	origin models.Point3D

	// voxelSize is the voxel edge length in atlas pixels
	voxelSize float64
}

// NewViewer builds a density volume from atlas points
func NewViewer(points []models.Point3D, voxelSize float64) (*Viewer, error) {
	if len(points) == 0 {
		return nil, ErrNoPoints
	}
	if voxelSize <= 0 {
		return nil, fmt.Errorf("voxel size must be positive, got %g", voxelSize)
	}

	xs := make([]float64, len(points))
	ys := make([]float64, len(points))
	zs := make([]float64, len(points))
	for i, p := range points {
		if !IsFinite(p) {
			return nil, fmt.Errorf("point %d has non-finite coordinates (%g, %g, %g)", i, p.X, p.Y, p.Z)
		}
		xs[i], ys[i], zs[i] = p.X, p.Y, p.Z
	}

	v := &Viewer{
		origin:    models.Point3D{X: floats.Min(xs), Y: floats.Min(ys), Z: floats.Min(zs)},
		voxelSize: voxelSize,
	}
	w := math.Floor((floats.Max(xs)-v.origin.X)/voxelSize) + 1
	h := math.Floor((floats.Max(ys)-v.origin.Y)/voxelSize) + 1
	d := math.Floor((floats.Max(zs)-v.origin.Z)/voxelSize) + 1
	// checked in floating point so huge spans cannot overflow int
	if !(w*h*d <= maxVoxels) {
		return nil, fmt.Errorf("volume %gx%gx%g too large, increase the voxel size", w, h, d)
	}
	v.width, v.height, v.depth = int(w), int(h), int(d)

	v.counts = make([]float64, v.width*v.height*v.depth)
	for _, p := range points {
		x := int((p.X - v.origin.X) / voxelSize)
		y := int((p.Y - v.origin.Y) / voxelSize)
		z := int((p.Z - v.origin.Z) / voxelSize)
		v.counts[z*v.width*v.height+y*v.width+x]++
	}
	return v, nil
}

// IsFinite reports whether every coordinate of p is a finite number
func IsFinite(p models.Point3D) bool {
	for _, c := range [3]float64{p.X, p.Y, p.Z} {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}

// Dims returns the grid size in voxels
func (v *Viewer) Dims() (width, height, depth int) {
	return v.width, v.height, v.depth
}

// Count returns the number of cells in the voxel containing an atlas position
func (v *Viewer) Count(p models.Point3D) float64 {
	x := int(math.Floor((p.X - v.origin.X) / v.voxelSize))
	y := int(math.Floor((p.Y - v.origin.Y) / v.voxelSize))
	z := int(math.Floor((p.Z - v.origin.Z) / v.voxelSize))
	if x < 0 || y < 0 || z < 0 || x >= v.width || y >= v.height || z >= v.depth {
		return 0
	}
	return v.counts[z*v.width*v.height+y*v.width+x]
}

// ExtractProjection sums the volume along an axis and returns the result
// scaled so the densest pixel is white
func (v *Viewer) ExtractProjection(axis string) (image.Image, error) {
	var w, h int
	var at func(i, j, k int) int
	var n int

	switch axis {
	case "x", "X":
		// YZ plane
		w, h, n = v.depth, v.height, v.width
		at = func(i, j, k int) int { return i*v.width*v.height + j*v.width + k }
	case "y", "Y":
		// XZ plane
		w, h, n = v.width, v.depth, v.height
		at = func(i, j, k int) int { return j*v.width*v.height + k*v.width + i }
	case "z", "Z":
		// XY plane
		w, h, n = v.width, v.height, v.depth
		at = func(i, j, k int) int { return k*v.width*v.height + j*v.width + i }
	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	sums := make([]float64, w*h)
	for j := 0; j < h; j++ {
		for i := 0; i < w; i++ {
			for k := 0; k < n; k++ {
				sums[j*w+i] += v.counts[at(i, j, k)]
			}
		}
	}

	peak := floats.Max(sums)
	img := image.NewGray16(image.Rect(0, 0, w, h))
	for j := 0; j < h; j++ {
		for i := 0; i < w; i++ {
			value := uint16(math.Round(sums[j*w+i] / peak * 65535))
			img.SetGray16(i, j, color.Gray16{Y: value})
		}
	}
	return img, nil
}

// SaveImage saves an image as JPEG
func SaveImage(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveProjections writes projection_x.jpg, projection_y.jpg and
// projection_z.jpg to outputDir
func (v *Viewer) SaveProjections(outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	for _, axis := range []string{"x", "y", "z"} {
		img, err := v.ExtractProjection(axis)
		if err != nil {
			return err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("projection_%s.jpg", axis))
		if err := SaveImage(img, filename); err != nil {
			return fmt.Errorf("error saving %s projection: %w", axis, err)
		}
	}
	return nil
}
