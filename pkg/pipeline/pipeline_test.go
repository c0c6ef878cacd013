package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"cellstoatlas/internal/models"
	"cellstoatlas/pkg/affine"
	"cellstoatlas/pkg/artifacts"
	"cellstoatlas/pkg/elastix"
	"cellstoatlas/pkg/registry"
)

const shiftView = "1,0,0,10,0,1,0,20,0,0,1,0"

// fixture lays out a data root the way the registration stages leave it.
type fixture struct {
	t      *testing.T
	root   string
	layout artifacts.Layout
}

func newFixture(t *testing.T) *fixture {
	return &fixture{t: t, root: t.TempDir(), layout: artifacts.DefaultLayout()}
}

func (f *fixture) write(path, content string) {
	f.t.Helper()
	require.NoError(f.t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(f.t, os.WriteFile(path, []byte(content), 0644))
}

// roiTable writes a ROI table for the manual ROI of rec with one row per
// "id offsetX offsetY highRes regRes" entry.
func (f *fixture) roiTable(rec *models.CellRecord, rows ...string) {
	var b strings.Builder
	b.WriteString("roiID, high_res_x_pos, high_res_y_pos, high_res_pixel_size, registration_image_pixel_size\n")
	for _, r := range rows {
		b.WriteString(strings.Join(strings.Fields(r), ", "))
		b.WriteByte('\n')
	}
	f.write(f.layout.ManualROIPath(f.root, rec.AnimalID, registry.ManualROICoreName(rec)), b.String())
}

func (f *fixture) view(image, params string) {
	f.write(f.layout.AffineViewPath(f.root, image), "MoBIE position\nnormalView\naffine\n"+params+"\n")
}

func (f *fixture) nonlinear(image string) {
	f.write(f.layout.NonlinearTransformPath(f.root, image), "(Transform \"BSplineTransform\")\n")
}

func (f *fixture) pipeline(tr elastix.PointTransformer) *Pipeline {
	return &Pipeline{
		Registry:         registry.New(f.root, f.layout),
		Transformer:      tr,
		Resolution:       25,
		RequireNonlinear: true,
		Workers:          1,
	}
}

func newCell(index int, animal, slide string, x, y float64) *models.CellRecord {
	return &models.CellRecord{
		Index:                 index,
		AnimalID:              animal,
		ExperimentalCondition: "cond",
		Slide:                 slide,
		Slice:                 "0",
		Side:                  "L",
		AP:                    "Tail",
		ROI:                   "1",
		ManualROIName:         animal + "-roi",
		CellLabel:             "label",
		CenterX:               x,
		CenterY:               y,
	}
}

// fakeTransformer shifts every point by a fixed offset and records calls.
type fakeTransformer struct {
	mu     sync.Mutex
	dx, dy float64
	err    error
	calls  []string
	// result replaces the shifted points when set
	result []affine.Point
}

func (f *fakeTransformer) TransformPoints(ctx context.Context, points []affine.Point, parameterFile string) ([]affine.Point, error) {
	f.mu.Lock()
	f.calls = append(f.calls, parameterFile)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	out := make([]affine.Point, len(points))
	for i, p := range points {
		out[i] = affine.Point{p[0] + f.dx, p[1] + f.dy}
	}
	return out, nil
}

func assertPost(t *testing.T, rec *models.CellRecord, want [3]float64) {
	t.Helper()
	require.NotNil(t, rec.Post, "cell %d has no atlas position", rec.Index)
	got := []float64{rec.Post.X, rec.Post.Y, rec.Post.Z}
	assert.True(t, floats.EqualApprox(got, want[:], 1e-9), "cell %d: got %v want %v", rec.Index, got, want)
}

// TestRunWithoutNonlinearStage covers the degenerate case where the
// non-linear stage is bypassed and placement runs on pre-registration
// coordinates directly.
func TestRunWithoutNonlinearStage(t *testing.T) {
	f := newFixture(t)
	records := []*models.CellRecord{
		newCell(0, "A", "1", 100, 200),
		newCell(1, "A", "1", 150, 250),
	}
	image := registry.GroupCoreName(records[0])
	f.roiTable(records[0], "1 0 0 1 1")
	f.view(image, shiftView)

	p := f.pipeline(nil)
	p.RequireNonlinear = false

	report, err := p.Run(context.Background(), records)
	require.NoError(t, err)

	assert.Equal(t, &models.Point2D{X: 100, Y: 200}, records[0].Pre)
	assertPost(t, records[0], [3]float64{3.6, 7.2, 0})
	assertPost(t, records[1], [3]float64{5.6, 9.2, 0})

	assert.Equal(t, 2, report.PlacedCells)
	groups, cells := report.Count(models.StatusPlaced)
	assert.Equal(t, 1, groups)
	assert.Equal(t, 2, cells)
}

func TestRunAppliesNonlinearStage(t *testing.T) {
	f := newFixture(t)
	records := []*models.CellRecord{newCell(0, "A", "1", 100, 200)}
	image := registry.GroupCoreName(records[0])
	f.roiTable(records[0], "1 0 0 1 1")
	f.view(image, shiftView)
	f.nonlinear(image)

	tr := &fakeTransformer{dx: 5, dy: -5}
	_, err := f.pipeline(tr).Run(context.Background(), records)
	require.NoError(t, err)

	// (105,195,0) shifted back by (10,20,0), over 25
	assertPost(t, records[0], [3]float64{95.0 / 25, 175.0 / 25, 0})
	assert.Equal(t, []string{f.layout.NonlinearTransformPath(f.root, image)}, tr.calls)
}

// TestRunIsolatesMissingRegistration checks an image without non-linear
// registration is left unset while other images are still placed
func TestRunIsolatesMissingRegistration(t *testing.T) {
	f := newFixture(t)
	records := []*models.CellRecord{
		newCell(0, "A", "1", 100, 200),
		newCell(1, "B", "1", 100, 200),
		newCell(2, "A", "1", 150, 250),
	}
	imageA := registry.GroupCoreName(records[0])
	imageB := registry.GroupCoreName(records[1])
	f.roiTable(records[0], "1 0 0 1 1")
	f.roiTable(records[1], "1 0 0 1 1")
	f.view(imageA, shiftView)
	f.view(imageB, shiftView)
	f.nonlinear(imageA)

	report, err := f.pipeline(&fakeTransformer{}).Run(context.Background(), records)
	require.NoError(t, err)

	assertPost(t, records[0], [3]float64{3.6, 7.2, 0})
	assertPost(t, records[2], [3]float64{5.6, 9.2, 0})
	assert.Nil(t, records[1].Post)
	assert.NotNil(t, records[1].Pre, "pre-registration still derived for skipped image")

	require.Len(t, report.Groups, 2)
	assert.Equal(t, models.StatusPlaced, report.Groups[0].Status)
	assert.Equal(t, models.StatusSkipped, report.Groups[1].Status)
	assert.NoError(t, report.Groups[1].Err)
}

func TestRunGroupFailures(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(f *fixture, rec *models.CellRecord, image string)
		tr      *fakeTransformer
		wantErr error
	}{
		{
			name: "missing ROI table",
			setup: func(f *fixture, rec *models.CellRecord, image string) {
				f.view(image, shiftView)
				f.nonlinear(image)
			},
			wantErr: artifacts.ErrMissingArtifact,
		},
		{
			name: "ROI table without expected columns",
			setup: func(f *fixture, rec *models.CellRecord, image string) {
				f.write(f.layout.ManualROIPath(f.root, rec.AnimalID, registry.ManualROICoreName(rec)), "roiID, high_res_x_pos\n1, 0\n")
				f.view(image, shiftView)
				f.nonlinear(image)
			},
			wantErr: artifacts.ErrMalformedArtifact,
		},
		{
			name: "ROI id not in table",
			setup: func(f *fixture, rec *models.CellRecord, image string) {
				f.roiTable(rec, "7 0 0 1 1")
				f.view(image, shiftView)
				f.nonlinear(image)
			},
			wantErr: artifacts.ErrMalformedArtifact,
		},
		{
			name: "missing view",
			setup: func(f *fixture, rec *models.CellRecord, image string) {
				f.roiTable(rec, "1 0 0 1 1")
				f.nonlinear(image)
			},
			wantErr: artifacts.ErrMissingArtifact,
		},
		{
			name: "singular view",
			setup: func(f *fixture, rec *models.CellRecord, image string) {
				f.roiTable(rec, "1 0 0 1 1")
				f.view(image, "0,0,0,1,0,0,0,2,0,0,0,3")
				f.nonlinear(image)
			},
			wantErr: affine.ErrSingularMatrix,
		},
		{
			name: "NaN in view",
			setup: func(f *fixture, rec *models.CellRecord, image string) {
				f.roiTable(rec, "1 0 0 1 1")
				f.view(image, "1,0,0,NaN,0,1,0,20,0,0,1,0")
				f.nonlinear(image)
			},
			wantErr: artifacts.ErrMalformedArtifact,
		},
		{
			name: "wrong parameter count",
			setup: func(f *fixture, rec *models.CellRecord, image string) {
				f.roiTable(rec, "1 0 0 1 1")
				f.view(image, "1,0,0,1")
				f.nonlinear(image)
			},
			wantErr: affine.ErrInvalidParameterCount,
		},
		{
			name: "2D view",
			setup: func(f *fixture, rec *models.CellRecord, image string) {
				f.roiTable(rec, "1 0 0 1 1")
				f.view(image, "1,0,0,0,1,0")
				f.nonlinear(image)
			},
			wantErr: affine.ErrDimensionMismatch,
		},
		{
			name: "transformix fails",
			setup: func(f *fixture, rec *models.CellRecord, image string) {
				f.roiTable(rec, "1 0 0 1 1")
				f.view(image, shiftView)
				f.nonlinear(image)
			},
			tr:      &fakeTransformer{err: fmt.Errorf("%w: exit status 1", elastix.ErrExternalToolFailure)},
			wantErr: elastix.ErrExternalToolFailure,
		},
		{
			name: "transformer returns non-finite point",
			setup: func(f *fixture, rec *models.CellRecord, image string) {
				f.roiTable(rec, "1 0 0 1 1")
				f.view(image, shiftView)
				f.nonlinear(image)
			},
			tr:      &fakeTransformer{result: []affine.Point{{math.Inf(1), math.NaN()}}},
			wantErr: elastix.ErrExternalToolFailure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			bad := newCell(0, "BAD", "1", 100, 200)
			good := newCell(1, "GOOD", "1", 100, 200)
			tt.setup(f, bad, registry.GroupCoreName(bad))

			goodImage := registry.GroupCoreName(good)
			f.roiTable(good, "1 0 0 1 1")
			f.view(goodImage, shiftView)
			f.nonlinear(goodImage)

			tr := tt.tr
			if tr == nil {
				tr = &fakeTransformer{}
			}
			broken := tr.err != nil || tr.result != nil
			if broken {
				// only the bad image should see the failing transformer
				require.NoError(t, os.Remove(f.layout.NonlinearTransformPath(f.root, goodImage)))
			}

			p := f.pipeline(tr)
			p.RequireNonlinear = !broken
			report, err := p.Run(context.Background(), []*models.CellRecord{bad, good})
			require.NoError(t, err)

			failed := report.Failed()
			require.Len(t, failed, 1)
			assert.Equal(t, registry.GroupCoreName(bad), failed[0].Image)
			assert.ErrorIs(t, failed[0].Err, tt.wantErr)
			assert.Nil(t, bad.Post)

			assertPost(t, good, [3]float64{3.6, 7.2, 0})
		})
	}
}

// TestRunMergesByIndex uses non-sequential indices and interleaved images
func TestRunMergesByIndex(t *testing.T) {
	f := newFixture(t)
	records := []*models.CellRecord{
		newCell(40, "A", "1", 100, 200),
		newCell(7, "B", "2", 300, 400),
		newCell(13, "A", "1", 150, 250),
		newCell(2, "B", "2", 350, 450),
	}
	for _, rec := range records[:2] {
		image := registry.GroupCoreName(rec)
		f.roiTable(rec, "1 0 0 1 1")
		f.view(image, shiftView)
	}

	p := f.pipeline(nil)
	p.RequireNonlinear = false
	_, err := p.Run(context.Background(), records)
	require.NoError(t, err)

	assertPost(t, records[0], [3]float64{90.0 / 25, 180.0 / 25, 0})
	assertPost(t, records[1], [3]float64{290.0 / 25, 380.0 / 25, 0})
	assertPost(t, records[2], [3]float64{140.0 / 25, 230.0 / 25, 0})
	assertPost(t, records[3], [3]float64{340.0 / 25, 430.0 / 25, 0})
}

// TestRunConcurrentMatchesSequential checks several workers give the same
// coordinates as one
func TestRunConcurrentMatchesSequential(t *testing.T) {
	f := newFixture(t)
	var seq, par []*models.CellRecord
	for i := 0; i < 24; i++ {
		slide := fmt.Sprint(i % 6)
		a := newCell(i, "A", slide, float64(10*i), float64(20*i))
		b := newCell(i, "A", slide, float64(10*i), float64(20*i))
		seq = append(seq, a)
		par = append(par, b)
		if i < 6 {
			image := registry.GroupCoreName(a)
			f.roiTable(a, "1 5 5 0.5 2")
			f.view(image, shiftView)
			if i%2 == 0 {
				f.nonlinear(image)
			}
		}
	}

	p := f.pipeline(&fakeTransformer{dx: 1, dy: 2})
	_, err := p.Run(context.Background(), seq)
	require.NoError(t, err)

	p.Workers = 4
	report, err := p.Run(context.Background(), par)
	require.NoError(t, err)

	for i := range seq {
		assert.Equal(t, seq[i].Pre, par[i].Pre, "cell %d", i)
		assert.Equal(t, seq[i].Post, par[i].Post, "cell %d", i)
	}
	placed, _ := report.Count(models.StatusPlaced)
	skipped, _ := report.Count(models.StatusSkipped)
	assert.Equal(t, 3, placed)
	assert.Equal(t, 3, skipped)
}

func TestRunCancelled(t *testing.T) {
	f := newFixture(t)
	records := []*models.CellRecord{newCell(0, "A", "1", 100, 200)}
	f.roiTable(records[0], "1 0 0 1 1")
	f.view(registry.GroupCoreName(records[0]), shiftView)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := f.pipeline(nil)
	p.RequireNonlinear = false
	report, err := p.Run(ctx, records)
	assert.True(t, errors.Is(err, context.Canceled))
	require.NotNil(t, report)
	assert.Equal(t, models.StatusPending, report.Groups[0].Status)
	assert.Nil(t, records[0].Post)
}

func TestRunInvalidResolution(t *testing.T) {
	p := newFixture(t).pipeline(nil)
	p.Resolution = 0
	_, err := p.Run(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidResolution)
}

func TestReportSummary(t *testing.T) {
	f := newFixture(t)
	records := []*models.CellRecord{
		newCell(0, "A", "1", 100, 200),
		newCell(1, "A", "1", 150, 250),
		newCell(2, "B", "1", 150, 250),
	}
	f.roiTable(records[0], "1 0 0 1 1")
	f.view(registry.GroupCoreName(records[0]), shiftView)

	p := f.pipeline(nil)
	p.RequireNonlinear = false
	report, err := p.Run(context.Background(), records)
	require.NoError(t, err)

	assert.InDelta(t, 4.6, report.Mean.X, 1e-9)
	assert.InDelta(t, 8.2, report.Mean.Y, 1e-9)
	assert.InDelta(t, 3.6, report.Min.X, 1e-9)
	assert.InDelta(t, 9.2, report.Max.Y, 1e-9)

	summary := report.Summary()
	assert.Contains(t, summary, "Images: 2, cells: 3, placed: 2")
	assert.Contains(t, summary, "- placed: 1 images (2 cells)")
	assert.Contains(t, summary, "- failed: 1 images (1 cells)")
}
