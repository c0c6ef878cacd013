// Package artifacts reads the files left on disk by the external registration
// stages and knows where those files live.
package artifacts

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"cellstoatlas/pkg/affine"
)

var (
	// ErrMissingArtifact is returned when an expected file does not exist.
	ErrMissingArtifact = errors.New("missing artifact")

	// ErrMalformedArtifact is returned when a file exists but does not have
	// the expected content.
	ErrMalformedArtifact = errors.New("malformed artifact")
)

// viewLine is the zero-based line of the position file holding the view.
const viewLine = 3

// ReadAffineView reads the flattened affine view stored on the 4th line of a
// position file written by the atlas viewer.
func ReadAffineView(path string) (affine.Params, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrMissingArtifact, path)
		}
		return nil, fmt.Errorf("error opening view file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	line, found := "", false
	for i := 0; scanner.Scan(); i++ {
		if i == viewLine {
			line, found = strings.TrimSpace(scanner.Text()), true
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading view file %s: %w", path, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s has fewer than %d lines", ErrMalformedArtifact, path, viewLine+1)
	}

	return ParseParams(line)
}

// ParseParams parses a comma-separated list of floats.
func ParseParams(line string) (affine.Params, error) {
	if strings.TrimSpace(line) == "" {
		return nil, fmt.Errorf("%w: empty parameter line", ErrMalformedArtifact)
	}
	fields := strings.Split(line, ",")
	params := make(affine.Params, len(fields))
	for i, field := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: value %d %q is not a number", ErrMalformedArtifact, i, field)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: value %d %q is not finite", ErrMalformedArtifact, i, field)
		}
		params[i] = v
	}
	return params, nil
}

// Exists reports whether path exists. Errors other than non-existence are
// returned as is.
func Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Layout is the directory convention under a data root where registration
// artifacts are found. Previously run registrations depend on it, so the
// defaults must not change.
type Layout struct {
	// RegistrationSubtree holds the downsampled slices, their view files and
	// the elastix output folders
	RegistrationSubtree string `yaml:"registrationSubtree"`

	// RegOutputSuffix is appended to the image name to form the elastix output folder
	RegOutputSuffix string `yaml:"regOutputSuffix"`

	// TransformParametersFile is the file elastix writes for the last (non-linear) stage
	TransformParametersFile string `yaml:"transformParametersFile"`

	// ManualROISubtree holds the per-ROI position tables, below the animal folder
	ManualROISubtree string `yaml:"manualROISubtree"`

	// ROIPositionsSuffix is appended to the manual ROI core name
	ROIPositionsSuffix string `yaml:"roiPositionsSuffix"`
}

// DefaultLayout returns the directory convention used by existing datasets
func DefaultLayout() Layout {
	return Layout{
		RegistrationSubtree:     "ROIs/000_Slices_for_ARA_registration",
		RegOutputSuffix:         "_reg_output",
		TransformParametersFile: "TransformParameters.1.txt",
		ManualROISubtree:        "ROIs/000_ManualROIs_info",
		ROIPositionsSuffix:      "roi_positions.txt",
	}
}

// NonlinearTransformPath returns the elastix transform parameter file for an image
func (l Layout) NonlinearTransformPath(root, imageName string) string {
	return filepath.Join(root, l.RegistrationSubtree, imageName+l.RegOutputSuffix, l.TransformParametersFile)
}

// AffineViewPath returns the atlas viewer position file for an image
func (l Layout) AffineViewPath(root, imageName string) string {
	return filepath.Join(root, l.RegistrationSubtree, imageName+".txt")
}

// ManualROIPath returns the ROI position table for a manual ROI core name
func (l Layout) ManualROIPath(root, animalID, manualROICoreName string) string {
	return filepath.Join(root, animalID, l.ManualROISubtree, manualROICoreName+"_"+l.ROIPositionsSuffix)
}
