package registry

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"cellstoatlas/pkg/artifacts"
)

// roiSeparator separates header names and values in ROI position tables
const roiSeparator = ", "

// Column names of the ROI position table
const (
	ColumnROIID               = "roiID"
	ColumnHighResX            = "high_res_x_pos"
	ColumnHighResY            = "high_res_y_pos"
	ColumnHighResPixelSize    = "high_res_pixel_size"
	ColumnRegistrationPixSize = "registration_image_pixel_size"
)

// ROITable is a ROI position table with every value kept as text. ROI ids are
// compared as strings; positions and sizes are parsed by Lookup.
type ROITable struct {
	Columns []string
	Rows    [][]string
}

// ROIInfo is the parsed metadata of one high-resolution ROI crop
type ROIInfo struct {
	ID string

	// OffsetX and OffsetY locate the crop in the full-resolution image
	OffsetX float64
	OffsetY float64

	// HighResPixelSize is the pixel size the crop was acquired at
	HighResPixelSize float64

	// RegistrationPixelSize is the pixel size of the image that was registered
	RegistrationPixelSize float64
}

// LoadROITable reads a ROI position table. The first line is the header.
func LoadROITable(path string) (*ROITable, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", artifacts.ErrMissingArtifact, path)
		}
		return nil, fmt.Errorf("error opening ROI table: %w", err)
	}
	defer f.Close()

	table := &ROITable{}
	scanner := bufio.NewScanner(f)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.Split(line, roiSeparator)
		if table.Columns == nil {
			table.Columns = parts
			continue
		}
		if len(parts) != len(table.Columns) {
			return nil, fmt.Errorf("%w: %s line %d has %d fields, header has %d",
				artifacts.ErrMalformedArtifact, path, lineNo, len(parts), len(table.Columns))
		}
		table.Rows = append(table.Rows, parts)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading ROI table %s: %w", path, err)
	}
	if table.Columns == nil {
		return nil, fmt.Errorf("%w: %s is empty", artifacts.ErrMalformedArtifact, path)
	}

	return table, nil
}

func (t *ROITable) columnIndex(name string) (int, error) {
	for i, c := range t.Columns {
		if c == name {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: ROI table has no %q column", artifacts.ErrMalformedArtifact, name)
}

// Lookup returns the parsed metadata for a ROI id.
func (t *ROITable) Lookup(roiID string) (ROIInfo, error) {
	names := []string{ColumnROIID, ColumnHighResX, ColumnHighResY, ColumnHighResPixelSize, ColumnRegistrationPixSize}
	idx := make([]int, len(names))
	for i, name := range names {
		c, err := t.columnIndex(name)
		if err != nil {
			return ROIInfo{}, err
		}
		idx[i] = c
	}

	for _, row := range t.Rows {
		if row[idx[0]] != roiID {
			continue
		}
		values := make([]float64, len(names)-1)
		for i := range values {
			raw := row[idx[i+1]]
			v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
			if err != nil {
				return ROIInfo{}, fmt.Errorf("%w: ROI %s %s %q is not a number",
					artifacts.ErrMalformedArtifact, roiID, names[i+1], raw)
			}
			values[i] = v
		}
		if values[3] <= 0 {
			return ROIInfo{}, fmt.Errorf("%w: ROI %s has non-positive %s",
				artifacts.ErrMalformedArtifact, roiID, ColumnRegistrationPixSize)
		}
		return ROIInfo{
			ID:                    roiID,
			OffsetX:               values[0],
			OffsetY:               values[1],
			HighResPixelSize:      values[2],
			RegistrationPixelSize: values[3],
		}, nil
	}

	return ROIInfo{}, fmt.Errorf("%w: ROI %s not found", artifacts.ErrMalformedArtifact, roiID)
}
