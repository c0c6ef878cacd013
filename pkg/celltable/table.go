// Package celltable reads the working table of detected cells and writes the
// atlas coordinate table produced from it.
package celltable

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"cellstoatlas/internal/models"
)

// Input column names
const (
	ColAnimalID      = "AnimalID"
	ColCondition     = "ExperimentalCondition"
	ColSlide         = "Slide"
	ColSlice         = "Slice"
	ColSide          = "Side"
	ColAP            = "AP"
	ColROI           = "ROI"
	ColManualROIName = "manual_roi_name"
	ColCenterX       = "Center_X"
	ColCenterY       = "Center_Y"
	ColCellLabel     = "cell_label"
	ColCellIndex     = "cell_index"
)

// OutputSuffix is appended to the input base name to name the output table
const OutputSuffix = "ARA_coordinates.csv"

// OutputColumns is the header of the output table
var OutputColumns = []string{"x_coord_post", "y_coord_post", "z_coord_post", ColCellLabel, ColCellIndex}

var requiredColumns = []string{
	ColAnimalID, ColCondition, ColSlide, ColSlice, ColSide, ColAP,
	ColROI, ColManualROIName, ColCenterX, ColCenterY,
}

// ErrDuplicateIndex is returned when two input rows carry the same cell index.
var ErrDuplicateIndex = errors.New("duplicate cell index")

// Load reads a comma-separated cell table from path.
func Load(path string) ([]*models.CellRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening cell table: %w", err)
	}
	defer f.Close()

	records, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("error reading cell table %s: %w", path, err)
	}
	return records, nil
}

// Read parses a comma-separated cell table. Rows without a cell_index column
// are indexed by their position, starting at 0.
func Read(r io.Reader) ([]*models.CellRecord, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("error reading header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(name)] = i
	}
	for _, name := range requiredColumns {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
	}

	get := func(row []string, name string) string {
		if i, ok := col[name]; ok {
			return strings.TrimSpace(row[i])
		}
		return ""
	}

	var records []*models.CellRecord
	seen := make(map[int]bool)
	for line := 2; ; line++ {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		rec := &models.CellRecord{
			Index:                 len(records),
			AnimalID:              get(row, ColAnimalID),
			ExperimentalCondition: get(row, ColCondition),
			Slide:                 get(row, ColSlide),
			Slice:                 get(row, ColSlice),
			Side:                  get(row, ColSide),
			AP:                    get(row, ColAP),
			ROI:                   get(row, ColROI),
			ManualROIName:         get(row, ColManualROIName),
			CellLabel:             get(row, ColCellLabel),
		}
		if rec.CenterX, err = strconv.ParseFloat(get(row, ColCenterX), 64); err != nil {
			return nil, fmt.Errorf("line %d: invalid %s: %w", line, ColCenterX, err)
		}
		if rec.CenterY, err = strconv.ParseFloat(get(row, ColCenterY), 64); err != nil {
			return nil, fmt.Errorf("line %d: invalid %s: %w", line, ColCenterY, err)
		}
		if _, ok := col[ColCellIndex]; ok {
			if rec.Index, err = strconv.Atoi(get(row, ColCellIndex)); err != nil {
				return nil, fmt.Errorf("line %d: invalid %s: %w", line, ColCellIndex, err)
			}
		}
		if seen[rec.Index] {
			return nil, fmt.Errorf("line %d: %w %d", line, ErrDuplicateIndex, rec.Index)
		}
		seen[rec.Index] = true

		records = append(records, rec)
	}

	return records, nil
}

// OutputPath derives the output table path from the input table path:
// /dir/cells.csv becomes /dir/cells_ARA_coordinates.csv.
func OutputPath(inputPath string) string {
	base := filepath.Base(inputPath)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(filepath.Dir(inputPath), base+"_"+OutputSuffix)
}

// WriteOutput writes the output table to path, creating the parent directory
// if needed.
func WriteOutput(path string, records []*models.CellRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating output table: %w", err)
	}
	if err := Write(f, records); err != nil {
		f.Close()
		return fmt.Errorf("error writing output table %s: %w", path, err)
	}
	return f.Close()
}

// Write writes the output table, one row per record ordered by cell index.
// Records without atlas coordinates get empty coordinate fields.
func Write(w io.Writer, records []*models.CellRecord) error {
	sorted := make([]*models.CellRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	cw := csv.NewWriter(w)
	if err := cw.Write(OutputColumns); err != nil {
		return err
	}
	for _, rec := range sorted {
		row := []string{"", "", "", rec.CellLabel, strconv.Itoa(rec.Index)}
		if rec.Post != nil {
			row[0] = formatFloat(rec.Post.X)
			row[1] = formatFloat(rec.Post.Y)
			row[2] = formatFloat(rec.Post.Z)
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
