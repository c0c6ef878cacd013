// Package registry groups detected cells by the histology section they were
// imaged on and resolves the per-section files the pipeline needs.
package registry

import (
	"errors"
	"fmt"
	"strings"

	"cellstoatlas/internal/models"
	"cellstoatlas/pkg/artifacts"
)

// ErrMixedAnimals is returned when the rows of a manual ROI group do not
// share one animal id.
var ErrMixedAnimals = errors.New("rows belong to more than one animal")

// GroupCoreName returns the registration core name of the section a cell was
// imaged on, e.g. PH301_A2A-Ai14_slide-1_slice-0.
func GroupCoreName(rec *models.CellRecord) string {
	return strings.Join([]string{
		rec.AnimalID,
		rec.ExperimentalCondition,
		"slide-" + rec.Slide,
		"slice-" + rec.Slice,
	}, "_")
}

// ManualROICoreName extends GroupCoreName with the manual ROI tag, e.g.
// PH301_A2A-Ai14_slide-1_slice-0_manualROI-L-Tail.
func ManualROICoreName(rec *models.CellRecord) string {
	return GroupCoreName(rec) + "_manualROI-" + rec.Side + "-" + rec.AP
}

// Group is a set of rows sharing a key. Rows are positions in the record
// slice the group was built from, in ascending order.
type Group struct {
	Key  string
	Rows []int
}

// groupBy partitions rows by key, in order of first appearance.
func groupBy(records []*models.CellRecord, rows []int, key func(*models.CellRecord) string) []Group {
	var groups []Group
	pos := make(map[string]int)
	for _, r := range rows {
		k := key(records[r])
		i, ok := pos[k]
		if !ok {
			i = len(groups)
			pos[k] = i
			groups = append(groups, Group{Key: k})
		}
		groups[i].Rows = append(groups[i].Rows, r)
	}
	return groups
}

// GroupRecords partitions every record into exactly one image group.
func GroupRecords(records []*models.CellRecord) []Group {
	rows := make([]int, len(records))
	for i := range rows {
		rows[i] = i
	}
	return groupBy(records, rows, GroupCoreName)
}

// SubgroupByManualROI splits an image group by manual ROI name.
func SubgroupByManualROI(records []*models.CellRecord, g Group) []Group {
	return groupBy(records, g.Rows, func(rec *models.CellRecord) string {
		return rec.ManualROIName
	})
}

// Registry resolves per-image artifact paths under a data root.
type Registry struct {
	Root   string
	Layout artifacts.Layout
}

// New creates a registry for the given data root and layout
func New(root string, layout artifacts.Layout) *Registry {
	return &Registry{Root: root, Layout: layout}
}

// NonlinearTransformPath returns the elastix parameter file for a group
func (r *Registry) NonlinearTransformPath(g Group) string {
	return r.Layout.NonlinearTransformPath(r.Root, g.Key)
}

// AffineViewPath returns the atlas position file for a group
func (r *Registry) AffineViewPath(g Group) string {
	return r.Layout.AffineViewPath(r.Root, g.Key)
}

// ManualROIFilePath returns the ROI position table for a manual ROI group.
// The path is built from the first row; every row must share its animal id.
func (r *Registry) ManualROIFilePath(records []*models.CellRecord, g Group) (string, error) {
	if len(g.Rows) == 0 {
		return "", fmt.Errorf("empty group %q", g.Key)
	}
	first := records[g.Rows[0]]
	for _, row := range g.Rows[1:] {
		if id := records[row].AnimalID; id != first.AnimalID {
			return "", fmt.Errorf("%w: group %q has %q and %q", ErrMixedAnimals, g.Key, first.AnimalID, id)
		}
	}
	return r.Layout.ManualROIPath(r.Root, first.AnimalID, ManualROICoreName(first)), nil
}
