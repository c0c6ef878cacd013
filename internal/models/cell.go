package models

// CellRecord represents a single detected cell in the working table
type CellRecord struct {
	// Index is the stable row identifier, preserved into the output table
	Index int

	// Identifiers of the histology section the cell was detected on
	AnimalID              string
	ExperimentalCondition string
	Slide                 string
	Slice                 string

	// Side and AP tag the manually drawn region the cell belongs to
	Side string
	AP   string

	// ROI is the number of the high-resolution crop, kept as text because
	// the ROI info tables are keyed by string
	ROI string

	// ManualROIName identifies the hand-drawn region
	ManualROIName string

	// CellLabel is carried through to the output unchanged
	CellLabel string

	// CenterX and CenterY are the raw detected pixel position within the ROI crop
	CenterX float64
	CenterY float64

	// Pre is the position in the downsampled registration image, nil until derived
	Pre *Point2D

	// Post is the position in atlas pixels, nil until derived
	Post *Point3D
}

// Point2D is a position on a 2D image in pixels
type Point2D struct {
	X, Y float64
}

// Point3D is a position in the 3D atlas grid in atlas pixels
type Point3D struct {
	X, Y, Z float64
}

// GroupStatus describes how far an image group got through the pipeline
type GroupStatus int

const (
	// StatusPending means the group has not been processed yet
	StatusPending GroupStatus = iota
	// StatusPlaced means every row of the group received atlas coordinates
	StatusPlaced
	// StatusSkipped means no non-linear registration exists for the image yet
	StatusSkipped
	// StatusFailed means a stage raised a group-scoped error
	StatusFailed
)

func (s GroupStatus) String() string {
	switch s {
	case StatusPlaced:
		return "placed"
	case StatusSkipped:
		return "skipped"
	case StatusFailed:
		return "failed"
	default:
		return "pending"
	}
}
