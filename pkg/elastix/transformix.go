// Package elastix wraps the transformix command line tool, which applies a
// non-linear elastix registration to a list of points.
package elastix

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"cellstoatlas/pkg/affine"
)

// ErrExternalToolFailure is returned when transformix cannot be run or does
// not produce the expected output.
var ErrExternalToolFailure = errors.New("external tool failure")

const (
	inputPointsFile  = "inputpoints.txt"
	outputPointsFile = "outputpoints.txt"
)

// PointTransformer moves 2D points through a non-linear registration.
// Implementations return exactly one output point per input point, in order.
type PointTransformer interface {
	TransformPoints(ctx context.Context, points []affine.Point, parameterFile string) ([]affine.Point, error)
}

// Transformix runs the transformix binary. Every call works in its own
// temporary directory, so a Transformix may be used from several goroutines.
type Transformix struct {
	// Binary is the path to the transformix executable
	Binary string

	// Timeout bounds a single invocation; zero means no limit
	Timeout time.Duration

	// TempDir is where per-call working directories are created; empty means os.TempDir
	TempDir string
}

// NewTransformix creates a runner for the given binary
func NewTransformix(binary string, timeout time.Duration) *Transformix {
	return &Transformix{Binary: binary, Timeout: timeout}
}

// TransformPoints writes the points to a transformix input file, runs
// transformix with the given parameter file and reads back the OutputPoint
// of every point.
func (t *Transformix) TransformPoints(ctx context.Context, points []affine.Point, parameterFile string) ([]affine.Point, error) {
	if len(points) == 0 {
		return nil, nil
	}
	if t.Binary == "" {
		return nil, fmt.Errorf("%w: transformix path not configured", ErrExternalToolFailure)
	}

	workDir, err := os.MkdirTemp(t.TempDir, "transformix-")
	if err != nil {
		return nil, fmt.Errorf("error creating transformix work directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	inPath := filepath.Join(workDir, inputPointsFile)
	if err := writePointsFile(inPath, points); err != nil {
		return nil, err
	}

	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, t.Binary,
		"-def", inPath,
		"-out", workDir,
		"-tp", parameterFile,
	)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: transformix interrupted: %v", ErrExternalToolFailure, ctx.Err())
		}
		return nil, fmt.Errorf("%w: transformix: %v: %s", ErrExternalToolFailure, err, lastLines(output.String(), 5))
	}

	f, err := os.Open(filepath.Join(workDir, outputPointsFile))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExternalToolFailure, err)
	}
	defer f.Close()

	out, err := ParseOutputPoints(f)
	if err != nil {
		return nil, err
	}
	if len(out) != len(points) {
		return nil, fmt.Errorf("%w: transformix returned %d points for %d inputs", ErrExternalToolFailure, len(out), len(points))
	}
	return out, nil
}

// writePointsFile writes points in the transformix "point" input format.
func writePointsFile(path string, points []affine.Point) error {
	var b strings.Builder
	b.WriteString("point\n")
	fmt.Fprintf(&b, "%d\n", len(points))
	for _, p := range points {
		strs := make([]string, len(p))
		for i, v := range p {
			strs[i] = strconv.FormatFloat(v, 'f', -1, 64)
		}
		b.WriteString(strings.Join(strs, " "))
		b.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("error writing transformix input: %w", err)
	}
	return nil
}

// ParseOutputPoints reads the OutputPoint field of every line of a
// transformix outputpoints.txt file.
func ParseOutputPoints(r io.Reader) ([]affine.Point, error) {
	var points []affine.Point
	scanner := bufio.NewScanner(r)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		p, err := parseField(line, "OutputPoint")
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrExternalToolFailure, lineNo, err)
		}
		points = append(points, p)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExternalToolFailure, err)
	}
	return points, nil
}

// parseField extracts the values of `name = [ a b ]` from a transformix line.
func parseField(line, name string) (affine.Point, error) {
	for _, part := range strings.Split(line, ";") {
		key, value, ok := strings.Cut(part, "=")
		if !ok || strings.TrimSpace(key) != name {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.TrimSuffix(strings.TrimPrefix(value, "["), "]")
		fields := strings.Fields(value)
		if len(fields) == 0 {
			return nil, fmt.Errorf("empty %s", name)
		}
		p := make(affine.Point, len(fields))
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("%s value %q is not a number", name, f)
			}
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("%s value %q is not finite", name, f)
			}
			p[i] = v
		}
		return p, nil
	}
	return nil, fmt.Errorf("no %s field", name)
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}
