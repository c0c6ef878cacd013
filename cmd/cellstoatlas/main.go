package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"cellstoatlas/internal/ctxlog"
	"cellstoatlas/internal/models"
	"cellstoatlas/pkg/affine"
	"cellstoatlas/pkg/celltable"
	"cellstoatlas/pkg/config"
	"cellstoatlas/pkg/elastix"
	"cellstoatlas/pkg/logging"
	"cellstoatlas/pkg/pipeline"
	"cellstoatlas/pkg/registry"
	"cellstoatlas/pkg/visualization"
)

const usage = `Usage: cellstoatlas <command> [flags]

Commands:
  run          map every cell of a table into the atlas
  place        place 2D points into the atlas with an atlas viewer position file
  init-config  write a default configuration file

Run "cellstoatlas <command> -h" for the flags of a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = runCommand(os.Args[2:])
	case "place":
		err = placeCommand(os.Args[2:])
	case "init-config":
		err = initConfigCommand(os.Args[2:])
	case "-h", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("%s failed: %v", os.Args[1], err)
	}
}

func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	tablePath := fs.String("table", "", "CSV table of detected cells")
	configPath := fs.String("config", "cellstoatlas.yaml", "YAML configuration file")
	dataRoot := fs.String("data", "", "Data root holding the ROIs folder (default: directory of the table)")
	resolution := fs.Float64("res", 0, "Atlas resolution in um/px (default from config)")
	workers := fs.Int("workers", 0, "Number of images processed at once (default from config)")
	previewDir := fs.String("preview", "", "Directory for density projection previews")
	fs.Parse(args)

	if *tablePath == "" {
		fs.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if *resolution != 0 {
		cfg.Processing.Resolution = *resolution
	}
	if *workers != 0 {
		cfg.Processing.Workers = *workers
	}
	if *previewDir != "" {
		cfg.Output.PreviewDir = *previewDir
	}
	if cfg.Output.Verbose && cfg.Logging.Level == "info" {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, closer, err := logging.New(logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = ctxlog.WithLogger(ctx, logger)

	transformix, err := newTransformix(cfg)
	if err != nil {
		return err
	}

	root := *dataRoot
	if root == "" {
		root = filepath.Dir(*tablePath)
	}

	records, err := celltable.Load(*tablePath)
	if err != nil {
		return err
	}
	logger.Info("loaded cell table", "path", *tablePath, "cells", len(records), "dataRoot", root)

	p := &pipeline.Pipeline{
		Registry:         registry.New(root, cfg.Paths),
		Transformer:      transformix,
		Resolution:       cfg.Processing.Resolution,
		RequireNonlinear: cfg.Processing.RequireNonlinear,
		Workers:          cfg.Processing.Workers,
	}

	startTime := time.Now()
	report, runErr := p.Run(ctx, records)
	if report == nil {
		return runErr
	}

	// Partial results are still written when the run was interrupted
	outPath := celltable.OutputPath(*tablePath)
	if err := celltable.WriteOutput(outPath, records); err != nil {
		return err
	}

	fmt.Printf("\nFinished in %.2f seconds\n", time.Since(startTime).Seconds())
	fmt.Print(report.Summary())
	for _, g := range report.Failed() {
		fmt.Printf("  failed %s: %v\n", g.Image, g.Err)
	}
	fmt.Printf("Atlas coordinates saved to: %s\n", outPath)

	if cfg.Output.PreviewDir != "" && report.PlacedCells > 0 {
		if err := savePreview(records, cfg.Output.PreviewDir); err != nil {
			logger.Warn("failed to save preview", "error", err)
		} else {
			fmt.Printf("Previews saved to: %s\n", cfg.Output.PreviewDir)
		}
	}

	return runErr
}

func newTransformix(cfg *config.Config) (*elastix.Transformix, error) {
	binary := cfg.Elastix.TransformixPath
	if cfg.Elastix.ToolPathsFile != "" {
		tp, err := elastix.ReadToolPaths(cfg.Elastix.ToolPathsFile)
		if err != nil {
			return nil, err
		}
		binary = tp.Transformix
	}
	return elastix.NewTransformix(binary, cfg.Elastix.Timeout), nil
}

func savePreview(records []*models.CellRecord, dir string) error {
	var points []models.Point3D
	for _, rec := range records {
		if rec.Post != nil && visualization.IsFinite(*rec.Post) {
			points = append(points, *rec.Post)
		}
	}
	viewer, err := visualization.NewViewer(points, 1.0)
	if err != nil {
		return err
	}
	return viewer.SaveProjections(dir)
}

func placeCommand(args []string) error {
	fs := flag.NewFlagSet("place", flag.ExitOnError)
	xs := fs.String("x", "", "Comma-separated x coordinates in pixels")
	ys := fs.String("y", "", "Comma-separated y coordinates in pixels")
	resolution := fs.Float64("res", 25, "Atlas resolution in um/px")
	viewPath := fs.String("view", "", "Atlas viewer position file")
	fs.Parse(args)

	if *xs == "" || *ys == "" || *viewPath == "" {
		fs.Usage()
		os.Exit(1)
	}

	points, err := parsePoints(*xs, *ys)
	if err != nil {
		return err
	}
	placed, err := pipeline.PlacePoints(points, *viewPath, *resolution)
	if err != nil {
		return err
	}
	for _, p := range placed {
		fmt.Printf("%g,%g,%g\n", p[0], p[1], p[2])
	}
	return nil
}

// parsePoints pairs up comma-separated x and y lists
func parsePoints(xs, ys string) ([]affine.Point, error) {
	xf, yf := strings.Split(xs, ","), strings.Split(ys, ",")
	if len(xf) != len(yf) {
		return nil, fmt.Errorf("got %d x and %d y coordinates", len(xf), len(yf))
	}
	points := make([]affine.Point, len(xf))
	for i := range xf {
		x, err := strconv.ParseFloat(strings.TrimSpace(xf[i]), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid x coordinate %q", xf[i])
		}
		y, err := strconv.ParseFloat(strings.TrimSpace(yf[i]), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid y coordinate %q", yf[i])
		}
		points[i] = affine.Point{x, y}
	}
	return points, nil
}

func initConfigCommand(args []string) error {
	fs := flag.NewFlagSet("init-config", flag.ExitOnError)
	out := fs.String("out", "cellstoatlas.yaml", "Where to write the configuration")
	fs.Parse(args)

	if err := config.CreateDefaultConfigFile(*out); err != nil {
		return err
	}
	fmt.Printf("Default configuration written to: %s\n", *out)
	return nil
}
