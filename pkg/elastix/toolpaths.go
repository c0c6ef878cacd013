package elastix

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// ToolPaths locates the elastix binaries
type ToolPaths struct {
	Elastix     string
	Transformix string
}

// ReadToolPaths reads a custom_paths_to_elastix.txt file with lines of the
// form "elastix_path = ..." and "transformix_path = ...". Other lines are ignored.
func ReadToolPaths(path string) (ToolPaths, error) {
	f, err := os.Open(path)
	if err != nil {
		return ToolPaths{}, fmt.Errorf("error opening elastix paths file: %w", err)
	}
	defer f.Close()

	var tp ToolPaths
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if v, ok := strings.CutPrefix(line, "elastix_path = "); ok {
			tp.Elastix = strings.TrimSpace(v)
		}
		if v, ok := strings.CutPrefix(line, "transformix_path = "); ok {
			tp.Transformix = strings.TrimSpace(v)
		}
	}
	if err := scanner.Err(); err != nil {
		return ToolPaths{}, fmt.Errorf("error reading elastix paths file: %w", err)
	}
	if tp.Transformix == "" {
		return tp, fmt.Errorf("no transformix_path in %s", path)
	}
	return tp, nil
}
