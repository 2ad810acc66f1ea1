// Package graphfile loads a task graph from a YAML or JSON file.
package graphfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/agusx1211/waverun/internal/task"
)

// File is the on-disk graph document.
type File struct {
	Tasks []task.Task `json:"tasks" yaml:"tasks"`
}

// Load reads and validates a graph file. JSON is selected by extension,
// everything else parses as YAML (a superset of JSON anyway).
func Load(path string) ([]task.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading graph file: %w", err)
	}

	var f File
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if err := task.ValidateGraph(f.Tasks); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f.Tasks, nil
}
