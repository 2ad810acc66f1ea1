// Package task defines the schedulable unit of work shared by the graph
// loader, the scheduler, and the process supervisor.
package task

import (
	"fmt"
	"sort"
	"strings"
)

// Task is one unit of work in a run's dependency graph.
type Task struct {
	ID           string   `json:"id" yaml:"id"`
	Category     string   `json:"category" yaml:"category"`
	Wave         int      `json:"wave" yaml:"wave"`
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Payload      string   `json:"payload" yaml:"payload"`
	MaxRetries   int      `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`

	// ProjectRoot is the working directory for the spawned process.
	// Empty means the orchestrator's own project root.
	ProjectRoot string `json:"project_root,omitempty" yaml:"project_root,omitempty"`

	// UsePTY spawns the process under a pseudo-terminal. Some agent CLIs
	// buffer or suppress streaming output when stdout is a pipe.
	UsePTY bool `json:"use_pty,omitempty" yaml:"use_pty,omitempty"`
}

// Status is the scheduler-visible lifecycle of a task.
type Status string

const (
	StatusPending Status = "pending"
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped" // dependencies failed, never started
)

// Terminal reports whether the status ends the task's lifecycle.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusSkipped
}

// ValidateGraph checks a task set wholesale: unique non-empty ids, known
// dependencies, wave consistency (every dependency sits in a strictly lower
// wave, which also rules out cycles), and non-negative retry budgets.
// The first problem found is returned; nothing is accepted partially.
func ValidateGraph(tasks []Task) error {
	if len(tasks) == 0 {
		return fmt.Errorf("task graph is empty")
	}

	byID := make(map[string]*Task, len(tasks))
	for i := range tasks {
		t := &tasks[i]
		if strings.TrimSpace(t.ID) == "" {
			return fmt.Errorf("task #%d has an empty id", i)
		}
		if _, dup := byID[t.ID]; dup {
			return fmt.Errorf("duplicate task id %q", t.ID)
		}
		if strings.TrimSpace(t.Category) == "" {
			return fmt.Errorf("task %q has an empty category", t.ID)
		}
		if t.Wave < 0 {
			return fmt.Errorf("task %q has negative wave %d", t.ID, t.Wave)
		}
		if t.MaxRetries < 0 {
			return fmt.Errorf("task %q has negative max_retries %d", t.ID, t.MaxRetries)
		}
		byID[t.ID] = t
	}

	for i := range tasks {
		t := &tasks[i]
		for _, dep := range t.Dependencies {
			d, ok := byID[dep]
			if !ok {
				return fmt.Errorf("task %q depends on unknown task %q", t.ID, dep)
			}
			if d.Wave >= t.Wave {
				return fmt.Errorf("task %q (wave %d) depends on %q (wave %d); dependencies must be in a strictly lower wave",
					t.ID, t.Wave, dep, d.Wave)
			}
		}
	}
	return nil
}

// Waves groups tasks by wave number, ascending.
func Waves(tasks []Task) [][]Task {
	byWave := make(map[int][]Task)
	for _, t := range tasks {
		byWave[t.Wave] = append(byWave[t.Wave], t)
	}
	nums := make([]int, 0, len(byWave))
	for w := range byWave {
		nums = append(nums, w)
	}
	sort.Ints(nums)
	out := make([][]Task, 0, len(nums))
	for _, w := range nums {
		out = append(out, byWave[w])
	}
	return out
}
