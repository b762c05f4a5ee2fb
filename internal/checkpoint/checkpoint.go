// Package checkpoint persists batch progress so a killed run can resume
// without reprocessing completed pairs.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"
)

// ErrCorrupt is returned when neither the checkpoint nor its backup can be read
var ErrCorrupt = errors.New("checkpoint and backup are both unreadable")

// Outcome is the result of processing one item
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
	OutcomeDeferred  Outcome = "deferred"
)

// IsValid checks if the outcome value is valid
func (o Outcome) IsValid() bool {
	switch o {
	case OutcomeProcessed, OutcomeSkipped, OutcomeFailed, OutcomeDeferred:
		return true
	}
	return false
}

// State is the on-disk checkpoint document. ProcessedIDs holds every
// completed item (processed or skipped); failed and deferred items are
// retried on resume.
type State struct {
	Job             string    `json:"job"`
	RunID           string    `json:"run_id"`
	ProcessedIDs    []string  `json:"processed_ids"`
	FailedIDs       []string  `json:"failed_ids"`
	DeferredIDs     []string  `json:"deferred_ids"`
	LastProcessedID string    `json:"last_processed_id"`
	ProcessedCount  int       `json:"processed_count"`
	SkippedCount    int       `json:"skipped_count"`
	FailedCount     int       `json:"failed_count"`
	DeferredCount   int       `json:"deferred_count"`
	LastUpdated     time.Time `json:"last_updated"`
	Total           int       `json:"total"`
}

// Checkpoint is a checkpoint file for one job. It is safe for concurrent use.
type Checkpoint struct {
	mu    sync.Mutex
	path  string
	state State
	done  map[string]bool

	// RecoveredFromBackup is set when the primary file was unreadable and
	// the backup copy was loaded instead
	RecoveredFromBackup bool
}

// Path returns the checkpoint file location for a job
func Path(dir, job string) string {
	return filepath.Join(dir, job+".checkpoint.json")
}

// BackupPath returns the backup file location for a checkpoint file
func BackupPath(path string) string {
	return path + ".bak"
}

// Open loads the checkpoint for job from dir, or starts an empty one when
// none exists. A corrupt file falls back to its backup.
func Open(dir, job, runID string) (*Checkpoint, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating checkpoint directory: %w", err)
	}

	c := &Checkpoint{
		path: Path(dir, job),
		done: make(map[string]bool),
	}

	state, err := readState(c.path)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		state, err = readState(BackupPath(c.path))
		if errors.Is(err, os.ErrNotExist) {
			state = &State{}
			err = nil
		} else if err == nil {
			c.RecoveredFromBackup = true
		}
	default:
		state, err = readState(BackupPath(c.path))
		if err == nil {
			c.RecoveredFromBackup = true
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, c.path, err)
	}

	c.state = *state
	c.state.Job = job
	c.state.RunID = runID
	for _, id := range c.state.ProcessedIDs {
		c.done[id] = true
	}
	return c, nil
}

// Fresh starts an empty checkpoint for job, discarding any previous progress
// once the first item is recorded.
func Fresh(dir, job, runID string) (*Checkpoint, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating checkpoint directory: %w", err)
	}
	return &Checkpoint{
		path:  Path(dir, job),
		state: State{Job: job, RunID: runID},
		done:  make(map[string]bool),
	}, nil
}

// File returns the checkpoint file path
func (c *Checkpoint) File() string {
	return c.path
}

// Done reports whether id completed in this or an earlier run
func (c *Checkpoint) Done(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done[id]
}

// SetTotal records the number of items the run intends to visit
func (c *Checkpoint) SetTotal(total int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Total = total
	return c.saveLocked()
}

// Record stores the outcome of id and rewrites the checkpoint file
func (c *Checkpoint) Record(id string, outcome Outcome) error {
	if !outcome.IsValid() {
		return fmt.Errorf("invalid outcome %q", outcome)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.state.FailedIDs = remove(c.state.FailedIDs, id)
	c.state.DeferredIDs = remove(c.state.DeferredIDs, id)

	switch outcome {
	case OutcomeProcessed, OutcomeSkipped:
		if !c.done[id] {
			c.done[id] = true
			c.state.ProcessedIDs = append(c.state.ProcessedIDs, id)
		}
		c.state.LastProcessedID = id
		if outcome == OutcomeProcessed {
			c.state.ProcessedCount++
		} else {
			c.state.SkippedCount++
		}
	case OutcomeFailed:
		c.state.FailedIDs = append(c.state.FailedIDs, id)
		c.state.FailedCount++
	case OutcomeDeferred:
		c.state.DeferredIDs = append(c.state.DeferredIDs, id)
		c.state.DeferredCount++
	}

	return c.saveLocked()
}

// State returns a copy of the current state
func (c *Checkpoint) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.state
	s.ProcessedIDs = slices.Clone(c.state.ProcessedIDs)
	s.FailedIDs = slices.Clone(c.state.FailedIDs)
	s.DeferredIDs = slices.Clone(c.state.DeferredIDs)
	return s
}

// saveLocked copies the current file to the backup, then replaces the
// file atomically using temp file + rename
func (c *Checkpoint) saveLocked() error {
	c.state.LastUpdated = time.Now().UTC()

	data, err := json.MarshalIndent(c.state, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing checkpoint: %w", err)
	}

	if current, err := os.ReadFile(c.path); err == nil {
		if json.Valid(current) {
			if err := writeAtomic(BackupPath(c.path), current); err != nil {
				return fmt.Errorf("writing checkpoint backup: %w", err)
			}
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("reading checkpoint: %w", err)
	}

	if err := writeAtomic(c.path, data); err != nil {
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath) // Clean up on error (best effort)
		return err
	}
	return nil
}

func readState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	return &state, nil
}

func remove(ids []string, id string) []string {
	return slices.DeleteFunc(ids, func(s string) bool { return s == id })
}
