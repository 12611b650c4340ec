// Package checkpoint persists the runtime state to disk after every node
// hop, with rotated backups, per-step artifacts and a database snapshot
// fallback for when the filesystem is unavailable.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"loom/internal/observability"
	"loom/internal/shared/logging"
	"loom/internal/state"
)

const (
	stateFile    = "state.json"
	metadataFile = "metadata.json"
	maxBackups   = 3
)

var nonWordPattern = regexp.MustCompile(`\W`)

// SnapshotStore is the database fallback surface, satisfied by the task
// store.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, taskID string, snapshot json.RawMessage) error
	Snapshot(ctx context.Context, taskID string) (json.RawMessage, error)
}

// Metadata describes one workflow directory.
type Metadata struct {
	TaskID            string    `json:"task_id"`
	SessionID         string    `json:"session_id,omitempty"`
	UserID            string    `json:"user_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
	TotalSteps        int       `json:"total_steps"`
	NodeTypesExecuted []string  `json:"node_types_executed,omitempty"`
}

// Store writes and reads task checkpoints under a base directory.
type Store struct {
	baseDir  string
	fallback SnapshotStore
	logger   logging.Logger

	now func() time.Time
}

// Option customises a Store.
type Option func(*Store)

// WithSnapshotStore enables the database fallback.
func WithSnapshotStore(s SnapshotStore) Option {
	return func(st *Store) { st.fallback = s }
}

// WithClock overrides the directory-timestamp clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(st *Store) { st.now = now }
}

// New constructs a checkpoint store rooted at baseDir.
func New(baseDir string, opts ...Option) *Store {
	s := &Store{
		baseDir: baseDir,
		logger:  logging.NewComponentLogger("CheckpointStore"),
		now:     time.Now,
	}
	for _, fn := range opts {
		fn(s)
	}
	return s
}

// CreateWorkflowDirectory ensures the timestamped directory for the task
// exists and carries metadata. An existing directory for the same task is
// reused so resumes keep appending to one place.
func (s *Store) CreateWorkflowDirectory(taskID, userID, sessionID string) (string, error) {
	if dir := s.findWorkflowDir(taskID); dir != "" {
		return dir, nil
	}
	stamp := s.now().Format("20060102_150405")
	dir := filepath.Join(s.baseDir, userID, "sessions", fmt.Sprintf("%s_%s", stamp, taskID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workflow directory: %w", err)
	}
	now := s.now()
	meta := Metadata{TaskID: taskID, SessionID: sessionID, UserID: userID, CreatedAt: now, UpdatedAt: now}
	if err := s.writeMetadata(dir, meta); err != nil {
		return "", err
	}
	return dir, nil
}

// Save writes the full state. A filesystem failure degrades to the
// database snapshot; the caller sees an error only when every sink fails.
func (s *Store) Save(ctx context.Context, taskID string, st *state.RuntimeState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize state for %s: %w", taskID, err)
	}

	fsErr := s.saveToFile(taskID, data)
	if fsErr == nil {
		observability.CheckpointWrites.WithLabelValues("file", "ok").Inc()
		return nil
	}
	observability.CheckpointWrites.WithLabelValues("file", "error").Inc()
	s.logger.Error("filesystem checkpoint failed for %s, falling back to database: %v", taskID, fsErr)

	if s.fallback == nil {
		return fmt.Errorf("checkpoint save failed for %s: %w", taskID, fsErr)
	}
	if dbErr := s.fallback.SaveSnapshot(ctx, taskID, data); dbErr != nil {
		observability.CheckpointWrites.WithLabelValues("database", "error").Inc()
		return fmt.Errorf("checkpoint save failed for %s: filesystem: %v; database: %w", taskID, fsErr, dbErr)
	}
	observability.CheckpointWrites.WithLabelValues("database", "ok").Inc()
	return nil
}

func (s *Store) saveToFile(taskID string, data []byte) error {
	dir := s.findWorkflowDir(taskID)
	if dir == "" {
		return fmt.Errorf("no workflow directory for %s", taskID)
	}
	target := filepath.Join(dir, stateFile)
	rotateBackups(target)
	if err := writeFileAtomic(target, data); err != nil {
		return err
	}
	s.touchMetadata(dir, func(m *Metadata) {})
	return nil
}

// rotateBackups shifts state.json → .1 → .2 → .3, dropping the oldest.
func rotateBackups(target string) {
	os.Remove(fmt.Sprintf("%s.%d", target, maxBackups))
	for i := maxBackups - 1; i >= 1; i-- {
		os.Rename(fmt.Sprintf("%s.%d", target, i), fmt.Sprintf("%s.%d", target, i+1))
	}
	if _, err := os.Stat(target); err == nil {
		os.Rename(target, target+".1")
	}
}

// Load reconstructs the state: newest timestamped directory first, then
// the legacy flat directory, then the database snapshot. Returns
// (nil, nil) when no record exists anywhere.
func (s *Store) Load(ctx context.Context, taskID string) (*state.RuntimeState, error) {
	if dir := s.findWorkflowDir(taskID); dir != "" {
		if st := s.loadFromDir(taskID, dir); st != nil {
			return st, nil
		}
	}
	legacy := filepath.Join(s.baseDir, taskID)
	if info, err := os.Stat(legacy); err == nil && info.IsDir() {
		if st := s.loadFromDir(taskID, legacy); st != nil {
			return st, nil
		}
	}
	if s.fallback != nil {
		snap, err := s.fallback.Snapshot(ctx, taskID)
		if err != nil {
			s.logger.Warn("database snapshot lookup failed for %s: %v", taskID, err)
		} else if len(snap) > 0 {
			st, derr := decodeState(taskID, snap, s.logger)
			if derr != nil {
				s.logger.Error("database snapshot corrupt for %s: %v", taskID, derr)
				return nil, derr
			}
			return st, nil
		}
	}
	return nil, nil
}

// loadFromDir tries state.json and then the rotated backups.
func (s *Store) loadFromDir(taskID, dir string) *state.RuntimeState {
	candidates := []string{filepath.Join(dir, stateFile)}
	for i := 1; i <= maxBackups; i++ {
		candidates = append(candidates, filepath.Join(dir, fmt.Sprintf("%s.%d", stateFile, i)))
	}
	for _, path := range candidates {
		data, err := readFileShared(path)
		if err != nil {
			continue
		}
		st, derr := decodeState(taskID, data, s.logger)
		if derr != nil {
			s.logger.Warn("corrupt checkpoint %s: %v", path, derr)
			continue
		}
		return st
	}
	return nil
}

func decodeState(taskID string, data []byte, logger logging.Logger) (*state.RuntimeState, error) {
	var st state.RuntimeState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode state for %s: %w", taskID, err)
	}
	if st.MigratedFlatHistory() {
		logger.Warn("task %s: flat action_history wrapped into one conversation", taskID)
	}
	st.EnsureHistory()
	return &st, nil
}

// SaveStep writes one per-node artifact and bumps the metadata counters.
// Failures are logged, never fatal to the run.
func (s *Store) SaveStep(taskID string, stepNumber int, nodeType string, output any, toolName string) bool {
	dir := s.findWorkflowDir(taskID)
	if dir == "" {
		s.logger.Warn("no workflow directory for %s, dropping step %d artifact", taskID, stepNumber)
		return false
	}
	name := fmt.Sprintf("%d_%s", stepNumber, nodeType)
	if toolName != "" {
		name = fmt.Sprintf("%s_%s", name, SanitizeToolName(toolName))
	}
	artifact := map[string]any{
		"step_number": stepNumber,
		"node_type":   nodeType,
		"timestamp":   s.now().Format(time.RFC3339),
		"output":      output,
	}
	if toolName != "" {
		artifact["tool_name"] = toolName
	}
	data, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		data = []byte(fmt.Sprintf("%q", fmt.Sprint(artifact)))
	}
	if err := writeFileAtomic(filepath.Join(dir, name+".json"), data); err != nil {
		s.logger.Warn("step artifact write failed for %s step %d: %v", taskID, stepNumber, err)
		return false
	}
	s.touchMetadata(dir, func(m *Metadata) {
		m.TotalSteps++
		for _, t := range m.NodeTypesExecuted {
			if t == nodeType {
				return
			}
		}
		m.NodeTypesExecuted = append(m.NodeTypesExecuted, nodeType)
	})
	return true
}

// Metadata reads the metadata file for the task's workflow directory.
func (s *Store) Metadata(taskID string) (*Metadata, error) {
	dir := s.findWorkflowDir(taskID)
	if dir == "" {
		return nil, fmt.Errorf("no workflow directory for %s", taskID)
	}
	data, err := readFileShared(filepath.Join(dir, metadataFile))
	if err != nil {
		return nil, fmt.Errorf("read metadata for %s: %w", taskID, err)
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode metadata for %s: %w", taskID, err)
	}
	return &m, nil
}

// findWorkflowDir returns the newest timestamped directory whose name
// ends in _{taskID}, or "".
func (s *Store) findWorkflowDir(taskID string) string {
	pattern := filepath.Join(s.baseDir, "*", "sessions", "*_"+taskID)
	matches, err := filepath.Glob(pattern)
	if err != nil || len(matches) == 0 {
		return ""
	}
	var dirs []string
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil && info.IsDir() {
			dirs = append(dirs, m)
		}
	}
	if len(dirs) == 0 {
		return ""
	}
	// Directory names start with YYYYMMDD_HHMMSS, so lexical order is
	// chronological.
	sort.Strings(dirs)
	return dirs[len(dirs)-1]
}

func (s *Store) writeMetadata(dir string, m Metadata) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize metadata: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, metadataFile), data); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

func (s *Store) touchMetadata(dir string, update func(*Metadata)) {
	var m Metadata
	if data, err := readFileShared(filepath.Join(dir, metadataFile)); err == nil {
		_ = json.Unmarshal(data, &m)
	}
	update(&m)
	m.UpdatedAt = s.now()
	if err := s.writeMetadata(dir, m); err != nil {
		s.logger.Warn("metadata update failed in %s: %v", dir, err)
	}
}

// SanitizeToolName makes a tool name filesystem safe: non-word runes
// become underscores and the result is truncated at 50 characters.
func SanitizeToolName(name string) string {
	clean := nonWordPattern.ReplaceAllString(name, "_")
	if len(clean) > 50 {
		clean = clean[:50]
	}
	return strings.TrimSpace(clean)
}
