// Package state holds the runtime record a task mutates as it walks the
// graph: goal, preprocessed inputs, the conversation-scoped action history,
// the TODO list and the full-action archive behind ${action_id} references.
package state

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntryType is the kind of an action-history entry.
type EntryType string

const (
	EntryPlan        EntryType = "plan"
	EntryToolOutput  EntryType = "tool_output"
	EntryReflection  EntryType = "reflection"
	EntryFinalAnswer EntryType = "final_answer"
)

// ActionEntry is one ordered record inside a conversation.
type ActionEntry struct {
	Type     EntryType      `json:"type"`
	Data     map[string]any `json:"data"`
	ToolName string         `json:"tool_name,omitempty"`
}

// Conversation is the ordered entry list for one task within a session.
type Conversation []ActionEntry

// ActionRecord is the plan/tool_output/reflection triple archived per
// action id, the expansion target of ${action_<timestamp>} references.
type ActionRecord struct {
	Plan       map[string]any `json:"plan,omitempty"`
	ToolOutput map[string]any `json:"tool_output,omitempty"`
	Reflection map[string]any `json:"reflection,omitempty"`
}

// ChatMessage is one cross-session chat turn.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RetryRecord documents one output-tool retry attempt.
type RetryRecord struct {
	Attempt         int    `json:"attempt"`
	ToolName        string `json:"tool_name"`
	ErrorType       string `json:"error_type"`
	ErrorMessage    string `json:"error_message"`
	ExecutionTimeMS int64  `json:"execution_time_ms"`
	Timestamp       string `json:"timestamp"`
}

// PreprocessedFiles are the four upload buckets. Filenames are the keys
// and may contain dots.
type PreprocessedFiles struct {
	Documents map[string]any `json:"documents,omitempty"`
	Tables    map[string]any `json:"tables,omitempty"`
	Images    map[string]any `json:"images,omitempty"`
	Other     map[string]any `json:"other,omitempty"`
}

// Bucket returns the named bucket map, or nil for an unknown name.
func (p PreprocessedFiles) Bucket(name string) map[string]any {
	switch name {
	case "documents":
		return p.Documents
	case "tables":
		return p.Tables
	case "images":
		return p.Images
	case "other":
		return p.Other
	default:
		return nil
	}
}

// Empty reports whether all buckets are empty.
func (p PreprocessedFiles) Empty() bool {
	return len(p.Documents) == 0 && len(p.Tables) == 0 && len(p.Images) == 0 && len(p.Other) == 0
}

// RuntimeState is the central mutable record for one running task. Node
// handlers mutate it only through the executor; nothing else writes it
// while the task runs.
type RuntimeState struct {
	TaskGoal     string `json:"task_goal"`
	OriginalGoal string `json:"original_task_goal,omitempty"`
	Usage        string `json:"usage,omitempty"`

	PreprocessedFiles PreprocessedFiles `json:"preprocessed_files"`
	OriginImages      []string          `json:"origin_images,omitempty"`

	// ActionHistory is a list of conversations; entries are only ever
	// appended to the last one.
	ActionHistory []Conversation `json:"action_history"`

	Todo           []TodoItem              `json:"todo,omitempty"`
	FullActionData map[string]ActionRecord `json:"full_action_data,omitempty"`
	ChatHistory    []ChatMessage           `json:"chat_history,omitempty"`
	ContextMemory  map[string]any          `json:"context_memory,omitempty"`
	UserContext    map[string]any          `json:"user_context,omitempty"`

	// OutputToolInput is transient: the output selector sets it, the next
	// tool node consumes it.
	OutputToolInput map[string]any `json:"output_tool_input,omitempty"`

	RetryHistory []RetryRecord  `json:"retry_history,omitempty"`
	ErrorDetails map[string]any `json:"error_details,omitempty"`

	flatMigrated bool
	catalog      string
}

// New builds a fresh state for a task. The usage tag, when present, is
// folded into the working goal while the original text is kept verbatim
// for resumption.
func New(goal, usage string) *RuntimeState {
	s := &RuntimeState{
		TaskGoal:      ComposeGoal(goal, usage),
		OriginalGoal:  goal,
		Usage:         usage,
		ActionHistory: []Conversation{{}},
	}
	return s
}

// ComposeGoal appends the usage hint to the user's goal text.
func ComposeGoal(goal, usage string) string {
	if usage == "" {
		return goal
	}
	return fmt.Sprintf("%s\n\n[usage: %s]", goal, usage)
}

// EnsureHistory normalizes an empty action history to one empty
// conversation.
func (s *RuntimeState) EnsureHistory() {
	if len(s.ActionHistory) == 0 {
		s.ActionHistory = []Conversation{{}}
	}
}

// AppendEntry appends an entry to the current (last) conversation. This
// is the single write path into action history.
func (s *RuntimeState) AppendEntry(e ActionEntry) {
	s.EnsureHistory()
	last := len(s.ActionHistory) - 1
	s.ActionHistory[last] = append(s.ActionHistory[last], e)
}

// StartConversation pushes a fresh conversation; used when a new task is
// appended to an existing session.
func (s *RuntimeState) StartConversation() {
	s.EnsureHistory()
	s.ActionHistory = append(s.ActionHistory, Conversation{})
}

// CurrentConversation returns the conversation being written.
func (s *RuntimeState) CurrentConversation() Conversation {
	s.EnsureHistory()
	return s.ActionHistory[len(s.ActionHistory)-1]
}

// MigratedFlatHistory reports whether the last unmarshal wrapped a
// legacy flat entry list into a single conversation.
func (s *RuntimeState) MigratedFlatHistory() bool { return s.flatMigrated }

// RecordAction archives the plan/tool_output/reflection triple under a
// fresh action id and returns the id.
func (s *RuntimeState) RecordAction(rec ActionRecord) string {
	if s.FullActionData == nil {
		s.FullActionData = make(map[string]ActionRecord)
	}
	id := s.newActionID()
	s.FullActionData[id] = rec
	return id
}

func (s *RuntimeState) newActionID() string {
	ts := time.Now().Unix()
	id := fmt.Sprintf("action_%d", ts)
	for _, exists := s.FullActionData[id]; exists; _, exists = s.FullActionData[id] {
		ts++
		id = fmt.Sprintf("action_%d", ts)
	}
	return id
}

// AsMap renders the state as a generic JSON map for dotted-path lookup.
func (s *RuntimeState) AsMap() (map[string]any, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("serialize state: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("reload state map: %w", err)
	}
	return m, nil
}

// UnmarshalJSON accepts both the nested action-history form and the
// legacy flat entry list, which is wrapped into a single conversation.
func (s *RuntimeState) UnmarshalJSON(data []byte) error {
	type alias RuntimeState
	aux := struct {
		*alias
		ActionHistory json.RawMessage `json:"action_history"`
	}{alias: (*alias)(s)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	hist, migrated, err := parseActionHistory(aux.ActionHistory)
	if err != nil {
		return err
	}
	s.ActionHistory = hist
	s.flatMigrated = migrated
	return nil
}

func parseActionHistory(raw json.RawMessage) ([]Conversation, bool, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return []Conversation{{}}, false, nil
	}
	var nested []Conversation
	if err := json.Unmarshal(raw, &nested); err == nil {
		if len(nested) == 0 {
			nested = []Conversation{{}}
		}
		return nested, false, nil
	}
	var flat []ActionEntry
	if err := json.Unmarshal(raw, &flat); err == nil {
		return []Conversation{flat}, true, nil
	}
	return nil, false, fmt.Errorf("action_history has heterogeneous elements")
}
