// Package dataref expands ${...} references inside tool inputs: archived
// action outputs by id and dotted paths into the runtime state.
package dataref

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"loom/internal/shared/logging"
	"loom/internal/state"
)

var (
	refPattern      = regexp.MustCompile(`\$\{([^}]+)\}`)
	actionIDPattern = regexp.MustCompile(`^action_\d+$`)
)

// missingMarker is the literal expansion for an unresolvable token. The
// step keeps running; the model sees the failure inline.
func missingMarker(token string) string {
	return fmt.Sprintf("[数据提取失败: %s]", token)
}

// Resolver substitutes data references against one state snapshot. The
// state map is materialized once per Resolve call tree.
type Resolver struct {
	logger logging.Logger
}

// New returns a resolver logging through the given logger.
func New(logger logging.Logger) *Resolver {
	return &Resolver{logger: logging.OrNop(logger)}
}

// Resolve walks input recursively and expands every ${...} inside
// strings. Maps and lists recurse; other scalars pass through unchanged.
func (r *Resolver) Resolve(input any, st *state.RuntimeState) any {
	stateMap, err := st.AsMap()
	if err != nil {
		r.logger.Warn("state not materializable for reference resolution: %v", err)
		stateMap = map[string]any{}
	}
	return r.resolve(input, st, stateMap)
}

func (r *Resolver) resolve(input any, st *state.RuntimeState, stateMap map[string]any) any {
	switch v := input.(type) {
	case string:
		return r.resolveString(v, st, stateMap)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = r.resolve(item, st, stateMap)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = r.resolve(item, st, stateMap)
		}
		return out
	default:
		return input
	}
}

func (r *Resolver) resolveString(s string, st *state.RuntimeState, stateMap map[string]any) string {
	return refPattern.ReplaceAllStringFunc(s, func(match string) string {
		token := refPattern.FindStringSubmatch(match)[1]
		value, ok := r.lookup(token, st, stateMap)
		if !ok {
			r.logger.Warn("unresolved data reference: %s", token)
			return missingMarker(token)
		}
		return stringify(value)
	})
}

func (r *Resolver) lookup(token string, st *state.RuntimeState, stateMap map[string]any) (any, bool) {
	if actionIDPattern.MatchString(token) {
		rec, ok := st.FullActionData[token]
		if !ok || rec.ToolOutput == nil {
			return nil, false
		}
		return rec.ToolOutput, true
	}
	return walkPath(token, stateMap)
}

// walkPath follows a dotted path through the state map. Paths under
// preprocessed_files split into at most three segments because filenames
// contain dots.
func walkPath(token string, stateMap map[string]any) (any, bool) {
	var segments []string
	if strings.HasPrefix(token, "preprocessed_files.") {
		segments = strings.SplitN(token, ".", 3)
	} else {
		segments = strings.Split(token, ".")
	}
	var current any = stateMap
	for _, seg := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
}
