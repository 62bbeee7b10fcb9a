package stream

import (
	"bytes"
	"encoding/json"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/capitalize-ai/conversation-bridge/internal/aierr"
	"github.com/capitalize-ai/conversation-bridge/internal/model"
)

// Patch is one {p, o, v} incremental update.
type Patch struct {
	Path  string          `json:"p,omitempty"`
	Op    string          `json:"o,omitempty"`
	Value json.RawMessage `json:"v"`
}

// Target is what a patch path writes to.
type Target int

const (
	TargetNone Target = iota
	TargetReasoning
	TargetAnswer
	TargetElapsed
	TargetStatus
	// TargetFragments receives arrays of {type, content} fragments; each fragment
	// switches the current target by its type.
	TargetFragments
	// TargetCurrent appends to whichever text target is current.
	TargetCurrent
)

// Paths maps explicit patch paths to targets. Keys are compared without a leading slash.
type Paths map[string]Target

// PatchAccumulator applies patch triples and keeps the cumulative reasoning and answer
// text. Path-less string values append to the most recently established text target.
type PatchAccumulator struct {
	paths     Paths
	current   Target
	reasoning strings.Builder
	answer    strings.Builder
	elapsed   float64
	status    string
}

// NewPatchAccumulator creates an accumulator. Before any explicit path is seen,
// path-less values append to the answer.
func NewPatchAccumulator(paths Paths) *PatchAccumulator {
	norm := make(Paths, len(paths))
	for k, v := range paths {
		norm[strings.TrimPrefix(k, "/")] = v
	}
	return &PatchAccumulator{paths: norm, current: TargetAnswer}
}

// Current returns the text target path-less values append to.
func (a *PatchAccumulator) Current() Target { return a.current }

// Status returns the last status value seen.
func (a *PatchAccumulator) Status() string { return a.status }

// Snapshot returns the cumulative answer so far.
func (a *PatchAccumulator) Snapshot() model.AnswerUpdate {
	return model.AnswerUpdate{
		Text:                 a.answer.String(),
		ReasoningContent:     a.reasoning.String(),
		ReasoningElapsedSecs: a.elapsed,
	}
}

// ApplyJSON decodes one payload and applies it. It reports whether the answer, the
// reasoning or the elapsed time changed.
func (a *PatchAccumulator) ApplyJSON(data []byte) (bool, error) {
	var p Patch
	if err := json.Unmarshal(data, &p); err != nil {
		return false, aierr.Raise(aierr.ResponseParsingError, "malformed patch payload", aierr.WithCause(err))
	}
	return a.Apply(p)
}

// Apply applies one patch.
func (a *PatchAccumulator) Apply(p Patch) (bool, error) {
	op := strings.ToUpper(p.Op)
	if op == "BATCH" || op == "PATCH" {
		var subs []Patch
		if err := json.Unmarshal(p.Value, &subs); err != nil {
			return false, aierr.Raise(aierr.ResponseParsingError, "malformed batch patch", aierr.WithCause(err))
		}
		changed := false
		for _, sub := range subs {
			sub.Path = joinPath(p.Path, sub.Path)
			c, err := a.Apply(sub)
			if err != nil {
				return changed, err
			}
			changed = changed || c
		}
		return changed, nil
	}

	path := strings.TrimPrefix(p.Path, "/")
	if path == "" {
		return a.applyPathless(op, p.Value)
	}

	switch target := a.paths[path]; target {
	case TargetReasoning, TargetAnswer:
		a.current = target
		return a.write(target, op, p.Value), nil
	case TargetCurrent:
		return a.write(a.current, op, p.Value), nil
	case TargetElapsed:
		var secs float64
		if err := json.Unmarshal(p.Value, &secs); err != nil {
			return false, nil
		}
		changed := secs != a.elapsed
		a.elapsed = secs
		return changed, nil
	case TargetStatus:
		var s string
		if json.Unmarshal(p.Value, &s) == nil {
			a.status = s
		}
		return false, nil
	case TargetFragments:
		return a.applyFragments(op, p.Value)
	}
	return false, nil
}

func (a *PatchAccumulator) applyPathless(op string, v json.RawMessage) (bool, error) {
	trimmed := bytes.TrimSpace(v)
	if len(trimmed) == 0 {
		return false, nil
	}
	switch trimmed[0] {
	case '"':
		return a.write(a.current, op, v), nil
	case '{':
		var obj map[string]any
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return false, aierr.Raise(aierr.ResponseParsingError, "malformed initial object", aierr.WithCause(err))
		}
		return a.applySnapshot(obj), nil
	}
	return false, nil
}

// applySnapshot seeds state from a full object, such as the initial response document
// some backends send before patching it.
func (a *PatchAccumulator) applySnapshot(obj map[string]any) bool {
	changed := false
	for _, path := range slices.Sorted(maps.Keys(a.paths)) {
		target := a.paths[path]
		v, ok := lookup(obj, path)
		if !ok {
			continue
		}
		switch target {
		case TargetReasoning, TargetAnswer:
			s, ok := v.(string)
			if !ok {
				continue
			}
			b := a.builder(target)
			if b.String() != s {
				b.Reset()
				b.WriteString(s)
				changed = true
			}
			if s != "" {
				a.current = target
			}
		case TargetElapsed:
			if f, ok := v.(float64); ok && f != a.elapsed {
				a.elapsed = f
				changed = true
			}
		case TargetStatus:
			if s, ok := v.(string); ok {
				a.status = s
			}
		case TargetFragments:
			data, err := json.Marshal(v)
			if err != nil {
				continue
			}
			a.reasoning.Reset()
			a.answer.Reset()
			c, _ := a.applyFragments("SET", data)
			changed = changed || c
		}
	}
	return changed
}

type fragment struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

func (a *PatchAccumulator) applyFragments(op string, v json.RawMessage) (bool, error) {
	var frags []fragment
	if err := json.Unmarshal(v, &frags); err != nil {
		var one fragment
		if err := json.Unmarshal(v, &one); err != nil {
			return false, nil
		}
		frags = []fragment{one}
	}
	changed := false
	for _, f := range frags {
		switch strings.ToUpper(f.Type) {
		case "THINK", "THINKING":
			a.current = TargetReasoning
		case "RESPONSE", "TEXT":
			a.current = TargetAnswer
		default:
			continue
		}
		if f.Content != "" {
			a.builder(a.current).WriteString(f.Content)
			changed = true
		}
	}
	return changed, nil
}

func (a *PatchAccumulator) builder(t Target) *strings.Builder {
	if t == TargetReasoning {
		return &a.reasoning
	}
	return &a.answer
}

func (a *PatchAccumulator) write(t Target, op string, v json.RawMessage) bool {
	if t != TargetReasoning && t != TargetAnswer {
		return false
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return false
	}
	b := a.builder(t)
	switch op {
	case "SET", "REPLACE":
		if b.String() == s {
			return false
		}
		b.Reset()
		b.WriteString(s)
		return true
	default:
		if s == "" {
			return false
		}
		b.WriteString(s)
		return true
	}
}

func joinPath(parent, child string) string {
	if parent == "" {
		return child
	}
	if child == "" {
		return parent
	}
	return strings.TrimSuffix(parent, "/") + "/" + strings.TrimPrefix(child, "/")
}

// lookup walks a decoded JSON document along a slash-separated path. Numeric segments
// index arrays; -1 selects the last element.
func lookup(doc any, path string) (any, bool) {
	cur := doc
	for _, seg := range strings.Split(strings.TrimPrefix(path, "/"), "/") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil {
				return nil, false
			}
			if i < 0 {
				i += len(node)
			}
			if i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}
