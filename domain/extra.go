package domain

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"

	"github.com/bytedance/sonic"
)

// taskFields are the task properties the engine types itself. Any other key
// of a task document is user data carried in Extra untouched. Keys are
// lower-cased because decoding into the typed fields ignores case.
var taskFields = map[string]bool{
	"_id":         true,
	"id":          true,
	"owner":       true,
	"category":    true,
	"order":       true,
	"createdat":   true,
	"title":       true,
	"description": true,
	"deadline":    true,
	"done":        true,
	"version":     true,
}

func isTaskField(key string) bool {
	return taskFields[strings.ToLower(key)]
}

// ExtraFields returns the user-defined keys of a JSON object. A typed task
// key that is not listed in accepted fails with ErrInvalidArgument.
func ExtraFields(data []byte, accepted ...string) (map[string]json.RawMessage, error) {
	return splitExtra(data, func(key string) bool {
		for _, a := range accepted {
			if strings.EqualFold(a, key) {
				return true
			}
		}
		return false
	})
}

func splitExtra(data []byte, accept func(string) bool) (map[string]json.RawMessage, error) {
	var doc map[string]json.RawMessage
	if err := sonic.ConfigStd.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	var extra map[string]json.RawMessage
	for k, v := range doc {
		if isTaskField(k) {
			if !accept(k) {
				return nil, fmt.Errorf("%w: field %q cannot be set", ErrInvalidArgument, k)
			}
			continue
		}
		if extra == nil {
			extra = make(map[string]json.RawMessage)
		}
		extra[k] = v
	}
	return extra, nil
}

type taskDoc Task

// MarshalJSON writes the typed fields with the extra fields alongside them.
func (t Task) MarshalJSON() ([]byte, error) {
	typed, err := sonic.ConfigStd.Marshal(taskDoc(t))
	if err != nil || len(t.Extra) == 0 {
		return typed, err
	}
	doc := make(map[string]json.RawMessage, len(t.Extra)+10)
	for k, v := range t.Extra {
		if !isTaskField(k) {
			doc[k] = v
		}
	}
	var fields map[string]json.RawMessage
	if err := sonic.ConfigStd.Unmarshal(typed, &fields); err != nil {
		return nil, err
	}
	maps.Copy(doc, fields)
	return sonic.ConfigStd.Marshal(doc)
}

// UnmarshalJSON reads the typed fields and keeps every other key in Extra.
func (t *Task) UnmarshalJSON(data []byte) error {
	if err := sonic.ConfigStd.Unmarshal(data, (*taskDoc)(t)); err != nil {
		return err
	}
	extra, err := splitExtra(data, func(string) bool { return true })
	if err != nil {
		return err
	}
	t.Extra = extra
	return nil
}

type patchDoc TaskPatch

// UnmarshalJSON reads a partial update. Unknown keys become Extra changes; a
// null value removes that key. The server-managed id, createdAt and version
// are rejected.
func (p *TaskPatch) UnmarshalJSON(data []byte) error {
	if err := sonic.ConfigStd.Unmarshal(data, (*patchDoc)(p)); err != nil {
		return err
	}
	extra, err := ExtraFields(data, "title", "description", "deadline", "done", "owner", "category", "order")
	if err != nil {
		return err
	}
	p.Extra = extra
	return nil
}

// MergeExtra applies changes onto base and returns a new map. A JSON null
// change deletes the key.
func MergeExtra(base, changes map[string]json.RawMessage) map[string]json.RawMessage {
	if len(changes) == 0 {
		return base
	}
	out := maps.Clone(base)
	if out == nil {
		out = make(map[string]json.RawMessage, len(changes))
	}
	for k, v := range changes {
		if v := strings.TrimSpace(string(v)); v == "" || v == "null" {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
