// Package variables holds the variable bindings of a single scenario
// instance: values seeded from payloads and inline variables, and values
// captured from responses along the flow.
package variables

import (
	"encoding/json"
	"fmt"
)

// Store is what templating and capture need from a scenario's bindings.
type Store interface {
	Set(key, value string)
	// Get reports ("", false) for unbound names.
	Get(key string) (string, bool)
	// GetAll returns a copy.
	GetAll() map[string]string
	// Merge binds every entry of record, overwriting existing keys.
	Merge(record map[string]string)
}

// MemoryStore is owned by a single scenario instance, whose steps run one at
// a time, and is not safe for concurrent use.
type MemoryStore struct {
	variables map[string]string
}

func NewStore() *MemoryStore {
	return &MemoryStore{variables: make(map[string]string)}
}

func (m *MemoryStore) Set(key, value string) {
	m.variables[key] = value
}

func (m *MemoryStore) Get(key string) (string, bool) {
	value, ok := m.variables[key]
	return value, ok
}

func (m *MemoryStore) GetAll() map[string]string {
	result := make(map[string]string, len(m.variables))
	for key, value := range m.variables {
		result[key] = value
	}
	return result
}

func (m *MemoryStore) Merge(record map[string]string) {
	for key, value := range record {
		m.variables[key] = value
	}
}

// Format renders a decoded script value as a variable string. Strings are
// kept verbatim, composite values are encoded as JSON.
func Format(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case map[string]any, []any:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(raw)
	default:
		return fmt.Sprintf("%v", val)
	}
}
