package domain

import "github.com/google/uuid"

// DefaultPriority is assigned to queue items when the caller does not choose one.
// Lower values are claimed first.
const DefaultPriority = 100

// Metadata is an unstructured configuration container for blocks and events.
type Metadata map[string]any

func (m Metadata) Clone() Metadata {
	if m == nil {
		return Metadata{}
	}
	copy := make(Metadata, len(m))
	for k, v := range m {
		copy[k] = v
	}
	return copy
}

// String returns the value at key when it is a string.
func (m Metadata) String(key string) (string, bool) {
	if m == nil {
		return "", false
	}
	v, ok := m[key].(string)
	return v, ok
}

// Map returns the nested object at key.
func (m Metadata) Map(key string) (Metadata, bool) {
	if m == nil {
		return nil, false
	}
	switch v := m[key].(type) {
	case Metadata:
		return v, true
	case map[string]any:
		return Metadata(v), true
	default:
		return nil, false
	}
}

// Number returns the value at key as a float64, accepting the numeric shapes
// produced by the JSON and YAML decoders.
func (m Metadata) Number(key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	switch v := m[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	case uint64:
		return float64(v), true
	default:
		return 0, false
	}
}

func NewID() string {
	return uuid.NewString()
}
