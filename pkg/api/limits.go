package api

import "encoding/json"

// OutputLimits classifies step outputs as too large to become the terminal
// workflow output. Oversized outputs stay queryable per step but are
// flagged ExcludeFromOutput on their checkpoint. Zero fields fall back to
// the defaults.
type OutputLimits struct {
	MaxStringLen       int
	MaxArrayItems      int
	MaxSerializedBytes int
}

// DefaultOutputLimits returns the standard thresholds: 10 KB strings,
// 100-item arrays, 50 KB serialized size.
func DefaultOutputLimits() OutputLimits {
	return OutputLimits{
		MaxStringLen:       10 * 1024,
		MaxArrayItems:      100,
		MaxSerializedBytes: 50 * 1024,
	}
}

// WithDefaults fills zero fields from DefaultOutputLimits.
func (l OutputLimits) WithDefaults() OutputLimits {
	d := DefaultOutputLimits()
	if l.MaxStringLen <= 0 {
		l.MaxStringLen = d.MaxStringLen
	}
	if l.MaxArrayItems <= 0 {
		l.MaxArrayItems = d.MaxArrayItems
	}
	if l.MaxSerializedBytes <= 0 {
		l.MaxSerializedBytes = d.MaxSerializedBytes
	}
	return l
}

// Exceeded reports whether v crosses any threshold. The serialized check
// marshals v; unmarshalable values are not considered large (they fail
// later when persisted).
func (l OutputLimits) Exceeded(v any) bool {
	l = l.WithDefaults()

	switch t := v.(type) {
	case string:
		if len(t) > l.MaxStringLen {
			return true
		}
	case []any:
		if len(t) > l.MaxArrayItems {
			return true
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return len(b) > l.MaxSerializedBytes
}
