// Package engine is the HTTP client for the BPMN process engine: external
// task fetch/lock/complete/failure, process variables and definition XML,
// plus the parsed-diagram metadata cache.
package engine

import (
	"encoding/json"
	"fmt"
	"time"
)

// Variable is a typed engine variable. At the wire boundary it is the
// Camunda {value, type} pair; internally the core keeps native values.
type Variable struct {
	Value     any    `json:"value"`
	Type      string `json:"type"`
	ValueInfo any    `json:"valueInfo,omitempty"`
}

// Camunda timestamp formats observed on the wire.
var timeFormats = []string{
	"2006-01-02T15:04:05.999-0700",
	"2006-01-02T15:04:05-0700",
	time.RFC3339,
	time.RFC3339Nano,
}

// ParseTime parses an engine timestamp, trying each known format.
func ParseTime(s string) (time.Time, error) {
	var lastErr error
	for _, format := range timeFormats {
		t, err := time.Parse(format, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, fmt.Errorf("parse engine timestamp %q: %w", s, lastErr)
}

// StringVariable creates a String variable.
func StringVariable(value string) Variable {
	return Variable{Value: value, Type: "String"}
}

// BooleanVariable creates a Boolean variable.
func BooleanVariable(value bool) Variable {
	return Variable{Value: value, Type: "Boolean"}
}

// LongVariable creates a Long variable.
func LongVariable(value int64) Variable {
	return Variable{Value: value, Type: "Long"}
}

// DoubleVariable creates a Double variable.
func DoubleVariable(value float64) Variable {
	return Variable{Value: value, Type: "Double"}
}

// DateVariable creates a Date variable.
func DateVariable(value time.Time) Variable {
	return Variable{Value: value.Format(time.RFC3339), Type: "Date"}
}

// NullVariable creates a Null variable.
func NullVariable() Variable {
	return Variable{Value: nil, Type: "Null"}
}

// JSONVariable creates a Json variable from any value.
func JSONVariable(value any) Variable {
	data, err := json.Marshal(value)
	if err != nil {
		return Variable{
			Value: fmt.Sprintf("ERROR: failed to marshal JSON: %v", err),
			Type:  "String",
		}
	}
	return Variable{Value: string(data), Type: "Json"}
}

// FromNative converts a native Go value to its engine variable form.
// Values without a dedicated engine type are JSON-encoded.
func FromNative(value any) Variable {
	switch v := value.(type) {
	case nil:
		return NullVariable()
	case string:
		return StringVariable(v)
	case bool:
		return BooleanVariable(v)
	case int:
		return LongVariable(int64(v))
	case int32:
		return LongVariable(int64(v))
	case int64:
		return LongVariable(v)
	case float32:
		return DoubleVariable(float64(v))
	case float64:
		// JSON numbers decode as float64; keep integral values Long so
		// gateway expressions comparing to integers keep working.
		if v == float64(int64(v)) {
			return LongVariable(int64(v))
		}
		return DoubleVariable(v)
	case time.Time:
		return DateVariable(v)
	case Variable:
		return v
	default:
		return JSONVariable(v)
	}
}

// Native returns the variable's value as a plain Go value.
func (v Variable) Native() any {
	return v.Value
}

// VariableMap converts native values to engine variables, keyed by name.
func VariableMap(values map[string]any) map[string]Variable {
	out := make(map[string]Variable, len(values))
	for name, value := range values {
		out[name] = FromNative(value)
	}
	return out
}
