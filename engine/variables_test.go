package engine

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromNative(t *testing.T) {
	tests := []struct {
		name     string
		value    any
		wantType string
		want     any
	}{
		{"nil", nil, "Null", nil},
		{"string", "hello", "String", "hello"},
		{"bool", true, "Boolean", true},
		{"int", 42, "Long", int64(42)},
		{"int64", int64(42), "Long", int64(42)},
		{"float", 3.5, "Double", 3.5},
		{"integral float", float64(7), "Long", int64(7)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := FromNative(tt.value)
			assert.Equal(t, tt.wantType, v.Type)
			assert.Equal(t, tt.want, v.Value)
		})
	}
}

func TestFromNativeJSONFallback(t *testing.T) {
	v := FromNative(map[string]any{"a": 1})
	assert.Equal(t, "Json", v.Type)
	assert.JSONEq(t, `{"a":1}`, v.Value.(string))

	v = FromNative([]string{"x", "y"})
	assert.Equal(t, "Json", v.Type)
	assert.JSONEq(t, `["x","y"]`, v.Value.(string))
}

func TestVariableWireShape(t *testing.T) {
	data, err := json.Marshal(map[string]Variable{
		"approved": BooleanVariable(true),
		"count":    LongVariable(3),
	})
	require.NoError(t, err)

	var decoded map[string]Variable
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "Boolean", decoded["approved"].Type)
	assert.Equal(t, true, decoded["approved"].Value)
	assert.Equal(t, "Long", decoded["count"].Type)
}

func TestParseTime(t *testing.T) {
	// Camunda's own format, with the zone offset glued on.
	got, err := ParseTime("2025-10-08T03:50:45.087+0000")
	require.NoError(t, err)
	assert.Equal(t, 2025, got.Year())

	_, err = ParseTime("not a time")
	assert.Error(t, err)
}

func TestDateVariable(t *testing.T) {
	ts := time.Date(2030, 1, 10, 0, 0, 0, 0, time.UTC)
	v := DateVariable(ts)
	assert.Equal(t, "Date", v.Type)
	assert.Equal(t, "2030-01-10T00:00:00Z", v.Value)
}
