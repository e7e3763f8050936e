package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&Config{Level: "debug", Output: &buf})

	l.WithFields(map[string]interface{}{"dispatch_id": "d-1"}).
		Error(errors.New("boom"), "delivery failed", "attempt", 2)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, "delivery failed", entry["message"])
	assert.Equal(t, "d-1", entry["dispatch_id"])
	assert.Equal(t, "boom", entry["error"])
	assert.Equal(t, float64(2), entry["attempt"])
}

func TestNewLogger_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&Config{Level: "warn", Output: &buf})

	l.Info("hidden")
	assert.Zero(t, buf.Len())

	l.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, InfoLevel, ParseLevel(""))
	assert.Equal(t, InfoLevel, ParseLevel("loud"))
	assert.Equal(t, DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, ErrorLevel, ParseLevel("error"))
}
