package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   LogLevelDebug,
		"INFO":    LogLevelInfo,
		"":        LogLevelInfo,
		"warning": LogLevelWarn,
		" error ": LogLevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&LoggerConfig{Level: LogLevelWarn, Format: "json", Output: &buf, Component: "flow"})

	l.Info("hidden")
	l.Warn("job failed", "stage", "double", "packet_id", "p1")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "job failed", entry["msg"])
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "flow", entry["component"])
	assert.Equal(t, "double", entry["stage"])
}

func TestSlogAdapterWith(t *testing.T) {
	var buf bytes.Buffer
	base := NewLogger(&LoggerConfig{Level: LogLevelDebug, Format: "text", Output: &buf}).(*SlogAdapter)

	base.With("flow", "orders").Debug("dispatching packet")
	assert.Contains(t, buf.String(), "flow=orders")
	assert.Contains(t, buf.String(), "level=DEBUG")
}

func TestNoOpLogger(t *testing.T) {
	var l Logger = NoOpLogger{}
	assert.NotPanics(t, func() {
		l.Debug("a")
		l.Info("b", "k", 1)
		l.Warn("c")
		l.Error("d")
	})
	assert.Equal(t, "ERROR", LogLevelError.String())
	assert.Equal(t, "UNKNOWN", LogLevel(9).String())
}
