package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_HasComponent(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Init("debug", "json", &buf))

	New("test-component").Info("hello")

	output := buf.String()
	assert.Contains(t, output, `"component":"test-component"`)
	assert.Contains(t, output, "hello")
}

func TestInit_ConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Init("info", "console", &buf))

	New("fmt-test").Info("console check")

	output := buf.String()
	assert.Contains(t, output, "INFO")
	assert.Contains(t, output, "console check")
}

func TestInit_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Init("info", "json", &buf))

	New("json-test").Info("json check")

	output := buf.String()
	assert.Contains(t, output, `"level":"info"`)
	assert.Contains(t, output, `"msg":"json check"`)
}

func TestInit_LevelGating(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Init("warn", "console", &buf))

	logger := New("gate-test")
	logger.Info("should be suppressed")
	logger.Warn("should appear")

	output := buf.String()
	assert.NotContains(t, output, "should be suppressed")
	assert.Contains(t, output, "should appear")
}

func TestInit_Rejects(t *testing.T) {
	assert.Error(t, Init("loud", "json"))
	assert.Error(t, Init("info", "xml"))
}
