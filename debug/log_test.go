package debug

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, SetOutput(&buf, "warn"))
	t.Cleanup(Disable)

	Log("engine", "tick %d", 1)
	assert.Empty(t, buf.String())

	Warn("bus overrun", "bus", "synth")
	assert.Contains(t, buf.String(), "bus overrun")
	assert.Contains(t, buf.String(), "synth")

	require.NoError(t, SetLevel("debug"))
	Log("engine", "tick %d", 2)
	assert.Contains(t, buf.String(), "tick 2")
}

func TestSetLevelRejectsUnknown(t *testing.T) {
	assert.Error(t, SetLevel("chatty"))
}

func TestLogEveryThrottles(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, SetOutput(&buf, "debug"))
	t.Cleanup(Disable)

	for i := 0; i < 10; i++ {
		LogEvery(5, "test", "late tick")
	}
	assert.Equal(t, 2, strings.Count(buf.String(), "late tick"))
}

func TestEnableWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "debug.log")
	require.NoError(t, Enable(path))
	Log("test", "hello %s", "file")
	Disable()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello file")
}
