package logx

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lines(t *testing.T, b *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, ln := range strings.Split(strings.TrimSpace(b.String()), "\n") {
		if ln == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(ln), &m))
		out = append(out, m)
	}
	return out
}

func TestLoggerFieldsAndLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "info").With(String("comp", "test"))

	l.Debug("hidden")
	l.Info("shown", Int("n", 2), Strings("tags", []string{"a", "b"}), Err(nil))

	got := lines(t, &buf)
	require.Len(t, got, 1)
	assert.Equal(t, "shown", got[0]["message"])
	assert.Equal(t, "test", got[0]["comp"])
	assert.Equal(t, float64(2), got[0]["n"])
	assert.Equal(t, []any{"a", "b"}, got[0]["tags"])
	assert.NotContains(t, got[0], "err")
	assert.Contains(t, got[0]["caller"], "logx_test.go:")
	assert.False(t, l.Enabled(LevelDebug))
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	assert.True(t, l.IsZero())
	l.Error("nothing happens")
	assert.False(t, Nop().IsZero())
}

func TestStdLog(t *testing.T) {
	var buf bytes.Buffer
	std := NewStdLog(NewWriter(&buf, "debug"), LevelWarn)
	std.Printf("tls handshake error from %s", "1.2.3.4")

	got := lines(t, &buf)
	require.Len(t, got, 1)
	assert.Equal(t, "warn", got[0]["level"])
	assert.Equal(t, "tls handshake error from 1.2.3.4", got[0]["message"])
}

func TestServiceApply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.log")
	svc, l := New(Config{Level: "error", File: FileConfig{Enabled: true, Path: path}})
	defer svc.Close()

	l.Info("dropped")
	assert.Equal(t, LevelError, svc.Level())

	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	l.With(String("comp", "x")).Debug("kept")
	assert.Equal(t, "debug", svc.Config().Level)
	require.NoError(t, svc.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	got := lines(t, bytes.NewBuffer(b))
	require.Len(t, got, 1)
	assert.Equal(t, "kept", got[0]["message"])
	assert.Equal(t, "x", got[0]["comp"])
}

func TestValidLevel(t *testing.T) {
	for _, s := range []string{"", "info", " WARN ", "warning", "trace"} {
		assert.True(t, ValidLevel(s), s)
	}
	assert.False(t, ValidLevel("loud"))
}
