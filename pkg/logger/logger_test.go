package logger

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerWritesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")

	l, err := NewLogger(
		WithLevel("debug"),
		WithEncoding("json"),
		WithOutputPaths([]string{path}),
		WithErrorPaths(nil),
	)
	require.NoError(t, err)

	l.Named("store").Info("record written", String("identity", "note.txt"))
	_ = l.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"record written"`)
	assert.Contains(t, string(data), `"identity":"note.txt"`)
	assert.Contains(t, string(data), `"logger":"store"`)
}

func TestNewLoggerRejectsBadLevel(t *testing.T) {
	_, err := NewLogger(WithLevel("loud"), WithOutputPaths([]string{"stdout"}), WithErrorPaths(nil))
	assert.Error(t, err)
}

func TestFromConfigKeepsDefaults(t *testing.T) {
	opts := FromConfig(Config{Level: "warn"})
	assert.Len(t, opts, 1)
}

func TestTestLoggerChildrenShareEntries(t *testing.T) {
	l := NewTestLogger()
	child := l.Named("sync").With(String("cycle", "c1"))
	child.Warn("delete failed")

	entries := l.GetEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, "sync", entries[0].Logger)
	assert.Len(t, entries[0].Fields, 1)
	assert.True(t, l.HasMessage("WARN", "delete failed"))

	l.Clear()
	assert.Empty(t, l.GetEntries())
}

func TestContextLogger(t *testing.T) {
	base := NewTestLogger()
	ctx := IntoContext(context.Background(), base.Named("cycle"))

	FromContext(ctx, NewNop()).Info("hello")
	FromContext(context.Background(), base).Info("fallback")

	entries := base.GetEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, "cycle", entries[0].Logger)
	assert.Equal(t, "", entries[1].Logger)
}
