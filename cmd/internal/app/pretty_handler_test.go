package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripANSI(t *testing.T) {
	t.Parallel()

	in := ansiBlue + "INFO" + ansiReset + " plain " + ansiRed + "ERR" + ansiReset
	assert.Equal(t, "INFO plain ERR", stripANSI(in))
}

func TestPrettyHandler_ColorizesKnownKeys(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, true))
	log.Warn("http.request",
		"method", "get",
		"status", 404,
		"duration_ms", int64(300),
		"result", "not_found",
	)

	out := buf.String()
	assert.Contains(t, out, ansiYellow+"[WARN]"+ansiReset)
	assert.Contains(t, out, "method="+ansiGreen+"GET"+ansiReset)
	assert.Contains(t, out, "status="+ansiYellow+"404"+ansiReset)
	assert.Contains(t, out, "duration_ms="+ansiYellow+"300ms"+ansiReset)
	assert.Contains(t, out, "result="+ansiYellow+"not_found"+ansiReset)

	plain := stripANSI(out)
	assert.Contains(t, plain, "[WARN] http.request method=GET status=404 duration_ms=300ms result=not_found")
}

func TestPrettyHandler_GroupsAndQuoting(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, nil, false)).
		WithGroup("cache").
		With("path", "/var/lib/sessiond cache.db")
	log.Info("cache.open", slog.Group("bolt", slog.Int("pages", 4)), "note", "")

	line := strings.TrimSpace(buf.String())
	require.NotEmpty(t, line)
	assert.Contains(t, line, `cache.path="/var/lib/sessiond cache.db"`)
	assert.Contains(t, line, "cache.bolt.pages=4")
	assert.Contains(t, line, `cache.note=""`)
}

func TestPrettyHandler_LevelFilter(t *testing.T) {
	t.Parallel()

	h := newPrettyHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn}, false)
	assert.False(t, h.Enabled(t.Context(), slog.LevelInfo))
	assert.True(t, h.Enabled(t.Context(), slog.LevelError))
}

func TestLevelTag(t *testing.T) {
	t.Parallel()

	cases := []struct {
		level slog.Level
		want  string
	}{
		{slog.LevelDebug, "[DEBUG]"},
		{slog.LevelInfo, "[INFO]"},
		{slog.LevelWarn, "[WARN]"},
		{slog.LevelError + 4, "[ERROR]"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, levelTag(tc.level, false))
		assert.Equal(t, tc.want, stripANSI(levelTag(tc.level, true)))
	}
}
