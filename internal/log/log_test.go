package log_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/CZERTAINLY/queue/internal/log"
	"github.com/stretchr/testify/require"
)

func TestContextAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(false, &buf)

	ctx := log.ContextAttrs(t.Context(), slog.String("role", "owner"))
	a := log.ContextAttrs(ctx, slog.Int("job", 1))
	b := log.ContextAttrs(ctx, slog.Int("job", 2))

	logger.DebugContext(a, "hidden")
	logger.InfoContext(a, "first")
	logger.InfoContext(b, "second")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &rec))
	require.Equal(t, "first", rec["msg"])
	require.Equal(t, "owner", rec["role"])
	require.EqualValues(t, 1, rec["job"])

	require.NoError(t, json.Unmarshal(lines[1], &rec))
	require.Equal(t, "second", rec["msg"])
	require.EqualValues(t, 2, rec["job"])
}

func TestVerbose(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(true, &buf).With("component", "test")
	logger.Debug("visible")
	require.Contains(t, buf.String(), `"msg":"visible"`)
	require.Contains(t, buf.String(), `"component":"test"`)
}

func TestContextAttrs_WithGroup(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(false, &buf).WithGroup("scheduler")
	ctx := log.ContextAttrs(t.Context(), slog.String("role", "owner"))
	logger.InfoContext(ctx, "grouped", "slot", 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec))
	require.NotContains(t, rec, "role")
	group, ok := rec["scheduler"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "owner", group["role"])
	require.EqualValues(t, 1, group["slot"])
}
