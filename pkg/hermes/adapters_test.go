package hermes

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlogAdapter_LevelsAndFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewSlogAdapter(&buf, "warn").With(map[string]any{"identity": "wg0-net+wg0-docker"})
	ctx := context.Background()

	log.Info(ctx, "dropped", nil)
	log.Warn(ctx, "routing table in use", map[string]any{"table": 100})

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &rec))
	assert.Equal(t, "WARN", rec["level"])
	assert.Equal(t, "routing table in use", rec["msg"])
	assert.Equal(t, float64(100), rec["table"])
	assert.Equal(t, "wg0-net+wg0-docker", rec["identity"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}
