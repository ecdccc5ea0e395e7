package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetLogger_FollowsInitialize(t *testing.T) {
	early := GetLogger("early").With("attempt", 3)

	var buf bytes.Buffer
	Initialize(Config{Level: "debug", Format: "json", Output: &buf})

	early.Debug("hello")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "hello", rec["msg"])
	assert.Equal(t, "early", rec["module"])
	assert.Equal(t, float64(3), rec["attempt"])
}

func TestInitialize_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	Initialize(Config{Level: "warn", Format: "text", Output: &buf})

	log := GetLogger("capture")
	log.Info("dropped")
	log.Warn("kept")

	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "kept")
	assert.Contains(t, buf.String(), "module=capture")
}

func TestParseLevel(t *testing.T) {
	lvl, ok := parseLevel("WARNING")
	assert.True(t, ok)
	assert.Equal(t, slog.LevelWarn, lvl)

	_, ok = parseLevel("loud")
	assert.False(t, ok)
}

func TestAddField(t *testing.T) {
	fields := map[string]string{}
	addField(fields, []string{"peer"}, slog.String("ice-state", "failed"))
	assert.Equal(t, "failed", fields["PEER_ICE_STATE"])
}
