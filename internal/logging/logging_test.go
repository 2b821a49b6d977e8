package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wgkeeper/internal/config"
)

func TestNewLogger_ContextFields(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, &config.Config{ServerName: "edge", InterfaceName: "wg0", LogLevel: "debug"})

	logger.Debug().Msg("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "edge", line["service"])
	assert.Equal(t, "wg0", line["interface"])
	assert.Equal(t, "hello", line["message"])
}

func TestNewLogger_InvalidLevelFallsBackToInfo(t *testing.T) {
	logger := newLogger(&bytes.Buffer{}, &config.Config{LogLevel: "loud"})
	assert.Equal(t, zerolog.InfoLevel, logger.GetLevel())
}

func TestShortKey(t *testing.T) {
	assert.Equal(t, "abc", ShortKey("abc"))
	assert.Equal(t, "ABCDEFGH...", ShortKey("ABCDEFGHIJKLMNOP"))
}
