// ABOUTME: Tests for logger setup
// ABOUTME: Checks level parsing and file output
package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, zerolog.InfoLevel, level)

	level, err = ParseLevel(" DEBUG ")
	require.NoError(t, err)
	assert.Equal(t, zerolog.DebugLevel, level)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestSetupWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agora.log")
	log, closer, err := Setup(Options{Level: "info", File: path})
	require.NoError(t, err)

	log.Debug().Msg("hidden")
	log.Info().Str("module", "test").Msg("visible")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"visible"`)
	assert.Contains(t, string(data), `"module":"test"`)
	assert.NotContains(t, string(data), "hidden")
}

func TestSetupBadFile(t *testing.T) {
	_, _, err := Setup(Options{File: filepath.Join(t.TempDir(), "missing", "agora.log")})
	assert.Error(t, err)
}
