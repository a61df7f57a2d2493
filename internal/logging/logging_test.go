package logging

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileName(t *testing.T) {
	ts := time.Date(2024, 3, 9, 7, 5, 1, 0, time.UTC)
	assert.Equal(t, "etl_20240309_070501.log", FileName(ts))
}

func TestNewLoggerWritesToDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")

	logger, closer, err := NewLogger(Config{Level: "debug", Dir: dir})
	require.NoError(t, err)
	logger.Info().Str("component", "test").Msg("hello")
	require.NoError(t, closer.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"hello"`)
	assert.Contains(t, string(data), `"component":"test"`)
}

func TestNewLoggerLevel(t *testing.T) {
	logger, closer, err := NewLogger(Config{Level: "WARN"})
	require.NoError(t, err)
	defer closer.Close()
	assert.Equal(t, "warn", logger.GetLevel().String())

	logger, _, err = NewLogger(Config{Level: "bogus"})
	require.NoError(t, err)
	assert.Equal(t, "info", logger.GetLevel().String())
}
