package logger

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	require.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	require.Equal(t, slog.LevelWarn, ParseLevel(" warning "))
	require.Equal(t, slog.LevelError, ParseLevel("error"))
	require.Equal(t, slog.LevelInfo, ParseLevel(""))
	require.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestLevelGating(t *testing.T) {
	log := New("test", slog.LevelWarn)
	require.False(t, log.Enabled(nil, slog.LevelInfo))
	require.True(t, log.Enabled(nil, slog.LevelWarn))

	text := NewText("test", slog.LevelDebug)
	require.True(t, text.Enabled(nil, slog.LevelDebug))
}

func TestDiscardDropsEverything(t *testing.T) {
	log := Discard()
	require.NotNil(t, log)
	log.Error("swallowed", "key", "value")
}
