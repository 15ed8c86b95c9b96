package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZerologLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	l := NewZerologLogger(zerolog.New(&buf), "campusd", zerolog.DebugLevel)

	l.With(Field{Key: "conn", Value: 7}).Info("request handled", Field{Key: "uri", Value: "auth/login"}, Err(errors.New("boom")))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "campusd", entry["service"])
	assert.Equal(t, "auth/login", entry["uri"])
	assert.Equal(t, "boom", entry["error"])
	assert.EqualValues(t, 7, entry["conn"])
	assert.Equal(t, "request handled", entry["message"])
}

func TestZerologLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewZerologLogger(zerolog.New(&buf), "campusd", zerolog.WarnLevel)

	l.Debug("hidden")
	l.Info("hidden")
	assert.Zero(t, buf.Len())

	l.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestParseLevel(t *testing.T) {
	t.Run("empty defaults to info", func(t *testing.T) {
		level, err := ParseLevel("")
		require.NoError(t, err)
		assert.Equal(t, zerolog.InfoLevel, level)
	})

	t.Run("case insensitive with warning alias", func(t *testing.T) {
		level, err := ParseLevel(" WARNING ")
		require.NoError(t, err)
		assert.Equal(t, zerolog.WarnLevel, level)
	})

	t.Run("unknown level fails", func(t *testing.T) {
		_, err := ParseLevel("loud")
		assert.Error(t, err)
	})
}

func TestNopLogger(t *testing.T) {
	l := NewNopLogger()
	l.Error("nothing happens", Field{Key: "k", Value: "v"})
	assert.NoError(t, l.With().Close())
}

func TestDailyFileWriter(t *testing.T) {
	dir := t.TempDir()
	w, err := NewDailyFileWriter("campusd", dir)
	require.NoError(t, err)

	day := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	w.now = func() time.Time { return day }
	require.NoError(t, w.ForceRotate())

	_, err = w.Write([]byte("first\n"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "campusd_2026-03-01.log"), w.CurrentLogFile())

	day = day.Add(2 * time.Minute)
	_, err = w.Write([]byte("second\n"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "campusd_2026-03-02.log"), w.CurrentLogFile())

	content, err := os.ReadFile(filepath.Join(dir, "campusd_2026-03-02.log"))
	require.NoError(t, err)
	assert.Equal(t, "second\n", string(content))

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	_, err = w.Write([]byte("late\n"))
	assert.Error(t, err)
	assert.Empty(t, w.CurrentLogFile())
}
