package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	buf.Reset()
	return entry
}

func TestZerologLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	log := NewZerologLogger(zerolog.New(&buf), "pipeserver", zerolog.DebugLevel)

	t.Run("service and fields are attached", func(t *testing.T) {
		log.Info("exchange completed", Field{Key: "identity", Value: "calc"})
		entry := decodeLine(t, &buf)

		assert.Equal(t, "pipeserver", entry["service"])
		assert.Equal(t, "calc", entry["identity"])
		assert.Equal(t, "info", entry["level"])
		assert.Equal(t, "exchange completed", entry["message"])
		assert.Contains(t, entry, "time")
	})

	t.Run("derived logger keeps its fields", func(t *testing.T) {
		derived := log.With(Field{Key: "role", Value: "server"})
		derived.Warn("read failed")
		entry := decodeLine(t, &buf)

		assert.Equal(t, "server", entry["role"])
		assert.Equal(t, "warn", entry["level"])

		log.Error("plain")
		entry = decodeLine(t, &buf)
		assert.NotContains(t, entry, "role")
	})
}

func TestZerologLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := NewZerologLogger(zerolog.New(&buf), "svc", zerolog.WarnLevel)

	log.Debug("hidden")
	log.Info("hidden")
	assert.Zero(t, buf.Len())

	log.Warn("shown")
	assert.NotZero(t, buf.Len())
}

func TestNewNopLogger(t *testing.T) {
	log := NewNopLogger()
	require.NotNil(t, log)

	assert.NotPanics(t, func() {
		log.Debug("x")
		log.With(Field{Key: "k", Value: 1}).Error("y")
	})
	assert.NoError(t, log.Close())
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zerolog.Level
		wantErr bool
	}{
		{"", zerolog.InfoLevel, false},
		{"debug", zerolog.DebugLevel, false},
		{" WARN ", zerolog.WarnLevel, false},
		{"error", zerolog.ErrorLevel, false},
		{"loud", zerolog.InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDailyFileWriter(t *testing.T) {
	dir := t.TempDir()
	w, err := NewDailyFileWriter("pipeserver", dir)
	require.NoError(t, err)

	day := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	w.now = func() time.Time { return day }

	t.Run("writes to file for current date", func(t *testing.T) {
		_, err := w.Write([]byte("first\n"))
		require.NoError(t, err)

		path := filepath.Join(dir, "pipeserver_2026-03-01.log")
		assert.Equal(t, path, w.CurrentLogFile())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "first\n", string(data))
	})

	t.Run("rotates when the date changes", func(t *testing.T) {
		day = day.Add(2 * time.Minute)
		_, err := w.Write([]byte("second\n"))
		require.NoError(t, err)

		path := filepath.Join(dir, "pipeserver_2026-03-02.log")
		assert.Equal(t, path, w.CurrentLogFile())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "second\n", string(data))
	})

	t.Run("close is idempotent and blocks writes", func(t *testing.T) {
		require.NoError(t, w.Close())
		require.NoError(t, w.Close())

		_, err := w.Write([]byte("late"))
		assert.ErrorIs(t, err, errWriterClosed)
		assert.Empty(t, w.CurrentLogFile())
	})
}

func TestNewZerologFileLogger(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	log, err := NewZerologFileLogger("svc", dir, zerolog.InfoLevel)
	require.NoError(t, err)

	log.Info("persisted")
	require.NoError(t, log.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.Contains(t, string(data), "persisted")
}
