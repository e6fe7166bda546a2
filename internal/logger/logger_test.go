package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_LevelsAndOutput(t *testing.T) {
	testCases := []struct {
		level string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"INFO", zerolog.InfoLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"verbose", zerolog.InfoLevel},
	}
	for _, tc := range testCases {
		t.Run(tc.level, func(t *testing.T) {
			l := New(Config{Level: tc.level})
			assert.Equal(t, tc.want, zerolog.GlobalLevel())

			var buf bytes.Buffer
			l = l.Output(&buf)
			l.Error().Msg("test message")
			assert.Contains(t, buf.String(), "test message")
		})
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func TestNew_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "rebalancer.log")
	l := New(Config{Level: "info", File: path, MaxSizeMB: 1, MaxBackups: 2})
	l.Info().Str("component", "test").Msg("hello file")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"hello file"`)
	assert.Contains(t, string(data), `"component":"test"`)
}

func TestRotator_RotatesAndCapsBackups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	r, err := NewRotator(path, 1, 2)
	require.NoError(t, err)
	defer r.Close()
	r.MaxSize = 10

	for _, line := range []string{"first-0001\n", "second-002\n", "third-0003\n", "fourth-004\n"} {
		_, err := r.Write([]byte(line))
		require.NoError(t, err)
	}

	live, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "fourth-004\n", string(live))

	one, err := os.ReadFile(path + ".1")
	require.NoError(t, err)
	assert.Equal(t, "third-0003\n", string(one))

	two, err := os.ReadFile(path + ".2")
	require.NoError(t, err)
	assert.Equal(t, "second-002\n", string(two))

	_, err = os.Stat(path + ".3")
	assert.True(t, os.IsNotExist(err))
}

func TestRotator_AppendsToExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	require.NoError(t, os.WriteFile(path, []byte("old\n"), 0644))

	r, err := NewRotator(path, 1, 1)
	require.NoError(t, err)
	_, err = r.Write([]byte("new\n"))
	require.NoError(t, err)
	require.NoError(t, r.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"old", "new"}, strings.Fields(string(data)))
}
