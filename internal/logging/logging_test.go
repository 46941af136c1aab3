package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"ERROR", LevelError},
	}
	for _, tc := range cases {
		got, err := ParseLevel(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	_, err := ParseLevel("chatty")
	assert.Error(t, err)
}

func TestNewRejectsBadConfigs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Output = "file"
	_, err := New(cfg)
	assert.Error(t, err, "file output without a path")

	cfg = DefaultConfig()
	cfg.Output = "syslog"
	_, err = New(cfg)
	assert.Error(t, err, "unknown output")
}

func TestFileOutputWritesLeveledJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meritd.log")
	cfg := DefaultConfig()
	cfg.Format = FormatJSON
	cfg.Output = "file"
	cfg.FilePath = path

	l, err := New(cfg)
	require.NoError(t, err)
	l.Info("started", "answer", 42)
	l.Debug("below the configured level")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "started", rec["msg"])
	assert.Equal(t, float64(42), rec["answer"])
}

func TestRotationRenamesAside(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meritd.log")
	cfg := DefaultConfig()
	cfg.Output = "file"
	cfg.FilePath = path
	cfg.MaxBytes = 256
	cfg.Compress = false

	l, err := New(cfg)
	require.NoError(t, err)
	for i := 0; i < 30; i++ {
		l.Info("filler for the rotation threshold", "i", i)
	}
	require.NoError(t, l.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var rotated int
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "meritd.log.") {
			rotated++
		}
	}
	assert.Greater(t, rotated, 0)

	// The live file never exceeds the threshold for record-sized writes.
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.LessOrEqual(t, info.Size(), int64(256))
}

func TestPruneDropsOldestBeyondKeep(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meritd.log")
	suffixes := []string{
		"20240101T000000.000000000",
		"20240102T000000.000000000",
		"20240103T000000.000000000",
	}
	for _, s := range suffixes {
		require.NoError(t, os.WriteFile(path+"."+s, []byte("old"), 0o640))
	}

	r := &rotator{path: path, keep: 2}
	r.prune()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.NotContains(t, names, "meritd.log."+suffixes[0])
	assert.Contains(t, names, "meritd.log."+suffixes[1])
	assert.Contains(t, names, "meritd.log."+suffixes[2])
}

func TestPruneDropsExpired(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meritd.log")
	old := path + ".20240101T000000.000000000"
	require.NoError(t, os.WriteFile(old, []byte("old"), 0o640))
	stale := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(old, stale, stale))

	r := &rotator{path: path, keep: 10, keepAge: 24 * time.Hour}
	r.prune()

	_, err := os.Stat(old)
	assert.True(t, os.IsNotExist(err))
}

func TestPackageFuncsUseDefault(t *testing.T) {
	orig := Default()
	defer SetDefault(orig)

	var buf bytes.Buffer
	SetDefault(&Logger{Logger: slog.New(slog.NewJSONHandler(&buf, nil))})
	Info("through the package funcs", "k", "v")

	assert.Contains(t, buf.String(), "through the package funcs")
}

func TestCrashGuardDumpsAndRepanics(t *testing.T) {
	dir := t.TempDir()
	SetCrashInfo(dir, "test")
	defer SetCrashInfo("", "")

	require.Panics(t, func() {
		defer CrashGuard("unit")
		panic("boom")
	})

	matches, err := filepath.Glob(filepath.Join(dir, "crash-*.json"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	var dump map[string]any
	require.NoError(t, json.Unmarshal(data, &dump))
	assert.Equal(t, "boom", dump["panic"])
	assert.Equal(t, "unit", dump["component"])
	assert.Contains(t, dump["stack"], "TestCrashGuard")
}
