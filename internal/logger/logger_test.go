package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInit_DisabledDiscards(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, Init(Options{Enabled: false, Writer: &out}))
	Info("buddy ready", "free_pages", 1024)
	require.Zero(t, out.Len())
}

func TestInit_TextWriter(t *testing.T) {
	t.Cleanup(func() { _ = Init(Options{}) })

	var out bytes.Buffer
	require.NoError(t, Init(Options{Enabled: true, Writer: &out}))

	Debug("hidden below info")
	Info("bitmap ready", "total_pages", 2048)

	got := out.String()
	require.NotContains(t, got, "hidden below info")
	require.Contains(t, got, "bitmap ready")
	require.Contains(t, got, "total_pages=2048")
}

func TestInit_JSONLevel(t *testing.T) {
	t.Cleanup(func() { _ = Init(Options{}) })

	var out bytes.Buffer
	require.NoError(t, Init(Options{Enabled: true, Writer: &out, Level: slog.LevelDebug, JSON: true}))
	Debug("slab grow", "cache", 64)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(out.Bytes()), &rec))
	require.Equal(t, "slab grow", rec["msg"])
	require.Equal(t, float64(64), rec["cache"])
}

func TestInit_LogDirCreatesDatedFile(t *testing.T) {
	t.Cleanup(func() { _ = Init(Options{}) })

	dir := t.TempDir()
	stale := filepath.Join(dir, logPrefix+time.Now().AddDate(0, 0, -(retentionDays+5)).Format("2006-01-02")+logSuffix)
	require.NoError(t, os.WriteFile(stale, []byte("old\n"), 0644))

	require.NoError(t, Init(Options{Enabled: true, LogDir: dir}))
	Warn("low memory")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.True(t, strings.HasPrefix(entries[0].Name(), logPrefix+time.Now().Format("2006-01-02")))
}
