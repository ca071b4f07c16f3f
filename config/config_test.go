package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesSpecDefaults(t *testing.T) {
	c := Default()
	require.Equal(t, 1000, c.MaxSessions)
	require.Equal(t, 100, c.MaxSubscriptionsPerSession)
	require.Equal(t, 3600, c.ParamTTLS)
	require.Equal(t, SecurityOpen, c.SecurityMode)
}

func TestLoadOverridesOnlyGivenFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clasp.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_sessions: 42\nsecurity_mode: authenticated\n"), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 42, c.MaxSessions)
	require.True(t, c.Authenticated())
	require.Equal(t, 100, c.MaxSubscriptionsPerSession) // untouched default
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestDurationHelpers(t *testing.T) {
	c := Default()
	require.Equal(t, 3600*time.Second, c.ParamTTL())
	require.Equal(t, 16*time.Millisecond, c.GestureCoalesceInterval())
}
