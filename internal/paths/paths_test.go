package paths

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withPlatform(t *testing.T, goos, home, config string) {
	t.Helper()
	saved := platformDir
	t.Cleanup(func() { platformDir = saved })
	platformDir.goos = goos
	platformDir.homeDir = func() (string, error) { return home, nil }
	platformDir.userConfigDir = func() (string, error) { return config, nil }
}

func TestDefaultDirs(t *testing.T) {
	tests := []struct {
		name       string
		goos       string
		xdgConfig  string
		xdgData    string
		wantConfig string
		wantData   string
	}{
		{"linux xdg", "linux", "/xdg/config", "/xdg/data", "/xdg/config/attrstore", "/xdg/data/attrstore"},
		{"linux fallback", "linux", "", "", "/home/u/.config/attrstore", "/home/u/.local/share/attrstore"},
		{"darwin", "darwin", "/xdg/config", "", "/Library/attrstore", "/Library/attrstore"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withPlatform(t, tt.goos, "/home/u", "/Library")
			t.Setenv("XDG_CONFIG_HOME", tt.xdgConfig)
			t.Setenv("XDG_DATA_HOME", tt.xdgData)

			got, err := DefaultConfigDir()
			require.NoError(t, err)
			assert.Equal(t, tt.wantConfig, got)
			got, err = DefaultDataDir()
			require.NoError(t, err)
			assert.Equal(t, tt.wantData, got)
		})
	}
}

func TestDefaultDirsHomeError(t *testing.T) {
	withPlatform(t, "linux", "", "")
	platformDir.homeDir = func() (string, error) { return "", errors.New("no home") }
	t.Setenv("XDG_CONFIG_HOME", "")
	_, err := DefaultConfigDir()
	assert.Error(t, err)
}

func TestResolveConfigDir(t *testing.T) {
	withPlatform(t, "linux", "/home/u", "")
	t.Setenv("XDG_CONFIG_HOME", "")

	t.Setenv(EnvConfigDir, "")
	got, err := ResolveConfigDir("")
	require.NoError(t, err)
	assert.Equal(t, "/home/u/.config/attrstore", got)

	t.Setenv(EnvConfigDir, "/env/cfg")
	got, err = ResolveConfigDir("")
	require.NoError(t, err)
	assert.Equal(t, "/env/cfg", got)

	got, err = ResolveConfigDir("/flag/cfg")
	require.NoError(t, err)
	assert.Equal(t, "/flag/cfg", got)
}

func TestResolveDataDir(t *testing.T) {
	cwd, err := os.Getwd()
	require.NoError(t, err)

	t.Setenv(EnvDataDir, "")
	got, err := ResolveDataDir("", "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cwd, DefaultDataDirName), got)

	t.Setenv(EnvDataDir, "/env/data")
	got, err = ResolveDataDir("", "")
	require.NoError(t, err)
	assert.Equal(t, "/env/data", got)

	got, err = ResolveDataDir("", "/config/data")
	require.NoError(t, err)
	assert.Equal(t, "/config/data", got)

	got, err = ResolveDataDir("rel", "/config/data")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cwd, "rel"), got)
}

func TestResolveSchema(t *testing.T) {
	t.Setenv(EnvSchema, "")
	got, err := ResolveSchema("", "", "/cfg")
	require.NoError(t, err)
	assert.Equal(t, "/cfg/schema.yaml", got)

	t.Setenv(EnvSchema, "/env/schema.yaml")
	got, err = ResolveSchema("", "", "/cfg")
	require.NoError(t, err)
	assert.Equal(t, "/env/schema.yaml", got)

	got, err = ResolveSchema("", "/config/s.yaml", "/cfg")
	require.NoError(t, err)
	assert.Equal(t, "/config/s.yaml", got)

	got, err = ResolveSchema("/flag/s.yaml", "/config/s.yaml", "/cfg")
	require.NoError(t, err)
	assert.Equal(t, "/flag/s.yaml", got)
}
