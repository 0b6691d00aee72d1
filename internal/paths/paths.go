// Package paths resolves the configuration directory, the data directory
// and the schema file used by the attrstore command.
package paths

import (
	"os"
	"path/filepath"
	"runtime"
)

// appName names the per-user directories.
const appName = "attrstore"

// Default file and directory names.
const (
	DefaultDataDirName = ".attrstore"
	ConfigFileName     = "config.yaml"
	SchemaFileName     = "schema.yaml"
)

// Environment variables overriding the defaults.
const (
	EnvConfigDir = "ATTRSTORE_CONFIG_DIR"
	EnvDataDir   = "ATTRSTORE_DATA_DIR"
	EnvSchema    = "ATTRSTORE_SCHEMA"
)

// platformDir holds platform lookups replaced in tests.
var platformDir = struct {
	goos          string
	homeDir       func() (string, error)
	userConfigDir func() (string, error)
}{
	goos:          runtime.GOOS,
	homeDir:       os.UserHomeDir,
	userConfigDir: os.UserConfigDir,
}

// xdgDir returns $env/attrstore, or ~/<fallback...>/attrstore when env is
// unset. Outside Linux both kinds of directories live under
// os.UserConfigDir.
func xdgDir(env string, fallback ...string) (string, error) {
	if platformDir.goos != "linux" {
		dir, err := platformDir.userConfigDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(dir, appName), nil
	}
	if v := os.Getenv(env); v != "" {
		return filepath.Join(v, appName), nil
	}
	home, err := platformDir.homeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(append(append([]string{home}, fallback...), appName)...), nil
}

// DefaultConfigDir returns the per-user configuration directory:
// $XDG_CONFIG_HOME/attrstore or ~/.config/attrstore on Linux.
func DefaultConfigDir() (string, error) {
	return xdgDir("XDG_CONFIG_HOME", ".config")
}

// DefaultDataDir returns the per-user data directory:
// $XDG_DATA_HOME/attrstore or ~/.local/share/attrstore on Linux.
func DefaultDataDir() (string, error) {
	return xdgDir("XDG_DATA_HOME", ".local", "share")
}

// firstAbs returns the absolute form of the first non-empty candidate.
func firstAbs(candidates ...string) (string, bool, error) {
	for _, c := range candidates {
		if c != "" {
			p, err := filepath.Abs(c)
			return p, true, err
		}
	}
	return "", false, nil
}

// ResolveConfigDir applies flag > ATTRSTORE_CONFIG_DIR > DefaultConfigDir.
func ResolveConfigDir(flag string) (string, error) {
	if p, ok, err := firstAbs(flag, os.Getenv(EnvConfigDir)); ok {
		return p, err
	}
	return DefaultConfigDir()
}

// ResolveDataDir applies flag > config file value > ATTRSTORE_DATA_DIR >
// ./.attrstore.
func ResolveDataDir(flag, configValue string) (string, error) {
	if p, ok, err := firstAbs(flag, configValue, os.Getenv(EnvDataDir)); ok {
		return p, err
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(cwd, DefaultDataDirName), nil
}

// ResolveSchema applies flag > config file value > ATTRSTORE_SCHEMA >
// <configDir>/schema.yaml.
func ResolveSchema(flag, configValue, configDir string) (string, error) {
	if p, ok, err := firstAbs(flag, configValue, os.Getenv(EnvSchema)); ok {
		return p, err
	}
	return filepath.Join(configDir, SchemaFileName), nil
}
