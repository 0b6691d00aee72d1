package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mesh-intelligence/attrstore/internal/paths"
	"github.com/mesh-intelligence/attrstore/pkg/types"
)

// Config keys of config.yaml.
const (
	cfgKeyBackend     = "backend"
	cfgKeyDataDir     = "data_dir"
	cfgKeySchema      = "schema"
	cfgKeyPrefetchMax = "prefetch_max"
	cfgKeyRounding    = "monetary_rounding"
	cfgKeyLogLevel    = "log_level"
)

const defaultConfigYAML = `# attrstore configuration

# Backing store: sqlite, dynamodb or memory
backend: sqlite

# Data directory of the sqlite backend (overridable by --data-dir)
# data_dir:

# Schema file (overridable by --schema)
# schema:

# Largest fetch and compute batch
prefetch_max: 1000

# Rounding of float and monetary values: HALF-UP, HALF-EVEN, UP or DOWN
monetary_rounding: HALF-UP

log_level: warn

# dynamodb:
#   table: attrstore
#   region: us-east-1
#   endpoint: http://localhost:8000
`

// settings is the resolved configuration of one command run.
type settings struct {
	configDir string
	schema    string
	cfg       types.Config
}

// loadSettings resolves directories and reads config.yaml. A missing file
// is not an error. ATTRSTORE_* environment variables override file keys.
func loadSettings(f *rootFlags) (*settings, error) {
	configDir, err := paths.ResolveConfigDir(f.configDir)
	if err != nil {
		return nil, fmt.Errorf("resolve config dir: %w", err)
	}

	def := types.DefaultConfig()
	v := viper.New()
	v.SetDefault(cfgKeyBackend, def.Backend)
	v.SetDefault(cfgKeyPrefetchMax, def.PrefetchMax)
	v.SetDefault(cfgKeyRounding, def.MonetaryRounding)
	v.SetDefault(cfgKeyLogLevel, "warn")
	v.SetConfigName(strings.TrimSuffix(paths.ConfigFileName, ".yaml"))
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	v.SetEnvPrefix("ATTRSTORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg types.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if f.backend != "" {
		cfg.Backend = f.backend
	}
	if cfg.DataDir, err = paths.ResolveDataDir(f.dataDir, v.GetString(cfgKeyDataDir)); err != nil {
		return nil, fmt.Errorf("resolve data dir: %w", err)
	}
	schema, err := paths.ResolveSchema(f.schema, v.GetString(cfgKeySchema), configDir)
	if err != nil {
		return nil, fmt.Errorf("resolve schema: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: invalid config: %w", errUsage, err)
	}
	return &settings{configDir: configDir, schema: schema, cfg: cfg}, nil
}

// writeDefaultConfig creates config.yaml unless it exists. It reports
// whether the file was written.
func writeDefaultConfig(configDir string) (bool, error) {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return false, fmt.Errorf("create config directory: %w", err)
	}
	path := filepath.Join(configDir, paths.ConfigFileName)
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("stat config file: %w", err)
	}
	if err := os.WriteFile(path, []byte(defaultConfigYAML), 0o644); err != nil {
		return false, fmt.Errorf("write config: %w", err)
	}
	return true, nil
}

// newLogger builds a console logger writing to stderr at the given level.
func newLogger(level string) (*zap.SugaredLogger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("%w: log_level: %w", errUsage, err)
	}
	zc := zap.NewDevelopmentConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.OutputPaths = []string{"stderr"}
	zc.DisableStacktrace = true
	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	return logger.Sugar(), nil
}
