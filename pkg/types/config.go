package types

import "errors"

// Config selects the backing store and tunes the engine.
type Config struct {
	Backend          string         `json:"backend" yaml:"backend" mapstructure:"backend"`
	DataDir          string         `json:"data_dir" yaml:"data_dir" mapstructure:"data_dir"`
	PrefetchMax      int            `json:"prefetch_max" yaml:"prefetch_max" mapstructure:"prefetch_max"`
	MonetaryRounding string         `json:"monetary_rounding" yaml:"monetary_rounding" mapstructure:"monetary_rounding"`
	LogLevel         string         `json:"log_level" yaml:"log_level" mapstructure:"log_level"`
	DynamoDB         DynamoDBConfig `json:"dynamodb" yaml:"dynamodb" mapstructure:"dynamodb"`
}

// DynamoDBConfig holds parameters of the dynamodb backend.
type DynamoDBConfig struct {
	Table    string `json:"table" yaml:"table" mapstructure:"table"`
	Region   string `json:"region" yaml:"region" mapstructure:"region"`
	Endpoint string `json:"endpoint" yaml:"endpoint" mapstructure:"endpoint"`
}

// Supported backend names.
const (
	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"
	BackendDynamoDB = "dynamodb"
)

// Rounding modes for float and monetary conversion.
const (
	RoundHalfUp   = "HALF-UP"
	RoundHalfEven = "HALF-EVEN"
	RoundUp       = "UP"
	RoundDown     = "DOWN"
)

// DefaultPrefetchMax bounds the size of fetch and compute batches.
const DefaultPrefetchMax = 1000

// Config validation errors.
var (
	ErrBackendEmpty        = errors.New("backend must not be empty")
	ErrBackendUnknown      = errors.New("unknown backend")
	ErrPrefetchMaxInvalid  = errors.New("prefetch_max must not be negative")
	ErrRoundingUnknown     = errors.New("unknown monetary rounding mode")
	ErrDynamoTableRequired = errors.New("dynamodb backend requires a table name")
)

var knownBackends = map[string]bool{
	BackendSQLite:   true,
	BackendMemory:   true,
	BackendDynamoDB: true,
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	return Config{
		Backend:          BackendSQLite,
		PrefetchMax:      DefaultPrefetchMax,
		MonetaryRounding: RoundHalfUp,
		LogLevel:         "info",
	}
}

// ValidRounding reports whether mode is a recognized rounding mode.
func ValidRounding(mode string) bool {
	switch mode {
	case RoundHalfUp, RoundHalfEven, RoundUp, RoundDown:
		return true
	}
	return false
}

// Validate checks that the Config is well-formed. Zero PrefetchMax and an
// empty rounding mode are accepted and mean "use the default".
func (c Config) Validate() error {
	if c.Backend == "" {
		return ErrBackendEmpty
	}
	if !knownBackends[c.Backend] {
		return ErrBackendUnknown
	}
	if c.PrefetchMax < 0 {
		return ErrPrefetchMaxInvalid
	}
	if c.MonetaryRounding != "" && !ValidRounding(c.MonetaryRounding) {
		return ErrRoundingUnknown
	}
	if c.Backend == BackendDynamoDB && c.DynamoDB.Table == "" {
		return ErrDynamoTableRequired
	}
	return nil
}
