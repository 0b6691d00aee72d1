package types

import (
	"errors"
	"testing"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr error
	}{
		{
			name:    "empty backend returns ErrBackendEmpty",
			config:  Config{Backend: "", DataDir: "/tmp/data"},
			wantErr: ErrBackendEmpty,
		},
		{
			name:    "unknown backend returns ErrBackendUnknown",
			config:  Config{Backend: "postgres", DataDir: "/tmp/data"},
			wantErr: ErrBackendUnknown,
		},
		{
			name:    "valid sqlite config",
			config:  Config{Backend: "sqlite", DataDir: "/tmp/data"},
			wantErr: nil,
		},
		{
			name:    "memory backend with defaults is valid",
			config:  Config{Backend: "memory"},
			wantErr: nil,
		},
		{
			name:    "negative prefetch_max is rejected",
			config:  Config{Backend: "memory", PrefetchMax: -1},
			wantErr: ErrPrefetchMaxInvalid,
		},
		{
			name:    "unknown rounding mode is rejected",
			config:  Config{Backend: "memory", MonetaryRounding: "BANKERS"},
			wantErr: ErrRoundingUnknown,
		},
		{
			name:    "dynamodb requires a table",
			config:  Config{Backend: "dynamodb"},
			wantErr: ErrDynamoTableRequired,
		},
		{
			name:    "dynamodb with table is valid",
			config:  Config{Backend: "dynamodb", DynamoDB: DynamoDBConfig{Table: "attrs"}},
			wantErr: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("expected nil error, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error %v, got nil", tt.wantErr)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected error %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.PrefetchMax != DefaultPrefetchMax {
		t.Errorf("expected PrefetchMax %d, got %d", DefaultPrefetchMax, cfg.PrefetchMax)
	}
}
