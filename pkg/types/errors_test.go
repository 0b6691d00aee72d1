package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTypedErrorsMatchSentinels(t *testing.T) {
	cause := errors.New("division by zero")
	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"configuration", &ConfigurationError{Collection: "a", Attribute: "b", Reason: "x"}, ErrConfiguration},
		{"value", &ValueError{Collection: "a", Attribute: "b", Value: 1, Reason: "x"}, ErrValue},
		{"access", &AccessDeniedError{Collection: "a", Attribute: "b", Operation: "read"}, ErrAccessDenied},
		{"missing", &MissingEntityError{Collection: "a", IDs: []int64{1}}, ErrMissingEntity},
		{"integrity", &IntegrityError{Collection: "a", Reason: "x"}, ErrIntegrity},
		{"compute", &ComputeError{Collection: "a", Attribute: "b", Err: cause}, ErrCompute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.ErrorIs(t, wrapped, tt.sentinel)
			assert.NotEmpty(t, tt.err.Error())
		})
	}
}

func TestComputeErrorUnwrapsCause(t *testing.T) {
	cause := errors.New("boom")
	err := error(&ComputeError{Collection: "a", Attribute: "b", Err: cause})
	assert.ErrorIs(t, err, cause)
}

func TestParseReference(t *testing.T) {
	ref, err := ParseReference("sale.order, 12")
	assert.NoError(t, err)
	assert.Equal(t, Reference{Collection: "sale.order", ID: 12}, ref)
	assert.Equal(t, "sale.order,12", ref.String())

	_, err = ParseReference("sale.order")
	assert.Error(t, err)
	_, err = ParseReference("sale.order,x")
	assert.Error(t, err)
}

func TestKindHelpers(t *testing.T) {
	assert.True(t, KindMany2Many.Relational())
	assert.True(t, KindOne2Many.ToMany())
	assert.False(t, KindMany2One.ToMany())
	assert.Equal(t, "", KindOne2Many.ColumnType())
	assert.Equal(t, "REAL", KindMonetary.ColumnType())
	assert.False(t, Kind("json").Valid())
}
