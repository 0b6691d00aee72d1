package types

import (
	"errors"
	"fmt"
)

// Error taxonomy. The typed errors below match these sentinels through
// errors.Is.
var (
	ErrConfiguration = errors.New("attrstore: invalid attribute configuration")
	ErrValue         = errors.New("attrstore: invalid value")
	ErrAccessDenied  = errors.New("attrstore: access denied")
	ErrMissingEntity = errors.New("attrstore: entity does not exist")
	ErrIntegrity     = errors.New("attrstore: integrity violation")
	ErrCompute       = errors.New("attrstore: compute failed")
)

// Engine usage errors.
var (
	ErrUnknownCollection = errors.New("attrstore: unknown collection")
	ErrUnknownAttribute  = errors.New("attrstore: unknown attribute")
	ErrNotSingleton      = errors.New("attrstore: expected singleton")
	ErrTxClosed          = errors.New("attrstore: transaction is closed")
	ErrNotSetUp          = errors.New("attrstore: registry is not set up")
)

// ConfigurationError reports a malformed attribute definition. It is raised
// while the registry is set up and is never recoverable at runtime.
type ConfigurationError struct {
	Collection string
	Attribute  string
	Reason     string
}

func (e *ConfigurationError) Error() string {
	if e.Attribute == "" {
		return fmt.Sprintf("attrstore: collection %s: %s", e.Collection, e.Reason)
	}
	return fmt.Sprintf("attrstore: attribute %s.%s: %s", e.Collection, e.Attribute, e.Reason)
}

// Is makes errors.Is(err, ErrConfiguration) succeed.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// ValueError reports a value that cannot be converted to an attribute's
// kind, or that fails validation (selection membership, required).
type ValueError struct {
	Collection string
	Attribute  string
	Value      any
	Reason     string
}

func (e *ValueError) Error() string {
	return fmt.Sprintf("attrstore: invalid value %#v for %s.%s: %s",
		e.Value, e.Collection, e.Attribute, e.Reason)
}

func (e *ValueError) Is(target error) bool {
	return target == ErrValue
}

// AccessDeniedError reports a caller lacking the access tag an attribute
// requires.
type AccessDeniedError struct {
	Collection string
	Attribute  string
	Operation  string
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("attrstore: %s access to %s.%s denied", e.Operation, e.Collection, e.Attribute)
}

func (e *AccessDeniedError) Is(target error) bool {
	return target == ErrAccessDenied
}

// MissingEntityError reports entities absent from the backing store.
type MissingEntityError struct {
	Collection string
	IDs        []int64
}

func (e *MissingEntityError) Error() string {
	return fmt.Sprintf("attrstore: %s records %v do not exist", e.Collection, e.IDs)
}

func (e *MissingEntityError) Is(target error) bool {
	return target == ErrMissingEntity
}

// IntegrityError reports a relational or uniqueness constraint that refused
// an operation, for example deleting an entity still referenced through a
// restrict many2one.
type IntegrityError struct {
	Collection string
	Attribute  string
	IDs        []int64
	Reason     string
}

func (e *IntegrityError) Error() string {
	if e.Attribute == "" {
		return fmt.Sprintf("attrstore: %s: %s", e.Collection, e.Reason)
	}
	return fmt.Sprintf("attrstore: %s.%s %v: %s", e.Collection, e.Attribute, e.IDs, e.Reason)
}

func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrity
}

// ComputeError wraps an error returned by a compute or inverse function.
// Unwrap exposes the original error unchanged.
type ComputeError struct {
	Collection string
	Attribute  string
	IDs        []int64
	Err        error
}

func (e *ComputeError) Error() string {
	return fmt.Sprintf("attrstore: computing %s.%s for %v: %v", e.Collection, e.Attribute, e.IDs, e.Err)
}

func (e *ComputeError) Is(target error) bool {
	return target == ErrCompute
}

func (e *ComputeError) Unwrap() error {
	return e.Err
}
