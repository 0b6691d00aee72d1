// Package types defines the boundary types of the attribute store: attribute
// kinds, the backing Store interface, search domains, relational change
// commands, configuration, and the error taxonomy shared by the engine and
// every backend.
//
// The engine itself lives in package orm; backends live under internal/ and
// are opened through package store.
package types
