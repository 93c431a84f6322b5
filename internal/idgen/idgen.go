// Package idgen produces the globally unique ids used to correlate tasks
// and workflows across the queue, the execution store and the index.
package idgen

import "github.com/google/uuid"

// Generator produces unique ids.
type Generator interface {
	Generate() string
}

// UUID is the default Generator, backed by random (v4) UUIDs.
type UUID struct{}

func (UUID) Generate() string { return uuid.New().String() }

// Func adapts a plain function to the Generator interface. Tests use this
// for deterministic id sequences.
type Func func() string

func (f Func) Generate() string { return f() }
