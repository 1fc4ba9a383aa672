// Package uuid provides job and request id generation.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUID v7 job ids.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// NewRequestID returns a random UUIDv4 string for correlating HTTP requests.
// It never fails; the random source panics only when the OS entropy pool is unavailable.
func NewRequestID() string {
	return uuid.NewString()
}
