package core

import "github.com/google/uuid"

// NewID returns a new globally unique identifier string.
func NewID() string { return uuid.NewString() }
