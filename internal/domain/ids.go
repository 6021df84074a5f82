// Package domain contains the gateway's core types, errors and limits.
// No dependencies on other internal packages.
package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// RequestID is a value object identifying one in-flight chat call.
// It is embedded in the outbound worker line as "request_id" and matched
// against the same field of the worker's reply.
type RequestID struct {
	value string
}

// NewRequestID creates a RequestID from a raw string, validating it is a valid UUID.
func NewRequestID(raw string) (RequestID, error) {
	if raw == "" {
		return RequestID{}, ErrEmptyID
	}
	if _, err := uuid.Parse(raw); err != nil {
		return RequestID{}, fmt.Errorf("invalid request ID %q: %w", raw, ErrInvalidID)
	}
	return RequestID{value: raw}, nil
}

// GenerateRequestID creates a new random RequestID.
func GenerateRequestID() RequestID {
	return RequestID{value: uuid.NewString()}
}

func (id RequestID) String() string { return id.value }
func (id RequestID) IsZero() bool   { return id.value == "" }
