package certs

import (
	"errors"
	"fmt"
)

var (
	// ErrNoRootCert is returned when the root certificate or its key cannot be
	// loaded and is not absent either, so it cannot be safely regenerated.
	ErrNoRootCert = errors.New("certs: no usable root certificate")

	// ErrInvalidRequest is returned when a freshly built certificate request
	// fails its own signature check.
	ErrInvalidRequest = errors.New("certs: invalid certificate request")
)

// StoreError wraps failures of the key material backends: key generation,
// certificate signing, and the identity database.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("certs: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func storeErr(op string, err error) error {
	return &StoreError{Op: op, Err: err}
}
