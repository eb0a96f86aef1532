package audit

import (
	"errors"
	"fmt"
)

// ErrDuplicateEvent is returned by Store.Append when the (tenant, event ID)
// pair already exists. It signals a caller or integration bug, not tampering.
var ErrDuplicateEvent = errors.New("duplicate audit event")

// ErrChainHeadMoved is returned by Store.Append when the tenant's chain head
// no longer matches the head the record was hashed against.
var ErrChainHeadMoved = errors.New("chain head moved")

// ValidationError reports malformed input to Record or Search.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StorageError wraps a failure of the underlying store (I/O, unavailability).
// It is never used to report integrity problems.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("audit storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsValidation reports whether err is or wraps a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsStorage reports whether err is or wraps a *StorageError.
func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
