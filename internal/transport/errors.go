package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrServiceNotFound means the reader service is absent from the discovered profile.
	ErrServiceNotFound = errors.New("reader service not found")

	// ErrCharacteristicNotFound means the reader characteristic is absent from its service.
	ErrCharacteristicNotFound = errors.New("reader characteristic not found")

	// ErrWriteFailed matches every *WriteError.
	ErrWriteFailed = errors.New("write failed")

	// ErrConnectionLost is reported through the error callback when the link drops
	// while a subscription is open.
	ErrConnectionLost = errors.New("connection lost")
)

// WriteError carries the transport failure behind a rejected characteristic write.
type WriteError struct {
	Characteristic string
	Err            error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write to %s failed: %v", e.Characteristic, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrWriteFailed) match any WriteError.
func (e *WriteError) Is(target error) bool {
	return target == ErrWriteFailed
}
