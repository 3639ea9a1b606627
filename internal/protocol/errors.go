package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrInvalidUTF8    = errors.New("payload is not valid UTF-8")
)

// EncodingError is returned when a command cannot be turned into a frame:
// the name is outside the vocabulary or the value is not JSON-serialisable.
type EncodingError struct {
	Command CommandName
	Err     error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("encode %q: %v", e.Command, e.Err)
}

func (e *EncodingError) Unwrap() error {
	return e.Err
}

// MalformedFrameError is returned when a frame fails base64 or UTF-8 decoding.
type MalformedFrameError struct {
	Reason string // "base64" or "utf8"
	Err    error
}

func (e *MalformedFrameError) Error() string {
	return fmt.Sprintf("malformed frame (%s): %v", e.Reason, e.Err)
}

func (e *MalformedFrameError) Unwrap() error {
	return e.Err
}

// PartialJSONError is returned when a decoded payload is not a complete JSON
// response. Depending on the link it means "wait for more data" or a real parse error.
type PartialJSONError struct {
	Payload string
	Err     error
}

func (e *PartialJSONError) Error() string {
	return fmt.Sprintf("incomplete JSON response (%d bytes): %v", len(e.Payload), e.Err)
}

func (e *PartialJSONError) Unwrap() error {
	return e.Err
}

// IsRecoverable reports whether err is a frame level fault that the inbound
// pipeline logs and survives.
func IsRecoverable(err error) bool {
	var malformed *MalformedFrameError
	var partial *PartialJSONError
	return errors.As(err, &malformed) || errors.As(err, &partial)
}
