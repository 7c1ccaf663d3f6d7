package envelope

import (
	"errors"
	"fmt"
)

// ErrDecode is the sentinel wrapped by every *DecodeError.
var ErrDecode = errors.New("envelope decode error")

// ErrMissingRequestID is returned by Encode when no request id is supplied.
var ErrMissingRequestID = errors.New("envelope request id is required")

// DecodeError reports a malformed envelope and names the offending field.
type DecodeError struct {
	Field  string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %s: %s: %v", e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("decode %s: %s", e.Field, e.Reason)
}

// Unwrap exposes both the sentinel and the underlying cause.
func (e *DecodeError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrDecode, e.Err}
	}
	return []error{ErrDecode}
}
