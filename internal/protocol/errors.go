package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrTruncated          = errors.New("protocol: truncated data")
	ErrLengthMismatch     = errors.New("protocol: length mismatch")
	ErrUnknownOpCode      = errors.New("protocol: unknown op code")
	ErrUnknownVariant     = errors.New("protocol: unknown variant")
	ErrInvalidField       = errors.New("protocol: invalid field")
	ErrUnsupportedVersion = errors.New("protocol: unsupported version")
)

// DecodeError reports where decoding of one datagram stopped.
// Err is always one of the package sentinels.
type DecodeError struct {
	Op     OpCode
	Offset int
	Err    error
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%v (op=%s offset=%d)", e.Err, e.Op, e.Offset)
	}
	return fmt.Sprintf("%v: %s (op=%s offset=%d)", e.Err, e.Detail, e.Op, e.Offset)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Reason returns a short stable label for the failure kind, used by metrics.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTruncated):
		return "truncated"
	case errors.Is(err, ErrLengthMismatch):
		return "length_mismatch"
	case errors.Is(err, ErrUnknownOpCode):
		return "unknown_op"
	case errors.Is(err, ErrUnknownVariant):
		return "unknown_variant"
	case errors.Is(err, ErrInvalidField):
		return "invalid_field"
	case errors.Is(err, ErrUnsupportedVersion):
		return "unsupported_version"
	default:
		return "other"
	}
}
