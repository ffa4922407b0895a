package transport

import (
	"errors"
	"fmt"
)

// SendFailedError reports a partial delivery: the backend accepted the
// message for ValidSent, rejected Invalid permanently, and left ValidUnsent
// undelivered for reasons worth retrying.
type SendFailedError struct {
	Invalid     []string
	ValidUnsent []string
	ValidSent   []string
	Err         error
}

func (e *SendFailedError) Error() string {
	msg := fmt.Sprintf("send failed: %d invalid, %d unsent, %d sent",
		len(e.Invalid), len(e.ValidUnsent), len(e.ValidSent))
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SendFailedError) Unwrap() error {
	return e.Err
}

// Status is the outcome category of one Send call.
type Status int

const (
	StatusSuccess Status = iota
	StatusPartialFailure
	StatusTotalFailure
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusPartialFailure:
		return "partial_failure"
	case StatusTotalFailure:
		return "total_failure"
	}
	return "unknown"
}

// Classify maps the error returned by Transport.Send to its status. For a
// partial failure the *SendFailedError is returned as well.
func Classify(err error) (Status, *SendFailedError) {
	if err == nil {
		return StatusSuccess, nil
	}
	var sfe *SendFailedError
	if errors.As(err, &sfe) {
		return StatusPartialFailure, sfe
	}
	return StatusTotalFailure, nil
}
