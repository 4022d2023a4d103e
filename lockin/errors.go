package lockin

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrConfig is generated when a channel mapping or channel setting is invalid
	ErrConfig = errors.New("lockin: invalid channel configuration")

	// ErrUnknownChannel is generated when a label is not in the channel set
	ErrUnknownChannel = errors.New("lockin: unknown channel")

	// ErrInvalidSweepSpec is generated when a sweep program fails validation
	ErrInvalidSweepSpec = errors.New("lockin: invalid sweep specification")

	// ErrSweepInProgress is generated when a sweep is requested while another is unresolved
	ErrSweepInProgress = errors.New("lockin: sweep already in progress")

	// ErrStartupTimeout is generated when the instrument does not leave the "started" state in time
	ErrStartupTimeout = errors.New("lockin: sweep did not start in time")

	// ErrSweepTimeout is generated when the instrument does not leave the "sweeping" state in time
	ErrSweepTimeout = errors.New("lockin: sweep did not finish in time")

	// ErrMeasurementNotFound is generated when a results reply lacks the requested key
	ErrMeasurementNotFound = errors.New("lockin: measurement not found")

	// ErrBadReply is generated when a reply lacks the fields a method should return
	ErrBadReply = errors.New("lockin: reply lacks expected fields")
)

// Error decorates a failure with the method and channel involved, so it can
// be correlated with the state of the hardware
type Error struct {
	// Method is the instrument method, or the driver operation for local failures
	Method string

	// Label is the logical channel, if any
	Label string

	// Lead is the physical port, if any
	Lead int

	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Method)
	if e.Label != "" {
		fmt.Fprintf(&b, " [%s]", e.Label)
	}
	if e.Lead != 0 {
		fmt.Fprintf(&b, " lead %d", e.Lead)
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// SpecError names the field of a sweep program that failed validation
type SpecError struct {
	Field  string
	Reason string
}

// Error implements the error interface
func (e *SpecError) Error() string {
	return fmt.Sprintf("%s: %s %s", ErrInvalidSweepSpec, e.Field, e.Reason)
}

// Unwrap makes errors.Is(err, ErrInvalidSweepSpec) true
func (e *SpecError) Unwrap() error {
	return ErrInvalidSweepSpec
}

func specErr(field, format string, args ...interface{}) error {
	return &SpecError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
