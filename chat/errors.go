package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy is returned when a turn is already in flight.
	ErrBusy = errors.New("a reply is still in progress")
	// ErrEmptyMessage is returned for blank submissions. Nothing is persisted.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrNoVision is returned by SubmitImage when no vision endpoint is configured.
	ErrNoVision = errors.New("no vision model configured")
)

// errStreamClosed reports a subscription that ended without a terminal event.
var errStreamClosed = errors.New("subscription closed without a terminal event")

// ParseError reports a suggestion payload in neither of the accepted shapes.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse suggestions: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
