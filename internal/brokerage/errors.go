package brokerage

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthFailure: the token was refused or belongs to another account.
	ErrAuthFailure = errors.New("brokerage: authentication failed")
	// ErrTransferRejected: the API answered the transfer with an error. Nothing moved.
	ErrTransferRejected = errors.New("brokerage: transfer rejected")
	// ErrTransferTimeout: the request was written but no answer came back. The transfer
	// may or may not have happened.
	ErrTransferTimeout = errors.New("brokerage: transfer outcome unknown")
	// ErrTransferNotSent: the request never reached the wire.
	ErrTransferNotSent = errors.New("brokerage: transfer not sent")

	errNotWritten = errors.New("request not written")
	errNoAnswer   = errors.New("no answer to request")
	errClosed     = errors.New("session closed")
)

// APIError is the "error" object of a response frame.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }
