package mpesa

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthFailure means the gateway refused our credentials. Never retried.
	ErrAuthFailure = errors.New("mpesa: authentication failed")
	// ErrGatewayRejected means the gateway answered and declined the request.
	ErrGatewayRejected = errors.New("mpesa: request rejected")
	// ErrGatewayUnavailable covers transport errors, timeouts, 5xx and an open breaker.
	ErrGatewayUnavailable = errors.New("mpesa: gateway unavailable")

	ErrInvalidPhone      = errors.New("mpesa: invalid phone number")
	ErrMalformedCallback = errors.New("mpesa: malformed callback")
)

// GatewayError carries what the gateway said alongside one of the sentinels above.
type GatewayError struct {
	Kind        error
	StatusCode  int
	Code        string
	Description string
}

func (e *GatewayError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%v: status=%d code=%s: %s", e.Kind, e.StatusCode, e.Code, e.Description)
	}
	return fmt.Sprintf("%v: status=%d: %s", e.Kind, e.StatusCode, e.Description)
}

func (e *GatewayError) Unwrap() error { return e.Kind }

// Reason is the gateway's own description, safe to show to the payer.
func Reason(err error) string {
	var ge *GatewayError
	if errors.As(err, &ge) && ge.Description != "" {
		return ge.Description
	}
	return ""
}

// IsUnavailable is the breaker classifier for gateway calls.
func IsUnavailable(err error) bool { return errors.Is(err, ErrGatewayUnavailable) }
