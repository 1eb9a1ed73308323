// README: Error taxonomy shared by the lifecycle engine and the HTTP layer.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidState        = errors.New("invalid state transition")
	ErrConflict            = errors.New("concurrent update conflict")
	ErrDriverNotReady      = errors.New("driver not ready")
	ErrNotVerified         = errors.New("driver not verified")
	ErrDocumentsIncomplete = errors.New("documents incomplete")
	ErrPermissionDenied    = errors.New("permission denied")
	ErrUnavailable         = errors.New("service unavailable")
	ErrBadRequest          = errors.New("bad request")
	ErrInviteExpired       = errors.New("invite expired")
	ErrInviteUsed          = errors.New("invite already used")

	// ErrCapturedPendingFollowUp means the gateway captured the payment but the
	// booking could not be committed. The capture must be reconciled manually.
	ErrCapturedPendingFollowUp = errors.New("payment captured, booking pending manual follow-up")
)

// GatewayError is a payment provider failure.
type GatewayError struct {
	Op        string
	Code      string
	Retryable bool
	Err       error
}

func (e *GatewayError) Error() string {
	kind := "terminal"
	if e.Retryable {
		kind = "retryable"
	}
	msg := fmt.Sprintf("gateway %s failed (%s)", e.Op, kind)
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GatewayError) Unwrap() error { return e.Err }

func AsGateway(err error) (*GatewayError, bool) {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// IsRetryable reports whether err is an infrastructure failure worth retrying.
// State machine and gate errors never are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if ge, ok := AsGateway(err); ok {
		return ge.Retryable
	}
	return errors.Is(err, ErrUnavailable)
}

// MissingDocumentsError carries the document types the gate reported missing.
type MissingDocumentsError struct {
	Missing []string
}

func (e *MissingDocumentsError) Error() string {
	return fmt.Sprintf("%s: missing %v", ErrDocumentsIncomplete, e.Missing)
}

func (e *MissingDocumentsError) Unwrap() error { return ErrDocumentsIncomplete }
