package tokenx

import (
	"errors"
	"fmt"
)

// ErrorCode represents token error categories.
type ErrorCode string

const (
	ErrCodeSigning          ErrorCode = "signing_failed"
	ErrCodeUnsupportedClaim ErrorCode = "unsupported_claim"
	ErrCodeSelfValidation   ErrorCode = "self_validation_failed"
	ErrCodeInvalidArgument  ErrorCode = "invalid_argument"
	ErrCodeInvalidToken     ErrorCode = "invalid_token"
	ErrCodeExpired          ErrorCode = "token_expired"
	ErrCodeNotYetValid      ErrorCode = "token_not_yet_valid"
	ErrCodeInvalidIssuer    ErrorCode = "invalid_issuer"
	ErrCodeInvalidAudience  ErrorCode = "invalid_audience"
	ErrCodeKeysUnavailable  ErrorCode = "keys_unavailable"
)

// Error kinds matched through errors.Is.
var (
	ErrSigning    = errors.New("signing error")
	ErrValidation = errors.New("validation error")
	ErrArgument   = errors.New("argument error")
)

var errorMessages = map[ErrorCode]string{
	ErrCodeSigning:          "Signing failed",
	ErrCodeUnsupportedClaim: "Unsupported claim",
	ErrCodeSelfValidation:   "Self-validation failed",
	ErrCodeInvalidArgument:  "Invalid argument",
	ErrCodeInvalidToken:     "Invalid token",
	ErrCodeExpired:          "Token expired",
	ErrCodeNotYetValid:      "Token not yet valid",
	ErrCodeInvalidIssuer:    "Invalid issuer",
	ErrCodeInvalidAudience:  "Invalid audience",
	ErrCodeKeysUnavailable:  "Verification keys unavailable",
}

var errorKinds = map[ErrorCode]error{
	ErrCodeSigning:          ErrSigning,
	ErrCodeUnsupportedClaim: ErrSigning,
	ErrCodeSelfValidation:   ErrSigning,
	ErrCodeInvalidArgument:  ErrArgument,
	ErrCodeInvalidToken:     ErrValidation,
	ErrCodeExpired:          ErrValidation,
	ErrCodeNotYetValid:      ErrValidation,
	ErrCodeInvalidIssuer:    ErrValidation,
	ErrCodeInvalidAudience:  ErrValidation,
	ErrCodeKeysUnavailable:  ErrValidation,
}

// Error wraps token errors with a stable code and message.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	base := e.Message
	if base == "" {
		base = string(e.Code)
	}
	if e.Err == nil {
		return base
	}
	return fmt.Sprintf("%s: %v", base, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the kind this error's code belongs to.
func (e *Error) Is(target error) bool {
	kind, ok := errorKinds[e.Code]
	return ok && kind == target
}

func newError(code ErrorCode, err error) error {
	msg, ok := errorMessages[code]
	if !ok {
		msg = string(code)
	}
	return &Error{Code: code, Message: msg, Err: err}
}

// CodeOf returns the code carried by err, or "" when err is not an *Error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
