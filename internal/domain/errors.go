package domain

import "errors"

var (
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrUnknownConsumer      = errors.New("unknown consumer")
	ErrMissingRequiredParam = errors.New("missing required param")
	ErrStaleTimestamp       = errors.New("stale oauth timestamp")
	ErrNonceReused          = errors.New("oauth nonce reused")
	ErrInvalidLaunchSession = errors.New("invalid launch session")
	ErrPlatform             = errors.New("platform error")
	ErrForbidden            = errors.New("forbidden")
	ErrNotFound             = errors.New("not found")
	ErrBackendTimeout       = errors.New("request timeout")
	ErrBackendUnavailable   = errors.New("annotation store unavailable")
	ErrNotificationPublish  = errors.New("notification publish failure")
)

// ParamError reports which launch parameter was absent.
type ParamError struct {
	Param string
}

func (e *ParamError) Error() string {
	if e == nil {
		return ""
	}
	return "missing required param: " + e.Param
}

func (e *ParamError) Unwrap() error {
	return ErrMissingRequiredParam
}

func MissingParam(name string) error {
	return &ParamError{Param: name}
}

// VerificationError carries the code returned to the client when an
// annotation request fails tenant or principal verification.
type VerificationError struct {
	Code   string
	Reason string
}

func (e *VerificationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Code + ": " + e.Reason
}

func (e *VerificationError) Unwrap() error {
	return ErrForbidden
}

func IsVerificationError(err error) (*VerificationError, bool) {
	var ve *VerificationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}
