package wire

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the error taxonomy shared by the HTTP API, the WS legs, and the
// command registry. Kinds cross process boundaries as strings; everything
// else about an error stays local.
type Kind string

const (
	KindInvalidParams       Kind = "invalid_params"
	KindDeviceNotConfigured Kind = "device_not_configured"
	KindDeviceUnreachable   Kind = "device_unreachable"
	KindRateLimited         Kind = "rate_limited"
	KindTimeout             Kind = "timeout"
	KindNotFound            Kind = "not_found"
	KindUnauthenticated     Kind = "unauthenticated"
	KindConflict            Kind = "conflict"
	KindServiceUnavailable  Kind = "service_unavailable"
	KindInternal            Kind = "internal"
)

// Error carries a kind plus a human-readable message. Wrapping is supported
// so call sites can use errors.Is / errors.As across package boundaries.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return string(e.Kind) + ": " + e.Msg
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an *Error with a formatted message.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapErr attaches a kind and context message to an underlying error.
func WrapErr(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind from err, defaulting to internal for plain errors
// and "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var we *Error
	if errors.As(err, &we) {
		return we.Kind
	}
	return KindInternal
}

// HTTPStatus maps a kind to the status code the admin API responds with.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidParams:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindServiceUnavailable, KindDeviceUnreachable, KindDeviceNotConfigured:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
