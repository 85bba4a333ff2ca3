package control

import (
	"errors"
	"fmt"
)

type errorCode string

const (
	ErrInternal errorCode = "internal"
	ErrInvalid  errorCode = "invalid"
	ErrNotFound errorCode = "not_found"
	ErrNoDevice errorCode = "no_device"
	ErrDelivery errorCode = "delivery_failed"
)

// Error is a user-facing failure with a machine-readable code.
type Error struct {
	Code        errorCode
	Description string
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return "control: " + string(e.Code) + ": " + e.Description + ": " + e.Err.Error()
	}
	return "control: " + string(e.Code) + ": " + e.Description
}

func (e *Error) Unwrap() error { return e.Err }

func Errorf(code errorCode, format string, args ...any) error {
	return &Error{Code: code, Description: fmt.Sprintf(format, args...)}
}

func wrap(code errorCode, err error, format string, args ...any) error {
	return &Error{Code: code, Description: fmt.Sprintf(format, args...), Err: err}
}

// ErrorCode returns the code of err, or ErrInternal for foreign errors.
func ErrorCode(err error) errorCode {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	return ErrInternal
}

// ErrorDescription returns text safe to show a user.
func ErrorDescription(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Description != "" {
		return e.Description
	}
	return "internal error"
}
