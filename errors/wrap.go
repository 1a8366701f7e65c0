package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap puts message in front of err. A structured err keeps its code,
// category, op and metadata; context errors become TIMEOUT or CANCELED and
// anything else INTERNAL. Wrap(nil, ...) is nil.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var inner *Error
	if !errors.As(err, &inner) {
		code := ErrCodeInternal
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			code = ErrCodeTimeout
		case errors.Is(err, context.Canceled):
			code = ErrCodeCanceled
		}
		return New(code, message, append(opts, WithCause(err))...)
	}

	e := &Error{
		code:      inner.code,
		category:  inner.category,
		message:   message,
		cause:     err,
		metadata:  inner.Metadata(),
		op:        inner.op,
		retryable: inner.retryable,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AsTaskError returns the outermost structured error in err's chain, or nil.
func AsTaskError(err error) TaskError {
	if e := as(err); e != nil {
		return e
	}
	return nil
}

func as(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// Is reports whether the outermost structured error in err's chain has code.
func Is(err error, code ErrorCode) bool {
	return Code(err) == code
}

// IsRetryable is false for plain errors.
func IsRetryable(err error) bool {
	e := as(err)
	return e != nil && e.Retryable()
}

// Code returns err's code, or "" for plain errors.
func Code(err error) ErrorCode {
	if e := as(err); e != nil {
		return e.code
	}
	return ""
}

func Category(err error) ErrorCategory {
	if e := as(err); e != nil {
		return e.category
	}
	return ""
}

// Message returns the caller-facing message: the structured message when
// there is one, err.Error() otherwise.
func Message(err error) string {
	if err == nil {
		return ""
	}
	if e := as(err); e != nil {
		return e.message
	}
	return err.Error()
}

// Fields returns log fields for any error. Plain errors are reported as
// INTERNAL.
func Fields(err error) map[string]interface{} {
	if err == nil {
		return nil
	}
	if e := as(err); e != nil {
		return e.Fields()
	}
	return map[string]interface{}{
		"code":  string(ErrCodeInternal),
		"error": err.Error(),
	}
}

// RecoverPanic turns a recovered value into a PANIC error.
func RecoverPanic(recovered interface{}) *Error {
	if recovered == nil {
		return nil
	}
	var message string
	switch v := recovered.(type) {
	case error:
		message = v.Error()
	case string:
		message = v
	default:
		message = fmt.Sprint(v)
	}
	return New(ErrCodePanic, message, WithMetadata("panic_value", fmt.Sprintf("%T", recovered)))
}
