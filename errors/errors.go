package errors

import "fmt"

// TaskError is implemented by every structured error in taskkit.
type TaskError interface {
	error
	Code() ErrorCode
	Category() ErrorCategory

	// Retryable reports whether repeating the call may succeed.
	Retryable() bool

	// Metadata returns the identifiers attached to the failure, such as
	// task_id or tool.
	Metadata() map[string]string

	Unwrap() error
}

// Error is the concrete TaskError. The message is what tool callers see;
// the cause chain stays server side.
type Error struct {
	code     ErrorCode
	category ErrorCategory
	message  string
	cause    error
	metadata map[string]string
	op       string

	retryable *bool // nil: follow the category
}

var _ TaskError = (*Error)(nil)

func (e *Error) Error() string {
	if e.cause == nil {
		return e.message
	}
	return e.message + ": " + e.cause.Error()
}

// Message returns the message without the cause chain, e.g. "task 7 not
// found" instead of the driver text behind it.
func (e *Error) Message() string { return e.message }

func (e *Error) Code() ErrorCode         { return e.code }
func (e *Error) Category() ErrorCategory { return e.category }
func (e *Error) Unwrap() error           { return e.cause }

// Op returns the store or tool operation that failed, if recorded.
func (e *Error) Op() string { return e.op }

func (e *Error) Retryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	return e.category.IsRetryable()
}

// Metadata returns a copy of the error metadata.
func (e *Error) Metadata() map[string]string {
	out := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		out[k] = v
	}
	return out
}

// Fields flattens the error for a structured log or audit record.
func (e *Error) Fields() map[string]interface{} {
	f := map[string]interface{}{
		"code":     string(e.code),
		"category": string(e.category),
		"error":    e.message,
	}
	if e.op != "" {
		f["op"] = e.op
	}
	if e.cause != nil {
		f["cause"] = e.cause.Error()
	}
	for k, v := range e.metadata {
		if _, taken := f[k]; !taken {
			f[k] = v
		}
	}
	return f
}

// Option configures an Error.
type Option func(*Error)

// WithRetryable overrides the category's retry default.
func WithRetryable(retryable bool) Option {
	return func(e *Error) { e.retryable = &retryable }
}

// WithMetadata attaches an identifier to the error.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithTaskID is WithMetadata("task_id", id).
func WithTaskID(id int64) Option {
	return WithMetadata("task_id", fmt.Sprint(id))
}

// WithOp records the failing operation.
func WithOp(op string) Option {
	return func(e *Error) { e.op = op }
}

// WithCause sets the underlying error.
func WithCause(cause error) Option {
	return func(e *Error) { e.cause = cause }
}

// New creates an Error whose category follows code.
func New(code ErrorCode, message string, opts ...Option) *Error {
	e := &Error{code: code, category: code.DefaultCategory(), message: message}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func NotFound(message string, opts ...Option) *Error {
	return New(ErrCodeNotFound, message, opts...)
}

// TaskNotFound is the NOT_FOUND error for a missing task id.
func TaskNotFound(id int64, opts ...Option) *Error {
	return New(ErrCodeNotFound, fmt.Sprintf("Task %d not found", id), append(opts, WithTaskID(id))...)
}

func InvalidInput(message string, opts ...Option) *Error {
	return New(ErrCodeInvalidInput, message, opts...)
}

// Storage reports a driver failure. The cause is kept for logs only.
func Storage(message string, cause error, opts ...Option) *Error {
	return New(ErrCodeStorage, message, append(opts, WithCause(cause))...)
}

// Busy reports a database that stayed locked past the retry budget.
func Busy(message string, cause error, opts ...Option) *Error {
	return New(ErrCodeResourceBusy, message, append(opts, WithCause(cause))...)
}

// Corruption reports a stored value that cannot be decoded.
func Corruption(message string, cause error, opts ...Option) *Error {
	return New(ErrCodeCorruption, message, append(opts, WithCause(cause))...)
}

func RateLimited(message string, opts ...Option) *Error {
	return New(ErrCodeRateLimit, message, opts...)
}

func Forbidden(message string, opts ...Option) *Error {
	return New(ErrCodeForbidden, message, opts...)
}

func Internal(message string, opts ...Option) *Error {
	return New(ErrCodeInternal, message, opts...)
}
