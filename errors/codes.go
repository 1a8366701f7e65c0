package errors

// ErrorCategory classifies errors by how a caller should react to them.
type ErrorCategory string

const (
	// CategoryTransient covers failures that may clear up on their own,
	// such as a locked database or an expired deadline.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent covers failures a retry cannot fix: bad arguments,
	// missing records, denied tools.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource covers exhaustion: rate limits and busy resources.
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal covers storage faults, corruption and recovered panics.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryTransient, CategoryResource:
		return true
	default:
		return false
	}
}

// ErrorCode identifies a specific failure.
type ErrorCode string

const (
	// Transient
	ErrCodeTimeout     ErrorCode = "TIMEOUT"
	ErrCodeUnavailable ErrorCode = "UNAVAILABLE"

	// Permanent
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"     // task or attachment does not exist
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT" // argument failed validation
	ErrCodeConflict     ErrorCode = "CONFLICT"
	ErrCodeForbidden    ErrorCode = "FORBIDDEN" // denied by policy
	ErrCodeUnsupported  ErrorCode = "UNSUPPORTED"
	ErrCodeCanceled     ErrorCode = "CANCELED"

	// Resource
	ErrCodeRateLimit    ErrorCode = "RATE_LIMITED"
	ErrCodeResourceBusy ErrorCode = "RESOURCE_BUSY" // database locked past the retry budget

	// Internal
	ErrCodeStorage    ErrorCode = "STORAGE" // persistent store I/O failure
	ErrCodeInternal   ErrorCode = "INTERNAL"
	ErrCodeCorruption ErrorCode = "CORRUPTION"
	ErrCodePanic      ErrorCode = "PANIC"
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeUnavailable:
		return CategoryTransient
	case ErrCodeNotFound, ErrCodeInvalidInput, ErrCodeConflict, ErrCodeForbidden,
		ErrCodeUnsupported, ErrCodeCanceled:
		return CategoryPermanent
	case ErrCodeRateLimit, ErrCodeResourceBusy:
		return CategoryResource
	default:
		return CategoryInternal
	}
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeTimeout:      "operation timed out",
	ErrCodeUnavailable:  "service temporarily unavailable",
	ErrCodeNotFound:     "record not found",
	ErrCodeInvalidInput: "invalid input provided",
	ErrCodeConflict:     "conflicting operation",
	ErrCodeForbidden:    "denied by policy",
	ErrCodeUnsupported:  "operation not supported",
	ErrCodeCanceled:     "operation canceled",
	ErrCodeRateLimit:    "rate limit exceeded",
	ErrCodeResourceBusy: "resource is busy",
	ErrCodeStorage:      "storage failure",
	ErrCodeInternal:     "internal error",
	ErrCodeCorruption:   "data corruption detected",
	ErrCodePanic:        "recovered from panic",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
