// Package errors provides the structured error taxonomy used across taskkit.
//
// Every failure that crosses a package boundary carries an ErrorCode and an
// ErrorCategory. The tool layer turns codes into response payloads, so a
// validation problem surfaces as {"error": ..., "code": "INVALID_INPUT"}
// instead of a crashed request.
//
// # Categories
//
//   - Transient: may clear up on retry (TIMEOUT, UNAVAILABLE)
//   - Permanent: retry will not help (NOT_FOUND, INVALID_INPUT, FORBIDDEN)
//   - Resource: exhaustion (RATE_LIMITED, RESOURCE_BUSY)
//   - Internal: STORAGE, CORRUPTION, PANIC
//
// # Usage
//
//	err := errors.NotFound("task 42 not found", errors.WithOp("get"))
//
//	if errors.Is(err, errors.ErrCodeNotFound) {
//	    // absent
//	}
//
//	wrapped := errors.Wrap(err, "claiming next task")
package errors
