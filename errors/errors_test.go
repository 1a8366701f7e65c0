package errors

import (
	"context"
		"errors"
	"fmt"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name         string
		code         ErrorCode
		message      string
		wantCategory ErrorCategory
	}{
		{"timeout", ErrCodeTimeout, "operation timed out", CategoryTransient},
		{"not_found", ErrCodeNotFound, "task 7 not found", CategoryPermanent},
		{"invalid", ErrCodeInvalidInput, "title is required", CategoryPermanent},
		{"rate_limit", ErrCodeRateLimit, "too many requests", CategoryResource},
		{"busy", ErrCodeResourceBusy, "database is locked", CategoryResource},
		{"storage", ErrCodeStorage, "disk full", CategoryInternal},
		{"unknown", ErrorCode("WHAT"), "what", CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, tt.message)
			if err.Code() != tt.code {
				t.Errorf("Code() = %v, want %v", err.Code(), tt.code)
			}
			if err.Category() != tt.wantCategory {
				t.Errorf("Category() = %v, want %v", err.Category(), tt.wantCategory)
			}
			if err.Error() != tt.message {
				t.Errorf("Error() = %v, want %v", err.Error(), tt.message)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	if !New(ErrCodeResourceBusy, "locked").Retryable() {
		t.Error("RESOURCE_BUSY should be retryable")
	}
	if New(ErrCodeNotFound, "gone").Retryable() {
		t.Error("NOT_FOUND should not be retryable")
	}
	if New(ErrCodeNotFound, "gone", WithRetryable(true)).Retryable() != true {
		t.Error("WithRetryable(true) should override category")
	}
	if IsRetryable(fmt.Errorf("plain")) {
		t.Error("plain errors are not retryable")
	}
}

func TestStorageKeepsCause(t *testing.T) {
	cause := fmt.Errorf("disk I/O error")
	err := Storage("insert task", cause, WithOp("create"))
	if err.Code() != ErrCodeStorage {
		t.Fatalf("Code() = %v", err.Code())
	}
	if !errors.Is(err, cause) {
		t.Error("cause should be reachable through errors.Is")
	}
	if err.Message() != "insert task" {
		t.Errorf("Message() = %q", err.Message())
	}
	if err.Error() != "insert task: disk I/O error" {
		t.Errorf("Error() = %q", err.Error())
	}
	if err.Op() != "create" {
		t.Errorf("Op() = %q", err.Op())
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "x") != nil {
		t.Fatal("Wrap(nil) should be nil")
	}

	inner := NotFound("task 9 not found", WithMetadata("id", "9"))
	wrapped := Wrap(inner, "updating task")
	if wrapped.Code() != ErrCodeNotFound {
		t.Errorf("wrapped code = %v, want NOT_FOUND", wrapped.Code())
	}
	if wrapped.Metadata()["id"] != "9" {
		t.Error("metadata should survive wrapping")
	}
	if !Is(fmt.Errorf("outer: %w", wrapped), ErrCodeNotFound) {
		t.Error("Is should see through fmt wrapping")
	}

	if Code(Wrap(context.DeadlineExceeded, "claim")) != ErrCodeTimeout {
		t.Error("deadline should map to TIMEOUT")
	}
	if Code(Wrap(context.Canceled, "claim")) != ErrCodeCanceled {
		t.Error("cancel should map to CANCELED")
	}
	if Code(Wrap(fmt.Errorf("boom"), "claim")) != ErrCodeInternal {
		t.Error("plain error should map to INTERNAL")
	}
}

func TestMessage(t *testing.T) {
	if Message(nil) != "" {
		t.Error("Message(nil) should be empty")
	}
	if Message(fmt.Errorf("plain")) != "plain" {
		t.Error("plain error message should pass through")
	}
	err := Storage("query tasks", fmt.Errorf("driver detail"))
	if Message(fmt.Errorf("ctx: %w", err)) != "query tasks" {
		t.Errorf("Message() = %q", Message(err))
	}
}

func TestFields(t *testing.T) {
	err := Wrap(TaskNotFound(7, WithOp("update")), "updating task")
	f := Fields(fmt.Errorf("tool: %w", err))
	want := map[string]interface{}{
		"code":     "NOT_FOUND",
		"category": "permanent",
		"error":    "updating task",
		"op":       "update",
		"task_id":  "7",
	}
	for k, v := range want {
		if f[k] != v {
			t.Errorf("Fields()[%q] = %v, want %v", k, f[k], v)
		}
	}
	if f["cause"] != "Task 7 not found" {
		t.Errorf("cause = %v", f["cause"])
	}

	plain := Fields(fmt.Errorf("boom"))
	if plain["code"] != "INTERNAL" || plain["error"] != "boom" {
		t.Errorf("plain fields = %v", plain)
	}
	if Fields(nil) != nil {
		t.Error("Fields(nil) should be nil")
	}
}

func TestStoreConstructors(t *testing.T) {
	cause := fmt.Errorf("database is locked (5)")
	busy := Busy("database is locked", cause, WithOp("claim"))
	if busy.Code() != ErrCodeResourceBusy || !busy.Retryable() {
		t.Errorf("busy = %v retryable=%v", busy.Code(), busy.Retryable())
	}
	corrupt := Corruption("stored metadata is not valid JSON", cause)
	if corrupt.Code() != ErrCodeCorruption || corrupt.Retryable() {
		t.Errorf("corruption = %v retryable=%v", corrupt.Code(), corrupt.Retryable())
	}
	if !errors.Is(corrupt, cause) {
		t.Error("cause should be reachable")
	}
}

func TestRecoverPanic(t *testing.T) {
	if RecoverPanic(nil) != nil {
		t.Fatal("RecoverPanic(nil) should be nil")
	}
	err := RecoverPanic("index out of range")
	if err.Code() != ErrCodePanic {
		t.Errorf("Code() = %v", err.Code())
	}
	if err.Metadata()["panic_value"] != "string" {
		t.Errorf("panic_value = %q", err.Metadata()["panic_value"])
	}
}

func TestMetadataIsCopied(t *testing.T) {
	err := New(ErrCodeConflict, "x", WithMetadata("k", "v"))
	m := err.Metadata()
	m["k"] = "changed"
	if err.Metadata()["k"] != "v" {
		t.Error("Metadata() should return a copy")
	}
}
