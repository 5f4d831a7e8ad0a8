package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestNewSetsCategoryAndRetryable(t *testing.T) {
	tests := []struct {
		code          Code
		wantCategory  Category
		wantRetryable bool
	}{
		{CodeNotFound, CategoryFile, false},
		{CodeCorrupt, CategoryFile, false},
		{CodeNotOpen, CategoryFile, false},
		{CodeOutOfRange, CategoryView, false},
		{CodeInvalidChannel, CategoryValidation, false},
		{CodeInvalidArgument, CategoryValidation, false},
		{CodeIO, CategoryIO, true},
		{CodeInvalidated, CategoryCache, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			err := New(tt.code, "boom")
			if err.Category != tt.wantCategory {
				t.Errorf("Category = %s, want %s", err.Category, tt.wantCategory)
			}
			if err.Retryable != tt.wantRetryable {
				t.Errorf("Retryable = %v, want %v", err.Retryable, tt.wantRetryable)
			}
		})
	}
}

func TestErrorMessageIncludesComponentAndOperation(t *testing.T) {
	err := New(CodeOutOfRange, "index 9 out of range").
		WithComponent("filemanager").
		WithOperation("GetSignalSegment")

	want := "[filemanager:GetSignalSegment] OUT_OF_RANGE: index 9 out of range"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestIsMatchesByCode(t *testing.T) {
	err := New(CodeIO, "transient read failure")
	var target error = err

	if !Is(target, CodeIO) {
		t.Error("expected Is to match on CodeIO")
	}
	if Is(target, CodeCorrupt) {
		t.Error("expected Is to not match CodeCorrupt")
	}
}

func TestUnwrapAndStdlibErrorsIs(t *testing.T) {
	cause := stderrors.New("disk read failed")
	err := New(CodeIO, "read failed").WithCause(cause)

	if !stderrors.Is(err, cause) {
		t.Error("expected stdlib errors.Is to find the wrapped cause")
	}

	other := New(CodeIO, "different message")
	if !stderrors.Is(err, other) {
		t.Error("expected *Error.Is to match same-code errors regardless of message")
	}
}

func TestIsUnwrapsWrappedErrors(t *testing.T) {
	err := New(CodeIO, "transient read failure")
	wrapped := fmt.Errorf("max retry attempts (5) exceeded: %w", err)

	if !Is(wrapped, CodeIO) {
		t.Error("expected Is to unwrap through fmt.Errorf wrapping")
	}
	if Is(wrapped, CodeCorrupt) {
		t.Error("expected Is to not match an unrelated code")
	}
}

func TestWithDetail(t *testing.T) {
	err := New(CodeInvalidChannel, "unknown channel").WithDetail("channel", "Ch9")
	if err.Details["channel"] != "Ch9" {
		t.Errorf("expected detail to be recorded, got %v", err.Details)
	}
}
