package brokerage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status        int
		wantTransient bool
	}{
		{400, false},
		{401, false},
		{403, false},
		{404, false},
		{422, false},
		{429, true},
		{500, true},
		{502, true},
		{503, true},
	}

	for _, tt := range tests {
		err := classifyStatus("fetch balances", tt.status, "body")
		if got := IsTransient(err); got != tt.wantTransient {
			t.Errorf("classifyStatus(%d): IsTransient = %v, want %v", tt.status, got, tt.wantTransient)
		}
	}
}

func TestErrorMessageAndUnwrap(t *testing.T) {
	t.Parallel()

	inner := fmt.Errorf("connection refused")
	err := transient("place order", inner)

	if !errors.Is(err, inner) {
		t.Error("Unwrap should expose the inner error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "place order") || !strings.Contains(msg, "transient") {
		t.Errorf("Error() = %q, want op and kind in the message", msg)
	}

	if got := permanent("auth", inner).Error(); !strings.Contains(got, "permanent") {
		t.Errorf("Error() = %q, want permanent kind", got)
	}
}

func TestIsTransientOnForeignErrors(t *testing.T) {
	t.Parallel()

	if IsTransient(fmt.Errorf("plain error")) {
		t.Error("plain errors are not transient")
	}
	if !IsTransient(context.DeadlineExceeded) {
		t.Error("deadline exceeded should count as transient")
	}
	if IsTransient(nil) {
		t.Error("nil is not transient")
	}
}
