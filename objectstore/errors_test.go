package objectstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestKindOf(t *testing.T) {
	cause := errors.New("boom")
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"store not found", newError("get", "k", KindNotFound, nil), KindNotFound},
		{"wrapped store error", fmt.Errorf("load: %w", newError("put", "k", KindTransient, cause)), KindTransient},
		{"sentinel", fmt.Errorf("x: %w", ErrPreconditionFailed), KindPreconditionFailed},
		{"deadline", context.DeadlineExceeded, KindTransient},
		{"foreign", cause, KindPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorIsAndUnwrap(t *testing.T) {
	cause := errors.New("denied")
	err := newError("head", "cat.png", KindNotFound, cause)

	if !errors.Is(err, ErrNotFound) {
		t.Error("expected errors.Is(err, ErrNotFound)")
	}
	if errors.Is(err, ErrPreconditionFailed) {
		t.Error("not-found error must not match ErrPreconditionFailed")
	}
	if !errors.Is(err, cause) {
		t.Error("expected the cause to be reachable through Unwrap")
	}
	if !strings.Contains(err.Error(), `head "cat.png": not found: denied`) {
		t.Errorf("unexpected message: %s", err.Error())
	}
}

func TestPredicatesOnNil(t *testing.T) {
	if IsNotFound(nil) || IsPreconditionFailed(nil) || IsTransient(nil) {
		t.Error("predicates must be false for nil")
	}
}

func TestKindForStatus(t *testing.T) {
	tests := map[int]Kind{
		404: KindNotFound,
		409: KindPreconditionFailed,
		412: KindPreconditionFailed,
		408: KindTransient,
		429: KindTransient,
		503: KindTransient,
		403: KindPermanent,
		400: KindPermanent,
	}
	for status, want := range tests {
		if got := kindForStatus(status); got != want {
			t.Errorf("kindForStatus(%d) = %v, want %v", status, got, want)
		}
	}
}
