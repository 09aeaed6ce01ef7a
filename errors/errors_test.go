package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name      string
		op        Op
		component Component
		code      ErrorCode
		err       error
		want      string
	}{
		{
			name:      "with component and code",
			op:        OpAppend,
			component: "store",
			code:      ErrCodeStorageFailure,
			err:       fmt.Errorf("disk full"),
			want:      "append operation failed in store component [STORAGE_FAILURE]: disk full",
		},
		{
			name:      "with component no code",
			op:        OpPublish,
			component: "bus",
			err:       fmt.Errorf("queue closed"),
			want:      "publish operation failed in bus component: queue closed",
		},
		{
			name: "without component with code",
			op:   OpCommand,
			code: ErrCodeNoHandler,
			err:  fmt.Errorf("no handler for type"),
			want: "command operation failed [NO_HANDLER]: no handler for type",
		},
		{
			name: "without component or code",
			op:   OpSync,
			err:  fmt.Errorf("tick failed"),
			want: "sync operation failed: tick failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &Error{
				Op:        tt.op,
				Component: tt.component,
				Err:       tt.err,
				Code:      tt.code,
			}

			if got := e.Error(); got != tt.want {
				t.Errorf("Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestE(t *testing.T) {
	cause := fmt.Errorf("boom")
	e := E(OpDispatch, Component("bus"), KindTimeout, ErrCodeHandlerFailure, cause)

	if e.Op != OpDispatch {
		t.Errorf("E() Op = %v, want %v", e.Op, OpDispatch)
	}
	if e.Component != "bus" {
		t.Errorf("E() Component = %v, want bus", e.Component)
	}
	if e.Kind != KindTimeout {
		t.Errorf("E() Kind = %v, want %v", e.Kind, KindTimeout)
	}
	if e.Err != cause {
		t.Errorf("E() Err = %v, want %v", e.Err, cause)
	}
	if !e.Retryable {
		t.Error("E() timeout errors should default retryable")
	}
}

func TestE_DefaultsToSystemKind(t *testing.T) {
	e := E(OpPublish, "something broke")
	if e.Kind != KindSystem {
		t.Errorf("E() Kind = %v, want %v", e.Kind, KindSystem)
	}
	if !e.Retryable {
		t.Error("system errors should default retryable")
	}
}

func TestE_RetryableOverride(t *testing.T) {
	e := E(OpAppend, KindStorage, Retryable(false), fmt.Errorf("constraint violated"))
	if e.Retryable {
		t.Error("Retryable(false) should override kind default")
	}
}

func TestKindRetryability(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{KindValidation, false},
		{KindBusiness, false},
		{KindConflict, false},
		{KindNotFound, false},
		{KindStorage, true},
		{KindTimeout, true},
		{KindSystem, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			e := E(OpSync, tt.kind, fmt.Errorf("x"))
			if IsRetryable(e) != tt.want {
				t.Errorf("IsRetryable(%s) = %v, want %v", tt.kind, !tt.want, tt.want)
			}
		})
	}
}

func TestIsRetryable_PlainError(t *testing.T) {
	if IsRetryable(fmt.Errorf("plain")) {
		t.Error("plain errors must not be retryable")
	}
	if IsRetryable(nil) {
		t.Error("nil must not be retryable")
	}
}

func TestIsRetryable_Wrapped(t *testing.T) {
	inner := NewStorageError(OpAppend, fmt.Errorf("io error"))
	wrapped := fmt.Errorf("save failed: %w", inner)

	if !IsRetryable(wrapped) {
		t.Error("retryability must survive fmt.Errorf %%w wrapping")
	}
	if KindOf(wrapped) != KindStorage {
		t.Errorf("KindOf(wrapped) = %v, want %v", KindOf(wrapped), KindStorage)
	}
}

func TestUnwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	e := NewConflictError(OpConflictResolve, cause)

	if !errors.Is(e, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
}

func TestWrapOpComponent(t *testing.T) {
	if WrapOpComponent(nil, OpLoad, "store") != nil {
		t.Error("WrapOpComponent(nil) must return nil")
	}

	err := WrapOpComponent(fmt.Errorf("bad row"), OpLoad, "eventstore/sqlite")
	var e *Error
	if !errors.As(err, &e) {
		t.Fatal("WrapOpComponent should produce *Error")
	}
	if e.Op != OpLoad || e.Component != "eventstore/sqlite" {
		t.Errorf("unexpected op/component: %v/%v", e.Op, e.Component)
	}
}

func TestConstructors(t *testing.T) {
	cause := fmt.Errorf("cause")

	tests := []struct {
		name      string
		err       *Error
		kind      Kind
		retryable bool
	}{
		{"storage", NewStorageError(OpAppend, cause), KindStorage, true},
		{"validation", NewValidationError(OpCommand, cause), KindValidation, false},
		{"conflict", NewConflictError(OpSync, cause), KindConflict, false},
		{"business", NewBusinessError(OpCommand, cause), KindBusiness, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Kind != tt.kind {
				t.Errorf("Kind = %v, want %v", tt.err.Kind, tt.kind)
			}
			if tt.err.Retryable != tt.retryable {
				t.Errorf("Retryable = %v, want %v", tt.err.Retryable, tt.retryable)
			}
			if tt.err.Err != cause {
				t.Errorf("Err = %v, want %v", tt.err.Err, cause)
			}
		})
	}
}
