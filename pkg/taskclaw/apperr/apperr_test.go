package apperr

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestKindOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"validation", NewValidation(CodeFileTooLarge, "max 20MB"), KindValidation},
		{"wrapped config", fmt.Errorf("render: %w", NewConfigMissing("himalaya", []string{"gmail"})), KindConfigMissing},
		{"invariant", NewInvariant("two active sessions"), KindInvariant},
		{"plain error", errors.New("boom"), KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewTransient_Unwrap(t *testing.T) {
	t.Parallel()
	cause := errors.New("connection refused")
	err := NewTransient("invoke agent", cause)
	if !errors.Is(err, cause) {
		t.Error("transient error should unwrap to its cause")
	}
}

func TestUserMessage_MissingPlaceholders(t *testing.T) {
	t.Parallel()
	err := NewMissingPlaceholders("himalaya", "himalaya.toml_example", []string{"password", "gmail"})
	msg := UserMessage(err)
	if !strings.Contains(msg, "gmail, password") {
		t.Errorf("expected sorted keys in message, got %q", msg)
	}
}

func TestUserMessage_Unclassified(t *testing.T) {
	t.Parallel()
	if msg := UserMessage(errors.New("x")); msg == "" {
		t.Error("unclassified errors should still produce a reply")
	}
}
