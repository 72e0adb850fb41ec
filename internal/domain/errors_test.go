package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"sentinel", ErrSignatureInvalid, CodeSignatureInvalid},
		{"wrapped", fmt.Errorf("frame 7: %w", ErrBufferFull), CodeBufferFull},
		{"foreign", errors.New("boom"), CodeInternal},
		{"nil", nil, CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestError_Is_matches_code(t *testing.T) {
	other := &Error{Code: CodeNotStreaming, Message: "different text"}
	if !errors.Is(other, ErrNotStreaming) {
		t.Error("errors with the same code should match")
	}
	if errors.Is(other, ErrNotAuthenticated) {
		t.Error("errors with different codes should not match")
	}
}

func TestIsFrameError(t *testing.T) {
	if !IsFrameError(fmt.Errorf("x: %w", ErrIntegrityMismatch)) {
		t.Error("integrity mismatch is a frame error")
	}
	if IsFrameError(ErrTranscoderFailed) {
		t.Error("transcoder failure is not a frame error")
	}
}

func TestStreamName(t *testing.T) {
	if got := StreamName("alice"); got != "user_alice" {
		t.Errorf("StreamName = %q", got)
	}
}
