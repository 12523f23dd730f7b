package bioerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf_UnwrapsChains(t *testing.T) {
	base := Newf(KindCaptureTimeout, "device.capture", "no response")
	wrapped := fmt.Errorf("session 42: %w", base)

	if KindOf(wrapped) != KindCaptureTimeout {
		t.Errorf("KindOf(wrapped) = %v; want capture_timeout", KindOf(wrapped))
	}
	if !errors.Is(wrapped, E(KindCaptureTimeout)) {
		t.Error("errors.Is against bare kind target failed")
	}
	if errors.Is(wrapped, E(KindCaptureFailed)) {
		t.Error("timeout matched capture_failed target")
	}
}

func TestKindOf_PlainError(t *testing.T) {
	if KindOf(errors.New("boom")) != KindUnknown {
		t.Error("plain error did not map to unknown kind")
	}
}

func TestScopes(t *testing.T) {
	cases := []struct {
		kind Kind
		want RetryScope
	}{
		{KindCaptureTimeout, RetryCapture},
		{KindCaptureFailed, RetryCapture},
		{KindMergeFailed, RetryRestart},
		{KindStoreUnavailable, RetryBackoff},
		{KindNotEnrolled, RetryNone},
		{KindMismatch, RetryCapture},
		{KindCommitFailed, RetryCommit},
		{KindDeviceUnavailable, RetryNone},
	}
	for _, tc := range cases {
		if got := tc.kind.Scope(); got != tc.want {
			t.Errorf("%v scope = %v; want %v", tc.kind, got, tc.want)
		}
	}
}

func TestUserMessages_NeverEmpty(t *testing.T) {
	for k := KindUnknown; k <= KindCommitFailed; k++ {
		if k.UserMessage() == "" {
			t.Errorf("kind %v has no user message", k)
		}
	}
}
