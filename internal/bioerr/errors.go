// Package bioerr defines the failure taxonomy shared by the device client,
// the record store client and the orchestration state machines. Clients
// normalize raw HTTP/network failures into these kinds; the state machines
// never look at status codes.
package bioerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure in the capture/match/persist protocol.
type Kind int

const (
	// KindUnknown is an unclassified internal failure.
	KindUnknown Kind = iota
	// KindDeviceUnavailable means the capture device health check failed.
	KindDeviceUnavailable
	// KindCaptureTimeout means no finger was presented within the window.
	KindCaptureTimeout
	// KindCaptureFailed is a device-reported quality or placement issue.
	KindCaptureFailed
	// KindMergeFailed means the sample set was rejected as inconsistent.
	KindMergeFailed
	// KindStoreUnavailable is a network/server error against the record store.
	KindStoreUnavailable
	// KindNotEnrolled means no template exists for the subject.
	KindNotEnrolled
	// KindMismatch means the identity did not match the stored template.
	KindMismatch
	// KindCommitFailed means the post-match event write failed.
	KindCommitFailed
)

// RetryScope tells the caller what a retry should repeat.
type RetryScope string

const (
	// RetryNone: no automatic recovery; user intervention required.
	RetryNone RetryScope = "none"
	// RetryCapture: repeat the current capture immediately.
	RetryCapture RetryScope = "capture"
	// RetryRestart: discard all samples and restart from the first capture.
	RetryRestart RetryScope = "restart"
	// RetryPersist: re-run the persistence step only.
	RetryPersist RetryScope = "persist"
	// RetryCommit: re-run the event commit only, identity already verified.
	RetryCommit RetryScope = "commit"
	// RetryBackoff: retry the whole operation after a short wait.
	RetryBackoff RetryScope = "backoff"
)

var kindNames = map[Kind]string{
	KindUnknown:           "unknown",
	KindDeviceUnavailable: "device_unavailable",
	KindCaptureTimeout:    "capture_timeout",
	KindCaptureFailed:     "capture_failed",
	KindMergeFailed:       "merge_failed",
	KindStoreUnavailable:  "store_unavailable",
	KindNotEnrolled:       "not_enrolled",
	KindMismatch:          "fingerprint_mismatch",
	KindCommitFailed:      "commit_failed",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Scope returns the retry scope appropriate for the kind.
func (k Kind) Scope() RetryScope {
	switch k {
	case KindDeviceUnavailable:
		return RetryNone
	case KindCaptureTimeout, KindCaptureFailed:
		return RetryCapture
	case KindMergeFailed:
		return RetryRestart
	case KindStoreUnavailable:
		return RetryBackoff
	case KindNotEnrolled:
		return RetryNone
	case KindMismatch:
		return RetryCapture
	case KindCommitFailed:
		return RetryCommit
	default:
		return RetryNone
	}
}

// UserMessage is the human-readable reason shown at the kiosk. It must make
// clear whether the problem is the infrastructure or the identity.
func (k Kind) UserMessage() string {
	switch k {
	case KindDeviceUnavailable:
		return "Fingerprint reader is not connected. Check the device and try again."
	case KindCaptureTimeout:
		return "No finger detected. Place your finger on the reader and try again."
	case KindCaptureFailed:
		return "Could not read the fingerprint. Lift your finger and place it again."
	case KindMergeFailed:
		return "The captures did not match each other. Enrollment restarts from the first capture."
	case KindStoreUnavailable:
		return "The server is unreachable. Please try again in a moment."
	case KindNotEnrolled:
		return "No fingerprint is enrolled for this employee. Enroll first."
	case KindMismatch:
		return "Fingerprint does not match the enrolled employee. This is an identity mismatch, not a device fault."
	case KindCommitFailed:
		return "Identity verified, but recording the event failed. Retry to record it."
	default:
		return "Unexpected error. Please try again."
	}
}

// Error carries a taxonomy kind plus the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches against another *Error by kind, so callers can write
// errors.Is(err, bioerr.E(bioerr.KindNotEnrolled)).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// New builds a taxonomy error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a taxonomy error from a formatted message.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// E returns a bare kind error suitable as an errors.Is target.
func E(kind Kind) *Error { return &Error{Kind: kind} }

// KindOf extracts the kind from an error chain, KindUnknown if absent.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
