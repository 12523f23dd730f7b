// Package enroll implements the enrollment state machine: three
// independent captures, a device-side merge, then one atomic write of the
// merged template to the record store.
package enroll

import (
	"context"
	"errors"
	"sync"
	"time"

	"biotime/internal/bioerr"
	"biotime/internal/deviceclient"
)

// Device is the slice of the capture device the session needs.
type Device interface {
	Capture(ctx context.Context) (string, error)
	Merge(ctx context.Context, userID string, samples []string) (string, error)
}

// Store persists the merged template.
type Store interface {
	PersistTemplate(ctx context.Context, subjectID, templateData string, quality, fingerIndex int) error
}

// Step is the session's position in the enrollment protocol.
type Step string

const (
	// StepAwaitingCapture: waiting for the next finger placement.
	StepAwaitingCapture Step = "awaiting_capture"
	// StepMerging: all samples collected, device merge in flight.
	StepMerging Step = "merging"
	// StepPersisting: merged template write in flight.
	StepPersisting Step = "persisting"
	// StepSucceeded: template persisted; terminal.
	StepSucceeded Step = "succeeded"
	// StepFailed: merge or persist failed; retry scope in LastError.
	StepFailed Step = "failed"
)

// ErrWrongStep is returned when an operation is invoked in a step that
// does not accept it.
var ErrWrongStep = errors.New("operation not valid in current step")

// Session is the transient state of one enrollment attempt. It is never
// persisted; closing the kiosk dialog discards it. A Session is owned by
// the orchestrator's per-subject guard, but status reads may race a
// capture in flight, so all state is behind the mutex.
type Session struct {
	mu sync.Mutex

	subjectID   string
	fingerIndex int
	samples     []string
	merged      string
	quality     int
	step        Step
	capturing   bool
	lastErr     error
	startedAt   time.Time
}

// NewSession starts an enrollment for a subject. The subject identifier
// must be non-empty; there is no idle state, a session exists only once
// enrollment has started.
func NewSession(subjectID string, fingerIndex int) (*Session, error) {
	if subjectID == "" {
		return nil, errors.New("subject id required")
	}
	return &Session{
		subjectID:   subjectID,
		fingerIndex: fingerIndex,
		step:        StepAwaitingCapture,
		startedAt:   time.Now().UTC(),
	}, nil
}

// SubjectID returns the subject being enrolled.
func (s *Session) SubjectID() string { return s.subjectID }

// Step returns the current protocol position.
func (s *Session) Step() Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.step
}

// CaptureCount returns how many samples have been collected (0..3). While
// awaiting capture k, the count is k-1.
func (s *Session) CaptureCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples)
}

// LastError returns the most recent failure, nil after success.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// SubmitCapture drives one capture. On the first two successes the session
// stays in StepAwaitingCapture for the next placement; the kiosk prompts
// "lift finger, place again" because the device rejects two identical
// consecutive placements as a quality issue. The third success runs merge
// and persist in sequence.
//
// A capture timeout or device-reported capture failure does not fail the
// session: the step and the samples already collected are retained, so the
// user retries exactly the capture that failed.
func (s *Session) SubmitCapture(ctx context.Context, dev Device, store Store) (Step, error) {
	s.mu.Lock()
	// The device honors one in-flight operation; a duplicate capture
	// request while one is already waiting on the reader is rejected,
	// not queued.
	if s.step != StepAwaitingCapture || s.capturing {
		step := s.step
		s.mu.Unlock()
		return step, ErrWrongStep
	}
	s.capturing = true
	s.mu.Unlock()

	sample, err := dev.Capture(ctx)

	s.mu.Lock()
	s.capturing = false
	if err != nil {
		s.lastErr = err
		step := s.step
		s.mu.Unlock()
		return step, err
	}
	s.samples = append(s.samples, sample)
	s.lastErr = nil
	if len(s.samples) < deviceclient.SamplesPerEnrollment {
		step := s.step
		s.mu.Unlock()
		return step, nil
	}
	s.step = StepMerging
	s.mu.Unlock()

	return s.finish(ctx, dev, store)
}

// Retry resumes a failed session within the scope of its failure:
// RetryRestart clears all samples and returns to the first capture (stale
// samples never leak into the retry), RetryPersist re-runs only the
// persistence of the already-merged template.
func (s *Session) Retry(ctx context.Context, dev Device, store Store) (Step, error) {
	s.mu.Lock()
	if s.step != StepFailed {
		step := s.step
		s.mu.Unlock()
		return step, ErrWrongStep
	}
	scope := bioerr.KindOf(s.lastErr).Scope()
	switch scope {
	case bioerr.RetryRestart:
		s.samples = nil
		s.merged = ""
		s.step = StepAwaitingCapture
		s.lastErr = nil
		step := s.step
		s.mu.Unlock()
		return step, nil
	case bioerr.RetryPersist, bioerr.RetryBackoff:
		s.step = StepPersisting
		s.mu.Unlock()
		return s.persist(ctx, store)
	default:
		step := s.step
		err := s.lastErr
		s.mu.Unlock()
		return step, err
	}
}

// Template returns the merged template and its quality after success.
func (s *Session) Template() (data string, quality int, fingerIndex int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.merged, s.quality, s.fingerIndex
}

// finish runs merge then persist, entered with exactly three samples.
func (s *Session) finish(ctx context.Context, dev Device, store Store) (Step, error) {
	s.mu.Lock()
	samples := make([]string, len(s.samples))
	copy(samples, s.samples)
	s.mu.Unlock()

	merged, err := dev.Merge(ctx, s.subjectID, samples)
	if err != nil {
		s.mu.Lock()
		// Merge failures restart from capture one; the old samples are
		// dropped on Retry so none can be reused.
		s.step = StepFailed
		s.lastErr = err
		s.mu.Unlock()
		return StepFailed, err
	}

	s.mu.Lock()
	s.merged = merged
	s.quality = 100
	s.step = StepPersisting
	s.mu.Unlock()

	return s.persist(ctx, store)
}

func (s *Session) persist(ctx context.Context, store Store) (Step, error) {
	s.mu.Lock()
	merged, quality, finger := s.merged, s.quality, s.fingerIndex
	s.mu.Unlock()

	if err := store.PersistTemplate(ctx, s.subjectID, merged, quality, finger); err != nil {
		s.mu.Lock()
		// Samples and merged template are retained: a store-side failure
		// is retried without recapturing.
		s.step = StepFailed
		s.lastErr = err
		s.mu.Unlock()
		return StepFailed, err
	}

	s.mu.Lock()
	s.step = StepSucceeded
	s.lastErr = nil
	s.mu.Unlock()
	return StepSucceeded, nil
}
