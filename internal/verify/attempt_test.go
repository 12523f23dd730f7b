package verify

import (
	"context"
	"testing"
	"time"

	"biotime/internal/bioerr"
	"biotime/internal/deviceclient"
	"biotime/internal/recordstore"
)

type mockDevice struct {
	CaptureFunc func(ctx context.Context) (string, error)
	MatchFunc   func(ctx context.Context, template, sample string) (deviceclient.MatchResult, error)

	captureCalls int
}

func (m *mockDevice) Capture(ctx context.Context) (string, error) {
	m.captureCalls++
	return m.CaptureFunc(ctx)
}

func (m *mockDevice) Match(ctx context.Context, template, sample string) (deviceclient.MatchResult, error) {
	return m.MatchFunc(ctx, template, sample)
}

type mockStore struct {
	FetchFunc  func(ctx context.Context, subjectID string) (recordstore.Template, error)
	RecordFunc func(ctx context.Context, subjectID string, action recordstore.Action, ts time.Time, attemptID string) (recordstore.EventRecord, error)
	LeaveFunc  func(ctx context.Context, leave recordstore.LeaveRequest) error

	recordCalls int
	leaveCalls  int
}

func (m *mockStore) FetchTemplate(ctx context.Context, subjectID string) (recordstore.Template, error) {
	return m.FetchFunc(ctx, subjectID)
}

func (m *mockStore) RecordEvent(ctx context.Context, subjectID string, action recordstore.Action, ts time.Time, attemptID string) (recordstore.EventRecord, error) {
	m.recordCalls++
	return m.RecordFunc(ctx, subjectID, action, ts, attemptID)
}

func (m *mockStore) SubmitLeave(ctx context.Context, leave recordstore.LeaveRequest) error {
	m.leaveCalls++
	return m.LeaveFunc(ctx, leave)
}

func matchingDevice() *mockDevice {
	return &mockDevice{
		CaptureFunc: func(ctx context.Context) (string, error) { return "fresh", nil },
		MatchFunc: func(ctx context.Context, template, sample string) (deviceclient.MatchResult, error) {
			return deviceclient.MatchResult{Matched: true, Score: 0.9}, nil
		},
	}
}

func enrolledStore() *mockStore {
	return &mockStore{
		FetchFunc: func(ctx context.Context, subjectID string) (recordstore.Template, error) {
			return recordstore.Template{SubjectID: subjectID, TemplateData: "stored"}, nil
		},
		RecordFunc: func(ctx context.Context, subjectID string, action recordstore.Action, ts time.Time, attemptID string) (recordstore.EventRecord, error) {
			return recordstore.EventRecord{ID: "evt-1", EmployeeID: subjectID, Type: string(action)}, nil
		},
		LeaveFunc: func(ctx context.Context, leave recordstore.LeaveRequest) error { return nil },
	}
}

func TestRun_HappyPath(t *testing.T) {
	dev := matchingDevice()
	store := enrolledStore()

	a, err := New("attempt-1", "1001", recordstore.ActionClockIn)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	state, err := a.Run(context.Background(), dev, store)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if state != StateSucceeded {
		t.Fatalf("state = %v; want succeeded", state)
	}
	if a.Record().ID != "evt-1" {
		t.Errorf("record = %+v; want evt-1", a.Record())
	}
	if store.recordCalls != 1 {
		t.Errorf("RecordEvent called %d times; want 1", store.recordCalls)
	}
}

// A never-enrolled subject fails before any device interaction: the
// template fetch precedes the capture.
func TestRun_NotEnrolledShortCircuits(t *testing.T) {
	dev := matchingDevice()
	store := enrolledStore()
	store.FetchFunc = func(ctx context.Context, subjectID string) (recordstore.Template, error) {
		return recordstore.Template{}, bioerr.Newf(bioerr.KindNotEnrolled, "store.fetch", "no template for %s", subjectID)
	}

	a, _ := New("attempt-1", "1001", recordstore.ActionClockIn)
	state, err := a.Run(context.Background(), dev, store)
	if state != StateFailed {
		t.Fatalf("state = %v; want failed", state)
	}
	if !bioerr.IsKind(err, bioerr.KindNotEnrolled) {
		t.Fatalf("kind = %v; want not_enrolled", bioerr.KindOf(err))
	}
	if dev.captureCalls != 0 {
		t.Errorf("capture called %d times for a not-enrolled subject; want 0", dev.captureCalls)
	}
}

// A non-match is an identity failure, distinct from device and network
// errors, and the event is never committed.
func TestRun_MismatchNeverCommits(t *testing.T) {
	dev := matchingDevice()
	dev.MatchFunc = func(ctx context.Context, template, sample string) (deviceclient.MatchResult, error) {
		return deviceclient.MatchResult{Matched: false, Score: 0}, nil
	}
	store := enrolledStore()

	a, _ := New("attempt-1", "1001", recordstore.ActionClockIn)
	state, err := a.Run(context.Background(), dev, store)
	if state != StateFailed {
		t.Fatalf("state = %v; want failed", state)
	}
	if !bioerr.IsKind(err, bioerr.KindMismatch) {
		t.Fatalf("kind = %v; want fingerprint_mismatch", bioerr.KindOf(err))
	}
	if store.recordCalls != 0 {
		t.Errorf("RecordEvent called %d times after a mismatch; want 0", store.recordCalls)
	}
}

func TestRun_CaptureFailureFails(t *testing.T) {
	dev := matchingDevice()
	dev.CaptureFunc = func(ctx context.Context) (string, error) {
		return "", bioerr.Newf(bioerr.KindCaptureTimeout, "device.capture", "no response")
	}
	store := enrolledStore()

	a, _ := New("attempt-1", "1001", recordstore.ActionClockOut)
	state, err := a.Run(context.Background(), dev, store)
	if state != StateFailed || !bioerr.IsKind(err, bioerr.KindCaptureTimeout) {
		t.Fatalf("state = %v kind = %v; want failed/capture_timeout", state, bioerr.KindOf(err))
	}
	if store.recordCalls != 0 {
		t.Errorf("RecordEvent called after capture failure")
	}
}

// A failed commit is retried without recapturing: identity was already
// verified, and the commit is keyed by attempt ID so a replay is safe.
func TestRetryCommit_NoRecapture(t *testing.T) {
	dev := matchingDevice()
	store := enrolledStore()
	fail := true
	store.RecordFunc = func(ctx context.Context, subjectID string, action recordstore.Action, ts time.Time, attemptID string) (recordstore.EventRecord, error) {
		if fail {
			fail = false
			return recordstore.EventRecord{}, bioerr.Newf(bioerr.KindCommitFailed, "store.record", "write failed")
		}
		if attemptID != "attempt-1" {
			t.Errorf("retried commit with attempt id %q; want attempt-1", attemptID)
		}
		return recordstore.EventRecord{ID: "evt-2", EmployeeID: subjectID}, nil
	}

	a, _ := New("attempt-1", "1001", recordstore.ActionClockIn)
	state, err := a.Run(context.Background(), dev, store)
	if state != StateFailed || !bioerr.IsKind(err, bioerr.KindCommitFailed) {
		t.Fatalf("state = %v kind = %v; want failed/commit_failed", state, bioerr.KindOf(err))
	}

	state, err = a.RetryCommit(context.Background(), store)
	if err != nil {
		t.Fatalf("RetryCommit returned error: %v", err)
	}
	if state != StateSucceeded {
		t.Fatalf("state after retry = %v; want succeeded", state)
	}
	if dev.captureCalls != 1 {
		t.Errorf("capture called %d times; want 1 (no recapture on commit retry)", dev.captureCalls)
	}
	if store.recordCalls != 2 {
		t.Errorf("RecordEvent called %d times; want 2", store.recordCalls)
	}
}

func TestRetryCommit_NotApplicableAfterMismatch(t *testing.T) {
	dev := matchingDevice()
	dev.MatchFunc = func(ctx context.Context, template, sample string) (deviceclient.MatchResult, error) {
		return deviceclient.MatchResult{}, nil
	}
	store := enrolledStore()

	a, _ := New("attempt-1", "1001", recordstore.ActionClockIn)
	a.Run(context.Background(), dev, store)

	if state, _ := a.RetryCommit(context.Background(), store); state != StateFailed {
		t.Fatalf("RetryCommit after mismatch state = %v; want failed", state)
	}
	if store.recordCalls != 0 {
		t.Errorf("RetryCommit after mismatch committed anyway")
	}
}

func TestRun_LeaveSubmission(t *testing.T) {
	dev := matchingDevice()
	store := enrolledStore()
	var got recordstore.LeaveRequest
	store.LeaveFunc = func(ctx context.Context, leave recordstore.LeaveRequest) error {
		got = leave
		return nil
	}

	a, err := NewLeave("attempt-1", recordstore.LeaveRequest{
		EmployeeID: "1001",
		LeaveType:  "annual",
		StartDate:  "2026-09-01",
		EndDate:    "2026-09-05",
	})
	if err != nil {
		t.Fatalf("NewLeave returned error: %v", err)
	}
	state, err := a.Run(context.Background(), dev, store)
	if err != nil || state != StateSucceeded {
		t.Fatalf("Run = %v, %v; want succeeded", state, err)
	}
	if got.EmployeeID != "1001" || got.LeaveType != "annual" {
		t.Errorf("leave submitted = %+v; want 1001/annual", got)
	}
	if store.recordCalls != 0 {
		t.Errorf("leave attempt also called RecordEvent")
	}
}
