package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"biotime/internal/bioerr"
	"biotime/internal/deviceclient"
	"biotime/internal/enroll"
	"biotime/internal/queue"
	"biotime/internal/recordstore"
	"biotime/internal/verify"
)

type mockDevice struct {
	captureCalls int
	mergeCalls   int

	identifyResult deviceclient.IdentifyResult
	identifiedWith string
}

func (m *mockDevice) CheckHealth(ctx context.Context) deviceclient.Health {
	return deviceclient.Health{Connected: true}
}

func (m *mockDevice) Capture(ctx context.Context) (string, error) {
	m.captureCalls++
	return fmt.Sprintf("S%d", m.captureCalls), nil
}

func (m *mockDevice) Merge(ctx context.Context, userID string, samples []string) (string, error) {
	m.mergeCalls++
	return "merged", nil
}

func (m *mockDevice) Match(ctx context.Context, template, sample string) (deviceclient.MatchResult, error) {
	return deviceclient.MatchResult{Matched: true, Score: 0.9}, nil
}

func (m *mockDevice) Identify(ctx context.Context, sample string) (deviceclient.IdentifyResult, error) {
	m.identifiedWith = sample
	return m.identifyResult, nil
}

type mockStore struct {
	fetchErr  error
	recordErr error

	recordCalls int
}

func (m *mockStore) FetchTemplate(ctx context.Context, subjectID string) (recordstore.Template, error) {
	if m.fetchErr != nil {
		return recordstore.Template{}, m.fetchErr
	}
	return recordstore.Template{SubjectID: subjectID, TemplateData: "stored"}, nil
}

func (m *mockStore) PersistTemplate(ctx context.Context, subjectID, templateData string, quality, fingerIndex int) error {
	return nil
}

func (m *mockStore) RecordEvent(ctx context.Context, subjectID string, action recordstore.Action, ts time.Time, attemptID string) (recordstore.EventRecord, error) {
	m.recordCalls++
	if m.recordErr != nil {
		err := m.recordErr
		m.recordErr = nil
		return recordstore.EventRecord{}, err
	}
	return recordstore.EventRecord{ID: "evt-1", EmployeeID: subjectID, Type: string(action)}, nil
}

func (m *mockStore) SubmitLeave(ctx context.Context, leave recordstore.LeaveRequest) error {
	return nil
}

// A second session for the same subject is rejected before any device
// call; the device serializes physical captures.
func TestGuard_RejectsConcurrentSessionsPerSubject(t *testing.T) {
	dev := &mockDevice{}
	c := New(dev, &mockStore{}, nil, nil)

	if _, err := c.StartEnrollment("1001", 0); err != nil {
		t.Fatalf("first StartEnrollment returned error: %v", err)
	}

	if _, err := c.StartEnrollment("1001", 0); !errors.Is(err, ErrSubjectBusy) {
		t.Fatalf("second StartEnrollment err = %v; want ErrSubjectBusy", err)
	}
	if _, err := c.RunAction(context.Background(), "1001", "kiosk-1", recordstore.ActionClockIn); !errors.Is(err, ErrSubjectBusy) {
		t.Fatalf("RunAction during enrollment err = %v; want ErrSubjectBusy", err)
	}
	if dev.captureCalls != 0 {
		t.Errorf("rejected attempts reached the device (%d captures)", dev.captureCalls)
	}

	// Another subject is unaffected.
	if _, err := c.StartEnrollment("2002", 0); err != nil {
		t.Errorf("StartEnrollment for another subject returned error: %v", err)
	}
}

func TestGuard_ReleasedOnCancel(t *testing.T) {
	c := New(&mockDevice{}, &mockStore{}, nil, nil)

	status, err := c.StartEnrollment("1001", 0)
	if err != nil {
		t.Fatalf("StartEnrollment returned error: %v", err)
	}
	if err := c.EnrollCancel(status.SessionID); err != nil {
		t.Fatalf("EnrollCancel returned error: %v", err)
	}

	if _, err := c.StartEnrollment("1001", 0); err != nil {
		t.Fatalf("StartEnrollment after cancel returned error: %v", err)
	}
	if _, err := c.EnrollStatus(status.SessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("cancelled session still queryable")
	}
}

func TestEnrollment_FullRunReleasesGuardAndPublishes(t *testing.T) {
	dev := &mockDevice{}
	q := queue.NewInMemory(4)
	c := New(dev, &mockStore{}, q, nil)

	status, err := c.StartEnrollment("1001", 0)
	if err != nil {
		t.Fatalf("StartEnrollment returned error: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		status, err = c.EnrollCapture(ctx, status.SessionID)
		if err != nil {
			t.Fatalf("EnrollCapture %d returned error: %v", i+1, err)
		}
	}
	if status.Step != enroll.StepSucceeded {
		t.Fatalf("final step = %v; want succeeded", status.Step)
	}

	msgs, _ := q.Consume(ctx)
	select {
	case msg := <-msgs:
		if msg.Type != "enrolled" || msg.EmployeeID != "1001" {
			t.Errorf("published %+v; want enrolled/1001", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no enrolled message published")
	}

	// Session is discarded and the subject free again.
	if _, err := c.EnrollStatus(status.SessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("terminal session still live")
	}
	if _, err := c.StartEnrollment("1001", 0); err != nil {
		t.Errorf("re-enrollment after success rejected: %v", err)
	}
}

func TestRunAction_CommitRetriedInRequest(t *testing.T) {
	dev := &mockDevice{}
	store := &mockStore{recordErr: bioerr.Newf(bioerr.KindCommitFailed, "store.record", "write failed")}
	q := queue.NewInMemory(4)
	c := New(dev, store, q, nil)

	res, err := c.RunAction(context.Background(), "1001", "kiosk-1", recordstore.ActionClockIn)
	if err != nil {
		t.Fatalf("RunAction returned error: %v", err)
	}
	if res.State != verify.StateSucceeded {
		t.Fatalf("state = %v; want succeeded after in-request commit retry", res.State)
	}
	if store.recordCalls != 2 {
		t.Errorf("RecordEvent called %d times; want 2", store.recordCalls)
	}
	if dev.captureCalls != 1 {
		t.Errorf("capture called %d times; want 1", dev.captureCalls)
	}

	msgs, _ := q.Consume(context.Background())
	select {
	case msg := <-msgs:
		if msg.Action != string(recordstore.ActionClockIn) || msg.EmployeeID != "1001" || msg.KioskID != "kiosk-1" {
			t.Errorf("published %+v; want clock_in/1001/kiosk-1", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no event message published")
	}
}

func TestRunAction_NotEnrolledFailure(t *testing.T) {
	dev := &mockDevice{}
	store := &mockStore{fetchErr: bioerr.Newf(bioerr.KindNotEnrolled, "store.fetch", "no template")}
	c := New(dev, store, nil, nil)

	res, err := c.RunAction(context.Background(), "1001", "kiosk-1", recordstore.ActionClockIn)
	if err == nil {
		t.Fatal("RunAction for unenrolled subject succeeded")
	}
	if res.Failure == nil || res.Failure.Kind != "not_enrolled" {
		t.Fatalf("failure = %+v; want not_enrolled", res.Failure)
	}
	if res.Failure.Message == "" {
		t.Error("failure carries no user message")
	}
	if dev.captureCalls != 0 {
		t.Errorf("capture called for a not-enrolled subject")
	}

	// The guard is released for the next attempt.
	store.fetchErr = nil
	if _, err := c.RunAction(context.Background(), "1001", "kiosk-1", recordstore.ActionClockIn); err != nil {
		t.Errorf("follow-up RunAction returned error: %v", err)
	}
}

// Badge-less identification captures one sample and runs the 1:N search
// over the device cache.
func TestIdentifySubject_CapturesAndSearches(t *testing.T) {
	dev := &mockDevice{identifyResult: deviceclient.IdentifyResult{Identified: true, UserID: "1001", Score: 0.88}}
	c := New(dev, &mockStore{}, nil, nil)

	res, err := c.IdentifySubject(context.Background())
	if err != nil {
		t.Fatalf("IdentifySubject returned error: %v", err)
	}
	if !res.Identified || res.UserID != "1001" {
		t.Fatalf("IdentifySubject = %+v; want identified 1001", res)
	}
	if dev.captureCalls != 1 {
		t.Errorf("capture called %d times; want 1", dev.captureCalls)
	}
	if dev.identifiedWith != "S1" {
		t.Errorf("identify received sample %q; want the fresh capture", dev.identifiedWith)
	}
}

func TestFailureOf_RendersTaxonomy(t *testing.T) {
	f := FailureOf(bioerr.Newf(bioerr.KindMismatch, "verify.match", "score 0"))
	if f.Kind != "fingerprint_mismatch" || f.RetryScope != "capture" || f.Message == "" {
		t.Errorf("FailureOf = %+v; want rendered mismatch", f)
	}
	if FailureOf(nil) != nil {
		t.Error("FailureOf(nil) != nil")
	}
}
