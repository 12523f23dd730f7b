// Package orchestrator owns the live enrollment sessions and verification
// attempts, and the per-subject in-flight guard that keeps device access
// serialized. The device honors one physical operation at a time, so a
// second session for a subject is rejected before any device call.
package orchestrator

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"biotime/internal/bioerr"
	"biotime/internal/deviceclient"
	"biotime/internal/enroll"
	"biotime/internal/metrics"
	"biotime/internal/queue"
	"biotime/internal/recordstore"
	"biotime/internal/verify"
)

// Device is the full device surface the coordinator drives.
type Device interface {
	CheckHealth(ctx context.Context) deviceclient.Health
	Capture(ctx context.Context) (string, error)
	Merge(ctx context.Context, userID string, samples []string) (string, error)
	Match(ctx context.Context, template, sample string) (deviceclient.MatchResult, error)
	Identify(ctx context.Context, sample string) (deviceclient.IdentifyResult, error)
}

// Store is the record store surface the coordinator drives.
type Store interface {
	FetchTemplate(ctx context.Context, subjectID string) (recordstore.Template, error)
	PersistTemplate(ctx context.Context, subjectID, templateData string, quality, fingerIndex int) error
	RecordEvent(ctx context.Context, subjectID string, action recordstore.Action, ts time.Time, attemptID string) (recordstore.EventRecord, error)
	SubmitLeave(ctx context.Context, leave recordstore.LeaveRequest) error
}

// ErrSubjectBusy is returned when a session or attempt is already running
// for the subject.
var ErrSubjectBusy = errors.New("a fingerprint session is already active for this employee")

// ErrSessionNotFound is returned for unknown or already-discarded sessions.
var ErrSessionNotFound = errors.New("enrollment session not found")

// Failure is the user-facing rendering of a taxonomy error.
type Failure struct {
	Kind       string `json:"kind"`
	RetryScope string `json:"retry_scope"`
	Message    string `json:"message"`
}

// FailureOf renders err for the kiosk, nil for nil.
func FailureOf(err error) *Failure {
	if err == nil {
		return nil
	}
	kind := bioerr.KindOf(err)
	return &Failure{
		Kind:       kind.String(),
		RetryScope: string(kind.Scope()),
		Message:    kind.UserMessage(),
	}
}

// EnrollStatus is the session view returned to the kiosk.
type EnrollStatus struct {
	SessionID string      `json:"session_id"`
	SubjectID string      `json:"employee_id"`
	Step      enroll.Step `json:"step"`
	Captures  int         `json:"captures"`
	Failure   *Failure    `json:"failure,omitempty"`
}

// ActionResult is the outcome of a verify-and-act cycle.
type ActionResult struct {
	AttemptID string                  `json:"attempt_id"`
	SubjectID string                  `json:"employee_id"`
	Action    recordstore.Action      `json:"action"`
	State     verify.State            `json:"state"`
	Score     float64                 `json:"score,omitempty"`
	Event     recordstore.EventRecord `json:"event,omitempty"`
	Failure   *Failure                `json:"failure,omitempty"`
}

// Coordinator wires the device, the record store, the event queue and the
// metrics into the two state machines.
type Coordinator struct {
	dev     Device
	store   Store
	events  queue.Queue // nil disables publishing
	metrics *metrics.Metrics

	mu       sync.Mutex
	active   map[string]string          // subjectID -> session/attempt id
	sessions map[string]*enroll.Session // sessionID -> session
}

// New creates a coordinator. events and m may be nil.
func New(dev Device, store Store, events queue.Queue, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		dev:      dev,
		store:    store,
		events:   events,
		metrics:  m,
		active:   make(map[string]string),
		sessions: make(map[string]*enroll.Session),
	}
}

// acquire claims the subject guard, or reports ErrSubjectBusy.
func (c *Coordinator) acquire(subjectID, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.active[subjectID]; busy {
		return ErrSubjectBusy
	}
	c.active[subjectID] = id
	return nil
}

func (c *Coordinator) release(subjectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, subjectID)
}

// StartEnrollment opens a session for the subject. The guard is checked
// before anything touches the device.
func (c *Coordinator) StartEnrollment(subjectID string, fingerIndex int) (EnrollStatus, error) {
	sess, err := enroll.NewSession(subjectID, fingerIndex)
	if err != nil {
		return EnrollStatus{}, err
	}
	id := uuid.NewString()
	if err := c.acquire(subjectID, id); err != nil {
		return EnrollStatus{}, err
	}

	c.mu.Lock()
	c.sessions[id] = sess
	c.mu.Unlock()
	return c.status(id, sess), nil
}

// EnrollCapture drives one capture step of the session. After the third
// capture it also runs merge and persist; a terminal Succeeded discards
// the session and frees the guard.
func (c *Coordinator) EnrollCapture(ctx context.Context, sessionID string) (EnrollStatus, error) {
	sess, err := c.session(sessionID)
	if err != nil {
		return EnrollStatus{}, err
	}

	started := time.Now()
	step, err := sess.SubmitCapture(ctx, c.dev, c.store)
	c.metrics.ObserveCapture(captureResult(err), time.Since(started))

	switch step {
	case enroll.StepSucceeded:
		c.finishEnrollment(ctx, sessionID, sess, "succeeded")
	case enroll.StepFailed:
		log.Printf("enrollment %s for %s failed: %v", sessionID, sess.SubjectID(), err)
	}
	return c.status(sessionID, sess), nil
}

// EnrollRetry resumes a failed session within its failure's retry scope.
func (c *Coordinator) EnrollRetry(ctx context.Context, sessionID string) (EnrollStatus, error) {
	sess, err := c.session(sessionID)
	if err != nil {
		return EnrollStatus{}, err
	}
	step, _ := sess.Retry(ctx, c.dev, c.store)
	if step == enroll.StepSucceeded {
		c.finishEnrollment(ctx, sessionID, sess, "succeeded")
	}
	return c.status(sessionID, sess), nil
}

// EnrollCancel discards a session at any non-terminal point. Any in-flight
// capture is abandoned to its client-side timeout; the device returns to
// idle on its own.
func (c *Coordinator) EnrollCancel(sessionID string) error {
	c.mu.Lock()
	sess, ok := c.sessions[sessionID]
	if ok {
		delete(c.sessions, sessionID)
		delete(c.active, sess.SubjectID())
	}
	c.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	c.metrics.ObserveEnrollment("cancelled")
	return nil
}

// EnrollStatus returns the current view of a live session.
func (c *Coordinator) EnrollStatus(sessionID string) (EnrollStatus, error) {
	sess, err := c.session(sessionID)
	if err != nil {
		return EnrollStatus{}, err
	}
	return c.status(sessionID, sess), nil
}

// RunAction performs one verify-and-act cycle for a clock action. On a
// CommitFailed outcome the commit is retried once in-request (identity is
// already verified); if it still fails the commit scope is surfaced.
func (c *Coordinator) RunAction(ctx context.Context, subjectID, kioskID string, action recordstore.Action) (ActionResult, error) {
	attempt, err := verify.New(uuid.NewString(), subjectID, action)
	if err != nil {
		return ActionResult{}, err
	}
	return c.run(ctx, attempt, kioskID)
}

// AuthorizeLeave performs a verify cycle that finalizes a leave request.
func (c *Coordinator) AuthorizeLeave(ctx context.Context, kioskID string, leave recordstore.LeaveRequest) (ActionResult, error) {
	attempt, err := verify.NewLeave(uuid.NewString(), leave)
	if err != nil {
		return ActionResult{}, err
	}
	return c.run(ctx, attempt, kioskID)
}

func (c *Coordinator) run(ctx context.Context, attempt *verify.Attempt, kioskID string) (ActionResult, error) {
	subjectID := attempt.SubjectID()
	if err := c.acquire(subjectID, attempt.ID); err != nil {
		return ActionResult{}, err
	}
	defer c.release(subjectID)

	state, err := attempt.Run(ctx, c.dev, c.store)
	if state == verify.StateFailed && bioerr.IsKind(err, bioerr.KindCommitFailed) {
		state, err = attempt.RetryCommit(ctx, c.store)
	}

	res := ActionResult{
		AttemptID: attempt.ID,
		SubjectID: subjectID,
		Action:    attempt.Action(),
		State:     state,
		Score:     attempt.Score(),
		Failure:   FailureOf(err),
	}
	c.metrics.ObserveVerification(string(res.Action), verifyResult(err))

	if state != verify.StateSucceeded {
		log.Printf("verification %s for %s failed: %v", attempt.ID, subjectID, err)
		return res, err
	}

	res.Event = attempt.Record()
	c.publish(ctx, queue.Message{
		Type:       "event",
		AttemptID:  attempt.ID,
		EmployeeID: subjectID,
		KioskID:    kioskID,
		Action:     string(res.Action),
		Score:      attempt.Score(),
		Timestamp:  time.Now().UTC(),
	})
	return res, nil
}

// IdentifySubject captures one sample and searches the device template
// cache 1:N. Kiosks use it to pre-fill the employee for a badge-less
// clock action; the action itself still runs the full verify cycle.
func (c *Coordinator) IdentifySubject(ctx context.Context) (deviceclient.IdentifyResult, error) {
	started := time.Now()
	sample, err := c.dev.Capture(ctx)
	c.metrics.ObserveCapture(captureResult(err), time.Since(started))
	if err != nil {
		return deviceclient.IdentifyResult{}, err
	}
	return c.dev.Identify(ctx, sample)
}

// DeviceHealth exposes the soft health check for /healthz polling.
func (c *Coordinator) DeviceHealth(ctx context.Context) deviceclient.Health {
	return c.dev.CheckHealth(ctx)
}

func (c *Coordinator) session(id string) (*enroll.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

func (c *Coordinator) status(id string, sess *enroll.Session) EnrollStatus {
	return EnrollStatus{
		SessionID: id,
		SubjectID: sess.SubjectID(),
		Step:      sess.Step(),
		Captures:  sess.CaptureCount(),
		Failure:   FailureOf(sess.LastError()),
	}
}

// finishEnrollment discards a terminal session, frees the guard and tells
// the worker to refresh the device template cache.
func (c *Coordinator) finishEnrollment(ctx context.Context, sessionID string, sess *enroll.Session, result string) {
	c.mu.Lock()
	delete(c.sessions, sessionID)
	delete(c.active, sess.SubjectID())
	c.mu.Unlock()

	c.metrics.ObserveEnrollment(result)
	c.publish(ctx, queue.Message{
		Type:       "enrolled",
		EmployeeID: sess.SubjectID(),
		Timestamp:  time.Now().UTC(),
	})
	log.Printf("enrollment %s for %s %s", sessionID, sess.SubjectID(), result)
}

func (c *Coordinator) publish(ctx context.Context, msg queue.Message) {
	if c.events == nil {
		return
	}
	if err := c.events.Publish(ctx, msg); err != nil {
		log.Printf("queue publish failed: %v", err)
	}
}

func captureResult(err error) string {
	if err == nil {
		return "ok"
	}
	return bioerr.KindOf(err).String()
}

func verifyResult(err error) string {
	if err == nil {
		return "ok"
	}
	return bioerr.KindOf(err).String()
}
