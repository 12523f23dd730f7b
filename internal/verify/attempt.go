// Package verify implements the verify-and-act state machine: fetch the
// stored template, capture a fresh sample, 1:1 match, then commit the
// workforce event. Steps are strictly sequential because the device honors
// only one in-flight operation.
package verify

import (
	"context"
	"errors"
	"sync"
	"time"

	"biotime/internal/bioerr"
	"biotime/internal/deviceclient"
	"biotime/internal/recordstore"
)

// Device is the slice of the capture device an attempt needs.
type Device interface {
	Capture(ctx context.Context) (string, error)
	Match(ctx context.Context, template, sample string) (deviceclient.MatchResult, error)
}

// Store reads templates and commits events.
type Store interface {
	FetchTemplate(ctx context.Context, subjectID string) (recordstore.Template, error)
	RecordEvent(ctx context.Context, subjectID string, action recordstore.Action, ts time.Time, attemptID string) (recordstore.EventRecord, error)
	SubmitLeave(ctx context.Context, leave recordstore.LeaveRequest) error
}

// State is the attempt's position in the protocol.
type State string

const (
	StateFetching   State = "fetching"
	StateCapturing  State = "capturing"
	StateMatching   State = "matching"
	StateCommitting State = "committing"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
)

// Attempt is the transient state of one verify-and-act cycle. It is
// created per kiosk button press and discarded once the side effect
// commits or fails terminally.
type Attempt struct {
	mu sync.Mutex

	ID        string
	subjectID string
	action    recordstore.Action
	leave     *recordstore.LeaveRequest

	sample  string
	stored  string
	matched bool
	score   float64

	state   State
	lastErr error
	record  recordstore.EventRecord
}

// New creates an attempt for a clock action.
func New(id, subjectID string, action recordstore.Action) (*Attempt, error) {
	if subjectID == "" {
		return nil, errors.New("subject id required")
	}
	return &Attempt{ID: id, subjectID: subjectID, action: action, state: StateFetching}, nil
}

// NewLeave creates an attempt that finalizes a leave submission on match.
func NewLeave(id string, leave recordstore.LeaveRequest) (*Attempt, error) {
	a, err := New(id, leave.EmployeeID, recordstore.ActionAuthorizeLeave)
	if err != nil {
		return nil, err
	}
	a.leave = &leave
	return a, nil
}

// SubjectID returns the subject being verified.
func (a *Attempt) SubjectID() string { return a.subjectID }

// Action returns the workforce action this attempt commits.
func (a *Attempt) Action() recordstore.Action { return a.action }

// State returns the current protocol position.
func (a *Attempt) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// LastError returns the most recent failure, nil after success.
func (a *Attempt) LastError() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

// Score returns the match score once matching has run.
func (a *Attempt) Score() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.score
}

// Record returns the committed event acknowledgment after success.
func (a *Attempt) Record() recordstore.EventRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.record
}

// Run drives the full cycle. The stored template is fetched before any
// device interaction, so a never-enrolled subject fails fast without
// burning a capture window. Each step is awaited before the next begins.
func (a *Attempt) Run(ctx context.Context, dev Device, store Store) (State, error) {
	a.mu.Lock()
	if a.state != StateFetching {
		st := a.state
		a.mu.Unlock()
		return st, errors.New("attempt already run")
	}
	a.mu.Unlock()

	tpl, err := store.FetchTemplate(ctx, a.subjectID)
	if err != nil {
		return a.fail(err)
	}
	a.setState(StateCapturing)
	a.mu.Lock()
	a.stored = tpl.TemplateData
	a.mu.Unlock()

	sample, err := dev.Capture(ctx)
	if err != nil {
		return a.fail(err)
	}
	a.mu.Lock()
	a.sample = sample
	a.state = StateMatching
	a.mu.Unlock()

	res, err := dev.Match(ctx, tpl.TemplateData, sample)
	if err != nil {
		return a.fail(err)
	}
	a.mu.Lock()
	a.matched = res.Matched
	a.score = res.Score
	a.mu.Unlock()
	if !res.Matched {
		// Distinct from device or network failure: the infrastructure
		// worked, the identity did not match.
		return a.fail(bioerr.Newf(bioerr.KindMismatch, "verify.match", "score %.2f", res.Score))
	}

	a.setState(StateCommitting)
	return a.commit(ctx, store)
}

// RetryCommit re-runs only the commit of an attempt whose match succeeded
// but whose event write failed. Identity was already verified, so no
// recapture happens; the commit is keyed by the attempt ID, making a
// replayed write safe.
func (a *Attempt) RetryCommit(ctx context.Context, store Store) (State, error) {
	a.mu.Lock()
	if a.state != StateFailed || !a.matched || bioerr.KindOf(a.lastErr) != bioerr.KindCommitFailed {
		st := a.state
		err := a.lastErr
		a.mu.Unlock()
		if err == nil {
			err = errors.New("commit retry not applicable")
		}
		return st, err
	}
	a.state = StateCommitting
	a.mu.Unlock()
	return a.commit(ctx, store)
}

func (a *Attempt) commit(ctx context.Context, store Store) (State, error) {
	if a.leave != nil {
		if err := store.SubmitLeave(ctx, *a.leave); err != nil {
			return a.fail(err)
		}
		a.mu.Lock()
		a.record = recordstore.EventRecord{
			ID:         a.ID,
			EmployeeID: a.subjectID,
			Type:       string(a.action),
			Timestamp:  time.Now().UTC(),
		}
		a.state = StateSucceeded
		a.lastErr = nil
		a.mu.Unlock()
		return StateSucceeded, nil
	}

	rec, err := store.RecordEvent(ctx, a.subjectID, a.action, time.Now().UTC(), a.ID)
	if err != nil {
		return a.fail(err)
	}
	a.mu.Lock()
	a.record = rec
	a.state = StateSucceeded
	a.lastErr = nil
	a.mu.Unlock()
	return StateSucceeded, nil
}

func (a *Attempt) fail(err error) (State, error) {
	a.mu.Lock()
	a.state = StateFailed
	a.lastErr = err
	a.mu.Unlock()
	return StateFailed, err
}

func (a *Attempt) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}
