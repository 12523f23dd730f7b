// Package recordstore talks to the backend workforce API that durably
// stores enrollment templates and records attendance/leave events.
package recordstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"biotime/internal/bioerr"
)

// Action is the workforce side effect a verification commits.
type Action string

const (
	ActionClockIn        Action = "clock_in"
	ActionClockOut       Action = "clock_out"
	ActionAuthorizeLeave Action = "authorize_leave"
)

// Template is the durable biometric record for one subject.
type Template struct {
	SubjectID    string    `json:"employeeId"`
	TemplateData string    `json:"template"`
	Quality      int       `json:"quality"`
	FingerIndex  int       `json:"fingerNo"`
	EnrolledAt   time.Time `json:"enrolledAt"`
}

// EventRecord is the backend's acknowledgment of a committed event.
type EventRecord struct {
	ID         string    `json:"id"`
	EmployeeID string    `json:"employeeId"`
	Type       string    `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
}

// LeaveRequest carries a fingerprint-authorized leave submission.
type LeaveRequest struct {
	EmployeeID string `json:"employeeId"`
	LeaveType  string `json:"leaveType"`
	StartDate  string `json:"startDate"`
	EndDate    string `json:"endDate"`
	Reason     string `json:"reason"`
	// VerificationMethod marks how the identity was established.
	VerificationMethod string `json:"verificationMethod"`
}

// Client calls the record store API.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// New creates a client. token is attached as a bearer credential when set.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		HTTP: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// FetchTemplate reads the stored template for a subject. A 404 means the
// subject was never enrolled (KindNotEnrolled); any other non-2xx is
// KindStoreUnavailable.
func (c *Client) FetchTemplate(ctx context.Context, subjectID string) (Template, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/employees/fingerprint-template/"+subjectID, nil)
	if err != nil {
		return Template{}, err
	}
	c.authorize(req)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return Template{}, bioerr.New(bioerr.KindStoreUnavailable, "store.fetch", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Template{}, bioerr.Newf(bioerr.KindNotEnrolled, "store.fetch", "no template for %s", subjectID)
	}
	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return Template{}, bioerr.Newf(bioerr.KindStoreUnavailable, "store.fetch", "record store error %s: %s", resp.Status, string(bodyBytes))
	}

	var out Template
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Template{}, bioerr.New(bioerr.KindStoreUnavailable, "store.fetch", fmt.Errorf("failed to decode response: %w", err))
	}
	if out.TemplateData == "" {
		return Template{}, bioerr.Newf(bioerr.KindNotEnrolled, "store.fetch", "empty template for %s", subjectID)
	}
	out.SubjectID = subjectID
	return out, nil
}

// PersistTemplate upserts the merged template for a subject. The write is
// atomic and idempotent; re-enrollment overwrites any prior template.
func (c *Client) PersistTemplate(ctx context.Context, subjectID, templateData string, quality, fingerIndex int) error {
	body := map[string]any{
		"template": templateData,
		"fingerNo": fingerIndex,
		"quality":  quality,
	}
	if err := c.post(ctx, "/employees/fingerprint-enroll/"+subjectID, body, nil); err != nil {
		return bioerr.New(bioerr.KindStoreUnavailable, "store.persist", err)
	}
	return nil
}

// RecordEvent commits a clock-in/out after a successful verification.
// attemptID keys the append so a replayed commit is deduplicated serverside.
func (c *Client) RecordEvent(ctx context.Context, subjectID string, action Action, ts time.Time, attemptID string) (EventRecord, error) {
	body := map[string]any{
		"employeeId":         subjectID,
		"type":               string(action),
		"timestamp":          ts.UTC().Format(time.RFC3339),
		"verificationMethod": "fingerprint",
		"attemptId":          attemptID,
	}
	var out EventRecord
	if err := c.post(ctx, "/attendance/record", body, &out); err != nil {
		return EventRecord{}, bioerr.New(bioerr.KindCommitFailed, "store.record", err)
	}
	return out, nil
}

// SubmitLeave finalizes a fingerprint-authorized leave request.
func (c *Client) SubmitLeave(ctx context.Context, leave LeaveRequest) error {
	leave.VerificationMethod = "fingerprint"
	if err := c.post(ctx, "/leaves", leave, nil); err != nil {
		return bioerr.New(bioerr.KindCommitFailed, "store.leave", err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("record store request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("record store error %s: %s", resp.Status, string(bodyBytes))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
