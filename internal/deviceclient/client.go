// Package deviceclient talks to the local fingerprint capture service over
// HTTP. All failures are normalized into the bioerr taxonomy before they
// reach the state machines.
package deviceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"biotime/internal/bioerr"
)

// SamplesPerEnrollment is the number of independent captures the device
// merge operation requires.
const SamplesPerEnrollment = 3

// DefaultCaptureTimeout bounds a single capture wait client-side,
// independent of any server-side timeout.
const DefaultCaptureTimeout = 15 * time.Second

// Health describes the device service state.
type Health struct {
	Connected     bool
	MockMode      bool
	EnrolledCount int
}

// MatchResult is the outcome of a 1:1 template comparison.
type MatchResult struct {
	Matched bool
	Score   float64
}

// IdentifyResult is the outcome of a 1:N search over the device cache.
type IdentifyResult struct {
	Identified bool
	UserID     string
	Score      float64
}

// Client calls the fingerprint device service.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Mock    bool

	captureTimeout time.Duration
}

// New creates a client. timeout bounds a single capture; zero means
// DefaultCaptureTimeout.
func New(baseURL string, mock bool, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultCaptureTimeout
	}
	return &Client{
		BaseURL: baseURL,
		Mock:    mock,
		HTTP: &http.Client{
			Timeout: 30 * time.Second, // merge over 3 samples can take a while
		},
		captureTimeout: timeout,
	}
}

// CheckHealth reports device availability. It fails soft: network errors
// and non-2xx responses come back as Connected=false, never as an error,
// so it is safe to poll.
func (c *Client) CheckHealth(ctx context.Context) Health {
	if c.Mock {
		return Health{Connected: true, MockMode: true}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return Health{}
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return Health{}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return Health{}
	}

	var out struct {
		DeviceOpened  bool `json:"device_opened"`
		MockMode      bool `json:"mock_mode"`
		EnrolledCount int  `json:"enrolled_count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Health{}
	}
	return Health{Connected: out.DeviceOpened, MockMode: out.MockMode, EnrolledCount: out.EnrolledCount}
}

// Init opens the physical reader.
func (c *Client) Init(ctx context.Context) error {
	if c.Mock {
		return nil
	}
	var out struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := c.post(ctx, "/init", nil, &out); err != nil {
		return bioerr.New(bioerr.KindDeviceUnavailable, "device.init", err)
	}
	if !out.Success {
		return bioerr.Newf(bioerr.KindDeviceUnavailable, "device.init", "device rejected init: %s", out.Error)
	}
	return nil
}

// Terminate releases the physical reader.
func (c *Client) Terminate(ctx context.Context) error {
	if c.Mock {
		return nil
	}
	var out struct {
		Success bool `json:"success"`
	}
	if err := c.post(ctx, "/terminate", nil, &out); err != nil {
		return bioerr.New(bioerr.KindDeviceUnavailable, "device.terminate", err)
	}
	return nil
}

// Capture blocks until the device produces one sample or the client-side
// timeout elapses. Timeout yields KindCaptureTimeout; a device-reported
// failure (no finger, poor quality, busy) yields KindCaptureFailed. The
// device returns to idle afterward on its own either way.
func (c *Client) Capture(ctx context.Context) (string, error) {
	if c.Mock {
		return mockSample(), nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.captureTimeout)
	defer cancel()

	var out struct {
		Success  bool   `json:"success"`
		Template string `json:"template"`
		Size     int    `json:"size"`
		Error    string `json:"error"`
	}
	if err := c.post(ctx, "/capture", nil, &out); err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return "", bioerr.Newf(bioerr.KindCaptureTimeout, "device.capture", "no response within %s", c.captureTimeout)
		case errors.Is(err, context.Canceled):
			// Caller abandoned the capture (dialog closed); not a device
			// fault, so the error stays out of the taxonomy.
			return "", err
		}
		return "", bioerr.New(bioerr.KindDeviceUnavailable, "device.capture", err)
	}
	if !out.Success || out.Template == "" {
		return "", bioerr.Newf(bioerr.KindCaptureFailed, "device.capture", "device reported: %s", out.Error)
	}
	return out.Template, nil
}

// Merge combines exactly three samples into one enrollment template.
func (c *Client) Merge(ctx context.Context, userID string, samples []string) (string, error) {
	if len(samples) != SamplesPerEnrollment {
		return "", bioerr.Newf(bioerr.KindMergeFailed, "device.merge", "need %d samples, got %d", SamplesPerEnrollment, len(samples))
	}
	if c.Mock {
		return mockSample(), nil
	}

	body := map[string]any{"userId": userID, "templates": samples}
	var out struct {
		Success  bool   `json:"success"`
		Template string `json:"template"`
		Error    string `json:"error"`
	}
	if err := c.post(ctx, "/enroll", body, &out); err != nil {
		return "", bioerr.New(bioerr.KindDeviceUnavailable, "device.merge", err)
	}
	if !out.Success || out.Template == "" {
		return "", bioerr.Newf(bioerr.KindMergeFailed, "device.merge", "device rejected samples: %s", out.Error)
	}
	return out.Template, nil
}

// Match runs a 1:1 comparison of a stored template against a fresh sample.
// The device API is inconsistent about how it signals success across
// builds: some return matched=true, some only a positive score. Both are
// honored here so callers get a single boolean.
func (c *Client) Match(ctx context.Context, template, sample string) (MatchResult, error) {
	if c.Mock {
		return MatchResult{Matched: true, Score: 0.92}, nil
	}

	body := map[string]string{"template1": template, "template2": sample}
	var out struct {
		Success bool    `json:"success"`
		Matched bool    `json:"matched"`
		Score   float64 `json:"score"`
		Error   string  `json:"error"`
	}
	if err := c.post(ctx, "/match", body, &out); err != nil {
		return MatchResult{}, bioerr.New(bioerr.KindDeviceUnavailable, "device.match", err)
	}
	if !out.Success {
		return MatchResult{}, bioerr.Newf(bioerr.KindCaptureFailed, "device.match", "device reported: %s", out.Error)
	}
	return MatchResult{Matched: out.Matched || out.Score > 0, Score: out.Score}, nil
}

// Identify searches all templates cached on the device for the sample.
func (c *Client) Identify(ctx context.Context, sample string) (IdentifyResult, error) {
	if c.Mock {
		return IdentifyResult{}, nil
	}

	body := map[string]string{"template": sample}
	var out struct {
		Success    bool    `json:"success"`
		Identified bool    `json:"identified"`
		UserID     string  `json:"user_id"`
		Score      float64 `json:"score"`
		Error      string  `json:"error"`
	}
	if err := c.post(ctx, "/identify", body, &out); err != nil {
		return IdentifyResult{}, bioerr.New(bioerr.KindDeviceUnavailable, "device.identify", err)
	}
	if !out.Success {
		return IdentifyResult{}, bioerr.Newf(bioerr.KindCaptureFailed, "device.identify", "device reported: %s", out.Error)
	}
	return IdentifyResult{Identified: out.Identified, UserID: out.UserID, Score: out.Score}, nil
}

// Enrolled lists user IDs present in the device's template cache.
func (c *Client) Enrolled(ctx context.Context) ([]string, error) {
	if c.Mock {
		return nil, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/enrolled", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, bioerr.New(bioerr.KindDeviceUnavailable, "device.enrolled", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, bioerr.Newf(bioerr.KindDeviceUnavailable, "device.enrolled", "device service error %s", resp.Status)
	}

	var out struct {
		Enrolled []string `json:"enrolled"`
		Count    int      `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return out.Enrolled, nil
}

// AddTemplate loads a stored template into the device cache so Verify and
// Identify can use it.
func (c *Client) AddTemplate(ctx context.Context, userID, template string) error {
	if c.Mock {
		return nil
	}

	body := map[string]string{"userId": userID, "template": template}
	var out struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := c.post(ctx, "/add-template", body, &out); err != nil {
		return bioerr.New(bioerr.KindDeviceUnavailable, "device.add-template", err)
	}
	if !out.Success {
		return bioerr.Newf(bioerr.KindDeviceUnavailable, "device.add-template", "device reported: %s", out.Error)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("device service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("device service error %s: %s", resp.Status, string(bodyBytes))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

var mockCounter atomic.Int64

// mockSample produces a distinct fake base64 blob per call so mock-mode
// enrollment still exercises the no-stale-reuse rule.
func mockSample() string {
	n := mockCounter.Add(1)
	return "bW9jay1zYW1wbGUt" + strings.Repeat("A", int(n%7)+1)
}
