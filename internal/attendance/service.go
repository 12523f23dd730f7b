package attendance

import (
	"context"
	"errors"
	"time"
)

// Event is one archived verification event.
type Event struct {
	ID         string
	AttemptID  string
	EmployeeID string
	KioskID    string
	Action     string
	When       time.Time
	MatchScore *float64
	CreatedAt  time.Time
}

// Service coordinates the audit trail and deduplication.
type Service struct {
	repo        *Repository
	dedupWindow time.Duration
}

// NewService creates a service backed by a repository.
func NewService(repo *Repository, dedupWindow time.Duration) *Service {
	if dedupWindow <= 0 {
		dedupWindow = 5 * time.Minute
	}
	return &Service{repo: repo, dedupWindow: dedupWindow}
}

// RegisterKiosk validates and persists kiosk metadata.
func (s *Service) RegisterKiosk(ctx context.Context, kioskID string) error {
	if kioskID == "" {
		return errors.New("kiosk id required")
	}
	return s.repo.UpsertKiosk(ctx, kioskID)
}

// DuplicateOf returns a recent identical action for the employee on the
// kiosk, nil when the action is new. A duplicate clock-in inside the
// window is returned to the kiosk instead of re-running the device.
func (s *Service) DuplicateOf(ctx context.Context, employeeID, kioskID, action string) (*Event, error) {
	if employeeID == "" {
		return nil, errors.New("employee id required")
	}
	return s.repo.RecentEvent(ctx, employeeID, kioskID, action, s.dedupWindow)
}

// Archive writes a committed event to the audit trail.
func (s *Service) Archive(ctx context.Context, evt Event) (Event, error) {
	if evt.EmployeeID == "" || evt.AttemptID == "" {
		return Event{}, errors.New("employee and attempt required")
	}
	return s.repo.InsertEvent(ctx, evt)
}
