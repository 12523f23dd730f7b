package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository persists the local audit trail in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// UpsertKiosk ensures a kiosk record exists.
func (r *Repository) UpsertKiosk(ctx context.Context, kioskID string) error {
	if kioskID == "" {
		return errors.New("kiosk id required")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO kiosks (kiosk_id)
		VALUES ($1)
		ON CONFLICT (kiosk_id) DO NOTHING
	`, kioskID)
	return err
}

// SaveRefreshToken stores a refresh token for rotation checks.
func (r *Repository) SaveRefreshToken(ctx context.Context, kioskID, token string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (kiosk_id, token, expires_at)
		VALUES ($1, $2, $3)
	`, kioskID, token, expiresAt)
	return err
}

// RevokeRefreshToken marks a token revoked.
func (r *Repository) RevokeRefreshToken(ctx context.Context, token string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE refresh_tokens SET revoked = TRUE WHERE token = $1`, token)
	return err
}

// RecentEvent returns the latest event of the given action for the
// employee on the kiosk within the window, nil when there is none.
func (r *Repository) RecentEvent(ctx context.Context, employeeID, kioskID, action string, window time.Duration) (*Event, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, attempt_id, employee_id, kiosk_id, action, occurred_at, match_score, created_at
		FROM verification_events
		WHERE employee_id = $1 AND kiosk_id = $2 AND action = $3
		  AND occurred_at >= NOW() - ($4 * interval '1 second')
		ORDER BY occurred_at DESC
		LIMIT 1
	`, employeeID, kioskID, action, window.Seconds())
	var evt Event
	if err := row.Scan(&evt.ID, &evt.AttemptID, &evt.EmployeeID, &evt.KioskID, &evt.Action, &evt.When, &evt.MatchScore, &evt.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &evt, nil
}

// InsertEvent writes a new audit event. attempt_id carries a unique
// constraint so a replayed queue message archives exactly once.
func (r *Repository) InsertEvent(ctx context.Context, evt Event) (Event, error) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.When.IsZero() {
		evt.When = time.Now().UTC()
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO verification_events (id, attempt_id, employee_id, kiosk_id, action, occurred_at, match_score)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (attempt_id) DO UPDATE SET match_score = EXCLUDED.match_score
		RETURNING created_at
	`, evt.ID, evt.AttemptID, evt.EmployeeID, evt.KioskID, evt.Action, evt.When, evt.MatchScore)
	if err := row.Scan(&evt.CreatedAt); err != nil {
		return Event{}, err
	}
	return evt, nil
}

// ListEvents returns audit events with basic filters.
func (r *Repository) ListEvents(ctx context.Context, kioskID, employeeID string, limit, offset int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT id, attempt_id, employee_id, kiosk_id, action, occurred_at, match_score, created_at FROM verification_events`
	args := []any{}
	clauses := []string{}
	if kioskID != "" {
		clauses = append(clauses, "kiosk_id = $"+itoa(len(args)+1))
		args = append(args, kioskID)
	}
	if employeeID != "" {
		clauses = append(clauses, "employee_id = $"+itoa(len(args)+1))
		args = append(args, employeeID)
	}
	if len(clauses) > 0 {
		query += " WHERE " + joinClauses(clauses, " AND ")
	}
	query += " ORDER BY occurred_at DESC LIMIT $" + itoa(len(args)+1) + " OFFSET $" + itoa(len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Event
	for rows.Next() {
		var evt Event
		if err := rows.Scan(&evt.ID, &evt.AttemptID, &evt.EmployeeID, &evt.KioskID, &evt.Action, &evt.When, &evt.MatchScore, &evt.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, evt)
	}
	return res, rows.Err()
}

func itoa(i int) string { return fmt.Sprintf("%d", i) }

func joinClauses(parts []string, sep string) string {
	if len(parts) == 0 {
		return ""
	}
	out := parts[0]
	for i := 1; i < len(parts); i++ {
		out += sep + parts[i]
	}
	return out
}

// Employee is the locally cached view of a workforce member.
type Employee struct {
	ID                  string     `json:"id"`
	EmployeeID          string     `json:"employee_id"`
	Name                *string    `json:"name,omitempty"`
	FingerprintEnrolled bool       `json:"fingerprint_enrolled"`
	EnrolledAt          *time.Time `json:"enrolled_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

// ListEmployees returns all cached employees.
func (r *Repository) ListEmployees(ctx context.Context) ([]Employee, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, employee_id, name, fingerprint_enrolled, enrolled_at, created_at
		FROM employees
		ORDER BY employee_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var employees []Employee
	for rows.Next() {
		var e Employee
		if err := rows.Scan(&e.ID, &e.EmployeeID, &e.Name, &e.FingerprintEnrolled, &e.EnrolledAt, &e.CreatedAt); err != nil {
			return nil, err
		}
		employees = append(employees, e)
	}
	return employees, rows.Err()
}

// GetEmployee returns a single cached employee, nil when unknown.
func (r *Repository) GetEmployee(ctx context.Context, employeeID string) (*Employee, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, employee_id, name, fingerprint_enrolled, enrolled_at, created_at
		FROM employees WHERE employee_id = $1
	`, employeeID)
	var e Employee
	if err := row.Scan(&e.ID, &e.EmployeeID, &e.Name, &e.FingerprintEnrolled, &e.EnrolledAt, &e.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

// UpsertEmployee creates or updates a cached employee.
func (r *Repository) UpsertEmployee(ctx context.Context, employeeID string, name *string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO employees (employee_id, name)
		VALUES ($1, $2)
		ON CONFLICT (employee_id) DO UPDATE SET
			name = COALESCE(EXCLUDED.name, employees.name),
			updated_at = NOW()
	`, employeeID, name)
	return err
}

// SetFingerprintEnrolled flips the enrollment flag for an employee.
func (r *Repository) SetFingerprintEnrolled(ctx context.Context, employeeID string, enrolled bool) error {
	var enrolledAt interface{} = nil
	if enrolled {
		enrolledAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE employees
		SET fingerprint_enrolled = $2, enrolled_at = $3, updated_at = NOW()
		WHERE employee_id = $1
	`, employeeID, enrolled, enrolledAt)
	return err
}
