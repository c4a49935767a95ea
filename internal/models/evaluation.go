package models

import (
	"errors"
	"time"
)

// State enumerates evaluation lifecycle states persisted in Postgres.
// The resolver derives these from the evaluation's dates; the stored value is
// a cache and gets fixed up whenever it drifts.
type State string

const (
	StatePartial     State = "partial"
	StateInQueue     State = "inqueue"
	StateActive      State = "active"
	StateDue         State = "due"
	StateGracePeriod State = "graceperiod"
	StateClosed      State = "closed"
	StateViewable    State = "viewable"
	StateDeleted     State = "deleted"
	StateUnknown     State = "unknown"
)

// ResultsSharing gates which audiences receive "results viewable" notices.
type ResultsSharing string

const (
	SharingPrivate ResultsSharing = "private"
	SharingVisible ResultsSharing = "visible"
	SharingPublic  ResultsSharing = "public"
)

// Evaluation is the long-lived entity whose lifecycle the engine drives.
// Date pointers are nil when unset; StartDate is only nil while the record is
// a partial save.
type Evaluation struct {
	ID                    string         `json:"id"`
	Title                 string         `json:"title"`
	OwnerID               string         `json:"owner_id"`
	StartDate             *time.Time     `json:"start_date,omitempty"`
	DueDate               *time.Time     `json:"due_date,omitempty"`
	StopDate              *time.Time     `json:"stop_date,omitempty"`
	ViewDate              *time.Time     `json:"view_date,omitempty"`
	InstructorsViewDate   *time.Time     `json:"instructors_view_date,omitempty"`
	StudentsViewDate      *time.Time     `json:"students_view_date,omitempty"`
	ReminderDays          int            `json:"reminder_days"`
	ResultsSharing        ResultsSharing `json:"results_sharing"`
	InstructorViewResults bool           `json:"instructor_view_results"`
	StudentViewResults    bool           `json:"student_view_results"`
	State                 State          `json:"state"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
}

// OpenEnded reports whether the evaluation has no due date and therefore
// never automatically closes.
func (e *Evaluation) OpenEnded() bool {
	return e.DueDate == nil
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	EvaluationID string    `json:"evaluation_id"`
	Event        string    `json:"event"`
	Detail       string    `json:"detail"`
	Recorded     time.Time `json:"recorded_at"`
}

// ErrNotFound reports that an evaluation record does not exist. Repositories
// return it wrapped; callers test with errors.Is.
var ErrNotFound = errors.New("evaluation not found")
