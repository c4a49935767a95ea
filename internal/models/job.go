package models

import (
	"fmt"
	"strings"
	"time"
)

// JobKind is the closed set of scheduled actions an evaluation can have
// pending. At most one job per (evaluation, kind) should exist at a time;
// the store does not enforce uniqueness, the engine collapses duplicates.
type JobKind string

const (
	KindCreated             JobKind = "created"
	KindActive              JobKind = "active"
	KindReminder            JobKind = "reminder"
	KindDue                 JobKind = "due"
	KindClosed              JobKind = "closed"
	KindViewableOwner       JobKind = "viewable"
	KindViewableInstructors JobKind = "viewable_instructors"
	KindViewableStudents    JobKind = "viewable_students"
)

// AllJobKinds lists every kind, used when purging an evaluation's jobs.
var AllJobKinds = []JobKind{
	KindCreated,
	KindActive,
	KindReminder,
	KindDue,
	KindClosed,
	KindViewableOwner,
	KindViewableInstructors,
	KindViewableStudents,
}

// ParseJobKind validates a serialized kind token.
func ParseJobKind(s string) (JobKind, error) {
	k := JobKind(s)
	for _, known := range AllJobKinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unrecognized job kind %q", s)
}

// ScheduledJob is a durable "fire Kind for EvaluationID at RunAt" record.
type ScheduledJob struct {
	ID           string    `json:"id"`
	EvaluationID string    `json:"evaluation_id"`
	Kind         JobKind   `json:"kind"`
	RunAt        time.Time `json:"run_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// FiringToken serializes the (evaluation, kind) pair carried by the trigger
// mechanism. The worker parses it back out before dispatching.
func FiringToken(evaluationID string, kind JobKind) string {
	return evaluationID + "/" + string(kind)
}

// ParseFiringToken splits a firing token into its evaluation id and kind.
func ParseFiringToken(token string) (string, JobKind, error) {
	i := strings.LastIndex(token, "/")
	if i <= 0 || i == len(token)-1 {
		return "", "", fmt.Errorf("malformed firing token %q", token)
	}
	kind, err := ParseJobKind(token[i+1:])
	if err != nil {
		return "", "", fmt.Errorf("malformed firing token %q: %w", token, err)
	}
	return token[:i], kind, nil
}
