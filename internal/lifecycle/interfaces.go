package lifecycle

import (
	"context"
	"time"

	"evaluation-scheduler/internal/models"
)

// EvaluationRepository reads and writes the evaluation entity. GetEvaluation
// returns models.ErrNotFound when the record does not exist.
type EvaluationRepository interface {
	GetEvaluation(ctx context.Context, id string) (*models.Evaluation, error)
	SaveEvaluation(ctx context.Context, eval *models.Evaluation) error
	UpdateState(ctx context.Context, id string, state models.State) error
	EvaluationExists(ctx context.Context, id string) (bool, error)
}

// JobStore persists pending scheduled jobs. FindJobs returns records in
// creation order, oldest first; the store does not enforce uniqueness per
// (evaluation, kind), the engine does.
type JobStore interface {
	CreateJob(ctx context.Context, evaluationID string, kind models.JobKind, runAt time.Time) (models.ScheduledJob, error)
	FindJobs(ctx context.Context, evaluationID string, kind models.JobKind) ([]models.ScheduledJob, error)
	DeleteJob(ctx context.Context, jobID string) error
	DeleteJobsForEvaluation(ctx context.Context, evaluationID string) error
}

// Trigger arms the external time-trigger mechanism for a firing token.
// Arming an already-armed token moves its firing time.
type Trigger interface {
	Arm(ctx context.Context, token string, runAt time.Time) error
	Disarm(ctx context.Context, token string) error
}

// NotificationGateway sends lifecycle emails and reports the recipients
// actually contacted. Sends are best-effort from the engine's point of view.
type NotificationGateway interface {
	SendCreated(ctx context.Context, evaluationID string) ([]string, error)
	SendAvailable(ctx context.Context, evaluationID string) ([]string, error)
	SendReminder(ctx context.Context, evaluationID string) ([]string, error)
	// SendResultsViewable notifies the owner, and every audience when
	// allAudiences is set.
	SendResultsViewable(ctx context.Context, evaluationID string, allAudiences bool) ([]string, error)
	SendResultsViewableInstructors(ctx context.Context, evaluationID string) ([]string, error)
	SendResultsViewableStudents(ctx context.Context, evaluationID string) ([]string, error)
}

// PermissionService answers whether a user may control an evaluation.
type PermissionService interface {
	CanControl(ctx context.Context, userID, evaluationID string) (bool, error)
}

// AdminIdentity supplies the trusted principal used for administrative
// cleanup such as purging jobs for vanished evaluations.
type AdminIdentity interface {
	CurrentAdminID() string
}

// Locker serializes engine operations per evaluation id. Operations on
// different ids proceed in parallel.
type Locker interface {
	Acquire(ctx context.Context, evaluationID string) (release func(), err error)
}

// Auditor appends audit events for operational inspection.
type Auditor interface {
	AppendAudit(ctx context.Context, evaluationID, event, detail string) error
}

// Archiver snapshots an evaluation's record when results become viewable.
type Archiver interface {
	ArchiveSnapshot(ctx context.Context, eval *models.Evaluation) error
}
