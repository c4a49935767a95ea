package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"evaluation-scheduler/internal/models"
	"evaluation-scheduler/internal/telemetry"
)

// Config carries engine tunables.
type Config struct {
	// GracePeriod delays the "created" notice so the creator can delete a
	// mis-created evaluation before anyone is told.
	GracePeriod time.Duration
	// InstructorsAddItems mirrors the authoring policy: when instructors may
	// add or opt items in and out, creation schedules the delayed "created"
	// notice at all.
	InstructorsAddItems bool
}

// Deps collects the engine's collaborators. Clock, Audit and Archive are
// optional; everything else is required.
type Deps struct {
	Clock       Clock
	Repo        EvaluationRepository
	Jobs        JobStore
	Trigger     Trigger
	Locks       Locker
	Notifier    NotificationGateway
	Permissions PermissionService
	Admin       AdminIdentity
	Audit       Auditor
	Archive     Archiver
}

// Engine keeps scheduled jobs consistent with the evaluation's authoritative
// dates. Every public operation runs under the per-evaluation lock; calls for
// different evaluations are independent.
type Engine struct {
	cfg      Config
	clock    Clock
	repo     EvaluationRepository
	jobs     JobStore
	trigger  Trigger
	locks    Locker
	notify   NotificationGateway
	perms    PermissionService
	admin    AdminIdentity
	audit    Auditor
	archive  Archiver
	resolver *StateResolver
}

const defaultGracePeriod = 300 * time.Second

func New(cfg Config, d Deps) *Engine {
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	clock := d.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	return &Engine{
		cfg:      cfg,
		clock:    clock,
		repo:     d.Repo,
		jobs:     d.Jobs,
		trigger:  d.Trigger,
		locks:    d.Locks,
		notify:   d.Notifier,
		perms:    d.Permissions,
		admin:    d.Admin,
		audit:    d.Audit,
		archive:  d.Archive,
		resolver: NewStateResolver(d.Repo),
	}
}

// OnCreate schedules the initial jobs for a freshly created evaluation: the
// "active" job at the start date and, when the authoring policy warrants it,
// the delayed "created" notice. Partial saves have nothing scheduled yet.
func (e *Engine) OnCreate(ctx context.Context, eval *models.Evaluation) error {
	if eval == nil || eval.ID == "" {
		return validationErr("evaluation_id", "required")
	}
	release, err := e.locks.Acquire(ctx, eval.ID)
	if err != nil {
		return fmt.Errorf("lock evaluation %s: %w", eval.ID, err)
	}
	defer release()

	if eval.State == models.StatePartial {
		return nil
	}
	if eval.StartDate == nil {
		return validationErr("start_date", "required once the evaluation is complete")
	}

	if e.cfg.InstructorsAddItems {
		if err := e.scheduleJob(ctx, eval.ID, models.KindCreated, e.clock.Now().Add(e.cfg.GracePeriod)); err != nil {
			return err
		}
	}
	return e.scheduleJob(ctx, eval.ID, models.KindActive, *eval.StartDate)
}

// OnDelete purges every scheduled job for the evaluation. The caller must be
// allowed to control it; when the record is already gone the check is skipped
// and stale jobs are cleaned up unconditionally.
func (e *Engine) OnDelete(ctx context.Context, userID, evaluationID string) error {
	if evaluationID == "" {
		return validationErr("evaluation_id", "required")
	}
	release, err := e.locks.Acquire(ctx, evaluationID)
	if err != nil {
		return fmt.Errorf("lock evaluation %s: %w", evaluationID, err)
	}
	defer release()

	exists, err := e.repo.EvaluationExists(ctx, evaluationID)
	if err != nil {
		return fmt.Errorf("check evaluation %s: %w", evaluationID, err)
	}
	if exists {
		allowed, err := e.perms.CanControl(ctx, userID, evaluationID)
		if err != nil {
			return fmt.Errorf("check control permission for %s on %s: %w", userID, evaluationID, err)
		}
		if !allowed {
			return fmt.Errorf("user %s on evaluation %s: %w", userID, evaluationID, ErrNotAuthorized)
		}
	}
	return e.purgeJobs(ctx, evaluationID)
}

// OnUpdate re-resolves the evaluation's state and reconciles whatever jobs
// that state depends on against the current date fields.
func (e *Engine) OnUpdate(ctx context.Context, eval *models.Evaluation) error {
	if eval == nil || eval.ID == "" {
		return validationErr("evaluation_id", "required")
	}
	release, err := e.locks.Acquire(ctx, eval.ID)
	if err != nil {
		return fmt.Errorf("lock evaluation %s: %w", eval.ID, err)
	}
	defer release()

	now := e.clock.Now()
	state, err := e.resolver.Resolve(ctx, eval, now)
	if err != nil {
		return err
	}

	switch state {
	case models.StatePartial:
		// Nothing scheduled yet.
		return nil

	case models.StateDeleted:
		return e.purgeJobs(ctx, eval.ID)

	case models.StateInQueue:
		return e.reconcile(ctx, eval, models.KindActive, eval.StartDate, now)

	case models.StateActive:
		if err := e.fixReminder(ctx, eval, now); err != nil {
			return err
		}
		return e.reconcile(ctx, eval, models.KindDue, eval.DueDate, now)

	case models.StateGracePeriod:
		return e.reconcile(ctx, eval, models.KindClosed, eval.StopDate, now)

	case models.StateClosed:
		viewDate := orNow(eval.ViewDate, now)
		if err := e.reconcile(ctx, eval, models.KindViewableOwner, &viewDate, now); err != nil {
			return err
		}
		if eval.InstructorViewResults {
			instructorsAt := orNow(eval.InstructorsViewDate, now)
			if err := e.reconcile(ctx, eval, models.KindViewableInstructors, &instructorsAt, now); err != nil {
				return err
			}
		} else if err := e.deleteJobsOfKind(ctx, eval.ID, models.KindViewableInstructors); err != nil {
			return err
		}
		if eval.StudentViewResults {
			studentsAt := orNow(eval.StudentsViewDate, now)
			return e.reconcile(ctx, eval, models.KindViewableStudents, &studentsAt, now)
		}
		return e.deleteJobsOfKind(ctx, eval.ID, models.KindViewableStudents)

	case models.StateUnknown:
		log.Printf("lifecycle: cannot resolve state for evaluation %s (start=%v due=%v stop=%v view=%v), aborting update",
			eval.ID, eval.StartDate, eval.DueDate, eval.StopDate, eval.ViewDate)
		return fmt.Errorf("evaluation %s: %w", eval.ID, ErrUnknownState)

	default:
		// Viewable and beyond: nothing left to keep in sync.
		return nil
	}
}

// OnJobFired is the entry point for the time-trigger mechanism once a
// scheduled job's runAt has arrived. The fired job record is consumed, state
// is re-resolved, and the handler sends its notification and schedules
// whatever comes next in the chain. Notification failures are logged and do
// not stop the scheduling side.
func (e *Engine) OnJobFired(ctx context.Context, evaluationID string, kind models.JobKind) error {
	if evaluationID == "" {
		return validationErr("evaluation_id", "required")
	}
	if _, err := models.ParseJobKind(string(kind)); err != nil {
		return validationErr("job_kind", err.Error())
	}
	release, err := e.locks.Acquire(ctx, evaluationID)
	if err != nil {
		return fmt.Errorf("lock evaluation %s: %w", evaluationID, err)
	}
	defer release()

	eval, err := e.repo.GetEvaluation(ctx, evaluationID)
	if errors.Is(err, models.ErrNotFound) {
		// Expected race: the evaluation was purged after this job was armed.
		log.Printf("lifecycle: evaluation %s vanished before %s job fired, purging stale jobs", evaluationID, kind)
		return e.purgeJobs(ctx, evaluationID)
	}
	if err != nil {
		return fmt.Errorf("load evaluation %s: %w", evaluationID, err)
	}

	// Fired jobs are destroyed, never re-armed; successors are created below.
	if err := e.deleteJobRows(ctx, evaluationID, kind); err != nil {
		return err
	}

	now := e.clock.Now()
	state, err := e.resolver.Resolve(ctx, eval, now)
	if err != nil {
		return err
	}
	if state == models.StateUnknown {
		log.Printf("lifecycle: cannot resolve state for evaluation %s on fired %s job", evaluationID, kind)
		return fmt.Errorf("evaluation %s: %w", evaluationID, ErrUnknownState)
	}

	telemetry.JobsFired.WithLabelValues(string(kind)).Inc()
	e.auditEvent(ctx, evaluationID, "job_fired", string(kind))

	switch kind {
	case models.KindCreated:
		e.send(ctx, eval.ID, "created", e.notify.SendCreated)
		return nil

	case models.KindActive:
		e.send(ctx, eval.ID, "available", e.notify.SendAvailable)
		if eval.DueDate != nil {
			if err := e.scheduleJob(ctx, eval.ID, models.KindDue, *eval.DueDate); err != nil {
				return err
			}
		}
		if eval.ReminderDays != 0 && eval.StartDate != nil {
			if at, ok := NextReminderAt(*eval.StartDate, eval.DueDate, eval.ReminderDays, now); ok {
				return e.scheduleJob(ctx, eval.ID, models.KindReminder, at)
			}
		}
		return nil

	case models.KindReminder:
		if !ReminderDue(eval, state, now) {
			return nil
		}
		e.send(ctx, eval.ID, "reminder", e.notify.SendReminder)
		// Chained, not re-armed: each firing creates exactly one successor.
		if eval.StartDate != nil {
			if at, ok := NextReminderAt(*eval.StartDate, eval.DueDate, eval.ReminderDays, now); ok {
				return e.scheduleJob(ctx, eval.ID, models.KindReminder, at)
			}
		}
		return nil

	case models.KindDue:
		closeAt := now
		switch {
		case eval.StopDate != nil && (eval.DueDate == nil || !eval.StopDate.Equal(*eval.DueDate)):
			closeAt = *eval.StopDate
		case eval.DueDate != nil && eval.DueDate.After(now):
			closeAt = *eval.DueDate
		}
		return e.scheduleJob(ctx, eval.ID, models.KindClosed, closeAt)

	case models.KindClosed:
		if err := e.scheduleJob(ctx, eval.ID, models.KindViewableOwner, orNow(eval.ViewDate, now)); err != nil {
			return err
		}
		if eval.ResultsSharing != models.SharingPrivate && eval.InstructorViewResults {
			if err := e.scheduleJob(ctx, eval.ID, models.KindViewableInstructors, orNow(eval.InstructorsViewDate, now)); err != nil {
				return err
			}
		}
		if eval.ResultsSharing != models.SharingPrivate && eval.StudentViewResults {
			if err := e.scheduleJob(ctx, eval.ID, models.KindViewableStudents, orNow(eval.StudentsViewDate, now)); err != nil {
				return err
			}
		}
		return nil

	case models.KindViewableOwner:
		allAudiences := eval.ResultsSharing != models.SharingPrivate
		e.send(ctx, eval.ID, "results_viewable", func(ctx context.Context, id string) ([]string, error) {
			return e.notify.SendResultsViewable(ctx, id, allAudiences)
		})
		e.archiveSnapshot(ctx, eval)
		return nil

	case models.KindViewableInstructors:
		e.auditEvent(ctx, eval.ID, "results_viewable_instructors", "")
		e.send(ctx, eval.ID, "results_viewable_instructors", e.notify.SendResultsViewableInstructors)
		return nil

	case models.KindViewableStudents:
		e.auditEvent(ctx, eval.ID, "results_viewable_students", "")
		e.send(ctx, eval.ID, "results_viewable_students", e.notify.SendResultsViewableStudents)
		return nil
	}
	return nil
}

// reconcile compares the single pending job of a kind against the
// authoritative date and corrects drift. Duplicates are collapsed to the
// earliest-created record before any comparison. A nil correctDate means the
// kind has nothing to fire for anymore and the job is dropped.
//
// When zero jobs of the kind exist this is a no-op, even if the state says
// one should: a job deleted out of band silently stays unscheduled. Kept as
// the historical behavior on purpose; see the reconciliation tests.
func (e *Engine) reconcile(ctx context.Context, eval *models.Evaluation, kind models.JobKind, correctDate *time.Time, now time.Time) error {
	pending, err := e.jobs.FindJobs(ctx, eval.ID, kind)
	if err != nil {
		return fmt.Errorf("find %s jobs for %s: %w", kind, eval.ID, err)
	}
	if len(pending) == 0 {
		return nil
	}

	survivor, err := e.collapseDuplicates(ctx, pending)
	if err != nil {
		return err
	}

	if correctDate == nil {
		return e.deleteJobsOfKind(ctx, eval.ID, kind)
	}

	if !survivor.RunAt.Equal(*correctDate) {
		if err := e.jobs.DeleteJob(ctx, survivor.ID); err != nil {
			return fmt.Errorf("delete stale %s job for %s: %w", kind, eval.ID, err)
		}
		if err := e.scheduleJob(ctx, eval.ID, kind, *correctDate); err != nil {
			return err
		}
		if kind == models.KindDue {
			// Moving the due date can invalidate the pending reminder.
			return e.fixReminder(ctx, eval, now)
		}
	}
	return nil
}

// fixReminder brings the reminder job in line with the reminder policy.
// Unlike reconcile it creates a missing job, since the reminder is recomputed
// from policy rather than mirrored from a single date field.
func (e *Engine) fixReminder(ctx context.Context, eval *models.Evaluation, now time.Time) error {
	var (
		at time.Time
		ok bool
	)
	if eval.ReminderDays != 0 && eval.StartDate != nil {
		at, ok = NextReminderAt(*eval.StartDate, eval.DueDate, eval.ReminderDays, now)
	}

	pending, err := e.jobs.FindJobs(ctx, eval.ID, models.KindReminder)
	if err != nil {
		return fmt.Errorf("find reminder jobs for %s: %w", eval.ID, err)
	}

	if !ok {
		if len(pending) == 0 {
			return nil
		}
		return e.deleteJobsOfKind(ctx, eval.ID, models.KindReminder)
	}

	if len(pending) > 0 {
		survivor, err := e.collapseDuplicates(ctx, pending)
		if err != nil {
			return err
		}
		if survivor.RunAt.Equal(at) {
			return nil
		}
		if err := e.jobs.DeleteJob(ctx, survivor.ID); err != nil {
			return fmt.Errorf("delete stale reminder job for %s: %w", eval.ID, err)
		}
	}
	return e.scheduleJob(ctx, eval.ID, models.KindReminder, at)
}

// collapseDuplicates keeps the earliest-created job and deletes the rest.
// Duplicates of one kind share a firing token, so only rows are removed; the
// trigger entry stays armed for the survivor.
func (e *Engine) collapseDuplicates(ctx context.Context, pending []models.ScheduledJob) (models.ScheduledJob, error) {
	survivor := pending[0]
	for _, dup := range pending[1:] {
		if err := e.jobs.DeleteJob(ctx, dup.ID); err != nil {
			return survivor, fmt.Errorf("collapse duplicate %s job %s: %w", dup.Kind, dup.ID, err)
		}
		telemetry.DuplicateJobsCollapsed.Inc()
	}
	return survivor, nil
}

func (e *Engine) scheduleJob(ctx context.Context, evaluationID string, kind models.JobKind, runAt time.Time) error {
	if runAt.IsZero() {
		return validationErr("run_at", "required")
	}
	if _, err := e.jobs.CreateJob(ctx, evaluationID, kind, runAt); err != nil {
		return fmt.Errorf("create %s job for %s: %w", kind, evaluationID, err)
	}
	if err := e.trigger.Arm(ctx, models.FiringToken(evaluationID, kind), runAt); err != nil {
		return fmt.Errorf("arm trigger for %s/%s: %w", evaluationID, kind, err)
	}
	telemetry.JobsScheduled.Inc()
	return nil
}

// deleteJobsOfKind removes every pending job of one kind plus its trigger.
func (e *Engine) deleteJobsOfKind(ctx context.Context, evaluationID string, kind models.JobKind) error {
	if err := e.deleteJobRows(ctx, evaluationID, kind); err != nil {
		return err
	}
	if err := e.trigger.Disarm(ctx, models.FiringToken(evaluationID, kind)); err != nil {
		return fmt.Errorf("disarm trigger for %s/%s: %w", evaluationID, kind, err)
	}
	return nil
}

func (e *Engine) deleteJobRows(ctx context.Context, evaluationID string, kind models.JobKind) error {
	pending, err := e.jobs.FindJobs(ctx, evaluationID, kind)
	if err != nil {
		return fmt.Errorf("find %s jobs for %s: %w", kind, evaluationID, err)
	}
	for _, j := range pending {
		if err := e.jobs.DeleteJob(ctx, j.ID); err != nil {
			return fmt.Errorf("delete %s job %s: %w", kind, j.ID, err)
		}
	}
	return nil
}

// purgeJobs removes every job of every kind for the evaluation.
func (e *Engine) purgeJobs(ctx context.Context, evaluationID string) error {
	if err := e.jobs.DeleteJobsForEvaluation(ctx, evaluationID); err != nil {
		return fmt.Errorf("purge jobs for %s: %w", evaluationID, err)
	}
	for _, kind := range models.AllJobKinds {
		if err := e.trigger.Disarm(ctx, models.FiringToken(evaluationID, kind)); err != nil {
			return fmt.Errorf("disarm trigger for %s/%s: %w", evaluationID, kind, err)
		}
	}
	detail := ""
	if e.admin != nil {
		// Cleanup runs as the trusted administrative principal.
		detail = "by=" + e.admin.CurrentAdminID()
	}
	e.auditEvent(ctx, evaluationID, "jobs_purged", detail)
	return nil
}

// send runs one notification best-effort: losing an email is recoverable,
// losing track of the schedule is not.
func (e *Engine) send(ctx context.Context, evaluationID, what string, fn func(context.Context, string) ([]string, error)) {
	recipients, err := fn(ctx, evaluationID)
	if err != nil {
		telemetry.NotificationFailures.Inc()
		log.Printf("lifecycle: send %s notification for %s: %v", what, evaluationID, err)
		return
	}
	telemetry.NotificationsSent.Add(float64(len(recipients)))
	log.Printf("lifecycle: sent %s notification for %s to %d recipients", what, evaluationID, len(recipients))
}

func (e *Engine) archiveSnapshot(ctx context.Context, eval *models.Evaluation) {
	if e.archive == nil {
		return
	}
	if err := e.archive.ArchiveSnapshot(ctx, eval); err != nil {
		log.Printf("lifecycle: archive snapshot for %s: %v", eval.ID, err)
	}
}

func (e *Engine) auditEvent(ctx context.Context, evaluationID, event, detail string) {
	if e.audit == nil {
		return
	}
	if err := e.audit.AppendAudit(ctx, evaluationID, event, detail); err != nil {
		log.Printf("lifecycle: append audit %s for %s: %v", event, evaluationID, err)
	}
}

func orNow(t *time.Time, now time.Time) time.Time {
	if t != nil {
		return *t
	}
	return now
}
