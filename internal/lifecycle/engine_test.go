package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evaluation-scheduler/internal/models"
)

type fixture struct {
	engine   *Engine
	repo     *memRepo
	jobs     *memJobs
	trigger  *recTrigger
	notifier *recNotifier
	archive  *recArchiver
	clock    *stepClock
	perms    *fakePerms
}

func newFixture(cfg Config) *fixture {
	f := &fixture{
		repo:     newMemRepo(),
		jobs:     newMemJobs(),
		trigger:  newRecTrigger(),
		notifier: &recNotifier{},
		archive:  &recArchiver{},
		clock:    &stepClock{now: day(0)},
		perms:    &fakePerms{allow: true},
	}
	f.engine = New(cfg, Deps{
		Clock:       f.clock,
		Repo:        f.repo,
		Jobs:        f.jobs,
		Trigger:     f.trigger,
		Locks:       memLocker{},
		Notifier:    f.notifier,
		Permissions: f.perms,
		Admin:       fakeAdmin{},
		Archive:     f.archive,
	})
	return f
}

func (f *fixture) seed(eval *models.Evaluation) *models.Evaluation {
	f.repo.put(eval)
	return eval
}

func activeEval(id string, due *time.Time, reminderDays int) *models.Evaluation {
	return &models.Evaluation{
		ID:           id,
		Title:        "course feedback",
		State:        models.StateActive,
		StartDate:    ptr(day(0)),
		DueDate:      due,
		ReminderDays: reminderDays,
	}
}

func TestOnCreateSchedulesActiveJob(t *testing.T) {
	f := newFixture(Config{})
	eval := f.seed(&models.Evaluation{ID: "e1", State: models.StateInQueue, StartDate: ptr(day(1))})

	require.NoError(t, f.engine.OnCreate(context.Background(), eval))

	jobs := f.jobs.all()
	require.Len(t, jobs, 1)
	assert.Equal(t, models.KindActive, jobs[0].Kind)
	assert.Equal(t, day(1), jobs[0].RunAt)
	assert.Equal(t, day(1), f.trigger.armed["e1/active"])
}

func TestOnCreateGracePeriodForCreatedNotice(t *testing.T) {
	f := newFixture(Config{InstructorsAddItems: true, GracePeriod: 300 * time.Second})
	eval := f.seed(&models.Evaluation{ID: "e1", State: models.StateInQueue, StartDate: ptr(day(1))})

	require.NoError(t, f.engine.OnCreate(context.Background(), eval))

	created := f.jobs.byKind(models.KindCreated)
	require.Len(t, created, 1)
	assert.Equal(t, day(0).Add(300*time.Second), created[0].RunAt)
	assert.Len(t, f.jobs.byKind(models.KindActive), 1)
}

func TestOnCreatePartialSchedulesNothing(t *testing.T) {
	f := newFixture(Config{InstructorsAddItems: true})
	eval := f.seed(&models.Evaluation{ID: "e1", State: models.StatePartial})

	require.NoError(t, f.engine.OnCreate(context.Background(), eval))
	assert.Empty(t, f.jobs.all())
}

func TestOnCreateRejectsMissingID(t *testing.T) {
	f := newFixture(Config{})
	err := f.engine.OnCreate(context.Background(), &models.Evaluation{})
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
}

// The end-to-end creation scenario: one active job, firing it arms the due
// job and the first reminder, and a later due-date edit moves or kills them.
func TestLifecycleScenario(t *testing.T) {
	f := newFixture(Config{})
	eval := f.seed(activeEval("e1", ptr(day(5)), 2))
	eval.State = models.StateInQueue
	ctx := context.Background()

	require.NoError(t, f.engine.OnCreate(ctx, eval))
	require.Len(t, f.jobs.all(), 1)

	require.NoError(t, f.engine.OnJobFired(ctx, "e1", models.KindActive))

	due := f.jobs.byKind(models.KindDue)
	require.Len(t, due, 1)
	assert.Equal(t, day(5), due[0].RunAt)
	reminders := f.jobs.byKind(models.KindReminder)
	require.Len(t, reminders, 1)
	assert.Equal(t, day(2), reminders[0].RunAt)
	assert.Empty(t, f.jobs.byKind(models.KindActive), "fired jobs are destroyed")
	assert.Equal(t, []string{"available"}, f.notifier.calls)

	// Pull the due date in: the due job moves, the reminder still fits.
	loaded, err := f.repo.GetEvaluation(ctx, "e1")
	require.NoError(t, err)
	loaded.DueDate = ptr(day(3))
	require.NoError(t, f.engine.OnUpdate(ctx, loaded))

	due = f.jobs.byKind(models.KindDue)
	require.Len(t, due, 1)
	assert.Equal(t, day(3), due[0].RunAt)
	require.Len(t, f.jobs.byKind(models.KindReminder), 1)

	// Pull it in further: no room for the reminder anymore.
	loaded.DueDate = ptr(day(1))
	require.NoError(t, f.engine.OnUpdate(ctx, loaded))
	assert.Empty(t, f.jobs.byKind(models.KindReminder))
	due = f.jobs.byKind(models.KindDue)
	require.Len(t, due, 1)
	assert.Equal(t, day(1), due[0].RunAt)
}

func TestOnUpdateIdempotent(t *testing.T) {
	f := newFixture(Config{})
	eval := f.seed(activeEval("e1", ptr(day(5)), 2))
	ctx := context.Background()

	// Seed the job set a fired active job would have left behind.
	_, err := f.jobs.CreateJob(ctx, "e1", models.KindDue, day(5))
	require.NoError(t, err)
	_, err = f.jobs.CreateJob(ctx, "e1", models.KindReminder, day(2))
	require.NoError(t, err)

	require.NoError(t, f.engine.OnUpdate(ctx, eval))
	first := f.jobs.all()

	require.NoError(t, f.engine.OnUpdate(ctx, eval))
	assert.Equal(t, first, f.jobs.all(), "unchanged dates must not churn the job store")
}

func TestReconcileCollapsesDuplicatesToEarliest(t *testing.T) {
	f := newFixture(Config{})
	eval := f.seed(activeEval("e1", ptr(day(5)), 0))
	ctx := context.Background()

	// Two due jobs, the second at the correct time. The earliest-created one
	// must survive and then be corrected.
	_, err := f.jobs.CreateJob(ctx, "e1", models.KindDue, day(4))
	require.NoError(t, err)
	_, err = f.jobs.CreateJob(ctx, "e1", models.KindDue, day(5))
	require.NoError(t, err)

	require.NoError(t, f.engine.OnUpdate(ctx, eval))

	due := f.jobs.byKind(models.KindDue)
	require.Len(t, due, 1)
	assert.Equal(t, day(5), due[0].RunAt)
}

func TestReconcileZeroJobsIsANoop(t *testing.T) {
	// A due job deleted out of band stays unscheduled: reconciliation only
	// fixes mismatched jobs, it never creates missing ones. Historical
	// behavior, preserved knowingly.
	f := newFixture(Config{})
	eval := f.seed(activeEval("e1", ptr(day(5)), 0))

	require.NoError(t, f.engine.OnUpdate(context.Background(), eval))
	assert.Empty(t, f.jobs.all())
}

func TestOnUpdateInQueueReconcilesActiveJob(t *testing.T) {
	f := newFixture(Config{})
	eval := f.seed(&models.Evaluation{ID: "e1", State: models.StateInQueue, StartDate: ptr(day(2))})
	ctx := context.Background()

	_, err := f.jobs.CreateJob(ctx, "e1", models.KindActive, day(1))
	require.NoError(t, err)

	require.NoError(t, f.engine.OnUpdate(ctx, eval))

	active := f.jobs.byKind(models.KindActive)
	require.Len(t, active, 1)
	assert.Equal(t, day(2), active[0].RunAt)
	assert.Equal(t, day(2), f.trigger.armed["e1/active"])
}

func TestOnUpdateClosedManagesViewableJobs(t *testing.T) {
	f := newFixture(Config{})
	eval := f.seed(&models.Evaluation{
		ID:                    "e1",
		State:                 models.StateClosed,
		StartDate:             ptr(day(-10)),
		DueDate:               ptr(day(-2)),
		ViewDate:              ptr(day(3)),
		InstructorsViewDate:   ptr(day(4)),
		InstructorViewResults: true,
	})
	ctx := context.Background()

	_, err := f.jobs.CreateJob(ctx, "e1", models.KindViewableOwner, day(2))
	require.NoError(t, err)
	_, err = f.jobs.CreateJob(ctx, "e1", models.KindViewableInstructors, day(2))
	require.NoError(t, err)
	_, err = f.jobs.CreateJob(ctx, "e1", models.KindViewableStudents, day(2))
	require.NoError(t, err)

	require.NoError(t, f.engine.OnUpdate(ctx, eval))

	owner := f.jobs.byKind(models.KindViewableOwner)
	require.Len(t, owner, 1)
	assert.Equal(t, day(3), owner[0].RunAt)

	instructors := f.jobs.byKind(models.KindViewableInstructors)
	require.Len(t, instructors, 1)
	assert.Equal(t, day(4), instructors[0].RunAt)

	// Student visibility is off: that job goes away.
	assert.Empty(t, f.jobs.byKind(models.KindViewableStudents))
}

func TestOnUpdateUnknownStateAbortsWithoutTouchingJobs(t *testing.T) {
	f := newFixture(Config{})
	eval := f.seed(&models.Evaluation{ID: "e1", State: models.StateInQueue})
	ctx := context.Background()

	_, err := f.jobs.CreateJob(ctx, "e1", models.KindActive, day(1))
	require.NoError(t, err)
	before := f.jobs.all()

	err = f.engine.OnUpdate(ctx, eval)
	require.ErrorIs(t, err, ErrUnknownState)
	assert.Equal(t, before, f.jobs.all())
}

func TestOnDeletePurgesEveryKind(t *testing.T) {
	f := newFixture(Config{})
	f.seed(activeEval("e1", ptr(day(5)), 2))
	ctx := context.Background()

	for _, kind := range models.AllJobKinds {
		_, err := f.jobs.CreateJob(ctx, "e1", kind, day(1))
		require.NoError(t, err)
	}
	_, err := f.jobs.CreateJob(ctx, "other", models.KindActive, day(1))
	require.NoError(t, err)

	require.NoError(t, f.engine.OnDelete(ctx, "owner", "e1"))

	for _, kind := range models.AllJobKinds {
		pending, err := f.jobs.FindJobs(ctx, "e1", kind)
		require.NoError(t, err)
		assert.Empty(t, pending, "kind %s", kind)
	}
	// Unrelated evaluations keep their jobs.
	assert.Len(t, f.jobs.all(), 1)
}

func TestOnDeleteUnauthorized(t *testing.T) {
	f := newFixture(Config{})
	f.seed(activeEval("e1", ptr(day(5)), 0))
	f.perms.allow = false
	ctx := context.Background()

	_, err := f.jobs.CreateJob(ctx, "e1", models.KindDue, day(5))
	require.NoError(t, err)

	err = f.engine.OnDelete(ctx, "stranger", "e1")
	require.ErrorIs(t, err, ErrNotAuthorized)
	assert.Len(t, f.jobs.all(), 1, "no partial deletion on authorization failure")
}

func TestOnDeleteVanishedSkipsPermissionCheck(t *testing.T) {
	f := newFixture(Config{})
	f.perms.allow = false
	ctx := context.Background()

	_, err := f.jobs.CreateJob(ctx, "gone", models.KindDue, day(5))
	require.NoError(t, err)

	require.NoError(t, f.engine.OnDelete(ctx, "stranger", "gone"))
	assert.Empty(t, f.jobs.all())
}

func TestOnJobFiredVanishedEvaluationPurges(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()

	_, err := f.jobs.CreateJob(ctx, "gone", models.KindReminder, day(1))
	require.NoError(t, err)

	require.NoError(t, f.engine.OnJobFired(ctx, "gone", models.KindReminder))
	assert.Empty(t, f.jobs.all())
	assert.Empty(t, f.notifier.calls)
}

func TestOnJobFiredReminderChains(t *testing.T) {
	f := newFixture(Config{})
	f.seed(activeEval("e1", ptr(day(10)), 2))
	f.clock.now = day(2)
	ctx := context.Background()

	_, err := f.jobs.CreateJob(ctx, "e1", models.KindReminder, day(2))
	require.NoError(t, err)

	require.NoError(t, f.engine.OnJobFired(ctx, "e1", models.KindReminder))

	assert.Equal(t, []string{"reminder"}, f.notifier.calls)
	reminders := f.jobs.byKind(models.KindReminder)
	require.Len(t, reminders, 1, "each firing creates exactly one successor")
	assert.Equal(t, day(4), reminders[0].RunAt)
}

func TestOnJobFiredReminderPastDueIsSilent(t *testing.T) {
	f := newFixture(Config{})
	f.seed(&models.Evaluation{
		ID: "e1", State: models.StateActive, StartDate: ptr(day(0)),
		DueDate: ptr(day(3)), StopDate: ptr(day(6)), ReminderDays: 2,
	})
	f.clock.now = day(4)
	ctx := context.Background()

	require.NoError(t, f.engine.OnJobFired(ctx, "e1", models.KindReminder))
	assert.Empty(t, f.notifier.calls)
	assert.Empty(t, f.jobs.byKind(models.KindReminder))
}

func TestOnJobFiredDueSchedulesClosed(t *testing.T) {
	ctx := context.Background()

	t.Run("separate stop date", func(t *testing.T) {
		f := newFixture(Config{})
		f.seed(&models.Evaluation{
			ID: "e1", State: models.StateActive, StartDate: ptr(day(0)),
			DueDate: ptr(day(5)), StopDate: ptr(day(7)),
		})
		f.clock.now = day(5)

		require.NoError(t, f.engine.OnJobFired(ctx, "e1", models.KindDue))
		closed := f.jobs.byKind(models.KindClosed)
		require.Len(t, closed, 1)
		assert.Equal(t, day(7), closed[0].RunAt)
	})

	t.Run("due already passed", func(t *testing.T) {
		f := newFixture(Config{})
		f.seed(&models.Evaluation{
			ID: "e1", State: models.StateActive, StartDate: ptr(day(0)),
			DueDate: ptr(day(5)),
		})
		f.clock.now = day(6)

		require.NoError(t, f.engine.OnJobFired(ctx, "e1", models.KindDue))
		closed := f.jobs.byKind(models.KindClosed)
		require.Len(t, closed, 1)
		assert.Equal(t, day(6), closed[0].RunAt)
	})
}

func TestOnJobFiredClosedSchedulesViewableJobs(t *testing.T) {
	ctx := context.Background()

	t.Run("shared results notify all audiences", func(t *testing.T) {
		f := newFixture(Config{})
		f.seed(&models.Evaluation{
			ID: "e1", State: models.StateClosed, StartDate: ptr(day(-10)),
			DueDate: ptr(day(-1)), ViewDate: ptr(day(1)),
			ResultsSharing: models.SharingVisible,
			InstructorViewResults: true, StudentViewResults: true,
			InstructorsViewDate: ptr(day(2)), StudentsViewDate: ptr(day(3)),
		})

		require.NoError(t, f.engine.OnJobFired(ctx, "e1", models.KindClosed))

		assert.Equal(t, day(1), f.jobs.byKind(models.KindViewableOwner)[0].RunAt)
		assert.Equal(t, day(2), f.jobs.byKind(models.KindViewableInstructors)[0].RunAt)
		assert.Equal(t, day(3), f.jobs.byKind(models.KindViewableStudents)[0].RunAt)
	})

	t.Run("private results notify only the owner", func(t *testing.T) {
		f := newFixture(Config{})
		f.seed(&models.Evaluation{
			ID: "e1", State: models.StateClosed, StartDate: ptr(day(-10)),
			DueDate: ptr(day(-1)),
			ResultsSharing: models.SharingPrivate,
			InstructorViewResults: true, StudentViewResults: true,
		})

		require.NoError(t, f.engine.OnJobFired(ctx, "e1", models.KindClosed))

		assert.Len(t, f.jobs.byKind(models.KindViewableOwner), 1)
		assert.Empty(t, f.jobs.byKind(models.KindViewableInstructors))
		assert.Empty(t, f.jobs.byKind(models.KindViewableStudents))
	})
}

func TestOnJobFiredViewableOwnerNotifiesAndArchives(t *testing.T) {
	f := newFixture(Config{})
	f.seed(&models.Evaluation{
		ID: "e1", State: models.StateViewable, StartDate: ptr(day(-10)),
		DueDate: ptr(day(-5)), ViewDate: ptr(day(-1)),
		ResultsSharing: models.SharingPublic,
	})

	require.NoError(t, f.engine.OnJobFired(context.Background(), "e1", models.KindViewableOwner))

	assert.Equal(t, []string{"viewable-all"}, f.notifier.calls)
	assert.Equal(t, []string{"e1"}, f.archive.snapshots)
}

func TestNotificationFailureDoesNotBlockScheduling(t *testing.T) {
	f := newFixture(Config{})
	f.seed(activeEval("e1", ptr(day(5)), 2))
	f.notifier.fail = true
	ctx := context.Background()

	require.NoError(t, f.engine.OnJobFired(ctx, "e1", models.KindActive))

	// Losing the email is recoverable; losing the schedule is not.
	assert.Len(t, f.jobs.byKind(models.KindDue), 1)
	assert.Len(t, f.jobs.byKind(models.KindReminder), 1)
}

func TestOnJobFiredRejectsBogusKind(t *testing.T) {
	f := newFixture(Config{})
	err := f.engine.OnJobFired(context.Background(), "e1", models.JobKind("bogus"))
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
}
