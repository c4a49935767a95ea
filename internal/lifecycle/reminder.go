package lifecycle

import (
	"time"

	"evaluation-scheduler/internal/models"
)

const (
	// nearFutureGuard keeps repeating reminders from being scheduled for an
	// instant that has effectively already passed.
	nearFutureGuard = 15 * time.Minute

	// fallbackDueAfter is the assumed runway for reminder math when no due
	// date is set. It is never used for state resolution.
	fallbackDueAfter = 7 * 24 * time.Hour

	// singleReminderLead is the offset for the reminderDays == -1 policy.
	singleReminderLead = 24 * time.Hour
)

// EffectiveDueDate is the due date used for reminder arithmetic, assuming a
// finite evaluation one week out when none is set.
func EffectiveDueDate(startDate time.Time, dueDate *time.Time) time.Time {
	if dueDate != nil {
		return *dueDate
	}
	return startDate.Add(fallbackDueAfter)
}

// NextReminderAt computes when the next reminder should fire, if any.
//
// reminderDays == 0 disables reminders. A positive value repeats every that
// many days from startDate; there must be room for at least one more interval
// before the effective due date, and the result is pushed past now plus the
// near-future guard. reminderDays == -1 is a single reminder 24 hours before
// the due date — only meaningful when a due date exists, and deliberately not
// clamped to the future: if the due date was edited late the caller fires the
// stale reminder immediately rather than dropping it.
func NextReminderAt(startDate time.Time, dueDate *time.Time, reminderDays int, now time.Time) (time.Time, bool) {
	if reminderDays == 0 {
		return time.Time{}, false
	}

	if reminderDays < 0 {
		if dueDate == nil {
			return time.Time{}, false
		}
		return dueDate.Add(-singleReminderLead), true
	}

	effectiveDue := EffectiveDueDate(startDate, dueDate)
	interval := time.Duration(reminderDays) * 24 * time.Hour
	if effectiveDue.Sub(now) <= interval {
		// No room left for another reminder before the deadline.
		return time.Time{}, false
	}

	t := startDate.Add(interval)
	for t.Before(now.Add(nearFutureGuard)) {
		t = t.Add(interval)
	}
	return t, true
}

// ReminderDue reports whether a fired reminder should still act: the
// evaluation must be taking responses and not past its due date.
func ReminderDue(eval *models.Evaluation, state models.State, now time.Time) bool {
	if state != models.StateActive || eval.ReminderDays == 0 {
		return false
	}
	return eval.OpenEnded() || eval.DueDate.After(now)
}
