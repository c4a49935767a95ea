package lifecycle

import (
	"evaluation-scheduler/internal/models"
)

// Field names recognized by the mutability table. They match the JSON keys of
// the evaluation entity.
const (
	FieldTitle                 = "title"
	FieldStartDate             = "start_date"
	FieldDueDate               = "due_date"
	FieldStopDate              = "stop_date"
	FieldViewDate              = "view_date"
	FieldInstructorsViewDate   = "instructors_view_date"
	FieldStudentsViewDate      = "students_view_date"
	FieldReminderDays          = "reminder_days"
	FieldResultsSharing        = "results_sharing"
	FieldInstructorViewResults = "instructor_view_results"
	FieldStudentViewResults    = "student_view_results"
)

// mutableFields enumerates per state which fields an editing surface may
// still change. States absent from the map fall through to the default rule:
// everything is editable while drafting or queued, nothing afterwards.
var mutableFields = map[models.State]map[string]bool{
	models.StateActive: {
		FieldDueDate:             true,
		FieldStopDate:            true,
		FieldViewDate:            true,
		FieldReminderDays:        true,
		FieldResultsSharing:      true,
		FieldInstructorsViewDate: true,
		FieldStudentsViewDate:    true,
	},
	models.StateDue: {
		FieldStopDate:            true,
		FieldViewDate:            true,
		FieldResultsSharing:      true,
		FieldInstructorsViewDate: true,
		FieldStudentsViewDate:    true,
	},
	models.StateGracePeriod: {
		FieldViewDate:            true,
		FieldResultsSharing:      true,
		FieldInstructorsViewDate: true,
		FieldStudentsViewDate:    true,
	},
	models.StateClosed: {
		FieldViewDate:            true,
		FieldResultsSharing:      true,
		FieldInstructorsViewDate: true,
		FieldStudentsViewDate:    true,
	},
	models.StateViewable: {},
	models.StateDeleted:  {},
	models.StateUnknown:  {},
}

// IsFieldMutable reports whether the named field may still be edited in the
// given state. The editing surface consults this before submitting an update;
// the engine itself recomputes jobs from whatever the fields contain.
func IsFieldMutable(state models.State, field string) bool {
	allowed, ok := mutableFields[state]
	if !ok {
		// Partial and InQueue: nothing is locked down yet.
		return true
	}
	return allowed[field]
}
