package lifecycle

import (
	"context"
	"fmt"
	"time"

	"evaluation-scheduler/internal/models"
)

// ComputeState derives the lifecycle state from the evaluation's dates with a
// fixed precedence: Deleted and Partial are sticky, then InQueue before the
// start date, Active until the due date (forever when open-ended),
// GracePeriod until the stop date, Closed until the view date, Viewable past
// it. A non-partial record without a start date cannot be placed and resolves
// Unknown.
func ComputeState(eval *models.Evaluation, now time.Time) models.State {
	switch eval.State {
	case models.StateDeleted:
		return models.StateDeleted
	case models.StatePartial:
		// A save-in-progress marker; never auto-advanced.
		return models.StatePartial
	}

	if eval.StartDate == nil {
		return models.StateUnknown
	}
	if now.Before(*eval.StartDate) {
		return models.StateInQueue
	}
	if eval.DueDate == nil || now.Before(*eval.DueDate) {
		return models.StateActive
	}
	if eval.StopDate != nil && now.Before(*eval.StopDate) {
		return models.StateGracePeriod
	}
	if eval.ViewDate == nil || now.Before(*eval.ViewDate) {
		return models.StateClosed
	}
	return models.StateViewable
}

// StateResolver computes the current state and writes it back onto the
// persisted entity when the cached value drifted. State is a cache of a pure
// function of time; the write keeps other readers consistent without
// recomputing.
type StateResolver struct {
	repo EvaluationRepository
}

func NewStateResolver(repo EvaluationRepository) *StateResolver {
	return &StateResolver{repo: repo}
}

// Resolve returns the current state, persisting the fix-up as a side effect.
// An Unknown result leaves the previously persisted state untouched; the
// caller decides how to surface the anomaly.
func (r *StateResolver) Resolve(ctx context.Context, eval *models.Evaluation, now time.Time) (models.State, error) {
	state := ComputeState(eval, now)
	if state == models.StateUnknown {
		return state, nil
	}
	if state != eval.State {
		if err := r.repo.UpdateState(ctx, eval.ID, state); err != nil {
			return state, fmt.Errorf("persist state fix-up for %s: %w", eval.ID, err)
		}
		eval.State = state
	}
	return state, nil
}
