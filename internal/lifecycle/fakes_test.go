package lifecycle

import (
	"context"
	"fmt"
	"time"

	"evaluation-scheduler/internal/models"
)

// In-memory collaborators for engine tests. They mirror the store contracts:
// FindJobs returns creation order, nothing enforces per-kind uniqueness.

type memRepo struct {
	evals map[string]*models.Evaluation
}

func newMemRepo() *memRepo {
	return &memRepo{evals: make(map[string]*models.Evaluation)}
}

func (r *memRepo) put(eval *models.Evaluation) { r.evals[eval.ID] = eval }

func (r *memRepo) GetEvaluation(_ context.Context, id string) (*models.Evaluation, error) {
	eval, ok := r.evals[id]
	if !ok {
		return nil, fmt.Errorf("evaluation %s: %w", id, models.ErrNotFound)
	}
	clone := *eval
	return &clone, nil
}

func (r *memRepo) SaveEvaluation(_ context.Context, eval *models.Evaluation) error {
	if _, ok := r.evals[eval.ID]; !ok {
		return fmt.Errorf("evaluation %s: %w", eval.ID, models.ErrNotFound)
	}
	clone := *eval
	r.evals[eval.ID] = &clone
	return nil
}

func (r *memRepo) UpdateState(_ context.Context, id string, state models.State) error {
	if eval, ok := r.evals[id]; ok {
		eval.State = state
	}
	return nil
}

func (r *memRepo) EvaluationExists(_ context.Context, id string) (bool, error) {
	eval, ok := r.evals[id]
	return ok && eval.State != models.StateDeleted, nil
}

type memJobs struct {
	jobs []models.ScheduledJob
	seq  int
}

func newMemJobs() *memJobs { return &memJobs{} }

func (s *memJobs) CreateJob(_ context.Context, evaluationID string, kind models.JobKind, runAt time.Time) (models.ScheduledJob, error) {
	s.seq++
	job := models.ScheduledJob{
		ID:           fmt.Sprintf("job-%d", s.seq),
		EvaluationID: evaluationID,
		Kind:         kind,
		RunAt:        runAt,
		CreatedAt:    time.Unix(int64(s.seq), 0),
	}
	s.jobs = append(s.jobs, job)
	return job, nil
}

func (s *memJobs) FindJobs(_ context.Context, evaluationID string, kind models.JobKind) ([]models.ScheduledJob, error) {
	var out []models.ScheduledJob
	for _, j := range s.jobs {
		if j.EvaluationID == evaluationID && j.Kind == kind {
			out = append(out, j)
		}
	}
	return out, nil
}

func (s *memJobs) DeleteJob(_ context.Context, jobID string) error {
	kept := s.jobs[:0]
	for _, j := range s.jobs {
		if j.ID != jobID {
			kept = append(kept, j)
		}
	}
	s.jobs = kept
	return nil
}

func (s *memJobs) DeleteJobsForEvaluation(_ context.Context, evaluationID string) error {
	kept := s.jobs[:0]
	for _, j := range s.jobs {
		if j.EvaluationID != evaluationID {
			kept = append(kept, j)
		}
	}
	s.jobs = kept
	return nil
}

func (s *memJobs) all() []models.ScheduledJob {
	out := make([]models.ScheduledJob, len(s.jobs))
	copy(out, s.jobs)
	return out
}

func (s *memJobs) byKind(kind models.JobKind) []models.ScheduledJob {
	var out []models.ScheduledJob
	for _, j := range s.jobs {
		if j.Kind == kind {
			out = append(out, j)
		}
	}
	return out
}

type recTrigger struct {
	armed    map[string]time.Time
	disarmed []string
}

func newRecTrigger() *recTrigger { return &recTrigger{armed: make(map[string]time.Time)} }

func (t *recTrigger) Arm(_ context.Context, token string, runAt time.Time) error {
	t.armed[token] = runAt
	return nil
}

func (t *recTrigger) Disarm(_ context.Context, token string) error {
	delete(t.armed, token)
	t.disarmed = append(t.disarmed, token)
	return nil
}

type recNotifier struct {
	calls []string
	fail  bool
}

func (n *recNotifier) record(what string) ([]string, error) {
	if n.fail {
		return nil, fmt.Errorf("smtp unavailable")
	}
	n.calls = append(n.calls, what)
	return []string{"someone@example.edu"}, nil
}

func (n *recNotifier) SendCreated(context.Context, string) ([]string, error) {
	return n.record("created")
}
func (n *recNotifier) SendAvailable(context.Context, string) ([]string, error) {
	return n.record("available")
}
func (n *recNotifier) SendReminder(context.Context, string) ([]string, error) {
	return n.record("reminder")
}
func (n *recNotifier) SendResultsViewable(_ context.Context, _ string, allAudiences bool) ([]string, error) {
	if allAudiences {
		return n.record("viewable-all")
	}
	return n.record("viewable-owner")
}
func (n *recNotifier) SendResultsViewableInstructors(context.Context, string) ([]string, error) {
	return n.record("viewable-instructors")
}
func (n *recNotifier) SendResultsViewableStudents(context.Context, string) ([]string, error) {
	return n.record("viewable-students")
}

type fakePerms struct{ allow bool }

func (p fakePerms) CanControl(context.Context, string, string) (bool, error) {
	return p.allow, nil
}

type fakeAdmin struct{}

func (fakeAdmin) CurrentAdminID() string { return "admin" }

type memLocker struct{}

func (memLocker) Acquire(context.Context, string) (func(), error) {
	return func() {}, nil
}

type recArchiver struct{ snapshots []string }

func (a *recArchiver) ArchiveSnapshot(_ context.Context, eval *models.Evaluation) error {
	a.snapshots = append(a.snapshots, eval.ID)
	return nil
}

// stepClock is a mutable FixedClock for scenarios that advance time.
type stepClock struct{ now time.Time }

func (c *stepClock) Now() time.Time { return c.now }
