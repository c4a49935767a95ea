package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"evaluation-scheduler/internal/config"
	"evaluation-scheduler/internal/lifecycle"
	"evaluation-scheduler/internal/models"
	"evaluation-scheduler/internal/store"
	"evaluation-scheduler/internal/telemetry"
)

// Server wires the HTTP mutation surface for evaluations. It is the editing
// layer in front of the lifecycle engine: it validates payloads, enforces the
// field mutability table, and only then hands entities to the engine.
type Server struct {
	cfg      config.Config
	store    *store.Store
	engine   *lifecycle.Engine
	validate *validator.Validate
}

// New constructs the API server.
func New(cfg config.Config, st *store.Store, engine *lifecycle.Engine) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		engine:   engine,
		validate: validator.New(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/evaluations", s.handleCreate)
	r.Get("/evaluations/{id}", s.handleGet)
	r.Put("/evaluations/{id}", s.handleUpdate)
	r.Delete("/evaluations/{id}", s.handleDelete)
	r.Get("/evaluations/{id}/jobs", s.handleListJobs)
	return r
}

type evaluationRequest struct {
	Title                 string     `json:"title" validate:"required"`
	StartDate             *time.Time `json:"start_date"`
	DueDate               *time.Time `json:"due_date"`
	StopDate              *time.Time `json:"stop_date"`
	ViewDate              *time.Time `json:"view_date"`
	InstructorsViewDate   *time.Time `json:"instructors_view_date"`
	StudentsViewDate      *time.Time `json:"students_view_date"`
	ReminderDays          int        `json:"reminder_days" validate:"gte=-1"`
	ResultsSharing        string     `json:"results_sharing" validate:"omitempty,oneof=private visible public"`
	InstructorViewResults bool       `json:"instructor_view_results"`
	StudentViewResults    bool       `json:"student_view_results"`
	// Partial marks a save-in-progress on create; Complete promotes a
	// partial save into the live lifecycle on update.
	Partial  bool `json:"partial"`
	Complete bool `json:"complete"`
}

func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request) (*evaluationRequest, bool) {
	var req evaluationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return nil, false
	}
	if err := s.validate.Struct(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	if req.StartDate != nil && req.DueDate != nil && !req.DueDate.After(*req.StartDate) {
		http.Error(w, "due_date must be after start_date", http.StatusBadRequest)
		return nil, false
	}
	if req.ResultsSharing == "" {
		req.ResultsSharing = string(models.SharingPrivate)
	}
	return &req, true
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}

	state := models.StateInQueue
	if req.Partial {
		state = models.StatePartial
	} else if req.StartDate == nil {
		http.Error(w, "start_date is required unless partial", http.StatusBadRequest)
		return
	}

	eval := &models.Evaluation{
		Title:                 req.Title,
		OwnerID:               userFromRequest(r),
		StartDate:             req.StartDate,
		DueDate:               req.DueDate,
		StopDate:              req.StopDate,
		ViewDate:              req.ViewDate,
		InstructorsViewDate:   req.InstructorsViewDate,
		StudentsViewDate:      req.StudentsViewDate,
		ReminderDays:          req.ReminderDays,
		ResultsSharing:        models.ResultsSharing(req.ResultsSharing),
		InstructorViewResults: req.InstructorViewResults,
		StudentViewResults:    req.StudentViewResults,
		State:                 state,
	}

	if err := s.store.CreateEvaluation(r.Context(), eval); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.engine.OnCreate(r.Context(), eval); err != nil {
		s.writeEngineError(w, err)
		return
	}
	telemetry.EvaluationsCreated.Inc()
	writeJSON(w, http.StatusCreated, eval)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	eval, err := s.store.GetEvaluation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eval)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	eval, err := s.store.GetEvaluation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}

	// The mutability table is enforced here, against the state the entity is
	// in right now; the engine trusts whatever fields survive this gate.
	currentState := lifecycle.ComputeState(eval, time.Now().UTC())
	for _, field := range changedFields(eval, req) {
		if !lifecycle.IsFieldMutable(currentState, field) {
			http.Error(w, "field "+field+" is no longer editable in state "+string(currentState), http.StatusConflict)
			return
		}
	}

	completing := eval.State == models.StatePartial && req.Complete
	applyRequest(eval, req)
	if completing {
		if eval.StartDate == nil {
			http.Error(w, "start_date is required to complete an evaluation", http.StatusBadRequest)
			return
		}
		eval.State = models.StateInQueue
	}

	if err := s.store.SaveEvaluation(r.Context(), eval); err != nil {
		s.writeEngineError(w, err)
		return
	}

	// A completed partial save gets its initial jobs; everything else is a
	// reconciling update.
	if completing {
		err = s.engine.OnCreate(r.Context(), eval)
	} else {
		err = s.engine.OnUpdate(r.Context(), eval)
	}
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eval)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	// Authorization and job purge first; the row is only tombstoned once the
	// engine allowed the delete.
	if err := s.engine.OnDelete(r.Context(), userFromRequest(r), id); err != nil {
		s.writeEngineError(w, err)
		return
	}
	if err := s.store.DeleteEvaluation(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListJobs(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func applyRequest(eval *models.Evaluation, req *evaluationRequest) {
	eval.Title = req.Title
	eval.StartDate = req.StartDate
	eval.DueDate = req.DueDate
	eval.StopDate = req.StopDate
	eval.ViewDate = req.ViewDate
	eval.InstructorsViewDate = req.InstructorsViewDate
	eval.StudentsViewDate = req.StudentsViewDate
	eval.ReminderDays = req.ReminderDays
	eval.ResultsSharing = models.ResultsSharing(req.ResultsSharing)
	eval.InstructorViewResults = req.InstructorViewResults
	eval.StudentViewResults = req.StudentViewResults
}

// changedFields lists the mutability-table field names the request would
// modify.
func changedFields(eval *models.Evaluation, req *evaluationRequest) []string {
	var fields []string
	add := func(name string, changed bool) {
		if changed {
			fields = append(fields, name)
		}
	}
	add(lifecycle.FieldTitle, req.Title != eval.Title)
	add(lifecycle.FieldStartDate, !sameTime(req.StartDate, eval.StartDate))
	add(lifecycle.FieldDueDate, !sameTime(req.DueDate, eval.DueDate))
	add(lifecycle.FieldStopDate, !sameTime(req.StopDate, eval.StopDate))
	add(lifecycle.FieldViewDate, !sameTime(req.ViewDate, eval.ViewDate))
	add(lifecycle.FieldInstructorsViewDate, !sameTime(req.InstructorsViewDate, eval.InstructorsViewDate))
	add(lifecycle.FieldStudentsViewDate, !sameTime(req.StudentsViewDate, eval.StudentsViewDate))
	add(lifecycle.FieldReminderDays, req.ReminderDays != eval.ReminderDays)
	add(lifecycle.FieldResultsSharing, models.ResultsSharing(req.ResultsSharing) != eval.ResultsSharing)
	add(lifecycle.FieldInstructorViewResults, req.InstructorViewResults != eval.InstructorViewResults)
	add(lifecycle.FieldStudentViewResults, req.StudentViewResults != eval.StudentViewResults)
	return fields
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var vErr *lifecycle.ValidationError
	switch {
	case errors.As(err, &vErr):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, lifecycle.ErrNotAuthorized):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, models.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, lifecycle.ErrUnknownState):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func userFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-User-ID"); v != "" {
		return v
	}
	return "anonymous"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
