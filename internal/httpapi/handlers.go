package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ratchetd/ratchet/internal/domain"
	"github.com/ratchetd/ratchet/internal/queue"
	"github.com/ratchetd/ratchet/internal/taskdev"
)

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, domain.E(domain.KindValidation, "id must be an integer")
	}
	return id, nil
}

func pagination(r *http.Request) domain.Pagination {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	return domain.Pagination{Limit: limit, Offset: offset}
}

func sortParam(r *http.Request) *domain.Sort {
	field := r.URL.Query().Get("sort")
	if field == "" {
		return nil
	}
	desc := false
	if field[0] == '-' {
		desc = true
		field = field[1:]
	}
	return &domain.Sort{Field: field, Descending: desc}
}

// --- tasks ---

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	filters := domain.TaskFilters{}
	q := r.URL.Query()
	if name := q.Get("name"); name != "" {
		filters.Name = &domain.StringFilter{Value: name, Match: domain.MatchContains}
	}
	if enabled := q.Get("enabled"); enabled != "" {
		v, err := strconv.ParseBool(enabled)
		if err != nil {
			writeError(w, domain.E(domain.KindValidation, "enabled must be a boolean"))
			return
		}
		filters.Enabled = &v
	}

	page, err := s.Store.ListTasks(r.Context(), filters, pagination(r), sortParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req taskdev.CreateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	task, err := s.TaskDev.Create(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	task, err := s.Store.FindTaskByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.Store.DeleteTask(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetTaskEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := s.Store.SetTaskEnabled(r.Context(), id, enabled); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleValidateTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	task, err := s.Store.FindTaskByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	runTests, _ := strconv.ParseBool(r.URL.Query().Get("run_tests"))
	checks, err := s.TaskDev.Validate(r.Context(), taskdev.ValidateRequest{Name: task.Name, RunTests: runTests})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"checks": checks})
}

func (s *Server) handleRunTaskTests(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	task, err := s.Store.FindTaskByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	report, err := s.TaskDev.RunTests(r.Context(), task.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- jobs ---

type enqueueJobBody struct {
	TaskID             int64           `json:"task_id"`
	Input              json.RawMessage `json:"input,omitempty"`
	Priority           string          `json:"priority,omitempty"`
	MaxRetries         *int            `json:"max_retries,omitempty"`
	ProcessAt          *time.Time      `json:"process_at,omitempty"`
	OutputDestinations json.RawMessage `json:"output_destinations,omitempty"`
}

func (s *Server) handleEnqueueJob(w http.ResponseWriter, r *http.Request) {
	var body enqueueJobBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}

	job, err := s.Queue.Enqueue(r.Context(), queue.EnqueueRequest{
		TaskID:             body.TaskID,
		Input:              body.Input,
		Priority:           domain.Priority(body.Priority),
		MaxRetries:         body.MaxRetries,
		ProcessAt:          body.ProcessAt,
		OutputDestinations: body.OutputDestinations,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	filters := domain.JobFilters{}
	q := r.URL.Query()
	if status := q.Get("status"); status != "" {
		filters.StatusIn = []domain.JobStatus{domain.JobStatus(status)}
	}
	if taskID := q.Get("task_id"); taskID != "" {
		id, err := strconv.ParseInt(taskID, 10, 64)
		if err != nil {
			writeError(w, domain.E(domain.KindValidation, "task_id must be an integer"))
			return
		}
		filters.TaskID = &id
	}

	page, err := s.Store.ListJobs(r.Context(), filters, pagination(r), sortParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	job, err := s.Store.FindJobByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.Engine.Cancel(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleJobDeliveries(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	deliveries, err := s.Store.FindDeliveriesByJobID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": deliveries})
}

// --- executions ---

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	filters := domain.ExecutionFilters{}
	q := r.URL.Query()
	if status := q.Get("status"); status != "" {
		filters.StatusIn = []domain.ExecutionStatus{domain.ExecutionStatus(status)}
	}
	if taskID := q.Get("task_id"); taskID != "" {
		id, err := strconv.ParseInt(taskID, 10, 64)
		if err != nil {
			writeError(w, domain.E(domain.KindValidation, "task_id must be an integer"))
			return
		}
		filters.TaskID = &id
	}

	page, err := s.Store.ListExecutions(r.Context(), filters, pagination(r), sortParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	exec, err := s.Store.FindExecutionByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// --- schedules ---

type createScheduleBody struct {
	TaskID             int64           `json:"task_id"`
	Name               string          `json:"name"`
	CronExpression     string          `json:"cron_expression"`
	Input              json.RawMessage `json:"input,omitempty"`
	MaxExecutions      *int            `json:"max_executions,omitempty"`
	OutputDestinations json.RawMessage `json:"output_destinations,omitempty"`
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var body createScheduleBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Name == "" || body.CronExpression == "" {
		writeError(w, domain.E(domain.KindValidation, "name and cron_expression are required"))
		return
	}

	sched := domain.NewSchedule(body.TaskID, body.Name, body.CronExpression, body.Input)
	sched.MaxExecutions = body.MaxExecutions
	sched.OutputDestinations = body.OutputDestinations
	if err := s.Scheduler.AddSchedule(r.Context(), sched); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	filters := domain.ScheduleFilters{}
	if enabled := r.URL.Query().Get("enabled"); enabled != "" {
		v, err := strconv.ParseBool(enabled)
		if err != nil {
			writeError(w, domain.E(domain.KindValidation, "enabled must be a boolean"))
			return
		}
		filters.Enabled = &v
	}

	page, err := s.Store.ListSchedules(r.Context(), filters, pagination(r), sortParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	sched, err := s.Store.FindScheduleByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.Scheduler.RemoveSchedule(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetScheduleEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := s.Scheduler.SetEnabled(r.Context(), id, enabled); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
