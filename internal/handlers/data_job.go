package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/stanstork/stratum-exchange/internal/models"
	"github.com/stanstork/stratum-exchange/internal/worker"
)

// DataJobService is the part of *engine.Orchestrator the HTTP adapter uses.
type DataJobService interface {
	CreateDataJob(ctx context.Context, in models.CreateDataJobInput) (models.DataJob, error)
	GetDataJobByID(ctx context.Context, id string) (*models.DataJob, error)
	GetDataJobs(ctx context.Context, opts models.ListOptions) (models.ListResult, error)
	UpdateDataJobStatus(ctx context.Context, id string, status models.DataJobStatus, update models.StatusUpdate) (*models.DataJob, error)
	CancelDataJob(ctx context.Context, id string) (*models.DataJob, error)
	DeleteDataJob(ctx context.Context, id string) error
}

type DataJobHandler struct {
	svc        DataJobService
	dispatcher worker.Dispatcher
	logger     zerolog.Logger
}

func NewDataJobHandler(svc DataJobService, dispatcher worker.Dispatcher, logger zerolog.Logger) *DataJobHandler {
	return &DataJobHandler{
		svc:        svc,
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "data_job_handler").Logger(),
	}
}

type createDataJobRequest struct {
	models.CreateDataJobInput
	// Execute submits the job right after it is stored.
	Execute bool `json:"execute"`
}

func (h *DataJobHandler) CreateDataJob(w http.ResponseWriter, r *http.Request) {
	var req createDataJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request payload", http.StatusBadRequest)
		return
	}

	job, err := h.svc.CreateDataJob(r.Context(), req.CreateDataJobInput)
	if err != nil {
		writeError(w, h.logger, err, "Failed to create data job")
		return
	}

	if req.Execute {
		// The job stays pending when submission fails and can be executed later.
		if _, err := h.dispatcher.Submit(r.Context(), job.ID); err != nil {
			h.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to submit new data job")
		}
	}
	writeJSON(w, http.StatusCreated, job)
}

func (h *DataJobHandler) ListDataJobs(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOptions(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	result, err := h.svc.GetDataJobs(r.Context(), opts)
	if err != nil {
		writeError(w, h.logger, err, "Failed to list data jobs")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func parseListOptions(r *http.Request) (models.ListOptions, error) {
	q := r.URL.Query()
	opts := models.ListOptions{
		Collection:       q.Get("collection"),
		CreatedBy:        q.Get("created_by"),
		Limit:            20,
		OrderByCreatedAt: models.SortOrder(q.Get("order")),
	}
	if v := q.Get("type"); v != "" {
		t := models.DataJobType(v)
		if !t.Valid() {
			return opts, fmt.Errorf("invalid type %q", v)
		}
		opts.Type = &t
	}
	if v := q.Get("status"); v != "" {
		s := models.DataJobStatus(v)
		if !s.Valid() {
			return opts, fmt.Errorf("invalid status %q", v)
		}
		opts.Status = &s
	}
	for name, dst := range map[string]*int{"limit": &opts.Limit, "offset": &opts.Offset} {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return opts, fmt.Errorf("invalid %s %q", name, v)
			}
			*dst = n
		}
	}
	for name, dst := range map[string]**time.Time{"start_date": &opts.StartDate, "end_date": &opts.EndDate} {
		if v := q.Get(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return opts, fmt.Errorf("invalid %s %q: expected RFC 3339", name, v)
			}
			*dst = &t
		}
	}
	return opts, nil
}

func (h *DataJobHandler) GetDataJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["jobID"]
	job, err := h.svc.GetDataJobByID(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err, "Failed to get data job")
		return
	}
	if job == nil {
		http.Error(w, "Data job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type updateStatusRequest struct {
	Status models.DataJobStatus `json:"status"`
	models.StatusUpdate
}

func (h *DataJobHandler) UpdateDataJobStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["jobID"]
	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request payload", http.StatusBadRequest)
		return
	}
	job, err := h.svc.UpdateDataJobStatus(r.Context(), id, req.Status, req.StatusUpdate)
	if err != nil {
		writeError(w, h.logger, err, "Failed to update data job status")
		return
	}
	if job == nil {
		http.Error(w, "Data job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *DataJobHandler) CancelDataJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["jobID"]
	job, err := h.svc.CancelDataJob(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err, "Failed to cancel data job")
		return
	}
	if job == nil {
		http.Error(w, "Data job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// ExecuteDataJob submits a pending or failed job and answers 202 without
// waiting for the run.
func (h *DataJobHandler) ExecuteDataJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["jobID"]
	job, err := h.svc.GetDataJobByID(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err, "Failed to get data job")
		return
	}
	if job == nil {
		http.Error(w, "Data job not found", http.StatusNotFound)
		return
	}
	if job.Status != models.DataJobStatusPending && job.Status != models.DataJobStatusFailed {
		http.Error(w, fmt.Sprintf("Data job is %s", job.Status), http.StatusConflict)
		return
	}

	if _, err := h.dispatcher.Submit(r.Context(), id); err != nil {
		writeError(w, h.logger, err, "Failed to submit data job")
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (h *DataJobHandler) DeleteDataJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["jobID"]
	if err := h.svc.DeleteDataJob(r.Context(), id); err != nil {
		writeError(w, h.logger, err, "Failed to delete data job")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
