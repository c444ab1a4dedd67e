package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/foldwatch/internal/errors"
	"github.com/3leaps/foldwatch/pkg/artifact"
	"github.com/3leaps/foldwatch/pkg/gateway"
	"github.com/3leaps/foldwatch/pkg/jobregistry"
	"github.com/3leaps/foldwatch/pkg/jobview"
	"github.com/3leaps/foldwatch/pkg/progress"
	"github.com/3leaps/foldwatch/pkg/sequence"
)

const (
	// JobsPath is where a failed job's retry affordance points.
	JobsPath = "/api/v1/jobs"

	maxSubmitBody = 1 << 20
)

// Jobs serves the job views on top of a tracker and its scheduler.
type Jobs struct {
	tracker   *jobregistry.Tracker
	scheduler *jobregistry.Scheduler
	board     *progress.Board
	logger    *zap.Logger
	now       func() time.Time
}

func NewJobs(tracker *jobregistry.Tracker, scheduler *jobregistry.Scheduler, board *progress.Board, logger *zap.Logger) *Jobs {
	if logger == nil {
		logger = zap.NewNop()
	}
	if board == nil {
		board = progress.NewBoard(0)
	}
	return &Jobs{
		tracker:   tracker,
		scheduler: scheduler,
		board:     board,
		logger:    logger,
		now:       time.Now,
	}
}

// Routes mounts the job API on r.
func (h *Jobs) Routes(r chi.Router) {
	r.Route(JobsPath, func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/", h.Submit)
		r.Route("/{jobID}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Delete("/watch", h.Unwatch)
			r.Get("/download", h.Download)
			r.Get("/structure", h.Structure)
		})
	})
	r.Get("/api/v1/dashboard", h.Dashboard)
	r.Get("/api/v1/connectivity", h.Connectivity)
}

// JobView is one job as rendered by the API.
type JobView struct {
	jobregistry.Job
	HasResult    bool   `json:"has_result"`
	Progress     *int   `json:"progress,omitempty"`
	DownloadPath string `json:"download_path,omitempty"`
	RetryPath    string `json:"retry_path,omitempty"`
}

func (h *Jobs) view(j jobregistry.Job, withProgress bool) JobView {
	v := JobView{Job: j, HasResult: j.HasResult()}
	if j.HasResult() {
		v.DownloadPath = JobsPath + "/" + j.ID + "/download"
	}
	if j.Status == jobregistry.StatusFailed {
		v.RetryPath = JobsPath
	}
	if withProgress && j.Status != jobregistry.StatusFailed {
		pct := h.board.Observe(j.ID, j.Status, h.now())
		v.Progress = &pct
	}
	return v
}

type listResponse struct {
	Jobs         []JobView                `json:"jobs"`
	Count        int                      `json:"count"`
	Connectivity jobregistry.Connectivity `json:"connectivity"`
}

// List serves the history view: GET /api/v1/jobs?status=&search=&limit=
func (h *Jobs) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var filter jobview.Filter
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		status, err := jobregistry.ParseStatus(raw)
		if err != nil {
			respondWithError(w, r, apperrors.NewValidationError("invalid status filter", err))
			return
		}
		filter.Status = status
	}
	filter.Search = q.Get("search")

	limit := -1
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondWithError(w, r, apperrors.NewBadRequest("limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	jobs := jobview.Apply(h.tracker.Registry().Snapshot(), filter)
	if limit >= 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}

	out := listResponse{Jobs: make([]JobView, 0, len(jobs)), Count: len(jobs), Connectivity: h.tracker.Connectivity()}
	for _, j := range jobs {
		out.Jobs = append(out.Jobs, h.view(j, false))
	}
	apperrors.WriteJSON(w, http.StatusOK, out)
}

type submitRequest struct {
	Sequence string `json:"sequence"`
}

type submitResponse struct {
	JobID   string             `json:"job_id"`
	Status  jobregistry.Status `json:"status"`
	Warning string             `json:"warning,omitempty"`
}

// Submit handles POST /api/v1/jobs. The new job becomes the current job.
func (h *Jobs) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBody))
	if err := dec.Decode(&req); err != nil {
		respondWithError(w, r, apperrors.NewBadRequest("request body must be JSON with a sequence field"))
		return
	}

	jobID, err := h.tracker.Submit(r.Context(), req.Sequence)
	if err != nil {
		var subErr *gateway.SubmissionError
		switch {
		case errors.Is(err, sequence.ErrTooShort):
			respondWithError(w, r, apperrors.NewValidationError(err.Error(), err).
				WithDetails("min_length", sequence.MinLength))
		case errors.As(err, &subErr):
			appErr := apperrors.NewExternalServiceError(subErr.Error())
			if subErr.StatusCode != 0 {
				appErr.WithDetails("status_code", subErr.StatusCode)
			}
			if subErr.Body != "" {
				appErr.WithDetails("body", subErr.Body)
			}
			respondWithError(w, r, appErr)
		default:
			respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "failed to submit job"))
		}
		return
	}

	h.scheduler.SetCurrent(jobID)

	resp := submitResponse{JobID: jobID, Status: jobregistry.StatusQueued}
	if sequence.ExceedsRecommended(req.Sequence) {
		resp.Warning = fmt.Sprintf("sequence is longer than the recommended %d residues", sequence.RecommendedMaxLength)
	}
	w.Header().Set("Location", JobsPath+"/"+jobID)
	apperrors.WriteJSON(w, http.StatusCreated, resp)
}

// lookup resolves the {jobID} path parameter. Jobs unknown to the registry
// get one status poll so that IDs from other sessions can still be viewed.
func (h *Jobs) lookup(w http.ResponseWriter, r *http.Request) (jobregistry.Job, bool) {
	input := strings.TrimSpace(chi.URLParam(r, "jobID"))
	reg := h.tracker.Registry()

	id, err := reg.ResolveID(input)
	if errors.Is(err, jobregistry.ErrUnknownJob) {
		h.tracker.PollStatus(r.Context(), input)
		id, err = reg.ResolveID(input)
	}
	if err != nil {
		var amb *jobregistry.AmbiguousIDError
		if errors.As(err, &amb) {
			respondWithError(w, r, apperrors.NewBadRequest(err.Error()).WithDetails("matches", amb.Matches))
			return jobregistry.Job{}, false
		}
		respondWithError(w, r, apperrors.NewNotFound("job not found: "+input))
		return jobregistry.Job{}, false
	}

	job, ok := reg.Get(id)
	if !ok {
		respondWithError(w, r, apperrors.NewNotFound("job not found: "+input))
		return jobregistry.Job{}, false
	}
	return job, true
}

// Get serves the result view and marks the job current so the scheduler
// polls it on the fast interval.
func (h *Jobs) Get(w http.ResponseWriter, r *http.Request) {
	job, ok := h.lookup(w, r)
	if !ok {
		return
	}
	h.scheduler.SetCurrent(job.ID)
	apperrors.WriteJSON(w, http.StatusOK, h.view(job, true))
}

// Unwatch clears the current job when it is the one named.
func (h *Jobs) Unwatch(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "jobID"))
	if h.scheduler.Current() == id {
		h.scheduler.ClearCurrent()
	}
	h.board.Forget(id)
	w.WriteHeader(http.StatusNoContent)
}

// resultFor returns the stored structure text, fetching it once on demand
// for a Completed job.
func (h *Jobs) resultFor(w http.ResponseWriter, r *http.Request) (jobregistry.Job, string, bool) {
	job, ok := h.lookup(w, r)
	if !ok {
		return job, "", false
	}

	if job.Status == jobregistry.StatusCompleted && !job.HasResult() {
		if err := h.tracker.FetchResult(r.Context(), job.ID); err != nil {
			h.logger.Warn("On-demand result fetch failed", zap.String("job_id", job.ID), zap.Error(err))
		}
		job, _ = h.tracker.Registry().Get(job.ID)
	}

	if !job.HasResult() {
		respondWithError(w, r, apperrors.NewConflict("structure file is not available yet").
			WithDetails("status", string(job.Status)))
		return job, "", false
	}
	return job, *job.Result, true
}

// Download serves the structure file as an attachment named protein_{id}.pdb.
func (h *Jobs) Download(w http.ResponseWriter, r *http.Request) {
	job, pdb, ok := h.resultFor(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", artifact.PDBContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", artifact.FileName(job.ID)))
	w.Header().Set("Content-Length", strconv.Itoa(len(pdb)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(pdb))
}

// Structure serves the raw text for an embedded viewer.
func (h *Jobs) Structure(w http.ResponseWriter, r *http.Request) {
	_, pdb, ok := h.resultFor(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(pdb))
}

type dashboardResponse struct {
	Stats        jobview.Stats            `json:"stats"`
	Recent       []JobView                `json:"recent"`
	Connectivity jobregistry.Connectivity `json:"connectivity"`
}

func (h *Jobs) Dashboard(w http.ResponseWriter, r *http.Request) {
	snap := h.tracker.Registry().Snapshot()
	recent := jobview.Recent(snap, jobview.DashboardRecent)

	out := dashboardResponse{
		Stats:        jobview.Summarize(snap),
		Recent:       make([]JobView, 0, len(recent)),
		Connectivity: h.tracker.Connectivity(),
	}
	for _, j := range recent {
		out.Recent = append(out.Recent, h.view(j, false))
	}
	apperrors.WriteJSON(w, http.StatusOK, out)
}

func (h *Jobs) Connectivity(w http.ResponseWriter, r *http.Request) {
	apperrors.WriteJSON(w, http.StatusOK, h.tracker.Connectivity())
}

// ConnectivityChecker reports the tracker's degraded flag as a health check.
type ConnectivityChecker struct {
	Tracker *jobregistry.Tracker
}

func (c ConnectivityChecker) CheckHealth(_ context.Context) error {
	conn := c.Tracker.Connectivity()
	if conn.Degraded {
		return fmt.Errorf("backend unreachable after %d attempts (%s): %w",
			conn.ConsecutiveFailures, conn.LastError, ErrDegraded)
	}
	return nil
}
