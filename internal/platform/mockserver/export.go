package mockserver

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/harvester/internal/platform/fhir"
	"github.com/ehr/harvester/internal/platform/ndjson"
	"github.com/ehr/harvester/pkg/fhirmodels"
)

// ExportJob is one kicked-off group export.
type ExportJob struct {
	ID          string
	GroupID     string
	Types       []string
	RequestURL  string
	RequestTime time.Time
	// Polls counts status requests answered so far.
	Polls int
}

// JobStore manages export jobs in memory. It is safe for concurrent use.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]*ExportJob
}

// NewJobStore creates an empty JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]*ExportJob)}
}

// Create stores a new job.
func (s *JobStore) Create(job *ExportJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
}

// Get returns a copy of a job.
func (s *JobStore) Get(id string) (*ExportJob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	snapshot := *job
	snapshot.Types = append([]string(nil), job.Types...)
	return &snapshot, true
}

// Poll records a status request and returns the updated job.
func (s *JobStore) Poll(id string) (*ExportJob, bool) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if ok {
		job.Polls++
	}
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	return s.Get(id)
}

// Delete removes a job.
func (s *JobStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[id]
	delete(s.jobs, id)
	return ok
}

// Len returns the number of stored jobs.
func (s *JobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// kickOff handles GET /fhir/Group/:id/$export.
func (s *Server) kickOff(c echo.Context) error {
	if !strings.Contains(c.Request().Header.Get(fhirmodels.HeaderPrefer), fhirmodels.PreferRespondAsync) {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome("Prefer: respond-async is required"))
	}
	groupID := c.Param("id")
	if groupID != s.cfg.Dataset.GroupID() {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome(fhirmodels.ResourceTypeGroup, groupID))
	}
	if f := c.QueryParam("_outputFormat"); f != "" && f != fhirmodels.MediaTypeNDJSON && f != "ndjson" {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome(
			fmt.Sprintf("unsupported _outputFormat: %s; only application/fhir+ndjson is supported", f)))
	}

	var types []string
	for _, t := range strings.Split(c.QueryParam("_type"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, t)
		}
	}
	if len(types) == 0 {
		types = s.cfg.Dataset.Types()
	}

	job := &ExportJob{
		ID:          uuid.NewString(),
		GroupID:     groupID,
		Types:       types,
		RequestURL:  s.baseURL(c) + c.Request().URL.RequestURI(),
		RequestTime: time.Now().UTC(),
	}
	s.jobs.Create(job)

	statusURL := fmt.Sprintf("%s/fhir/$export-poll-status?job=%s", s.baseURL(c), url.QueryEscape(job.ID))
	c.Response().Header().Set(fhirmodels.HeaderContentLocation, statusURL)
	return c.NoContent(http.StatusAccepted)
}

// pollStatus handles GET /fhir/$export-poll-status?job=<id>. The first
// PendingPolls requests answer 202; later ones return the manifest.
func (s *Server) pollStatus(c echo.Context) error {
	jobID := c.QueryParam("job")
	if jobID == "" {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome("job query parameter is required"))
	}
	job, ok := s.jobs.Poll(jobID)
	if !ok {
		return c.JSON(http.StatusNotFound, fhir.ErrorOutcome(fmt.Sprintf("export job %s not found", jobID)))
	}

	if job.Polls <= s.cfg.PendingPolls {
		c.Response().Header().Set(fhirmodels.HeaderProgress, formatProgress(job, s.cfg.PendingPolls))
		if s.cfg.RetryAfter != "" {
			c.Response().Header().Set(fhirmodels.HeaderRetryAfter, s.cfg.RetryAfter)
		}
		return c.NoContent(http.StatusAccepted)
	}

	output := make([]map[string]interface{}, 0, len(job.Types))
	for _, t := range job.Types {
		n := s.cfg.Dataset.Count(t)
		if n == 0 {
			continue
		}
		output = append(output, map[string]interface{}{
			"type":  t,
			"url":   fmt.Sprintf("%s/fhir/$export-output/%s/%s%s", s.baseURL(c), job.ID, t, ndjson.Extension),
			"count": n,
		})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"transactionTime":     job.RequestTime.Format(time.RFC3339),
		"request":             job.RequestURL,
		"requiresAccessToken": s.cfg.RequiresAccessToken,
		"output":              output,
		"error":               []interface{}{},
	})
}

// deleteJob handles DELETE /fhir/$export-poll-status?job=<id>.
func (s *Server) deleteJob(c echo.Context) error {
	jobID := c.QueryParam("job")
	if !s.jobs.Delete(jobID) {
		return c.JSON(http.StatusNotFound, fhir.ErrorOutcome(fmt.Sprintf("export job %s not found", jobID)))
	}
	return c.NoContent(http.StatusAccepted)
}

// exportOutput handles GET /fhir/$export-output/:jobId/:fileName where
// fileName is "<ResourceType>.ndjson".
func (s *Server) exportOutput(c echo.Context) error {
	job, ok := s.jobs.Get(c.Param("jobId"))
	if !ok {
		return c.JSON(http.StatusNotFound, fhir.ErrorOutcome("export job not found"))
	}
	resourceType := strings.TrimSuffix(c.Param("fileName"), ndjson.Extension)
	exported := false
	for _, t := range job.Types {
		exported = exported || t == resourceType
	}
	if !exported {
		return c.JSON(http.StatusNotFound, fhir.ErrorOutcome(fmt.Sprintf("no %s output for job %s", resourceType, job.ID)))
	}
	return c.Blob(http.StatusOK, fhirmodels.MediaTypeNDJSON, s.cfg.Dataset.NDJSON(resourceType))
}

func formatProgress(job *ExportJob, pending int) string {
	if pending <= 0 {
		return "complete"
	}
	return fmt.Sprintf("%d%% complete", job.Polls*100/(pending+1))
}
