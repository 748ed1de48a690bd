package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"tempus/pkg/models"
	"tempus/pkg/scheduler"
	"tempus/pkg/storage"
)

// CreateJobRequest is the payload for creating a new job. Retry and timeout
// fields left null inherit the server's configured defaults.
type CreateJobRequest struct {
	Name        string             `json:"name" binding:"required"`
	Description string             `json:"description"`
	OwnerID     uuid.UUID          `json:"owner_id" binding:"required"`
	Tags        models.StringSlice `json:"tags"`
	Metadata    models.JSONMap     `json:"metadata"`

	Type    models.JobType `json:"type" binding:"required"`
	Payload models.JSONMap `json:"payload"`

	ScheduleType   models.ScheduleType `json:"schedule_type" binding:"required"`
	ScheduledAt    *time.Time          `json:"scheduled_at"`
	CronExpression string              `json:"cron_expression"`
	Timezone       string              `json:"timezone"`

	Priority      int                 `json:"priority"`
	MaxRetries    *int                `json:"max_retries"`
	RetryDelayMs  *int                `json:"retry_delay_ms"`
	RetryBackoff  models.BackoffKind  `json:"retry_backoff"`
	TimeoutMs     *int                `json:"timeout_ms"`
	EndAt         *time.Time          `json:"end_at"`
	MaxExecutions *int                `json:"max_executions"`
}

// UpdateJobRequest patches mutable fields. Schedule changes go through
// the reschedule endpoint instead.
type UpdateJobRequest struct {
	Name         *string             `json:"name"`
	Description  *string             `json:"description"`
	Tags         *models.StringSlice `json:"tags"`
	Metadata     *models.JSONMap     `json:"metadata"`
	Priority     *int                `json:"priority"`
	MaxRetries   *int                `json:"max_retries"`
	RetryDelayMs *int                `json:"retry_delay_ms"`
	RetryBackoff *models.BackoffKind `json:"retry_backoff"`
	TimeoutMs    *int                `json:"timeout_ms"`
}

// RescheduleRequest carries the replacement schedule: exactly one of
// scheduled_at or cron_expression.
type RescheduleRequest struct {
	ScheduledAt    *time.Time `json:"scheduled_at"`
	CronExpression string     `json:"cron_expression"`
	Timezone       string     `json:"timezone"`
}

// JobResponse is the API representation of a job.
type JobResponse struct {
	ID          uuid.UUID          `json:"id"`
	OwnerID     uuid.UUID          `json:"owner_id"`
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Tags        models.StringSlice `json:"tags"`
	Metadata    models.JSONMap     `json:"metadata"`

	Type    models.JobType `json:"type"`
	Payload models.JSONMap `json:"payload"`

	ScheduleType   models.ScheduleType `json:"schedule_type"`
	ScheduledAt    *time.Time          `json:"scheduled_at"`
	CronExpression string              `json:"cron_expression"`
	Timezone       string              `json:"timezone"`

	Status   models.JobStatus `json:"status"`
	Priority int              `json:"priority"`

	MaxRetries   int                `json:"max_retries"`
	RetryDelayMs int                `json:"retry_delay_ms"`
	RetryBackoff models.BackoffKind `json:"retry_backoff"`
	TimeoutMs    int                `json:"timeout_ms"`

	LastExecutedAt  *time.Time `json:"last_executed_at"`
	NextExecutionAt *time.Time `json:"next_execution_at"`

	TotalExecutions      int `json:"total_executions"`
	SuccessfulExecutions int `json:"successful_executions"`
	FailedExecutions     int `json:"failed_executions"`

	EndAt         *time.Time `json:"end_at"`
	MaxExecutions *int       `json:"max_executions"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// createJob handles POST /jobs.
func (s *Server) createJob(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job := &models.Job{
		ID:             uuid.New(),
		OwnerID:        req.OwnerID,
		Name:           req.Name,
		Description:    req.Description,
		Tags:           req.Tags,
		Metadata:       req.Metadata,
		Type:           req.Type,
		Payload:        req.Payload,
		ScheduleType:   req.ScheduleType,
		ScheduledAt:    req.ScheduledAt,
		CronExpression: req.CronExpression,
		Timezone:       req.Timezone,
		Priority:       req.Priority,
		MaxRetries:     s.defaults.MaxRetries,
		RetryDelayMs:   s.defaults.RetryDelayMs,
		RetryBackoff:   req.RetryBackoff,
		TimeoutMs:      s.defaults.TimeoutMs,
		EndAt:          req.EndAt,
		MaxExecutions:  req.MaxExecutions,
	}
	if req.MaxRetries != nil {
		job.MaxRetries = *req.MaxRetries
	}
	if req.RetryDelayMs != nil {
		job.RetryDelayMs = *req.RetryDelayMs
	}
	if req.TimeoutMs != nil {
		job.TimeoutMs = *req.TimeoutMs
	}

	if err := s.planner.Create(c.Request.Context(), job); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, jobToResponse(job))
}

// listJobs handles GET /jobs with status/owner filters and pagination.
func (s *Server) listJobs(c *gin.Context) {
	filter := storage.JobFilter{Limit: 50}
	if raw := c.Query("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 && v <= 200 {
			filter.Limit = v
		}
	}
	if raw := c.Query("offset"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			filter.Offset = v
		}
	}
	if raw := c.Query("status"); raw != "" {
		status := models.JobStatus(raw)
		filter.Status = &status
	}
	if raw := c.Query("owner_id"); raw != "" {
		owner, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid owner_id"})
			return
		}
		filter.OwnerID = &owner
	}

	jobs, total, err := s.store.ListJobs(c.Request.Context(), filter)
	if err != nil {
		s.fail(c, err)
		return
	}

	response := make([]JobResponse, len(jobs))
	for i := range jobs {
		response[i] = jobToResponse(&jobs[i])
	}
	c.JSON(http.StatusOK, gin.H{
		"jobs":   response,
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

// getJob handles GET /jobs/:id.
func (s *Server) getJob(c *gin.Context) {
	id, ok := s.jobID(c)
	if !ok {
		return
	}
	job, err := s.store.GetJob(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, jobToResponse(job))
}

// updateJob handles PATCH /jobs/:id.
func (s *Server) updateJob(c *gin.Context) {
	id, ok := s.jobID(c)
	if !ok {
		return
	}
	var req UpdateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job, err := s.planner.Update(c.Request.Context(), id, scheduler.UpdateParams{
		Name:         req.Name,
		Description:  req.Description,
		Tags:         req.Tags,
		Metadata:     req.Metadata,
		Priority:     req.Priority,
		MaxRetries:   req.MaxRetries,
		RetryDelayMs: req.RetryDelayMs,
		RetryBackoff: req.RetryBackoff,
		TimeoutMs:    req.TimeoutMs,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, jobToResponse(job))
}

// deleteJob handles DELETE /jobs/:id. Cancels first, then removes the job
// and its execution history.
func (s *Server) deleteJob(c *gin.Context) {
	id, ok := s.jobID(c)
	if !ok {
		return
	}
	if err := s.planner.Delete(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "job deleted", "id": id})
}

// triggerJob handles POST /jobs/:id/trigger.
func (s *Server) triggerJob(c *gin.Context) {
	id, ok := s.jobID(c)
	if !ok {
		return
	}
	env, err := s.planner.Trigger(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"message":       "job triggered",
		"envelope_id":   env.ID,
		"scheduled_for": env.ScheduledFor,
	})
}

// pauseJob handles POST /jobs/:id/pause.
func (s *Server) pauseJob(c *gin.Context) {
	id, ok := s.jobID(c)
	if !ok {
		return
	}
	job, err := s.planner.Pause(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, jobToResponse(job))
}

// resumeJob handles POST /jobs/:id/resume.
func (s *Server) resumeJob(c *gin.Context) {
	id, ok := s.jobID(c)
	if !ok {
		return
	}
	job, err := s.planner.Resume(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, jobToResponse(job))
}

// rescheduleJob handles POST /jobs/:id/reschedule.
func (s *Server) rescheduleJob(c *gin.Context) {
	id, ok := s.jobID(c)
	if !ok {
		return
	}
	var req RescheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job, err := s.planner.Reschedule(c.Request.Context(), id, scheduler.RescheduleParams{
		ScheduledAt:    req.ScheduledAt,
		CronExpression: req.CronExpression,
		Timezone:       req.Timezone,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, jobToResponse(job))
}

// cancelJob handles POST /jobs/:id/cancel.
func (s *Server) cancelJob(c *gin.Context) {
	id, ok := s.jobID(c)
	if !ok {
		return
	}
	job, err := s.planner.Cancel(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, jobToResponse(job))
}

// jobID parses the :id path parameter, writing the 400 itself on failure.
func (s *Server) jobID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job ID"})
		return uuid.Nil, false
	}
	return id, true
}

func jobToResponse(job *models.Job) JobResponse {
	return JobResponse{
		ID:                   job.ID,
		OwnerID:              job.OwnerID,
		Name:                 job.Name,
		Description:          job.Description,
		Tags:                 job.Tags,
		Metadata:             job.Metadata,
		Type:                 job.Type,
		Payload:              job.Payload,
		ScheduleType:         job.ScheduleType,
		ScheduledAt:          job.ScheduledAt,
		CronExpression:       job.CronExpression,
		Timezone:             job.Timezone,
		Status:               job.Status,
		Priority:             job.Priority,
		MaxRetries:           job.MaxRetries,
		RetryDelayMs:         job.RetryDelayMs,
		RetryBackoff:         job.RetryBackoff,
		TimeoutMs:            job.TimeoutMs,
		LastExecutedAt:       job.LastExecutedAt,
		NextExecutionAt:      job.NextExecutionAt,
		TotalExecutions:      job.TotalExecutions,
		SuccessfulExecutions: job.SuccessfulExecutions,
		FailedExecutions:     job.FailedExecutions,
		EndAt:                job.EndAt,
		MaxExecutions:        job.MaxExecutions,
		CreatedAt:            job.CreatedAt,
		UpdatedAt:            job.UpdatedAt,
	}
}
