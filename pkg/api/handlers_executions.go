package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// chainDepth bounds the retry chain walk per direction.
const chainDepth = 32

// listJobExecutions handles GET /jobs/:id/executions, newest first.
func (s *Server) listJobExecutions(c *gin.Context) {
	id, ok := s.jobID(c)
	if !ok {
		return
	}
	if _, err := s.store.GetJob(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	limit, offset := pagination(c)
	execs, err := s.store.ListExecutions(c.Request.Context(), id, limit, offset)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"executions": execs,
		"count":      len(execs),
		"limit":      limit,
		"offset":     offset,
	})
}

// listJobLogs handles GET /jobs/:id/logs, newest first.
func (s *Server) listJobLogs(c *gin.Context) {
	id, ok := s.jobID(c)
	if !ok {
		return
	}
	if _, err := s.store.GetJob(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	limit, offset := pagination(c)
	logs, err := s.store.ListLogs(c.Request.Context(), id, limit, offset)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"logs":   logs,
		"count":  len(logs),
		"limit":  limit,
		"offset": offset,
	})
}

// getExecution handles GET /executions/:id.
func (s *Server) getExecution(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid execution ID"})
		return
	}
	exec, err := s.store.GetExecution(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// listRetries handles GET /executions/:id/retries: the full retry chain
// containing the execution, oldest attempt first.
func (s *Server) listRetries(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid execution ID"})
		return
	}
	chain, err := s.store.ListExecutionChain(c.Request.Context(), id, chainDepth)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"executions": chain,
		"count":      len(chain),
	})
}

func pagination(c *gin.Context) (limit, offset int) {
	limit = 50
	if raw := c.Query("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 && v <= 200 {
			limit = v
		}
	}
	if raw := c.Query("offset"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			offset = v
		}
	}
	return limit, offset
}
