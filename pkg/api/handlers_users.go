package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"tempus/pkg/models"
)

// CreateUserRequest registers a job owner and their notification
// preferences. Failure notifications default on.
type CreateUserRequest struct {
	Email string `json:"email" binding:"required,email"`
	Name  string `json:"name"`

	NotifyOnSuccess bool  `json:"notify_on_success"`
	NotifyOnFailure *bool `json:"notify_on_failure"`
	NotifyOnRetry   bool  `json:"notify_on_retry"`
}

// createUser handles POST /users.
func (s *Server) createUser(c *gin.Context) {
	var req CreateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user := &models.User{
		ID:              uuid.New(),
		Email:           req.Email,
		Name:            req.Name,
		NotifyOnSuccess: req.NotifyOnSuccess,
		NotifyOnFailure: true,
		NotifyOnRetry:   req.NotifyOnRetry,
	}
	if req.NotifyOnFailure != nil {
		user.NotifyOnFailure = *req.NotifyOnFailure
	}
	if err := s.store.CreateUser(c.Request.Context(), user); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, user)
}

// getUser handles GET /users/:id.
func (s *Server) getUser(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user ID"})
		return
	}
	user, err := s.store.GetUser(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}
