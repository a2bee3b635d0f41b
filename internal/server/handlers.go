package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aristath/conductor/internal/engine"
)

func (s *Server) handleRegister(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid request: %v", err)})
		return
	}

	task, err := s.engine.RegisterTask(req.TaskID, req.Dependencies, req.AgentID, req.Payload)
	if err != nil {
		respondEngineError(c, err)
		return
	}

	c.JSON(http.StatusCreated, MutationResponse{
		TaskID:       task.ID,
		Dependencies: task.Dependencies,
		Status:       "registered",
		Metadata:     task,
	})
}

func (s *Server) handleStart(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid request: %v", err)})
		return
	}

	task, err := s.engine.StartTask(c.Param("id"), req.AgentID)
	if err != nil {
		respondEngineError(c, err)
		return
	}

	c.JSON(http.StatusOK, MutationResponse{
		TaskID:   task.ID,
		AgentID:  task.AgentID,
		Status:   "started",
		Metadata: task,
	})
}

func (s *Server) handleComplete(c *gin.Context) {
	var req CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid request: %v", err)})
		return
	}

	task, err := s.engine.CompleteTask(c.Param("id"), req.Result)
	if err != nil {
		respondEngineError(c, err)
		return
	}

	c.JSON(http.StatusOK, MutationResponse{
		TaskID:   task.ID,
		Status:   "completed",
		Metadata: task,
	})
}

func (s *Server) handleFail(c *gin.Context) {
	var req FailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid request: %v", err)})
		return
	}

	task, err := s.engine.FailTask(c.Param("id"), req.Error)
	if err != nil {
		respondEngineError(c, err)
		return
	}

	c.JSON(http.StatusOK, MutationResponse{
		TaskID:   task.ID,
		Status:   "failed",
		Metadata: task,
	})
}

func (s *Server) handleForceComplete(c *gin.Context) {
	var req ForceCompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid request: %v", err)})
		return
	}

	taskID := c.Param("id")
	task, err := s.engine.ForceCompleteTask(taskID, req.Result)
	if err != nil {
		respondEngineError(c, err)
		return
	}

	warning := "force-complete bypasses dependency and state-machine guarantees"
	if req.Reason != "" {
		warning = fmt.Sprintf("%s (reason: %s)", warning, req.Reason)
	}

	c.JSON(http.StatusOK, MutationResponse{
		TaskID:   task.ID,
		Status:   "force-completed",
		Warning:  warning,
		Metadata: task,
	})
}

func (s *Server) handleGetTask(c *gin.Context) {
	taskID := c.Param("id")
	task, err := s.engine.GetTaskMetadata(taskID)
	if err != nil {
		respondEngineError(c, err)
		return
	}

	canStart, err := s.engine.CanTaskStart(taskID)
	if err != nil {
		respondEngineError(c, err)
		return
	}

	c.JSON(http.StatusOK, TaskResponse{Task: task, CanStart: canStart})
}

func (s *Server) handleGetChain(c *gin.Context) {
	chain, err := s.engine.GetDependencyChain(c.Param("id"))
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, chain)
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.SystemStatus())
}

// respondEngineError maps engine sentinel errors to HTTP statuses. Structural
// errors surface synchronously; the engine never retries them.
func respondEngineError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrTaskNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrDuplicateRegistration),
		errors.Is(err, engine.ErrCyclicDependency),
		errors.Is(err, engine.ErrInvalidStateTransition),
		errors.Is(err, engine.ErrDependencyNotSatisfied):
		status = http.StatusConflict
	}
	c.JSON(status, ErrorResponse{Error: err.Error()})
}
