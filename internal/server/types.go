package server

import (
	"github.com/aristath/conductor/internal/engine"
)

// RegisterRequest is the payload for task registration.
type RegisterRequest struct {
	TaskID       string   `json:"taskId" binding:"required"`
	Dependencies []string `json:"dependencies"`
	AgentID      string   `json:"agentId"`
	Payload      any      `json:"payload"`
}

// StartRequest is the payload for claiming a task.
type StartRequest struct {
	AgentID string `json:"agentId" binding:"required"`
}

// CompleteRequest carries the opaque result of a finished task.
type CompleteRequest struct {
	Result any `json:"result"`
}

// FailRequest carries the opaque error of a failed task.
type FailRequest struct {
	Error any `json:"error"`
}

// ForceCompleteRequest carries the override result and the operator's reason.
type ForceCompleteRequest struct {
	Result any    `json:"result"`
	Reason string `json:"reason"`
}

// MutationResponse is the envelope for every mutating endpoint.
type MutationResponse struct {
	TaskID       string      `json:"taskId"`
	Dependencies []string    `json:"dependencies,omitempty"`
	AgentID      string      `json:"agentId,omitempty"`
	Status       string      `json:"status"`
	Warning      string      `json:"warning,omitempty"`
	Metadata     engine.Task `json:"metadata"`
}

// TaskResponse is the envelope for single-task queries.
type TaskResponse struct {
	Task     engine.Task `json:"task"`
	CanStart bool        `json:"canStart"`
}

// ErrorResponse is the envelope for rejected requests.
type ErrorResponse struct {
	Error string `json:"error"`
}
