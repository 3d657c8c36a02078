package ops

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/streamio/transcoder/internal/queue"
	"github.com/streamio/transcoder/internal/workflow"
)

const defaultDeadLetterLimit = 20

// ExecutionDirectory is the engine's read-only monitoring surface.
type ExecutionDirectory interface {
	Describe(executionID string) (*workflow.Execution, error)
	List() []*workflow.Execution
}

// Dependencies holds all dependencies needed by handlers.
type Dependencies struct {
	Logger      *slog.Logger
	Executions  ExecutionDirectory
	DeadLetters queue.DeadLetterReader
}

// Handler serves the read-only operator API: execution history and
// dead-letter inspection. There is no mutation path here; re-driving a
// dead-lettered job is a deliberate manual action.
type Handler struct {
	logger      *slog.Logger
	executions  ExecutionDirectory
	deadLetters queue.DeadLetterReader
}

// NewHandler creates a new Handler instance.
func NewHandler(deps *Dependencies) *Handler {
	return &Handler{
		logger:      deps.Logger,
		executions:  deps.Executions,
		deadLetters: deps.DeadLetters,
	}
}

type executionDTO struct {
	ExecutionID string      `json:"executionId"`
	ObjectKey   string      `json:"objectKey"`
	State       string      `json:"state"`
	Branches    []branchDTO `json:"branches"`
	StartedAt   string      `json:"startedAt"`
	FinishedAt  string      `json:"finishedAt,omitempty"`
}

type branchDTO struct {
	Name      string `json:"name"`
	Profile   string `json:"profile"`
	State     string `json:"state"`
	OutputKey string `json:"outputKey,omitempty"`
	Error     string `json:"error,omitempty"`
}

type deadLetterDTO struct {
	MessageID    string `json:"messageId"`
	ObjectKey    string `json:"objectKey,omitempty"`
	Body         string `json:"body"`
	ReceiveCount int    `json:"receiveCount"`
}

// ListExecutions handles GET /ops/executions
func (h *Handler) ListExecutions(c *gin.Context) {
	execs := h.executions.List()
	out := make([]executionDTO, len(execs))
	for i, exec := range execs {
		out[i] = toExecutionDTO(exec)
	}
	c.JSON(http.StatusOK, gin.H{"executions": out})
}

// GetExecution handles GET /ops/executions/:execution_id
func (h *Handler) GetExecution(c *gin.Context) {
	executionID := c.Param("execution_id")

	exec, err := h.executions.Describe(executionID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":       "Execution not found",
			"executionId": executionID,
		})
		return
	}

	c.JSON(http.StatusOK, toExecutionDTO(exec))
}

// ListDeadLetters handles GET /ops/deadletters
func (h *Handler) ListDeadLetters(c *gin.Context) {
	if h.deadLetters == nil {
		c.JSON(http.StatusNotImplemented, gin.H{
			"error": "dead-letter inspection is not supported by this queue backend",
		})
		return
	}

	limit := defaultDeadLetterLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "limit must be a positive integer",
			})
			return
		}
		limit = parsed
	}

	msgs, err := h.deadLetters.ListDeadLetters(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to list dead letters",
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list dead letters",
		})
		return
	}

	out := make([]deadLetterDTO, len(msgs))
	for i, msg := range msgs {
		d := deadLetterDTO{
			MessageID:    msg.ID,
			Body:         string(msg.Body),
			ReceiveCount: msg.ReceiveCount,
		}
		if job, err := queue.DecodeJobMessage(msg.Body); err == nil {
			d.ObjectKey = job.ObjectKey
		}
		out[i] = d
	}

	c.JSON(http.StatusOK, gin.H{"deadLetters": out})
}

func toExecutionDTO(exec *workflow.Execution) executionDTO {
	d := executionDTO{
		ExecutionID: exec.ID,
		ObjectKey:   exec.ObjectKey,
		State:       exec.State,
		StartedAt:   exec.StartedAt.Format(time.RFC3339),
		Branches:    make([]branchDTO, len(exec.Branches)),
	}
	if !exec.FinishedAt.IsZero() {
		d.FinishedAt = exec.FinishedAt.Format(time.RFC3339)
	}
	for i, b := range exec.Branches {
		d.Branches[i] = branchDTO{
			Name:      b.Spec.Name,
			Profile:   b.Spec.Profile,
			State:     b.State,
			OutputKey: b.OutputKey,
			Error:     b.Error,
		}
	}
	return d
}
