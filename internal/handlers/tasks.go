package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"github.com/codebuildervaibhav/lecture-digest/internal/export"
	"github.com/codebuildervaibhav/lecture-digest/internal/pipeline"
	"github.com/codebuildervaibhav/lecture-digest/internal/types"
)

// Admitter turns a submission into a task
type Admitter interface {
	Admit(ctx context.Context, userID int64, ref string) (*types.Task, bool, error)
}

// TaskReader is the read side of the task store
type TaskReader interface {
	GetTask(ctx context.Context, id string) (*types.Task, error)
	GetResult(ctx context.Context, taskID string) (*types.Result, error)
}

// Resender redelivers the artifacts of a completed task
type Resender interface {
	Resend(ctx context.Context, taskID string) error
}

// TaskHandler serves task submission and status queries
type TaskHandler struct {
	admitter Admitter
	tasks    TaskReader
	resender Resender
	allowed  func(userID int64) bool
	logger   *slog.Logger
}

// NewTaskHandler creates a new task handler. allowed gates submissions by user id.
func NewTaskHandler(admitter Admitter, tasks TaskReader, resender Resender, allowed func(int64) bool, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{
		admitter: admitter,
		tasks:    tasks,
		resender: resender,
		allowed:  allowed,
		logger:   logger.With("component", "http"),
	}
}

// SubmitRequest represents the request body
type SubmitRequest struct {
	UserID int64  `json:"user_id"`
	URL    string `json:"url"`
}

// Submit validates and admits a source
func (h *TaskHandler) Submit(c *fiber.Ctx) error {
	var req SubmitRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
			"code":  "ERR_INVALID_BODY",
		})
	}
	if req.URL == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "URL is required",
			"code":  "ERR_NO_URL",
		})
	}
	if h.allowed != nil && !h.allowed(req.UserID) {
		h.logger.Warn("submission from user outside allow-list", "user_id", req.UserID)
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "Access denied",
			"code":  "ERR_FORBIDDEN",
		})
	}

	task, created, err := h.admitter.Admit(c.UserContext(), req.UserID, req.URL)
	if err != nil {
		var ve *types.ValidationError
		if errors.As(err, &ve) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": ve.Message,
				"code":  ve.Code,
			})
		}
		h.logger.Error("admission failed", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create task",
			"code":  "ERR_INTERNAL",
		})
	}

	status := fiber.StatusAccepted
	message := fmt.Sprintf("Task %s accepted. Processing started.", task.ID)
	if !created {
		status = fiber.StatusOK
		message = fmt.Sprintf("Task %s for this link is already in progress.", task.ID)
	}
	return c.Status(status).JSON(fiber.Map{
		"task":    task,
		"created": created,
		"message": message,
	})
}

// Get returns the task's current status
func (h *TaskHandler) Get(c *fiber.Ctx) error {
	task, err := h.tasks.GetTask(c.UserContext(), c.Params("id"))
	if err != nil {
		return h.lookupError(c, err)
	}
	return c.JSON(task)
}

// Artifact downloads one exported file of a completed task
func (h *TaskHandler) Artifact(c *fiber.Ctx) error {
	kind, ok := export.ParseKind(c.Params("kind"))
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Unknown artifact kind",
			"code":  "ERR_INVALID_KIND",
		})
	}

	task, err := h.tasks.GetTask(c.UserContext(), c.Params("id"))
	if err != nil {
		return h.lookupError(c, err)
	}
	if task.Status != types.StatusCompleted {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error":  "Task is not completed",
			"code":   "ERR_NOT_COMPLETED",
			"status": task.Status,
		})
	}

	result, err := h.tasks.GetResult(c.UserContext(), task.ID)
	if err != nil {
		return h.lookupError(c, err)
	}
	artifact, ok := export.Build(task.ID, *result).Get(kind)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Artifact not available for this task",
			"code":  "ERR_NO_ARTIFACT",
		})
	}

	c.Set(fiber.HeaderContentType, artifact.ContentType)
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="%s"`, artifact.Name))
	return c.Send(artifact.Content)
}

// Resend delivers a completed task's files again
func (h *TaskHandler) Resend(c *fiber.Ctx) error {
	err := h.resender.Resend(c.UserContext(), c.Params("id"))
	if errors.Is(err, pipeline.ErrNotCompleted) {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Task is not completed",
			"code":  "ERR_NOT_COMPLETED",
		})
	}
	if err != nil {
		return h.lookupError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "resent"})
}

func (h *TaskHandler) lookupError(c *fiber.Ctx, err error) error {
	if errors.Is(err, types.ErrTaskNotFound) || errors.Is(err, types.ErrResultNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Task not found",
			"code":  "ERR_NOT_FOUND",
		})
	}
	h.logger.Error("task lookup failed", "error", err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "Internal error",
		"code":  "ERR_INTERNAL",
	})
}
