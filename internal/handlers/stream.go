package handlers

import (
	"context"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/codebuildervaibhav/lecture-digest/internal/events"
	"github.com/codebuildervaibhav/lecture-digest/internal/types"
)

// StreamHandler pushes a task's status changes over a WebSocket
type StreamHandler struct {
	tasks  TaskReader
	bus    *events.Bus
	logger *slog.Logger
}

// NewStreamHandler creates a new stream handler
func NewStreamHandler(tasks TaskReader, bus *events.Bus, logger *slog.Logger) *StreamHandler {
	return &StreamHandler{
		tasks:  tasks,
		bus:    bus,
		logger: logger.With("component", "ws"),
	}
}

// Upgrade rejects plain HTTP requests on the WebSocket route
func (h *StreamHandler) Upgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// Handle sends the current snapshot, then every event until the task is terminal
func (h *StreamHandler) Handle(c *websocket.Conn) {
	defer c.Close()
	taskID := c.Params("id")

	// Subscribe first so no event between snapshot and subscription is lost.
	sub := h.bus.Subscribe(events.TaskTopic(taskID))
	defer h.bus.Unsubscribe(sub)

	task, err := h.tasks.GetTask(context.Background(), taskID)
	if err != nil {
		_ = c.WriteJSON(fiber.Map{"error": "Task not found", "code": "ERR_NOT_FOUND"})
		return
	}
	if err := c.WriteJSON(events.StatusEvent{
		TaskID: task.ID,
		Kind:   events.KindStatusChanged,
		Status: task.Status,
		Error:  task.Error,
		At:     task.UpdatedAt,
	}); err != nil {
		return
	}
	if task.Status.Terminal() {
		return
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	h.logger.Debug("status stream opened", "task_id", taskID)
	for {
		select {
		case <-closed:
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := c.WriteJSON(ev); err != nil {
				h.logger.Debug("status stream write failed", "task_id", taskID, "error", err)
				return
			}
			if ev.Status == types.StatusCompleted || ev.Status == types.StatusFailed {
				return
			}
		}
	}
}
