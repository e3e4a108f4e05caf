package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/planhub/pkg/plan"
	"github.com/fyrsmithlabs/planhub/pkg/statemgr"
	"github.com/fyrsmithlabs/planhub/pkg/stream"
)

var (
	errTaskIDRequired = errors.New("task_id is required")
	errProgressRange  = fmt.Errorf("progress must be between %d and %d", plan.MinProgress, plan.MaxProgress)
)

// UpdateTaskRequest is the request body for POST /api/v1/update-task.
type UpdateTaskRequest struct {
	TaskID   string  `json:"task_id"`
	Progress *int    `json:"progress,omitempty"`
	Status   *string `json:"status,omitempty"`
}

// MessageResponse is the body of acknowledgements.
type MessageResponse struct {
	Message string     `json:"message"`
	Data    *plan.Task `json:"data,omitempty"`
}

func (s *Server) handleGetState(c echo.Context) error {
	doc, err := s.state.GetState(c.Request().Context())
	if err != nil {
		return s.stateError(c, err)
	}
	return c.JSON(http.StatusOK, doc)
}

func (s *Server) handleUpdateTask(c echo.Context) error {
	var req UpdateTaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	u, err := req.toUpdate()
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}

	task, err := s.state.UpdateTask(c.Request().Context(), req.TaskID, u)
	if err != nil {
		return s.stateError(c, err)
	}

	return c.JSON(http.StatusOK, MessageResponse{
		Message: "Update acknowledged and processed",
		Data:    task,
	})
}

// toUpdate validates the request at the boundary, before any store access.
func (r UpdateTaskRequest) toUpdate() (plan.Update, error) {
	var u plan.Update
	if r.TaskID == "" {
		return u, errTaskIDRequired
	}
	if r.Progress != nil {
		if *r.Progress < plan.MinProgress || *r.Progress > plan.MaxProgress {
			return u, errProgressRange
		}
		u.Progress = r.Progress
	}
	if r.Status != nil {
		st, err := plan.ParseStatus(*r.Status)
		if err != nil {
			return u, err
		}
		u.Status = &st
	}
	if err := u.Validate(); err != nil {
		return u, err
	}
	return u, nil
}

func (s *Server) handleReset(c echo.Context) error {
	if err := s.state.ResetState(c.Request().Context()); err != nil {
		return s.stateError(c, err)
	}
	s.logger.Info("plan document reset via api", zap.String("remote_ip", c.RealIP()))
	return c.JSON(http.StatusOK, MessageResponse{Message: "State reset to default template"})
}

func (s *Server) handleStream(c echo.Context) error {
	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()
	stop := context.AfterFunc(s.streamCtx, cancel)
	defer stop()

	w := stream.NewSSEWriter(c.Response())
	err := s.streams.Serve(ctx, w, func() bool { return ctx.Err() != nil })
	if err != nil {
		s.logger.Warn("stream ended with error",
			zap.String("remote_ip", c.RealIP()),
			zap.Error(err))
	}
	// Headers are already sent; nothing left to report to the client.
	return nil
}

// stateError maps a state manager failure to an HTTP error.
func (s *Server) stateError(c echo.Context, err error) error {
	code := http.StatusInternalServerError
	switch statemgr.KindOf(err) {
	case statemgr.KindValidation:
		code = http.StatusUnprocessableEntity
	case statemgr.KindNotFound:
		code = http.StatusNotFound
	case statemgr.KindContention, statemgr.KindTransport:
		code = http.StatusServiceUnavailable
	case statemgr.KindIntegrity:
		s.logger.Error("plan document integrity failure", zap.Error(err))
	}
	if c.Request().Context().Err() != nil {
		code = http.StatusServiceUnavailable
	}
	return echo.NewHTTPError(code, err.Error())
}
