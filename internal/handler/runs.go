package handler

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strconv"

	"github.com/haatos/releaseci/internal/service"
	"github.com/haatos/releaseci/internal/store"
	"github.com/labstack/echo/v4"
)

type ReleaseServicer interface {
	Lanes() map[string]service.Lane
	TriggerRun(context.Context, string, string, store.TriggerReason) (*store.Run, error)
	GetRunByID(context.Context, string) (*store.Run, error)
	ListRunsPaginated(context.Context, int64, int64) ([]store.Run, error)
	CountRuns(context.Context) (int64, error)
	ListStageResults(context.Context, string) ([]store.StageResult, error)
	CancelRun(context.Context, string) (bool, error)
}

type RunHandler struct {
	releaseSvc ReleaseServicer
}

func NewRunHandler(releaseSvc ReleaseServicer) *RunHandler {
	return &RunHandler{releaseSvc: releaseSvc}
}

func SetupRunRoutes(g *echo.Group, releaseSvc ReleaseServicer) {
	h := NewRunHandler(releaseSvc)
	g.GET("/lanes", h.GetLanes)
	g.POST("/lanes/:lane/runs", h.PostLaneRun)
	g.GET("/runs", h.GetRuns)
	g.GET("/runs/:run_id", h.GetRun)
	g.GET("/runs/:run_id/output", h.GetRunOutput)
	g.POST("/runs/:run_id/cancel", h.PostCancelRun)
}

func (h *RunHandler) GetLanes(c echo.Context) error {
	lanes := h.releaseSvc.Lanes()
	out := make([]service.Lane, 0, len(lanes))
	for _, lane := range lanes {
		out = append(out, lane)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *RunHandler) PostLaneRun(c echo.Context) error {
	lane := c.Param("lane")

	r, err := h.releaseSvc.TriggerRun(
		c.Request().Context(), lane, "", store.TriggerAPI,
	)
	if err != nil {
		var unknownLane *service.UnknownLaneError
		var queueFull *service.ErrRunQueueFull
		switch {
		case errors.As(err, &unknownLane):
			return newError(err, http.StatusNotFound, "unknown lane")
		case errors.As(err, &queueFull):
			return newError(err, http.StatusConflict, "run queue is full")
		default:
			return newError(err, http.StatusInternalServerError, "unable to trigger run")
		}
	}
	return c.JSON(http.StatusCreated, r)
}

func (h *RunHandler) GetRuns(c echo.Context) error {
	limit := int64(20)
	offset := int64(0)
	if v := c.QueryParam("limit"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			limit = parsed
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			offset = parsed
		}
	}
	if limit < 1 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	runs, err := h.releaseSvc.ListRunsPaginated(c.Request().Context(), limit, offset)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return newError(err, http.StatusInternalServerError, "unable to list runs")
	}
	count, err := h.releaseSvc.CountRuns(c.Request().Context())
	if err != nil {
		return newError(err, http.StatusInternalServerError, "unable to count runs")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"runs":  runs,
		"count": count,
	})
}

func (h *RunHandler) GetRun(c echo.Context) error {
	runID := c.Param("run_id")

	r, err := h.releaseSvc.GetRunByID(c.Request().Context(), runID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return newError(err, http.StatusNotFound, "run not found")
		}
		return newError(err, http.StatusInternalServerError, "unable to read run")
	}

	stageResults, err := h.releaseSvc.ListStageResults(c.Request().Context(), runID)
	if err != nil {
		return newError(err, http.StatusInternalServerError, "unable to read stage results")
	}

	// Output is served from its own endpoint; it can be large.
	r.Output = nil
	return c.JSON(http.StatusOK, map[string]any{
		"run":           r,
		"stage_results": stageResults,
	})
}

func (h *RunHandler) GetRunOutput(c echo.Context) error {
	runID := c.Param("run_id")

	r, err := h.releaseSvc.GetRunByID(c.Request().Context(), runID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return newError(err, http.StatusNotFound, "run not found")
		}
		return newError(err, http.StatusInternalServerError, "unable to read run")
	}

	var output string
	if r.Output != nil {
		output = *r.Output
	}
	return c.String(http.StatusOK, output)
}

func (h *RunHandler) PostCancelRun(c echo.Context) error {
	runID := c.Param("run_id")

	cancelled, err := h.releaseSvc.CancelRun(c.Request().Context(), runID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return newError(err, http.StatusNotFound, "run not found")
		}
		return newError(err, http.StatusInternalServerError, "unable to cancel run")
	}
	if !cancelled {
		return newError(nil, http.StatusConflict, "run is not in progress")
	}
	return c.NoContent(http.StatusAccepted)
}
