package handler

import (
	"context"
	"net/http"

	"github.com/haatos/releaseci/internal/store"
	"github.com/labstack/echo/v4"
)

type APIKeyServicer interface {
	CreateAPIKey(context.Context) (*store.APIKey, error)
	GetAPIKeyByValue(context.Context, string) (*store.APIKey, error)
	ListAPIKeys(context.Context) ([]*store.APIKey, error)
	DeleteAPIKey(context.Context, int64) error
}

type APIKeyHandler struct {
	apiKeySvc APIKeyServicer
}

func NewAPIKeyHandler(apiKeySvc APIKeyServicer) *APIKeyHandler {
	return &APIKeyHandler{apiKeySvc: apiKeySvc}
}

func SetupAPIKeyRoutes(g *echo.Group, apiKeySvc APIKeyServicer) {
	h := NewAPIKeyHandler(apiKeySvc)
	g.GET("/api-keys", h.GetAPIKeys)
	g.POST("/api-keys", h.PostAPIKey)
	g.DELETE("/api-keys/:id", h.DeleteAPIKey)
}

func (h *APIKeyHandler) GetAPIKeys(c echo.Context) error {
	keys, err := h.apiKeySvc.ListAPIKeys(c.Request().Context())
	if err != nil {
		return newError(err, http.StatusInternalServerError, "unable to list api keys")
	}
	return c.JSON(http.StatusOK, keys)
}

func (h *APIKeyHandler) PostAPIKey(c echo.Context) error {
	key, err := h.apiKeySvc.CreateAPIKey(c.Request().Context())
	if err != nil {
		return newError(err, http.StatusInternalServerError, "unable to create api key")
	}
	return c.JSON(http.StatusCreated, key)
}

func (h *APIKeyHandler) DeleteAPIKey(c echo.Context) error {
	id, err := parseInt64Param(c, "id")
	if err != nil {
		return newError(err, http.StatusBadRequest, "invalid api key id")
	}
	if err := h.apiKeySvc.DeleteAPIKey(c.Request().Context(), id); err != nil {
		return newError(err, http.StatusInternalServerError, "unable to delete api key")
	}
	return c.NoContent(http.StatusNoContent)
}
