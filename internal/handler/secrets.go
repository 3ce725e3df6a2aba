package handler

import (
	"context"
	"net/http"

	"github.com/haatos/releaseci/internal/secrets"
	"github.com/haatos/releaseci/internal/store"
	"github.com/labstack/echo/v4"
)

type SecretServicer interface {
	List(context.Context) ([]*store.SecretRecord, error)
	Put(ctx context.Context, name string, scope secrets.Scope, description, value string) error
	Delete(ctx context.Context, name string) error
}

type SecretHandler struct {
	adapter SecretServicer
}

func NewSecretHandler(adapter SecretServicer) *SecretHandler {
	return &SecretHandler{adapter: adapter}
}

func SetupSecretRoutes(g *echo.Group, adapter SecretServicer) {
	h := NewSecretHandler(adapter)
	g.GET("/secrets", h.GetSecrets)
	g.PUT("/secrets/:name", h.PutSecret)
	g.DELETE("/secrets/:name", h.DeleteSecret)
}

// GetSecrets lists metadata only. Values are write-only through the API.
func (h *SecretHandler) GetSecrets(c echo.Context) error {
	records, err := h.adapter.List(c.Request().Context())
	if err != nil {
		return newError(err, http.StatusInternalServerError, "unable to list secrets")
	}
	return c.JSON(http.StatusOK, records)
}

func (h *SecretHandler) PutSecret(c echo.Context) error {
	name := c.Param("name")

	var body struct {
		Scope       string `json:"scope"`
		Description string `json:"description"`
		Value       string `json:"value"`
	}
	if err := c.Bind(&body); err != nil {
		return newError(err, http.StatusBadRequest, "invalid secret payload")
	}
	if body.Value == "" {
		return newError(nil, http.StatusBadRequest, "secret value is required")
	}
	scope := secrets.Scope(body.Scope)
	if !secrets.ValidScope(scope) {
		return newError(nil, http.StatusBadRequest, "invalid secret scope")
	}

	if err := h.adapter.Put(
		c.Request().Context(), name, scope, body.Description, body.Value,
	); err != nil {
		if isUniqueConstraintError(err) {
			return newError(err, http.StatusConflict, "secret already exists")
		}
		return newError(err, http.StatusInternalServerError, "unable to store secret")
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *SecretHandler) DeleteSecret(c echo.Context) error {
	if err := h.adapter.Delete(c.Request().Context(), c.Param("name")); err != nil {
		return newError(err, http.StatusInternalServerError, "unable to delete secret")
	}
	return c.NoContent(http.StatusNoContent)
}
