package metadata

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/metadeploy/internal/platform/auth"
	"github.com/ehr/metadeploy/internal/platform/deploy"
)

type Handler struct {
	svc *deploy.Service
}

func NewHandler(svc *deploy.Service) *Handler {
	return &Handler{svc: svc}
}

// InstallResponse is the body returned by PUT /:kind.
type InstallResponse struct {
	Replaced bool          `json:"replaced"`
	Object   deploy.Object `json:"object"`
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("/metadata", auth.RequireRole(auth.RoleReader, auth.RoleManager))
	readGroup.GET("/kinds", h.ListKinds)
	readGroup.GET("/:kind/:id", h.GetObject)

	writeGroup := api.Group("/metadata", auth.RequireRole(auth.RoleManager))
	writeGroup.PUT("/:kind", h.InstallObject)
	writeGroup.DELETE("/:kind/:id", h.UninstallObject)
}

func (h *Handler) ListKinds(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"kinds": h.svc.Registry().Kinds(),
	})
}

func (h *Handler) GetObject(c echo.Context) error {
	kind, id := c.Param("kind"), c.Param("id")
	if _, err := NewObject(kind); err != nil {
		return httpError(err)
	}
	obj, err := h.svc.FetchObject(c.Request().Context(), kind, id)
	if err != nil {
		return httpError(err)
	}
	if obj == nil {
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("%s %s not found", kind, id))
	}
	return c.JSON(http.StatusOK, obj)
}

// InstallObject answers 201 when the object was inserted and 200 when it
// replaced an existing one.
func (h *Handler) InstallObject(c echo.Context) error {
	kind := c.Param("kind")
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable request body")
	}
	obj, err := DecodeJSON(kind, body)
	if err != nil {
		return httpError(err)
	}

	replaced, err := h.svc.Install(c.Request().Context(), obj)
	if err != nil {
		return httpError(err)
	}

	status := http.StatusCreated
	if replaced {
		status = http.StatusOK
	}
	return c.JSON(status, InstallResponse{Replaced: replaced, Object: obj})
}

// UninstallObject fetches the object and removes it. The reason query
// parameter defaults to "uninstalled by <user>".
func (h *Handler) UninstallObject(c echo.Context) error {
	ctx := c.Request().Context()
	kind, id := c.Param("kind"), c.Param("id")
	if _, err := NewObject(kind); err != nil {
		return httpError(err)
	}

	obj, err := h.svc.FetchObject(ctx, kind, id)
	if err != nil {
		return httpError(err)
	}
	if obj == nil {
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("%s %s not found", kind, id))
	}

	reason := c.QueryParam("reason")
	if err := ValidateRetireReason(reason); err != nil {
		return httpError(err)
	}
	if reason == "" {
		user := auth.UserIDFromContext(ctx)
		if user == "" {
			user = "unknown"
		}
		reason = "uninstalled by " + user
	}

	if err := h.svc.Uninstall(ctx, obj, reason); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// httpError maps install pipeline errors onto HTTP statuses.
func httpError(err error) error {
	var (
		unknown    *UnknownKindError
		validation *ValidationError
	)
	switch {
	case deploy.IsNoHandler(err):
		return echo.NewHTTPError(http.StatusNotImplemented, err.Error())
	case errors.As(err, &unknown):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.As(err, &validation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrDuplicateKey):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
	}
}
