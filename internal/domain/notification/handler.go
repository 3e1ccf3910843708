package notification

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinisist/clinisist/internal/platform/apperr"
	"github.com/clinisist/clinisist/internal/platform/auth"
	"github.com/clinisist/clinisist/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/notifications", h.List)
	g.PATCH("/notifications/:id/read", h.MarkRead)
	g.POST("/notifications/read-all", h.MarkAllRead)
}

func recipient(c echo.Context) (Recipient, error) {
	p, ok := auth.PrincipalFromContext(c.Request().Context())
	if !ok {
		return Recipient{}, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return To(RecipientKindFor(p.Kind), p.ID), nil
}

func (h *Handler) List(c echo.Context) error {
	r, err := recipient(c)
	if err != nil {
		return err
	}
	page := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), r, Status(c.QueryParam("status")), page)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, page))
}

func (h *Handler) MarkRead(c echo.Context) error {
	r, err := recipient(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid notification id")
	}
	if err := h.svc.MarkRead(c.Request().Context(), r, id); err != nil {
		return apperr.ToHTTP(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) MarkAllRead(c echo.Context) error {
	r, err := recipient(c)
	if err != nil {
		return err
	}
	n, err := h.svc.MarkAllRead(c.Request().Context(), r)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, map[string]int64{"updated": n})
}
