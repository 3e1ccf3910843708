package plan

import (
	"net/http"
	"strconv"
	"strings"

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
	g.GET("/plans", h.List)
	g.GET("/plans/:id", h.Get)

	write := g.Group("", auth.RequireRole(auth.KindClinician, auth.KindOrganization))
	write.POST("/plans", h.Create)
	write.PATCH("/plans/:id", h.Update)
	write.DELETE("/plans/:id", h.Delete)
}

func principal(c echo.Context) (auth.Principal, error) {
	p, ok := auth.PrincipalFromContext(c.Request().Context())
	if !ok {
		return auth.Principal{}, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return p, nil
}

func planID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid plan id")
	}
	return id, nil
}

func (h *Handler) Create(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	var attrs Attrs
	if err := c.Bind(&attrs); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	creator := &Creator{Kind: p.Kind, ID: p.ID}
	if p.IsAdmin() {
		creator.Kind = auth.KindAdmin
	}
	created, err := h.svc.CreatePlan(c.Request().Context(), creator, attrs)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, created)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := planID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.GetPlan(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, p)
}

// List supports ?scope=, ?active=true and ?creator=<kind>:<id>.
func (h *Handler) List(c echo.Context) error {
	var f Filter
	if s := c.QueryParam("scope"); s != "" {
		f.Scope = Scope(s)
		if !f.Scope.Valid() {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid scope")
		}
	}
	if a := c.QueryParam("active"); a != "" {
		active, err := strconv.ParseBool(a)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid active flag")
		}
		f.ActiveOnly = active
	}
	if cr := c.QueryParam("creator"); cr != "" {
		creator, err := parseCreator(cr)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid creator")
		}
		f.Creator = creator
	}

	page := pagination.FromContext(c)
	plans, total, err := h.svc.ListPlans(c.Request().Context(), f, page)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(plans, total, page))
}

func (h *Handler) Update(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	id, err := planID(c)
	if err != nil {
		return err
	}
	var patch Patch
	if err := c.Bind(&patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.authorize(c, p, id); err != nil {
		return err
	}
	updated, err := h.svc.UpdatePlan(c.Request().Context(), id, patch)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, updated)
}

func (h *Handler) Delete(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	id, err := planID(c)
	if err != nil {
		return err
	}
	if err := h.authorize(c, p, id); err != nil {
		return err
	}
	if err := h.svc.DeletePlan(c.Request().Context(), id); err != nil {
		return apperr.ToHTTP(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) authorize(c echo.Context, p auth.Principal, id uuid.UUID) error {
	existing, err := h.svc.GetPlan(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	if !existing.CanManage(p) {
		return echo.NewHTTPError(http.StatusForbidden, "only the plan creator may modify it")
	}
	return nil
}

func parseCreator(s string) (*Creator, error) {
	kind, rawID, ok := strings.Cut(s, ":")
	if !ok || kind == "" {
		return nil, apperr.Invalid("creator", "expected kind:id")
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return nil, apperr.Invalid("creator", "invalid id")
	}
	return &Creator{Kind: kind, ID: id}, nil
}
