package subscription

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinisist/clinisist/internal/platform/apperr"
	"github.com/clinisist/clinisist/internal/platform/auth"
	"github.com/clinisist/clinisist/pkg/pagination"
)

type Handler struct {
	svc     *Service
	sweeper *Sweeper
}

func NewHandler(svc *Service, sweeper *Sweeper) *Handler {
	return &Handler{svc: svc, sweeper: sweeper}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	admin := auth.RequireRole(auth.KindAdmin)

	g.POST("/subscriptions/sweep", h.Sweep, admin)
	g.DELETE("/subscriptions/:id", h.Delete, admin)

	g.GET("/subscriptions/patient/clinicians", h.SubscribedClinicians)
	g.GET("/subscriptions/patient/clinician-active", h.ActiveWithClinician)

	g.POST("/subscriptions/:kind", h.Purchase)
	g.GET("/subscriptions/:kind/renew-check", h.RenewCheck)
	g.GET("/subscriptions/:kind/active", h.Active)
	g.GET("/subscriptions/:kind/mine", h.Mine)
	g.GET("/subscriptions/:kind/counts", h.Counts, admin)
	g.GET("/subscriptions/:kind/:id", h.Get)
	g.GET("/subscriptions/:kind", h.List, admin)
}

type purchaseRequest struct {
	PlanID         uuid.UUID  `json:"plan_id" validate:"required"`
	SecondaryRefID *uuid.UUID `json:"secondary_ref_id"`
	// SubscriberID lets an admin purchase on a subscriber's behalf.
	SubscriberID *uuid.UUID `json:"subscriber_id"`
}

func kindParam(c echo.Context) (Kind, error) {
	k, err := ParseKind(c.Param("kind"))
	if err != nil {
		return "", apperr.ToHTTP(err)
	}
	return k, nil
}

// subscriber resolves whose ledger a request addresses. Non-admins always
// act on themselves and only within their own kind.
func subscriber(c echo.Context, kind Kind, override *uuid.UUID) (uuid.UUID, error) {
	p, ok := auth.PrincipalFromContext(c.Request().Context())
	if !ok {
		return uuid.Nil, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	if p.IsAdmin() {
		if override == nil {
			return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "subscriber_id is required")
		}
		return *override, nil
	}
	if p.Kind != string(kind) {
		return uuid.Nil, echo.NewHTTPError(http.StatusForbidden, "cannot act on "+string(kind)+" subscriptions")
	}
	if override != nil && *override != p.ID {
		return uuid.Nil, echo.NewHTTPError(http.StatusForbidden, "cannot act on another subscriber")
	}
	return p.ID, nil
}

func queryUUID(c echo.Context, name string) (*uuid.UUID, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return &id, nil
}

func (h *Handler) Purchase(c echo.Context) error {
	kind, err := kindParam(c)
	if err != nil {
		return err
	}
	var req purchaseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return apperr.ToHTTP(err)
	}
	subID, err := subscriber(c, kind, req.SubscriberID)
	if err != nil {
		return err
	}

	res, err := h.svc.Purchase(c.Request().Context(), PurchaseRequest{
		Kind:           kind,
		SubscriberID:   subID,
		PlanID:         req.PlanID,
		SecondaryRefID: req.SecondaryRefID,
	})
	if err != nil {
		return apperr.ToHTTP(err)
	}
	status := http.StatusCreated
	if res.IsRenewal {
		status = http.StatusOK
	}
	return c.JSON(status, res)
}

func (h *Handler) RenewCheck(c echo.Context) error {
	kind, err := kindParam(c)
	if err != nil {
		return err
	}
	planID, err := queryUUID(c, "plan_id")
	if err != nil {
		return err
	}
	override, err := queryUUID(c, "subscriber_id")
	if err != nil {
		return err
	}
	subID, err := subscriber(c, kind, override)
	if err != nil {
		return err
	}
	pid := uuid.Nil
	if planID != nil {
		pid = *planID
	}
	has, err := h.svc.RenewCheck(c.Request().Context(), kind, subID, pid)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"has_previous": has})
}

func (h *Handler) Active(c echo.Context) error {
	kind, err := kindParam(c)
	if err != nil {
		return err
	}
	override, err := queryUUID(c, "subscriber_id")
	if err != nil {
		return err
	}
	subID, err := subscriber(c, kind, override)
	if err != nil {
		return err
	}
	subs, err := h.svc.Active(c.Request().Context(), kind, subID)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"has_active":    len(subs) > 0,
		"subscriptions": subs,
	})
}

func (h *Handler) Mine(c echo.Context) error {
	kind, err := kindParam(c)
	if err != nil {
		return err
	}
	override, err := queryUUID(c, "subscriber_id")
	if err != nil {
		return err
	}
	subID, err := subscriber(c, kind, override)
	if err != nil {
		return err
	}
	subs, err := h.svc.ListForSubscriber(c.Request().Context(), kind, subID)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, subs)
}

// Get returns one subscription to an admin or to its own subscriber.
func (h *Handler) Get(c echo.Context) error {
	kind, err := kindParam(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid subscription id")
	}
	p, ok := auth.PrincipalFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	sub, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	if sub.Kind != kind {
		return apperr.ToHTTP(apperr.NotFound("subscription"))
	}
	if !p.IsAdmin() && (p.Kind != string(kind) || p.ID != sub.SubscriberID) {
		return echo.NewHTTPError(http.StatusForbidden, "cannot read another subscriber's subscription")
	}
	return c.JSON(http.StatusOK, sub)
}

func (h *Handler) SubscribedClinicians(c echo.Context) error {
	override, err := queryUUID(c, "subscriber_id")
	if err != nil {
		return err
	}
	patientID, err := subscriber(c, KindPatient, override)
	if err != nil {
		return err
	}
	out, err := h.svc.SubscribedClinicians(c.Request().Context(), patientID)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) ActiveWithClinician(c echo.Context) error {
	override, err := queryUUID(c, "subscriber_id")
	if err != nil {
		return err
	}
	patientID, err := subscriber(c, KindPatient, override)
	if err != nil {
		return err
	}
	sub, err := h.svc.ActiveWithClinician(c.Request().Context(), patientID)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"has_active_subscription": sub != nil,
		"subscription":            sub,
	})
}

func (h *Handler) Counts(c echo.Context) error {
	kind, err := kindParam(c)
	if err != nil {
		return err
	}
	counts, err := h.svc.Counts(c.Request().Context(), kind)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, counts)
}

func (h *Handler) List(c echo.Context) error {
	kind, err := kindParam(c)
	if err != nil {
		return err
	}
	page := pagination.FromContext(c)
	subs, total, err := h.svc.List(c.Request().Context(), kind, page)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(subs, total, page))
}

func (h *Handler) Delete(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid subscription id")
	}
	if err := h.svc.Delete(c.Request().Context(), id); err != nil {
		return apperr.ToHTTP(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Sweep(c echo.Context) error {
	// The batch outlives a dropped connection.
	n, err := h.sweeper.SweepExpired(context.WithoutCancel(c.Request().Context()), TriggerManual)
	if errors.Is(err, ErrSweepInProgress) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	if err != nil {
		// Items that did complete stay processed; report the partial count.
		return c.JSON(http.StatusInternalServerError, map[string]any{
			"processed": n,
			"message":   "sweep finished with errors",
		})
	}
	return c.JSON(http.StatusOK, map[string]int{"processed": n})
}
