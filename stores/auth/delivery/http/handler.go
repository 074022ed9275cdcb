package http

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/x-xyz/bidengine/base/ctx"
	"github.com/x-xyz/bidengine/base/delivery"
	"github.com/x-xyz/bidengine/domain"
	authMiddleware "github.com/x-xyz/bidengine/stores/auth/delivery/http/middleware"
)

type authHandler struct {
	auth domain.AuthUsecase
}

// New registers the token endpoints. Tokens for arbitrary users are issued to
// admins only; identities are owned by the upstream identity service.
func New(e *echo.Echo, auth domain.AuthUsecase, am *authMiddleware.AuthMiddleware) {
	handler := &authHandler{
		auth: auth,
	}
	g := e.Group("/auth")
	g.POST("/token", handler.issue, am.Auth(), am.IsAdmin())
	g.GET("/me", handler.me, am.Auth())
}

func (h *authHandler) issue(c echo.Context) error {
	ctx := c.Get("ctx").(ctx.Ctx)

	type params struct {
		UserId string   `json:"userId" validate:"required,max=128"`
		Roles  []string `json:"roles"`
	}

	p := &params{}

	if err := c.Bind(p); err != nil {
		ctx.WithField("err", err).Error("bind failed")
		return c.JSON(http.StatusUnprocessableEntity, err)
	}

	if err := c.Validate(p); err != nil {
		return delivery.MakeJsonResp(c, http.StatusBadRequest, err.Error())
	}

	if tkn, err := h.auth.SignToken(ctx, p.UserId, p.Roles); err != nil {
		ctx.WithField("err", err).Error("auth.SignToken failed")
		return delivery.MakeJsonResp(c, http.StatusInternalServerError, err)
	} else {
		return delivery.MakeJsonResp(c, http.StatusCreated, tkn)
	}
}

func (h *authHandler) me(c echo.Context) error {
	p, _ := authMiddleware.Principal(c)
	return delivery.MakeJsonResp(c, http.StatusOK, p)
}
