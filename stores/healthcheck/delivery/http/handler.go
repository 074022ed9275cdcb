package http

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/x-xyz/bidengine/base/ctx"
	hcdomain "github.com/x-xyz/bidengine/domain/healthcheck"
)

type healthCheckHandler struct {
	healthCheck hcdomain.HealthCheckUsecase
}

// New registers GET /health. It answers 503 while a backend is down so load
// balancers stop routing bids to the instance.
func New(e *echo.Echo, us hcdomain.HealthCheckUsecase) {
	handler := &healthCheckHandler{
		healthCheck: us,
	}
	e.GET("/health", handler.check)
}

func (h *healthCheckHandler) check(c echo.Context) error {
	report := h.healthCheck.Check(c.Get("ctx").(ctx.Ctx))
	if !report.Healthy {
		return c.JSON(http.StatusServiceUnavailable, report)
	}
	return c.JSON(http.StatusOK, report)
}
