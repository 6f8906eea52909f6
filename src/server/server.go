package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/square-key-labs/callbridge/src/call"
	"github.com/square-key-labs/callbridge/src/metrics"
	"github.com/square-key-labs/callbridge/src/transports"
)

type Config struct {
	Media    *transports.TwilioMediaTransport
	Registry *call.Registry
	Metrics  *metrics.Metrics
}

type healthResponse struct {
	Status      string `json:"status"`
	ActiveCalls int    `json:"activeCalls"`
}

// New creates the Echo instance serving the media socket, health and metrics
func New(cfg Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/healthz" || c.Path() == "/metrics"
		},
	}))

	e.GET("/healthz", func(c echo.Context) error {
		resp := healthResponse{Status: "ok"}
		if cfg.Registry != nil {
			resp.ActiveCalls = cfg.Registry.Len()
		}
		return c.JSON(http.StatusOK, resp)
	})

	if cfg.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(cfg.Metrics.Handler()))
	}
	if cfg.Media != nil {
		e.GET("/media/:callId", cfg.Media.Handle)
	}
	return e
}
