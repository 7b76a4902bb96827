// Package status serves the operational surface: circuit states, proxy
// inventory, liveness and Prometheus metrics.
package status

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/streetmarket/repricer/breaker"
	"github.com/streetmarket/repricer/proxypool"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

// Server exposes read-only state over HTTP. It never mutates anything;
// admin actions go through the CLI.
type Server struct {
	db       *gorm.DB
	breakers *breaker.Registry
	pool     *proxypool.Pool
	logger   *slog.Logger

	// MinAvailable is the provisioning threshold reported by the proxies
	// endpoint.
	MinAvailable int

	echo *echo.Echo
}

func NewServer(db *gorm.DB, breakers *breaker.Registry, pool *proxypool.Pool, minAvailable int) *Server {
	s := &Server{
		db:           db,
		breakers:     breakers,
		pool:         pool,
		logger:       slog.Default().With("system", "status"),
		MinAvailable: minAvailable,
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	e.GET("/_health", s.handleHealthCheck)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/status/circuits", s.handleCircuits)
	e.GET("/status/proxies", s.handleProxies)

	s.echo = e
	return s
}

// Start blocks serving on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Info("status server listening", "addr", addr)
	err := s.echo.Start(addr)
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

type healthStatus struct {
	Status  string `json:"status"`
	Message string `json:"msg,omitempty"`
}

func (s *Server) handleHealthCheck(c echo.Context) error {
	if err := s.db.Exec("SELECT 1").Error; err != nil {
		s.logger.Error("healthcheck can't reach database", "err", err)
		return c.JSON(500, healthStatus{Status: "error", Message: "can't connect to database"})
	}
	return c.JSON(200, healthStatus{Status: "ok"})
}

type circuitsOutput struct {
	Circuits []breaker.CircuitStatus `json:"circuits"`
}

func (s *Server) handleCircuits(c echo.Context) error {
	return c.JSON(200, circuitsOutput{Circuits: s.breakers.Snapshot()})
}

type proxiesOutput struct {
	Availability *proxypool.Availability      `json:"availability"`
	ByModule     []proxypool.ModuleAllocation `json:"by_module"`
}

func (s *Server) handleProxies(c echo.Context) error {
	ctx := c.Request().Context()

	avail, err := s.pool.CheckAvailability(ctx, s.MinAvailable)
	if err != nil {
		return echo.NewHTTPError(500, "checking proxy availability").SetInternal(err)
	}
	byModule, err := s.pool.StatusByModule(ctx)
	if err != nil {
		return echo.NewHTTPError(500, "listing module allocations").SetInternal(err)
	}
	return c.JSON(200, proxiesOutput{Availability: avail, ByModule: byModule})
}
