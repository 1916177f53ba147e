// Package control 提供运行中 activity 的 REST 控制接口：状态查询、参数调整、停止、指标导出。
package control

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"yqhp/cycle-engine/internal/activity"
	"yqhp/cycle-engine/internal/metrics"
	"yqhp/cycle-engine/pkg/logger"
)

// Controller 是控制接口依赖的 activity 能力
type Controller interface {
	Status() activity.Status
	ApplyParams(u activity.ParamUpdate) error
	Stop()
	StopSlot(slot int) error
	Registry() *metrics.Registry
}

// Config holds the configuration for the control server.
type Config struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// AccessLog 为 true 时输出每个请求的访问日志
	AccessLog bool
}

// DefaultConfig returns a default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Address:      ":9470",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server 是控制接口服务
type Server struct {
	app    *fiber.App
	ctl    Controller
	config *Config
	log    *zap.Logger
}

// NewServer creates a new control server.
func NewServer(ctl Controller, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:           config.ReadTimeout,
		WriteTimeout:          config.WriteTimeout,
		ErrorHandler:          customErrorHandler,
		AppName:               "cycle-engine control",
		DisableStartupMessage: true,
	})

	s := &Server{
		app:    app,
		ctl:    ctl,
		config: config,
		log:    logger.Named("control"),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.app.Use(fiberrecover.New(fiberrecover.Config{
		EnableStackTrace: true,
	}))

	if s.config.AccessLog {
		s.app.Use(fiberlogger.New(fiberlogger.Config{
			Format:     "${time} | ${status} | ${latency} | ${method} ${path}\n",
			TimeFormat: "2006-01-02 15:04:05",
		}))
	}
}

func (s *Server) setupRoutes() {
	s.app.Get("/health", s.healthCheck)
	s.app.Get("/metrics", adaptor.HTTPHandler(
		promhttp.HandlerFor(s.ctl.Registry().Prometheus(), promhttp.HandlerOpts{}),
	))

	api := s.app.Group("/api/v1")
	api.Get("/health", s.healthCheck)
	api.Get("/activity", s.getStatus)
	api.Patch("/activity/params", s.applyParams)
	api.Post("/activity/stop", s.stopActivity)
	api.Post("/activity/slots/:id/stop", s.stopSlot)
	api.Get("/activity/metrics", s.getMetrics)
}

// Start 阻塞监听直到出错或被关闭
func (s *Server) Start() error {
	s.log.Info("control server listening", zap.String("address", s.config.Address))
	return s.app.Listen(s.config.Address)
}

// StartWithContext 在 ctx 取消时关闭服务
func (s *Server) StartWithContext(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		errCh <- s.Start()
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown()
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	return s.app.ShutdownWithTimeout(5 * time.Second)
}

// App returns the underlying Fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
		message = fe.Message
	}

	return c.Status(code).JSON(ErrorResponse{
		Error:   "error_" + itoa(code),
		Message: message,
	})
}
