package control

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"yqhp/cycle-engine/internal/activity"
)

// ErrorResponse 错误响应
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string    `json:"status"`
	Activity  string    `json:"activity"`
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// StopResponse 停止请求响应
type StopResponse struct {
	Stopped string `json:"stopped"`
	State   string `json:"state"`
}

func (s *Server) healthCheck(c *fiber.Ctx) error {
	st := s.ctl.Status()
	return c.JSON(HealthResponse{
		Status:    "ok",
		Activity:  st.Alias,
		State:     string(st.State),
		Timestamp: time.Now(),
	})
}

func (s *Server) getStatus(c *fiber.Ctx) error {
	return c.JSON(s.ctl.Status())
}

func (s *Server) getMetrics(c *fiber.Ctx) error {
	return c.JSON(s.ctl.Registry().Format())
}

// applyParams 接收 {"threads":4,"stride":10,"cyclerate":"100,1.1","striderate":""}
func (s *Server) applyParams(c *fiber.Ctx) error {
	var u activity.ParamUpdate
	if err := c.BodyParser(&u); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "invalid_request",
			Message: "Failed to parse request body: " + err.Error(),
		})
	}
	if u.IsEmpty() {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "invalid_request",
			Message: "At least one of threads, stride, cyclerate, striderate is required",
		})
	}

	if err := s.ctl.ApplyParams(u); err != nil {
		switch {
		case errors.Is(err, activity.ErrInvalidParams):
			return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid_params", Message: err.Error()})
		case errors.Is(err, activity.ErrNotRunning):
			return c.Status(fiber.StatusConflict).JSON(ErrorResponse{Error: "not_running", Message: err.Error()})
		default:
			return err
		}
	}
	s.log.Info("params updated via control api", zap.Any("update", u))
	return c.JSON(s.ctl.Status())
}

func (s *Server) stopActivity(c *fiber.Ctx) error {
	s.ctl.Stop()
	return c.Status(fiber.StatusAccepted).JSON(StopResponse{
		Stopped: "activity",
		State:   string(s.ctl.Status().State),
	})
}

func (s *Server) stopSlot(c *fiber.Ctx) error {
	slot, err := c.ParamsInt("id")
	if err != nil || slot < 0 {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "invalid_request",
			Message: "Slot id must be a non-negative integer",
		})
	}
	if err := s.ctl.StopSlot(slot); err != nil {
		if errors.Is(err, activity.ErrUnknownSlot) {
			return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{Error: "unknown_slot", Message: err.Error()})
		}
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(StopResponse{
		Stopped: "slot " + itoa(slot),
		State:   string(s.ctl.Status().State),
	})
}

func itoa(n int) string { return strconv.Itoa(n) }
