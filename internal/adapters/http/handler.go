package http

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/simlabs/simbay/internal/config"
	"github.com/simlabs/simbay/internal/core/domain"
	"github.com/simlabs/simbay/internal/core/ports"
)

// InstanceHandler exposes the lifecycle manager over HTTP. It depends only
// on the ports.InstanceService interface, never on the manager directly.
type InstanceHandler struct {
	service ports.InstanceService
	cfg     config.Config
	log     zerolog.Logger
}

// NewInstanceHandler wires the handler to a service implementation.
func NewInstanceHandler(service ports.InstanceService, cfg config.Config, log zerolog.Logger) *InstanceHandler {
	return &InstanceHandler{service: service, cfg: cfg, log: log}
}

// Health reports whether the container engine is reachable.
func (h *InstanceHandler) Health(c *fiber.Ctx) error {
	health := h.service.Health(c.Context())
	if !health.EngineReachable {
		return c.Status(fiber.StatusServiceUnavailable).JSON(health)
	}
	return c.JSON(health)
}

// ListInstances returns the derived status of every slot.
func (h *InstanceHandler) ListInstances(c *fiber.Ctx) error {
	instances, err := h.service.List(c.Context())
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(fiber.Map{"instances": instances})
}

// GetInstance returns one slot's derived status.
func (h *InstanceHandler) GetInstance(c *fiber.Ctx) error {
	id, ok := h.instanceID(c)
	if !ok {
		return nil
	}
	st, err := h.service.Get(c.Context(), id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(st)
}

// StartInstance starts the slot's container.
func (h *InstanceHandler) StartInstance(c *fiber.Ctx) error {
	id, ok := h.instanceID(c)
	if !ok {
		return nil
	}
	st, err := h.service.Start(c.Context(), id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(st)
}

// StopInstance gracefully stops the slot's container.
func (h *InstanceHandler) StopInstance(c *fiber.Ctx) error {
	id, ok := h.instanceID(c)
	if !ok {
		return nil
	}
	st, err := h.service.Stop(c.Context(), id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(st)
}

// RestartInstance stops then starts the slot, yielding a fresh container.
func (h *InstanceHandler) RestartInstance(c *fiber.Ctx) error {
	id, ok := h.instanceID(c)
	if !ok {
		return nil
	}
	st, err := h.service.Restart(c.Context(), id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(st)
}

// RemoveInstance deletes the slot's container. Running slots are rejected.
func (h *InstanceHandler) RemoveInstance(c *fiber.Ctx) error {
	id, ok := h.instanceID(c)
	if !ok {
		return nil
	}
	if err := h.service.Remove(c.Context(), id); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(fiber.Map{"instance_id": id, "removed": true})
}

// GetInstanceLogs returns the tail of the slot's container output.
func (h *InstanceHandler) GetInstanceLogs(c *fiber.Ctx) error {
	id, ok := h.instanceID(c)
	if !ok {
		return nil
	}
	tail := c.QueryInt("tail", 100)
	if tail < 1 || tail > 10000 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "tail must be between 1 and 10000",
		})
	}
	logs, err := h.service.Logs(c.Context(), id, tail)
	if err != nil {
		return h.fail(c, err)
	}
	c.Set("Content-Type", "text/plain; charset=utf-8")
	return c.SendString(logs)
}

// CleanupAll stops and removes every slot's container, best effort, and
// reports each slot's outcome.
func (h *InstanceHandler) CleanupAll(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"results": h.service.CleanupAll(c.Context())})
}

// GetConfig exposes the effective configuration for the dashboard.
func (h *InstanceHandler) GetConfig(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"max_instances":     h.cfg.MaxInstances,
		"image":             h.cfg.Image,
		"http_port_base":    h.cfg.HTTPPortBase,
		"signal_port_base":  h.cfg.SignalPortBase,
		"native_port_base":  h.cfg.NativePortBase,
		"gpu_enabled":       h.cfg.GPUEnabled,
		"streaming_enabled": h.cfg.StreamingEnabled,
	})
}

func (h *InstanceHandler) instanceID(c *fiber.Ctx) (int, bool) {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		_ = c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "instance id must be an integer",
		})
		return 0, false
	}
	return id, true
}

func (h *InstanceHandler) fail(c *fiber.Ctx, err error) error {
	status := domain.HTTPStatus(err)
	if status >= fiber.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.Path()).Msg("request failed")
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}
