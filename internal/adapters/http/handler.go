package http

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/melih/breakwater/internal/core/domain"
	"github.com/melih/breakwater/internal/core/ports"
	"github.com/melih/breakwater/internal/core/service"
)

// AdminHandler exposes the control plane over REST: app CRUD, scaling,
// degraded resets, instance inspection, log streaming, and the readiness
// callback an instance may push instead of waiting for its first probe.
type AdminHandler struct {
	manager *service.Manager
	logs    ports.LogStreamer
}

// NewAdminHandler creates the admin API handler. logs may be nil when the
// runtime cannot stream instance logs.
func NewAdminHandler(manager *service.Manager, logs ports.LogStreamer) *AdminHandler {
	return &AdminHandler{manager: manager, logs: logs}
}

// Register mounts all admin routes on the given router group.
func (h *AdminHandler) Register(v1 fiber.Router) {
	apps := v1.Group("/apps")
	apps.Get("/", h.ListApps)
	apps.Post("/", h.CreateApp)
	apps.Get("/:id", h.GetApp)
	apps.Delete("/:id", h.DeleteApp)
	apps.Post("/:id/scale", h.ScaleApp)
	apps.Post("/:id/reset", h.ResetApp)
	apps.Get("/:id/instances", h.ListInstances)

	instances := v1.Group("/instances")
	instances.Get("/:id", h.GetInstance)
	instances.Get("/:id/logs", h.InstanceLogs)
	instances.Post("/:id/ready", h.InstanceReady)
}

func errStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrAppNotFound), errors.Is(err, domain.ErrInstanceNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, domain.ErrAppExists):
		return fiber.StatusConflict
	case errors.Is(err, domain.ErrInvalidApp):
		return fiber.StatusBadRequest
	default:
		return fiber.StatusInternalServerError
	}
}

func fail(c *fiber.Ctx, err error) error {
	return c.Status(errStatus(err)).JSON(fiber.Map{
		"error": err.Error(),
	})
}

// CreateAppRequest is the JSON body for registering an App. Durations are
// Go duration strings ("90s", "5m"); omitted tuning fields get defaults.
type CreateAppRequest struct {
	Name               string              `json:"name"`
	Image              string              `json:"image"`
	Port               int                 `json:"port"`
	MinInstances       int                 `json:"min_instances"`
	MaxInstances       int                 `json:"max_instances"`
	PendingPerInstance int                 `json:"pending_per_instance"`
	IdleTimeout        string              `json:"idle_timeout"`
	StartupDelayHint   string              `json:"startup_delay_hint"`
	HealthCheck        *HealthCheckRequest `json:"health_check"`
}

// HealthCheckRequest overrides the default probe settings for an App.
type HealthCheckRequest struct {
	Path             string `json:"path"`
	Interval         string `json:"interval"`
	Timeout          string `json:"timeout"`
	FailureThreshold int    `json:"failure_threshold"`
}

func (r *CreateAppRequest) toDomain() (domain.App, error) {
	app := domain.App{
		Name:               r.Name,
		Image:              r.Image,
		Port:               r.Port,
		MinInstances:       r.MinInstances,
		MaxInstances:       r.MaxInstances,
		PendingPerInstance: r.PendingPerInstance,
	}
	var err error
	if app.IdleTimeout, err = parseDuration(r.IdleTimeout); err != nil {
		return app, err
	}
	if app.StartupDelayHint, err = parseDuration(r.StartupDelayHint); err != nil {
		return app, err
	}
	if r.HealthCheck != nil {
		app.HealthCheck.Path = r.HealthCheck.Path
		app.HealthCheck.FailureThreshold = r.HealthCheck.FailureThreshold
		if app.HealthCheck.Interval, err = parseDuration(r.HealthCheck.Interval); err != nil {
			return app, err
		}
		if app.HealthCheck.Timeout, err = parseDuration(r.HealthCheck.Timeout); err != nil {
			return app, err
		}
	}
	return app, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

func (h *AdminHandler) ListApps(c *fiber.Ctx) error {
	return c.JSON(h.manager.Statuses())
}

func (h *AdminHandler) CreateApp(c *fiber.Ctx) error {
	var req CreateAppRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}
	app, err := req.toDomain()
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	created, err := h.manager.CreateApp(c.Context(), app)
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *AdminHandler) GetApp(c *fiber.Ctx) error {
	status, err := h.manager.Status(c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(status)
}

func (h *AdminHandler) DeleteApp(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "app ID is required",
		})
	}
	if err := h.manager.DeleteApp(c.Context(), id); err != nil {
		return fail(c, err)
	}
	return c.SendStatus(fiber.StatusOK)
}

// ScaleRequest adjusts an App's instance bounds.
type ScaleRequest struct {
	MinInstances int `json:"min_instances"`
	MaxInstances int `json:"max_instances"`
}

func (h *AdminHandler) ScaleApp(c *fiber.Ctx) error {
	var req ScaleRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}
	app, err := h.manager.UpdateScale(c.Context(), c.Params("id"), req.MinInstances, req.MaxInstances)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(app)
}

func (h *AdminHandler) ResetApp(c *fiber.Ctx) error {
	if err := h.manager.ResetDegraded(c.Context(), c.Params("id")); err != nil {
		return fail(c, err)
	}
	return c.SendStatus(fiber.StatusOK)
}

func (h *AdminHandler) ListInstances(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, err := h.manager.GetApp(id); err != nil {
		return fail(c, err)
	}
	return c.JSON(h.manager.Instances(id))
}

func (h *AdminHandler) GetInstance(c *fiber.Ctx) error {
	inst, err := h.manager.GetInstance(c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(inst)
}

func (h *AdminHandler) InstanceLogs(c *fiber.Ctx) error {
	if h.logs == nil {
		return c.Status(fiber.StatusNotImplemented).JSON(fiber.Map{
			"error": "log streaming is not available for this runtime",
		})
	}
	id := c.Params("id")
	if _, err := h.manager.GetInstance(id); err != nil {
		return fail(c, err)
	}

	logs, err := h.logs.Logs(c.Context(), id, c.QueryInt("tail", 100))
	if err != nil {
		return fail(c, err)
	}
	c.Set("Content-Type", "text/plain")
	return c.SendStream(logs)
}

// InstanceReady is the push-side readiness signal: an instance that knows it
// is up reports in rather than waiting out a probe interval.
func (h *AdminHandler) InstanceReady(c *fiber.Ctx) error {
	if err := h.manager.ReportReady(c.Params("id")); err != nil {
		return fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// Health answers liveness checks for the admin server itself.
func (h *AdminHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}
