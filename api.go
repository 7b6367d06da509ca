package fxmonitor

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
)

type skipRequest struct {
	Enabled bool `json:"enabled"`
}

type tempScheduleRequest struct {
	Time string `json:"time"`
}

// newAPI builds the operator control API.
func newAPI(history *PerfHistory, scheduler *RestartScheduler, router *EventRouter) *fiber.App {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})

	api := app.Group("/api")
	api.Get("/perf/summary/:thread", func(c *fiber.Ctx) error {
		summary, err := history.Summary(c.Params("thread"))
		if err != nil {
			return perfError(c, err)
		}
		return c.JSON(summary)
	})
	api.Get("/perf/heatmap/:thread", func(c *fiber.Ctx) error {
		rows, err := history.Heatmap(c.Params("thread"))
		if err != nil {
			return perfError(c, err)
		}
		return c.JSON(fiber.Map{"boundaries": history.Boundaries(), "rows": rows})
	})

	api.Get("/scheduler", func(c *fiber.Ctx) error {
		return c.JSON(scheduler.Status())
	})
	api.Post("/scheduler/skip", func(c *fiber.Ctx) error {
		var req skipRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
		}
		scheduler.SetSkip(req.Enabled)
		return c.JSON(scheduler.Status())
	})
	api.Post("/scheduler/temp", func(c *fiber.Ctx) error {
		var req tempScheduleRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
		}
		if err := scheduler.SetTempSchedule(req.Time); err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) {
				return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": verr.Msg, "conflict": verr.Conflict})
			}
			return err
		}
		return c.JSON(scheduler.Status())
	})

	api.Get("/router", func(c *fiber.Ctx) error {
		return c.JSON(router.Status())
	})
	return app
}

func perfError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, ErrUnknownThread):
		return c.Status(http.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, ErrInsufficientData):
		return c.Status(http.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	default:
		return err
	}
}
