package http

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.opentelemetry.io/otel/trace"

	"github.com/piukhq/angelia-sub001/changefeed/internal/nilcheck"
	"github.com/piukhq/angelia-sub001/changefeed/log"
	"github.com/piukhq/angelia-sub001/changefeed/opentelemetry"
)

// Ping returns HTTP Status 200 with response "pong".
func Ping(c *fiber.Ctx) error {
	return c.SendString("pong")
}

// Live reports that the process is serving requests. It checks no
// dependency, so a broker outage never restarts the pod.
func Live(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": StatusAlive})
}

// Version returns the build version.
func Version(version string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"version": version})
	}
}

// ErrorHandler logs unexpected handler errors and renders them as JSON.
func ErrorHandler(logger log.Logger) fiber.ErrorHandler {
	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	return func(c *fiber.Ctx, err error) error {
		ctx := c.UserContext()

		span := trace.SpanFromContext(ctx)
		opentelemetry.HandleSpanError(&span, "handler error", err)

		code := fiber.StatusInternalServerError
		message := "internal server error"

		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
			message = fe.Message
		} else {
			logger.Log(ctx, log.LevelError, "handler error",
				log.String("method", c.Method()),
				log.String("path", c.Path()),
				log.Err(err))
		}

		return c.Status(code).JSON(fiber.Map{"code": code, "message": message})
	}
}
