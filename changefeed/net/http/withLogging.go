package http

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/piukhq/angelia-sub001/changefeed/internal/nilcheck"
	"github.com/piukhq/angelia-sub001/changefeed/log"
)

const HeaderRequestID = "X-Request-Id"

// WithHTTPLogging logs one line per request. Probe paths in skip are not
// logged; a request id is assigned when the caller sent none.
func WithHTTPLogging(logger log.Logger, skip ...string) fiber.Handler {
	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	skipped := make(map[string]struct{}, len(skip))
	for _, path := range skip {
		skipped[path] = struct{}{}
	}

	return func(c *fiber.Ctx) error {
		if _, ok := skipped[c.Path()]; ok {
			return c.Next()
		}

		requestID := c.Get(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
			c.Request().Header.Set(HeaderRequestID, requestID)
		}

		c.Set(HeaderRequestID, requestID)

		start := time.Now()
		err := c.Next()

		logger.Log(c.UserContext(), log.LevelInfo, "http request",
			log.String("request_id", requestID),
			log.String("method", c.Method()),
			log.String("path", c.Path()),
			log.Int("status", c.Response().StatusCode()),
			log.Duration("duration", time.Since(start)))

		return err
	}
}
