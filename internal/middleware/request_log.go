package middleware

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

// RequestLogger logs one line per request. Debug level adds the query string.
func RequestLogger(logger zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}

		ev := logger.Info()
		if status >= fiber.StatusInternalServerError {
			ev = logger.Error().Err(err)
		}
		ev = ev.Int("status", status).
			Dur("latency", time.Since(start)).
			Str("method", c.Method()).
			Str("path", c.Path())
		if logger.GetLevel() <= zerolog.DebugLevel {
			ev = ev.Str("query", string(c.Request().URI().QueryString()))
		}
		ev.Msg("request")
		return err
	}
}
