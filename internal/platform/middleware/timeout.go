package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout bounds every request with a context deadline. Routes listed
// in perRoute (keyed by route template, e.g. "/api/v1/batch") get their own
// limit; a zero limit means no deadline. A handler still running when the
// deadline passes gets a 504.
func RequestTimeout(timeout time.Duration, perRoute map[string]time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			limit := timeout
			if d, ok := perRoute[c.Path()]; ok {
				limit = d
			}
			if limit <= 0 {
				return next(c)
			}
			ctx, cancel := context.WithTimeout(c.Request().Context(), limit)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			done := make(chan error, 1)
			go func() {
				done <- next(c)
			}()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return echo.NewHTTPError(http.StatusGatewayTimeout,
						"request took longer than "+limit.String()+"; the claim API may still complete it")
				}
				return ctx.Err()
			}
		}
	}
}
