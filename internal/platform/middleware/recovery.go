package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Recovery turns a handler panic into a 500 with a generic message.
// http.ErrAbortHandler is re-raised.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if r == http.ErrAbortHandler {
					panic(r)
				}

				perr, ok := r.(error)
				if !ok {
					perr = fmt.Errorf("%v", r)
				}
				rid, _ := c.Get("request_id").(string)
				logger.Error().
					Err(perr).
					Str("request_id", rid).
					Str("method", c.Request().Method).
					Str("route", c.Path()).
					Bytes("stack", debug.Stack()).
					Msg("panic recovered")

				err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(perr)
			}()
			return next(c)
		}
	}
}
