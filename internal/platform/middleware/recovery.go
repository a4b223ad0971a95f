package middleware

import (
	"fmt"
	"net/http"
	"runtime"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/equidadeplus/agenda/internal/platform/auth"
	"github.com/equidadeplus/agenda/internal/platform/tenant"
)

// Recovery turns a handler panic into a 500 and logs it with the request's
// route, unit and user so the failing agenda call can be traced.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				var stack [4096]byte
				n := runtime.Stack(stack[:], false)

				ctx := c.Request().Context()
				ev := logger.Error().
					Str("request_id", fmt.Sprintf("%v", c.Get("request_id"))).
					Str("method", c.Request().Method).
					Str("path", c.Path()).
					Str("uri", c.Request().RequestURI)
				if unit := tenant.UnitFromContext(ctx); unit != uuid.Nil {
					ev = ev.Str("unit_id", unit.String())
				}
				if user := auth.UserIDFromContext(ctx); user != "" {
					ev = ev.Str("user_id", user)
				}
				ev.Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(stack[:n])).
					Msg("panic recovered")

				err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
			}()
			return next(c)
		}
	}
}
