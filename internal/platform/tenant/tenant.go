// Package tenant resolves the active unit (clinic site) for a request. Every
// agenda query and realtime subscription is scoped to exactly one unit.
package tenant

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type contextKey string

const UnitIDKey contextKey = "unit_id"

// UnitHeader lets a member of several units pick the one they are viewing.
const UnitHeader = "X-Unit-ID"

func Middleware(defaultUnit string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := extractUnitID(c, defaultUnit)
			if raw == "" {
				return echo.NewHTTPError(http.StatusBadRequest, "unit is required")
			}
			unitID, err := uuid.Parse(raw)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid unit identifier")
			}

			ctx := WithUnit(c.Request().Context(), unitID)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("unit_id", unitID)

			return next(c)
		}
	}
}

func extractUnitID(c echo.Context, defaultUnit string) string {
	// 1. Explicit selection wins over the token's home unit
	if uid := c.Request().Header.Get(UnitHeader); uid != "" {
		return uid
	}

	// 2. Query parameter (WebSocket clients cannot set headers)
	if uid := c.QueryParam("unit_id"); uid != "" {
		return uid
	}

	// 3. JWT claim (set by auth middleware)
	if uid, ok := c.Get("jwt_unit_id").(string); ok && uid != "" {
		return uid
	}

	return defaultUnit
}

func WithUnit(ctx context.Context, unitID uuid.UUID) context.Context {
	return context.WithValue(ctx, UnitIDKey, unitID)
}

// UnitFromContext returns the active unit, or uuid.Nil when none was resolved.
func UnitFromContext(ctx context.Context) uuid.UUID {
	uid, _ := ctx.Value(UnitIDKey).(uuid.UUID)
	return uid
}
