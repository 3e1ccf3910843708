package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinisist/clinisist/internal/platform/apperr"
	"github.com/clinisist/clinisist/internal/platform/auth"
	"github.com/clinisist/clinisist/internal/platform/metrics"
)

const panicStackSize = 8 << 10

// Recovery converts a handler panic into a 500. It is installed outside
// Logger and Metrics, so the panic never reaches their accounting; this
// middleware logs and counts the request itself.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				// net/http uses this sentinel to abort a response on purpose.
				if e, ok := r.(error); ok && errors.Is(e, http.ErrAbortHandler) {
					panic(r)
				}

				req := c.Request()
				route := c.Path()
				if route == "" {
					route = "unmatched"
				}
				metrics.HandlerPanics.WithLabelValues(req.Method, route).Inc()

				stack := make([]byte, panicStackSize)
				stack = stack[:runtime.Stack(stack, false)]

				rid, _ := c.Get("request_id").(string)
				evt := logger.Error().
					Str("request_id", rid).
					Str("method", req.Method).
					Str("route", route).
					Str("path", req.URL.Path).
					Str("panic", fmt.Sprint(r)).
					Bytes("stack", stack)
				if p, ok := auth.PrincipalFromContext(req.Context()); ok {
					evt = evt.Str("principal_kind", p.Kind).Str("principal_id", p.ID.String())
				}
				evt.Msg("handler panicked")

				err = apperr.ToHTTP(fmt.Errorf("panic in %s %s: %v", req.Method, route, r))
			}()
			return next(c)
		}
	}
}
