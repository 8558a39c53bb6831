package server

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/twilio/twilio-go/client"
)

func requestLogger(logger zerolog.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			ev := logger.Info()
			if v.Error != nil || v.Status >= http.StatusInternalServerError {
				ev = logger.Warn().Err(v.Error)
			}
			ev.Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency.Round(time.Microsecond)).
				Msg("request")
			return nil
		},
	})
}

// twilioSignature rejects webhook requests whose X-Twilio-Signature does not
// match the URL Twilio was configured with and the posted form.
func twilioSignature(authToken, publicURL string) echo.MiddlewareFunc {
	validator := client.NewRequestValidator(authToken)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if authToken == "" {
				return echo.NewHTTPError(http.StatusInternalServerError, "TWILIO_AUTH_TOKEN not configured")
			}
			form, err := c.FormParams()
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "Failed to parse form data")
			}
			params := make(map[string]string, len(form))
			if c.Request().Method == http.MethodPost {
				for key, values := range c.Request().PostForm {
					if len(values) > 0 {
						params[key] = values[0]
					}
				}
			}
			base := publicURL
			if base == "" {
				base = "https://" + c.Request().Host
			}
			fullURL := base + c.Request().URL.RequestURI()
			if !validator.Validate(fullURL, params, c.Request().Header.Get("X-Twilio-Signature")) {
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid Twilio signature")
			}
			return next(c)
		}
	}
}
