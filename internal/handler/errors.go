package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/trip-checkout/internal/service"
)

var kindStatus = map[service.Kind]int{
	service.KindNotFound:              http.StatusNotFound,
	service.KindValidation:            http.StatusBadRequest,
	service.KindConflict:              http.StatusConflict,
	service.KindUnprocessableCapacity: http.StatusUnprocessableEntity,
	service.KindServiceUnavailable:    http.StatusServiceUnavailable,
}

// respondError writes a service error as {"error", "message", "details"}.
// Anything that is not a service error is logged and reported as a bare
// 500 so storage details never reach the client.
func respondError(c echo.Context, log *logrus.Logger, err error) error {
	var se *service.Error
	if errors.As(err, &se) {
		if se.Kind == service.KindServiceUnavailable {
			log.WithError(err).WithField("route", c.Path()).Warn("dependency unavailable")
		}
		body := echo.Map{"error": se.Code, "message": se.Message}
		if len(se.Details) > 0 {
			body["details"] = se.Details
		}
		status, ok := kindStatus[se.Kind]
		if !ok {
			status = http.StatusInternalServerError
		}
		return c.JSON(status, body)
	}
	log.WithError(err).WithField("route", c.Path()).Error("request failed")
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal_error"})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid_request", "message": msg})
}
