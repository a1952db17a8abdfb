package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/trip-checkout/internal/model"
)

type Trips interface {
	Availability(ctx context.Context, id uint64) (model.Trip, error)
}

type TripHandler struct {
	trips Trips
	log   *logrus.Logger
}

func NewTripHandler(t Trips, log *logrus.Logger) *TripHandler {
	return &TripHandler{trips: t, log: log}
}

// GetTrip handles GET /v1/trips/:id.
func (h *TripHandler) GetTrip(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return badRequest(c, "invalid trip id")
	}
	trip, err := h.trips.Availability(c.Request().Context(), id)
	if err != nil {
		return respondError(c, h.log, err)
	}
	v, err := toTripView(trip)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, v)
}
