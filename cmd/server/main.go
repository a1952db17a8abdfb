package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/iliyamo/trip-checkout/internal/app"
	"github.com/iliyamo/trip-checkout/internal/config"
	"github.com/iliyamo/trip-checkout/internal/handler"
	"github.com/iliyamo/trip-checkout/internal/middleware"
	"github.com/iliyamo/trip-checkout/internal/router"
)

func main() {
	cfg := config.Load()
	log := config.NewLogger(cfg.Env, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("startup failed")
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			log.WithError(err).Warn("close")
		}
	}()

	if err := a.StartSweeper(); err != nil {
		log.WithError(err).Fatal("startup failed")
	}
	if consumer := a.Consumer(); consumer != nil {
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.WithError(err).Error("order event consumer stopped")
			}
		}()
	}

	e := echo.New()
	e.HideBanner = true
	e.Validator = handler.NewRequestValidator()
	e.Use(echomw.Recover())
	e.Use(middleware.RequestLogger(log))

	router.RegisterRoutes(e)
	router.RegisterAuth(e, handler.NewAuthHandler(cfg, a.Users, a.Tokens, log))
	router.RegisterTrips(e, handler.NewTripHandler(a.Trips, log), config.LoadCacheConfig(), a.Redis)
	router.RegisterCheckout(e,
		handler.NewCheckoutHandler(a.Checkout, a.Links, cfg.PublicBaseURL, log),
		handler.NewOrderHandler(a.Orders, log),
		config.LoadRateLimitConfig(), a.Redis, log)
	router.RegisterAdmin(e, handler.NewAdminHandler(a.Orders, a.Sweeper, log), cfg.JWTSecret)

	go func() {
		log.WithField("addr", cfg.Addr()).WithField("env", cfg.Env).Info("listening")
		if err := e.Start(cfg.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown")
	}
}
