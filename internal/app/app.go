// Package app assembles the storage, integrations and services from
// configuration.  Both the HTTP server and tripctl start from here.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-co-op/gocron/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/trip-checkout/internal/config"
	"github.com/iliyamo/trip-checkout/internal/database"
	"github.com/iliyamo/trip-checkout/internal/mailer"
	"github.com/iliyamo/trip-checkout/internal/payment"
	"github.com/iliyamo/trip-checkout/internal/queue"
	"github.com/iliyamo/trip-checkout/internal/repository"
	"github.com/iliyamo/trip-checkout/internal/service"
	"github.com/iliyamo/trip-checkout/internal/telemetry"
)

// Version is reported to telemetry; overridden at build time.
var Version = "dev"

// App holds everything a process needs to serve checkout operations.
type App struct {
	Config config.Config
	Log    *logrus.Logger
	DB     *sql.DB
	Redis  *redis.Client // nil when redis is unreachable

	Trips    *service.TripService
	Checkout *service.CheckoutService
	Links    *service.MagicLinkService
	Orders   *service.OrderService
	Sweeper  *service.Sweeper
	Users    *repository.UserRepo
	Tokens   *repository.TokenRepo
	Mailer   *mailer.Mailer

	closers []func(context.Context) error
}

// New opens the database, applies the schema and builds the services.
// The caller must Close the returned App.
func New(ctx context.Context, cfg config.Config, log *logrus.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}

	shutdown, err := telemetry.Setup(ctx, cfg.OTLPEndpoint, cfg.ServiceName, Version)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	a.closers = append(a.closers, shutdown)

	metrics, err := telemetry.NewMetrics()
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("metrics: %w", err)
	}

	db, err := database.Open(cfg.DSNParts())
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("database: %w", err)
	}
	a.DB = db
	a.closers = append(a.closers, func(context.Context) error { return db.Close() })
	if err := database.Migrate(ctx, db); err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("migrate: %w", err)
	}

	if rdb, err := config.NewRedisClient(ctx, config.LoadRedisConfig()); err == nil {
		a.Redis = rdb
		a.closers = append(a.closers, func(context.Context) error { return rdb.Close() })
	} else {
		log.WithError(err).Warn("redis unavailable: rate limiting, response cache and sweep lock disabled")
	}

	var events service.Publisher
	if cfg.RabbitMQURL != "" {
		events = queue.NewPublisher(cfg.RabbitMQURL)
	}
	gw := payment.NewClient(payment.Config{
		BaseURL:    cfg.Gateway.URL,
		MerchantID: cfg.Gateway.MerchantID,
		PosID:      cfg.Gateway.PosID,
		APIKey:     cfg.Gateway.APIKey,
		CRC:        cfg.Gateway.CRC,
		Currency:   cfg.Gateway.Currency,
		Timeout:    cfg.Gateway.Timeout,
	})
	a.Mailer = mailer.New(cfg.SMTP, log)

	core := service.NewCore(repository.NewStore(db), cfg.Checkout, log, service.WithMetrics(metrics))
	a.Trips = service.NewTripService(core)
	a.Checkout = service.NewCheckoutService(core)
	a.Links = service.NewMagicLinkService(core, a.Mailer, cfg.APIBaseURL)
	a.Orders = service.NewOrderService(core, a.Mailer, events, gw, cfg.Bank, service.URLs{
		PublicBase: cfg.PublicBaseURL,
		APIBase:    cfg.APIBaseURL,
	})
	a.Sweeper = service.NewSweeper(a.Orders, cfg.Sweep.Batch)
	a.Users = repository.NewUserRepo(db)
	a.Tokens = repository.NewTokenRepo(db)
	return a, nil
}

// StartSweeper schedules the sweeper when enabled.  With redis available
// only one instance runs each tick.
func (a *App) StartSweeper() error {
	if !a.Config.Sweep.Enabled {
		a.Log.Info("sweeper disabled")
		return nil
	}
	var locker gocron.Locker
	if a.Redis != nil {
		locker = service.NewRedisLocker(a.Redis, a.Config.Sweep.Interval)
	}
	stop, err := a.Sweeper.Start(a.Config.Sweep.Interval, locker)
	if err != nil {
		return fmt.Errorf("sweeper: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return stop() })
	a.Log.WithField("interval", a.Config.Sweep.Interval).Info("sweeper started")
	return nil
}

// Consumer returns the order event consumer, or nil without a broker.
func (a *App) Consumer() *queue.Consumer {
	if a.Config.RabbitMQURL == "" {
		return nil
	}
	return queue.NewConsumer(a.Config.RabbitMQURL, service.HandleOrderEvent(a.Mailer, a.Log), a.Log)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
