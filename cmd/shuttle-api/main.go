// README: Entry point; loads config, wires services, starts HTTP server and the automatic assignment scheduler.
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"shuttle/internal/cache"
	"shuttle/internal/clock"
	"shuttle/internal/config"
	"shuttle/internal/events"
	httptransport "shuttle/internal/http"
	"shuttle/internal/infra"
	"shuttle/internal/logger"
	"shuttle/internal/metrics"
	"shuttle/internal/modules/assignment"
	"shuttle/internal/modules/checkout"
	"shuttle/internal/modules/driver"
	"shuttle/internal/modules/invite"
	"shuttle/internal/modules/trip"
	"shuttle/internal/realtime"
	"shuttle/internal/retry"
	"shuttle/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	lg := logger.Must(cfg.Env)
	defer func() { _ = lg.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, lg); err != nil {
		lg.Fatal("shuttle stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, lg *zap.Logger) error {
	if cfg.Firebase.ProjectID == "" {
		return errors.New("SHUTTLE_FIREBASE_PROJECT_ID is required")
	}
	auth, err := infra.NewFirebaseAuth(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
	if err != nil {
		return err
	}

	dbPool, err := infra.NewDB(ctx, cfg.DB.DSN, lg)
	if err != nil {
		return err
	}
	defer dbPool.Close()

	redisClient := infra.NewRedis(cfg.Redis.Addr)
	defer redisClient.Close()
	feed := realtime.NewRedisFeed(redisClient, lg)

	var publisher events.Publisher = events.Nop{}
	if conn, err := infra.NewRabbitMQ(ctx, cfg.AMQP.URL, lg); err != nil {
		lg.Warn("event bus unavailable, audit events stay local", zap.Error(err))
	} else {
		defer conn.Close()
		amqpPub, err := events.NewAMQPPublisher(conn, lg)
		if err != nil {
			return err
		}
		defer amqpPub.Close()
		publisher = amqpPub
	}

	clk := clock.Real()
	policy := retryPolicy(cfg.Retry)
	sessionPolicy := policy
	sessionPolicy.OnRetry = func(err error, next time.Duration) {
		metrics.RetryAttempts.WithLabelValues("session.profile").Inc()
		lg.Debug("retrying profile lookup", zap.Duration("next", next), zap.Error(err))
	}

	driverSvc := driver.NewService(driver.Deps{
		Repo:   driver.NewStore(dbPool),
		Feed:   feed,
		Events: publisher,
		Clock:  clk,
		Log:    lg.Named("driver"),
	})
	tripSvc := trip.NewService(trip.Deps{
		Repo:    trip.NewStore(dbPool),
		Drivers: driverSvc,
		Feed:    feed,
		Events:  publisher,
		Clock:   clk,
		Log:     lg.Named("trip"),
	})
	assignSvc := assignment.NewService(tripSvc, driverSvc, assignment.NewStore(redisClient), cfg.Assignment, clk, lg.Named("assignment"))

	gateway := checkout.NewStripeGateway(infra.NewStripe(cfg.Stripe.SecretKey), cfg.Stripe.WebhookSecret, cfg.Stripe.ReturnURL)
	checkoutSvc := checkout.NewService(checkout.Deps{
		Repo:           checkout.NewStore(dbPool),
		Gateway:        gateway,
		Feed:           feed,
		Events:         publisher,
		Clock:          clk,
		Log:            lg.Named("checkout"),
		Retry:          policy,
		Currency:       cfg.Checkout.Currency,
		GatewayTimeout: cfg.Checkout.GatewayTimeout,
	})
	inviteSvc := invite.NewService(invite.Deps{
		Repo:         invite.NewStore(dbPool),
		Grants:       auth,
		Events:       publisher,
		Clock:        clk,
		Log:          lg.Named("invite"),
		Retry:        policy,
		SweepTimeout: cfg.Invite.SweepTimeout,
		DefaultTTL:   cfg.Invite.DefaultTTL,
	})
	sessions := session.NewProfiles(driverSvc, cache.Options{
		TTL:      cfg.Session.TTL,
		Cooldown: cfg.Session.Cooldown,
		Retry:    sessionPolicy,
		Clock:    clk,
	})

	router := httptransport.NewRouter(httptransport.RouterDeps{
		Log:        lg,
		Verifier:   auth,
		Sessions:   sessions,
		Trips:      tripSvc,
		Assignment: assignSvc,
		Drivers:    driverSvc,
		Checkout:   checkoutSvc,
		Webhooks:   gateway,
		Invites:    inviteSvc,
		Feed:       feed,
		Health: func(ctx context.Context) error {
			if err := dbPool.Ping(ctx); err != nil {
				return err
			}
			return redisClient.Ping(ctx).Err()
		},
	})
	server := httptransport.NewServer(cfg.HTTP.Addr, router, cfg.HTTP.ShutdownTimeout, lg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error {
		assignSvc.RunScheduler(gctx)
		return nil
	})
	lg.Info("shuttle started", zap.String("addr", cfg.HTTP.Addr))
	err = g.Wait()
	inviteSvc.Drain()
	return err
}

func retryPolicy(rc config.RetryConfig) retry.Policy {
	p := retry.Default()
	if rc.MaxAttempts > 0 {
		p.MaxAttempts = uint(rc.MaxAttempts)
	}
	if rc.BaseDelay > 0 {
		p.BaseDelay = rc.BaseDelay
	}
	if rc.Multiplier >= 1 {
		p.Multiplier = rc.Multiplier
	}
	if rc.Jitter >= 0 && rc.Jitter <= 1 {
		p.Jitter = rc.Jitter
	}
	if rc.MaxDelay > 0 {
		p.MaxDelay = rc.MaxDelay
	}
	return p
}
