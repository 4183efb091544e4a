package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"dripline/backfill"
	"dripline/catalog"
	"dripline/config"
	"dripline/control"
	"dripline/delivery"
	"dripline/dispatch"
	"dripline/engine"
	"dripline/store"
	"dripline/trigger"
	"dripline/utils"
)

// app holds the services shared by every command.
type app struct {
	cfg    config.Config
	log    *logrus.Logger
	store  *store.Store
	redis  *redis.Client
	cycle  *dispatch.Cycle
	match  *trigger.Matcher
	recon  *backfill.Reconciler
	ctrl   *control.Service
	track  delivery.Tracker
	closer []func()
}

func newApp(ctx context.Context) (*app, error) {
	logger := logrus.StandardLogger()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if err := config.LoadConfig(); err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	cfg := config.AppConfig
	if cfg.Environment == "production" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	a := &app{cfg: cfg, log: logger}

	if err := utils.InitSentry(cfg.SentryDSN, cfg.Environment); err != nil {
		logger.WithError(err).Warn("Sentry disabled")
	} else if cfg.SentryDSN != "" {
		a.closer = append(a.closer, utils.FlushSentry)
	}

	if err := config.ConnectDB(); err != nil {
		return nil, err
	}
	a.store = store.New(config.DB)
	if sqlDB, err := config.DB.DB(); err == nil {
		a.closer = append(a.closer, func() { _ = sqlDB.Close() })
	}

	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			_ = client.Close()
			a.close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Address, err)
		}
		a.redis = client
		a.closer = append(a.closer, func() { _ = client.Close() })
		logger.WithField("address", cfg.Redis.Address).Info("Connected to redis")
	}

	a.track = delivery.Tracker{BaseURL: cfg.TrackingBaseURL, Secret: []byte(cfg.TrackingSecret)}
	a.cycle = dispatch.NewCycle(dispatch.Config{
		BatchSize:   cfg.Dispatch.BatchSize,
		Concurrency: cfg.Dispatch.Concurrency,
		Timeout:     cfg.Dispatch.Timeout,
		SendTimeout: cfg.Dispatch.SendTimeout,
		ClaimTTL:    cfg.Dispatch.ClaimTTL,
		Retry: engine.RetryPolicy{
			MaxAttempts: cfg.Dispatch.MaxAttempts,
			Backoff:     cfg.Dispatch.RetryBackoff,
			MaxBackoff:  24 * time.Hour,
		},
	}, a.store, a.channel(), delivery.TemplateRenderer{Tracker: a.track}, logger)

	a.match = trigger.NewMatcher(a.store, logger)
	a.recon = backfill.NewReconciler(a.store, logger)
	a.ctrl = control.NewService(a.store, logger)
	return a, nil
}

// channel picks SMTP when a host is configured and wraps it with Redis send
// markers when Redis is enabled.
func (a *app) channel() delivery.Channel {
	var ch delivery.Channel
	if a.cfg.SMTP.Host != "" {
		domain := "dripline.local"
		if at := strings.LastIndex(a.cfg.FromEmail, "@"); at >= 0 && at < len(a.cfg.FromEmail)-1 {
			domain = a.cfg.FromEmail[at+1:]
		}
		ch = delivery.NewSMTPChannel(delivery.SMTPConfig{
			Host:            a.cfg.SMTP.Host,
			Port:            a.cfg.SMTP.Port,
			Username:        a.cfg.SMTP.Username,
			Password:        a.cfg.SMTP.Password,
			FromEmail:       a.cfg.FromEmail,
			FromName:        a.cfg.FromName,
			MessageIDDomain: domain,
		})
		a.log.WithField("host", a.cfg.SMTP.Host).Info("Delivering through SMTP")
	} else {
		ch = delivery.NewLogChannel(a.log)
		a.log.Warn("SMTP_HOST not set, deliveries are only logged")
	}
	if a.redis != nil {
		ch = delivery.NewDedupChannel(ch, a.redis, 0)
	}
	return ch
}

// loadSequences upserts every definition found in dir.
func (a *app) loadSequences(ctx context.Context, dir string) (int, error) {
	defs, err := catalog.LoadDir(dir)
	if err != nil {
		return 0, err
	}
	for _, def := range defs {
		seq, err := a.store.Catalog.Upsert(ctx, def)
		if err != nil {
			return 0, err
		}
		a.log.WithFields(logrus.Fields{
			"sequence": seq.Slug,
			"steps":    len(seq.Steps),
			"active":   seq.IsActive,
		}).Info("Sequence loaded")
	}
	return len(defs), nil
}

func (a *app) close() {
	for i := len(a.closer) - 1; i >= 0; i-- {
		a.closer[i]()
	}
}
