package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/leonletto/chatcore/internal/archive"
	"github.com/leonletto/chatcore/internal/config"
	"github.com/leonletto/chatcore/internal/events"
	"github.com/leonletto/chatcore/internal/forum"
	"github.com/leonletto/chatcore/internal/logging"
	"github.com/leonletto/chatcore/internal/membership"
	"github.com/leonletto/chatcore/internal/mentions"
	"github.com/leonletto/chatcore/internal/message"
	"github.com/leonletto/chatcore/internal/mover"
	"github.com/leonletto/chatcore/internal/notify"
	"github.com/leonletto/chatcore/internal/policy"
	"github.com/leonletto/chatcore/internal/presence"
	"github.com/leonletto/chatcore/internal/schema"
	"github.com/leonletto/chatcore/internal/store"
)

// app holds everything a command needs: configuration, logger, the migrated
// database and the services built on it.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	db     *store.DB
	bus    *events.Bus

	presence   presence.Tracker
	creator    *message.Creator
	updater    *message.Updater
	mover      *mover.Mover
	archive    *archive.Service
	membership *membership.Service

	closers []func() error
}

// appOptions lets serve plug in the websocket sink.
type appOptions struct {
	sinks []notify.Sink
}

func openApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagDB != "" {
		cfg.Database.Path = flagDB
	}
	level := cfg.Log.Level
	if flagVerbose {
		level = "debug"
	}
	logger, err := logging.New(level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return nil, err
	}

	if dir := filepath.Dir(cfg.Database.Path); dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	raw, err := schema.OpenDB(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	if err := schema.Migrate(raw); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, db: store.New(raw)}
	a.closers = append(a.closers, a.db.Close)

	if err := a.wire(ctx, opts); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context, opts appOptions) error {
	cfg := a.cfg

	if cfg.Presence.RedisURL != "" {
		tracker, err := presence.NewRedis(ctx, cfg.Presence.RedisURL, cfg.Presence.TTL.Std())
		if err != nil {
			return fmt.Errorf("connect presence redis: %w", err)
		}
		a.closers = append(a.closers, tracker.Close)
		a.presence = tracker
	} else {
		a.presence = presence.NewMemory(cfg.Presence.TTL.Std())
	}

	a.bus = events.NewBus(a.logger)
	if cfg.Events.JSONLPath != "" {
		audit, err := events.NewAuditLog(cfg.Events.JSONLPath)
		if err != nil {
			return err
		}
		a.bus.Subscribe("audit", audit.Handle)
	}
	sinks := append(notify.MultiSink{notify.LogSink{Logger: a.logger}}, opts.sinks...)
	notify.New(a.db, sinks, a.logger).Subscribe(a.bus)

	guardian := policy.NewStoreGuardian(a.db)
	deps := message.Deps{
		DB:       a.db,
		Guardian: guardian,
		Mentions: mentions.NewResolver(a.db, guardian, a.presence, cfg.Mentions.MaxGroupMembers),
		Events:   a.bus,
		Logger:   a.logger,
	}
	msgCfg := message.ConfigFrom(cfg.Messages)
	a.creator = message.NewCreator(msgCfg, deps)
	a.updater = message.NewUpdater(msgCfg, deps)
	a.mover = mover.New(a.db, guardian, a.creator, a.bus, a.logger)
	a.archive = archive.NewService(archive.ConfigFrom(cfg.Archive), a.db, forum.NewSQLSink(a.db), a.bus, a.logger)
	a.membership = membership.NewService(a.db, guardian)
	return nil
}

// Close waits for background archives and releases resources in reverse order.
func (a *app) Close() error {
	if a.archive != nil {
		a.archive.Wait()
	}
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}
