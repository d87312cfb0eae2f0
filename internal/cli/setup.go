package cli

import (
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/tgwatch/tgwatch/internal/config"
	"github.com/tgwatch/tgwatch/internal/database"
	"github.com/tgwatch/tgwatch/internal/logger"
	"github.com/tgwatch/tgwatch/internal/notify"
	"github.com/tgwatch/tgwatch/internal/report"
	"github.com/tgwatch/tgwatch/internal/telegram"
	"github.com/tgwatch/tgwatch/internal/telegram/gotd"
	"github.com/tgwatch/tgwatch/internal/watch"
)

// app holds the shared pieces every command builds on: validated config,
// logger, database, store.
type app struct {
	cfg   *config.Config
	log   *slog.Logger
	db    *sqlx.DB
	store database.Store
}

func setup() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	log := logger.NewLogger(cfg.Log.Level, cfg.Log.JSON)

	db, err := database.NewDB(cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &app{
		cfg:   cfg,
		log:   log,
		db:    db,
		store: database.NewStore(db, log),
	}, nil
}

func (a *app) Close() {
	database.CloseDB(a.db)
}

func (a *app) watcherClient() telegram.Client {
	return gotd.New(gotd.Options{
		APIID:       a.cfg.Telegram.APIID,
		APIHash:     a.cfg.Telegram.APIHash,
		SessionFile: a.cfg.Telegram.SessionFile,
		Logger:      a.log,
	})
}

// senderClient builds the optional secondary account, nil when not
// configured.
func (a *app) senderClient() telegram.Client {
	if a.cfg.Sender == nil {
		return nil
	}
	return gotd.New(gotd.Options{
		APIID:       a.cfg.Telegram.APIID,
		APIHash:     a.cfg.Telegram.APIHash,
		SessionFile: a.cfg.Sender.SessionFile,
		Logger:      a.log.With("account", "sender"),
	})
}

func (a *app) runDeps() watch.Deps {
	return watch.Deps{
		Config:   a.cfg,
		Store:    a.store,
		Watcher:  a.watcherClient(),
		Sender:   a.senderClient(),
		Reports:  report.NewGenerator(a.cfg.Reporting.ReportsDir),
		Notifier: notify.NewNotifier(a.cfg.Notifications.BarkKey, a.log),
		Logger:   a.log,
	}
}
