package main

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/outagesync/internal/config"
	"github.com/MarcoPoloResearchLab/outagesync/internal/database"
	"github.com/MarcoPoloResearchLab/outagesync/internal/logging"
	"github.com/MarcoPoloResearchLab/outagesync/internal/notify"
	"github.com/MarcoPoloResearchLab/outagesync/internal/schedule"
	"github.com/MarcoPoloResearchLab/outagesync/internal/sources"
	"github.com/MarcoPoloResearchLab/outagesync/internal/syncer"
)

// application holds the wired sync pipeline shared by every command.
type application struct {
	logger      *zap.Logger
	db          *gorm.DB
	registry    *prometheus.Registry
	broadcaster *notify.Broadcaster
	dispatcher  *notify.Dispatcher
	writer      *schedule.Writer
	runner      *syncer.Runner
}

func newApplication(appConfig config.AppConfig) (*application, error) {
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: appConfig.SourceTimeout}
	broadcaster := notify.NewBroadcaster()
	notifiers := notify.MultiNotifier{notify.LogNotifier{Logger: logger}, broadcaster}
	if appConfig.WebhookURL != "" {
		webhook, err := notify.NewWebhookNotifier(appConfig.WebhookURL, httpClient)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, webhook)
	}
	dispatcher := notify.NewDispatcher(notify.DispatcherConfig{
		Notifier: notify.NewDedupeNotifier(notify.DedupeConfig{
			Next:   notifiers,
			Window: appConfig.DedupeWindow,
		}),
		Reminders: notify.LogReminders{Logger: logger},
		Timeout:   appConfig.NotifyTimeout,
		Logger:    logger,
	})

	writer, err := schedule.NewWriter(schedule.WriterConfig{
		Database:   db,
		Clock:      time.Now,
		Location:   appConfig.Location,
		IDProvider: schedule.NewUUIDProvider(),
		Dispatcher: dispatcher,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	fetchers, err := newFetchers(appConfig, httpClient)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := syncer.NewMetrics(registry)
	if err != nil {
		return nil, err
	}

	orchestrator, err := syncer.NewOrchestrator(syncer.Config{
		Fetchers: fetchers,
		Writer:   writer,
		Clock:    time.Now,
		Location: appConfig.Location,
		Metrics:  metrics,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	return &application{
		logger:      logger,
		db:          db,
		registry:    registry,
		broadcaster: broadcaster,
		dispatcher:  dispatcher,
		writer:      writer,
		runner:      syncer.NewRunner(orchestrator, appConfig.SyncInterval, logger),
	}, nil
}

func newFetchers(appConfig config.AppConfig, client *http.Client) ([]sources.Fetcher, error) {
	feeds := []sources.FeedConfig{
		{Source: schedule.SourceMessaging, URL: appConfig.MessagingURL},
		{Source: schedule.SourceWebsite, URL: appConfig.WebsiteURL},
	}
	fetchers := make([]sources.Fetcher, 0, len(feeds))
	for _, feed := range feeds {
		if feed.URL == "" {
			continue
		}
		feed.Client = client
		feed.Timeout = appConfig.SourceTimeout
		fetcher, err := sources.NewFeedFetcher(feed)
		if err != nil {
			return nil, err
		}
		fetchers = append(fetchers, fetcher)
	}
	return fetchers, nil
}

// Close flushes the logger and releases the database handle.
func (a *application) Close() {
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = a.logger.Sync()
}
