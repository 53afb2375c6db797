package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mixelka/mailrelay/internal/admin"
	"github.com/mixelka/mailrelay/internal/archive"
	"github.com/mixelka/mailrelay/internal/config"
	"github.com/mixelka/mailrelay/internal/dedup"
	"github.com/mixelka/mailrelay/internal/email"
	"github.com/mixelka/mailrelay/internal/extract"
	"github.com/mixelka/mailrelay/internal/formatter"
	"github.com/mixelka/mailrelay/internal/notify"
	"github.com/mixelka/mailrelay/internal/pipeline"
	"github.com/mixelka/mailrelay/internal/relay"
	"github.com/mixelka/mailrelay/internal/scheduler"
	"github.com/mixelka/mailrelay/internal/secret"
	"github.com/mixelka/mailrelay/internal/smtprelay"
	"github.com/mixelka/mailrelay/internal/summarize"
	"github.com/mixelka/mailrelay/internal/telegram"
	"github.com/mixelka/mailrelay/internal/thread"
	"github.com/mixelka/mailrelay/internal/usage"
)

const (
	taskSnapshotRefresh   = "snapshot-refresh"
	taskAccountSync       = "account-sync"
	taskRelaySweep        = "relay-sweep"
	taskNotificationFlush = "notification-flush"
	taskArchiveRetry      = "archive-retry"
	taskUsageCheck        = "usage-check"
)

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting mailrelay", "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info("database migrations completed")

	box, err := secret.NewBox(cfg.EncryptionKey)
	if err != nil {
		return err
	}

	loc, err := time.LoadLocation(cfg.BusinessTimezone)
	if err != nil {
		return fmt.Errorf("invalid BUSINESS_TIMEZONE: %w", err)
	}

	provider := admin.NewProvider(db, logger)
	if err := provider.Refresh(ctx); err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}

	// Notifications
	notifiers := notify.Multi{notify.NewDiscord(cfg.DiscordWebhookURL)}
	var tgBot *telegram.Bot
	if cfg.TelegramEnabled() {
		tgBot, err = telegram.NewBot(telegram.BotDeps{
			Token:       cfg.TelegramToken,
			AdminChatID: cfg.TelegramAdminChatID,
			Status:      provider,
			Formatter:   formatter.NewTelegramFormatter(loc),
			Logger:      logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create telegram bot: %w", err)
		}
		notifiers = append(notifiers, tgBot)
	}

	var notifier notify.Notifier = notifiers
	var business *notify.BusinessHours
	if cfg.BusinessHoursEnabled {
		business = notify.NewBusinessHours(notifiers,
			notify.NewCalendar(loc, cfg.BusinessStartHour, cfg.BusinessEndHour), db, logger)
		notifier = business
	}

	// Pipeline
	var summarizer summarize.Summarizer = summarize.Noop{}
	var monitor *usage.Monitor
	if cfg.SummarizerEnabled() {
		monitor = usage.NewMonitor(db, notifier, usage.Config{
			DefaultPrice: usage.Price{Input: cfg.OpenAIInputPrice, Output: cfg.OpenAIOutputPrice},
			Step:         cfg.UsageAlertStep,
		}, logger)
		summarizer = summarize.NewOpenAI(summarize.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.OpenAIModel,
			BaseURL: cfg.OpenAIBaseURL,
			Timeout: cfg.SummaryTimeout,
			Usage:   monitor,
		}, logger)
		logger.Info("summarizer enabled", "model", cfg.OpenAIModel)
	}

	dedupStore := dedup.New(db)
	pipe := pipeline.New(pipeline.Deps{
		DB:         db,
		Dedup:      dedupStore,
		Resolver:   thread.NewResolver(db),
		Extractor:  extract.New(extract.Limits{MaxRows: cfg.MaxAttachmentRows, MaxChars: cfg.MaxAttachmentChars}),
		Summarizer: summarizer,
		Archivers: []archive.Archiver{
			archive.NewGitArchiver(archive.GitConfig{
				Root:        cfg.ArchiveRoot,
				AuthorName:  cfg.GitAuthorName,
				AuthorEmail: cfg.GitAuthorEmail,
				Push:        cfg.GitPush,
			}, logger),
			archive.NewIssueArchiver(db, logger),
		},
		Notifier: notifier,
		Logger:   logger,
	}, pipeline.Config{
		MaxAttachmentBytes: cfg.MaxAttachmentBytes,
		SummaryCharBudget:  cfg.SummaryCharBudget,
		ContextSize:        cfg.ThreadContextSize,
		StageTimeout:       cfg.StageTimeout,
	})

	// Outbound relay
	sender := relay.NewSender(db, notifier, relay.Config{
		DialTimeout: cfg.RelayDialTimeout,
		MaxAttempts: cfg.RelayMaxAttempts,
		BaseDelay:   cfg.RelayRetryBaseDelay,
		MaxDelay:    cfg.RelayRetryMaxDelay,
		HeloName:    cfg.SMTPDomain,
	}, logger)

	// POP3 ingestion
	poller := email.NewPoller(email.PollerDeps{
		DB:        db,
		Dedup:     dedupStore,
		Pipeline:  pipe,
		Directory: provider,
		Secrets:   box,
		Client: email.NewClient(email.ClientConfig{
			DialTimeout:    cfg.POP3DialTimeout,
			CommandTimeout: cfg.POP3CommandTimeout,
		}, logger),
		Logger: logger,
	}, email.PollerConfig{
		MaxMessageBytes: int(cfg.POP3MaxMessageBytes),
	})
	manager := email.NewManager(poller, db, cfg.PollInterval, logger)
	provider.SetStatusFunc(manager.Status)

	accounts, err := db.GetEnabledMailAccounts(ctx)
	if err != nil {
		return fmt.Errorf("failed to load mail accounts: %w", err)
	}
	manager.RestoreAll(accounts)

	// Scheduled maintenance
	sched := scheduler.New(logger)
	tasks := []scheduler.Task{
		{
			Name:     taskSnapshotRefresh,
			Schedule: every(cfg.SnapshotRefreshInterval),
			Timeout:  cfg.SnapshotRefreshInterval,
			Run:      provider.Refresh,
		},
		{
			Name:     taskAccountSync,
			Schedule: every(cfg.SnapshotRefreshInterval),
			Timeout:  cfg.SnapshotRefreshInterval,
			Run: func(ctx context.Context) error {
				accounts, err := db.GetEnabledMailAccounts(ctx)
				if err != nil {
					return err
				}
				manager.Sync(accounts)
				return nil
			},
		},
		{
			Name:     taskRelaySweep,
			Schedule: cfg.RelayRetrySchedule,
			Run:      logCount(logger, taskRelaySweep, sender.Sweep),
		},
		{
			Name:     taskArchiveRetry,
			Schedule: "@every 5m",
			Timeout:  30 * time.Minute,
			Run:      logCount(logger, taskArchiveRetry, pipe.RetryArchives),
		},
	}
	if monitor != nil {
		tasks = append(tasks, scheduler.Task{
			Name:     taskUsageCheck,
			Schedule: cfg.UsageCheckSchedule,
			Timeout:  time.Minute,
			Run: func(ctx context.Context) error {
				_, err := monitor.Check(ctx)
				return err
			},
		})
	}
	if business != nil {
		tasks = append(tasks, scheduler.Task{
			Name:     taskNotificationFlush,
			Schedule: "@every 1m",
			Run:      logCount(logger, taskNotificationFlush, business.Flush),
		})
	}
	for _, task := range tasks {
		if err := sched.Add(task); err != nil {
			return err
		}
	}
	sched.Start()

	// Jobs left pending by the previous run
	if n, err := sender.Sweep(ctx); err != nil {
		logger.Error("initial relay sweep failed", "error", err)
	} else if n > 0 {
		logger.Info("resuming pending relay jobs", "targets", n)
	}

	// Listeners
	errCh := make(chan error, 2)

	var smtpServer *smtprelay.Server
	if cfg.SMTPEnabled {
		tlsConfig, err := loadTLS(cfg)
		if err != nil {
			return err
		}
		smtpServer = smtprelay.NewServer(smtprelay.Config{
			ListenAddr:      cfg.SMTPListenAddr,
			Domain:          cfg.SMTPDomain,
			AuthRequired:    cfg.SMTPAuthRequired,
			RequireTLS:      cfg.SMTPRequireTLS,
			TLSConfig:       tlsConfig,
			MaxMessageBytes: int(cfg.SMTPMaxMessageBytes),
			MaxRecipients:   cfg.SMTPMaxRecipients,
			ReadTimeout:     cfg.SMTPReadTimeout,
			WriteTimeout:    cfg.SMTPWriteTimeout,
		}, smtprelay.Deps{
			Pipeline:  pipe,
			Sender:    sender,
			Directory: provider,
			Logger:    logger,
		})
		go func() {
			if err := smtpServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("smtp relay: %w", err)
			}
		}()
	}

	httpServer := admin.NewServer(cfg.HTTPListenAddr, provider, db, logger)
	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- fmt.Errorf("status server: %w", err)
		}
	}()

	botCtx, stopBot := context.WithCancel(context.Background())
	botDone := make(chan struct{})
	if tgBot != nil {
		go func() {
			defer close(botDone)
			tgBot.Start(botCtx)
		}()
	} else {
		close(botDone)
	}

	logger.Info("mailrelay is running, press Ctrl+C to stop")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case runErr = <-errCh:
		logger.Error("listener failed, shutting down", "error", runErr)
	}

	shutdown(logger, cfg, shutdownSteps{
		smtp:      smtpServer,
		manager:   manager,
		scheduler: sched,
		business:  business,
		sender:    sender,
		http:      httpServer,
		stopBot:   stopBot,
		botDone:   botDone,
	})
	logger.Info("mailrelay stopped")
	return runErr
}

type shutdownSteps struct {
	smtp      *smtprelay.Server
	manager   *email.Manager
	scheduler *scheduler.Scheduler
	business  *notify.BusinessHours
	sender    *relay.Sender
	http      *admin.Server
	stopBot   context.CancelFunc
	botDone   <-chan struct{}
}

// shutdown stops intake first and the outbound side last, so every accepted
// message is processed and queued before the database closes
func shutdown(logger *slog.Logger, cfg *config.Config, s shutdownSteps) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if s.smtp != nil {
		if err := s.smtp.Shutdown(ctx); err != nil {
			logger.Error("smtp relay shutdown", "error", err)
		}
	}
	if err := s.manager.Shutdown(ctx); err != nil {
		logger.Error("poller shutdown", "error", err)
	}
	if err := s.scheduler.Stop(ctx); err != nil {
		logger.Error("scheduler shutdown", "error", err)
	}
	if s.business != nil {
		if n, err := s.business.Flush(ctx); err != nil {
			logger.Error("final notification flush", "error", err)
		} else if n > 0 {
			logger.Info("flushed deferred notifications", "count", n)
		}
	}
	if err := s.sender.Shutdown(ctx); err != nil {
		logger.Error("relay sender shutdown", "error", err)
	}
	if err := s.http.Shutdown(ctx); err != nil {
		logger.Error("status server shutdown", "error", err)
	}

	s.stopBot()
	select {
	case <-s.botDone:
	case <-ctx.Done():
	}
}

func loadTLS(cfg *config.Config) (*tls.Config, error) {
	if !cfg.TLSEnabled() {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.SMTPTLSCert, cfg.SMTPTLSKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load SMTP certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

// logCount adapts a job that reports how much it handled
func logCount(logger *slog.Logger, name string, fn func(context.Context) (int, error)) func(context.Context) error {
	return func(ctx context.Context) error {
		n, err := fn(ctx)
		if n > 0 {
			logger.Info("scheduled task handled items", "task", name, "count", n)
		}
		return err
	}
}
