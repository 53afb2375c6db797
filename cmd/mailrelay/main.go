package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/mixelka/mailrelay/internal/config"
	"github.com/mixelka/mailrelay/internal/database"
	"github.com/mixelka/mailrelay/internal/email"
	"github.com/mixelka/mailrelay/internal/secret"
)

var (
	version = "dev"
	commit  = "none"
)

var rootCmd = &cobra.Command{
	Use:   "mailrelay",
	Short: "Customer mail relay with POP3 ingestion, SMTP forwarding and AI summaries",
	Long: `mailrelay polls customer mailboxes over POP3 and accepts outbound mail over SMTP.
Every message is deduplicated, threaded, summarized, archived and announced
to the team before outbound mail is forwarded upstream.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the poller, SMTP relay, scheduler, bot and status server",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	RunE:  runMigrate,
}

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password <password>",
	Short: "Print a bcrypt hash for a relay user password",
	Args:  cobra.ExactArgs(1),
	RunE:  runHashPassword,
}

var checkAccountCmd = &cobra.Command{
	Use:   "check-account <account-id>",
	Short: "Log in to a mail account and print the mailbox size",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckAccount,
}

var hashCostFlag int

func init() {
	hashPasswordCmd.Flags().IntVar(&hashCostFlag, "cost", bcrypt.DefaultCost, "bcrypt cost")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(hashPasswordCmd)
	rootCmd.AddCommand(checkAccountCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	db, err := openDatabase(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	logger.Info("database migrations completed", "path", cfg.DatabasePath)
	return nil
}

func runHashPassword(cmd *cobra.Command, args []string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(args[0]), hashCostFlag)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(hash))
	return nil
}

func runCheckAccount(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid account id %q", args[0])
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	ctx := cmd.Context()
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	account, err := db.GetMailAccountByID(ctx, id)
	if err != nil {
		return err
	}

	box, err := secret.NewBox(cfg.EncryptionKey)
	if err != nil {
		return err
	}

	poller := email.NewPoller(email.PollerDeps{
		DB:      db,
		Secrets: box,
		Client: email.NewClient(email.ClientConfig{
			DialTimeout:    cfg.POP3DialTimeout,
			CommandTimeout: cfg.POP3CommandTimeout,
		}, logger),
		Logger: logger,
	}, email.PollerConfig{})

	count, size, err := poller.Check(ctx, account)
	if err != nil {
		return fmt.Errorf("account %d (%s): %w", account.ID, account.Username, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d messages, %d bytes\n", account.Username, count, size)
	return nil
}

func openDatabase(ctx context.Context, cfg *config.Config) (*database.DB, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func setupLogger(level, format string) *slog.Logger {
	var handler slog.Handler
	logLevel := parseLevel(level)

	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel,
		})
	} else {
		// Pretty colored output for console
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      logLevel,
			TimeFormat: time.DateTime,
		})
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
