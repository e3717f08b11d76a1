package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/mkarppi/telegram-qc-bot/config"
	"github.com/mkarppi/telegram-qc-bot/internal/ai"
	"github.com/mkarppi/telegram-qc-bot/internal/bot"
	"github.com/mkarppi/telegram-qc-bot/internal/media"
	"github.com/mkarppi/telegram-qc-bot/internal/qc"
	"github.com/mkarppi/telegram-qc-bot/internal/scrape"
	"github.com/mkarppi/telegram-qc-bot/internal/storage"
)

const logFileName = "telegram-qc-bot.log"

// settingsSource adapts the SQLite store to the AI provider's credential
// lookup.
type settingsSource struct {
	store *storage.SQLiteStore
}

func (s settingsSource) APIKeyForUser(telegramID int64) (string, error) {
	settings, err := s.store.GetSettings(telegramID)
	if err != nil {
		return "", err
	}
	return settings.APIKey, nil
}

// gatewayProvider adapts *ai.Provider to the orchestrator's interface.
type gatewayProvider struct {
	provider *ai.Provider
}

func (g gatewayProvider) ForUser(ctx context.Context, ownerID int64) (qc.Gateway, error) {
	return g.provider.ForUser(ctx, ownerID)
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	config.LoadEnvFile()

	// JOURNAL_STREAM is set by systemd when running as a service. Skip file
	// logging under systemd (journald handles it, and ProtectSystem=strict
	// makes the working directory read-only).
	if _, underSystemd := os.LookupEnv("JOURNAL_STREAM"); underSystemd {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		logFile, err := os.OpenFile(logFileName, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open log file")
		}
		defer logFile.Close()

		consoleWriter := zerolog.ConsoleWriter{Out: os.Stderr}
		fileWriter := zerolog.ConsoleWriter{Out: logFile, NoColor: true}
		log.Logger = log.Output(io.MultiWriter(consoleWriter, fileWriter))

		log.Info().Str("logFile", logFileName).Msg("logging to file")
	}

	botToken := os.Getenv("BOT_TOKEN")
	if botToken == "" {
		log.Fatal().Msg("BOT_TOKEN is not set")
	}

	// Passphrase for encrypting user API keys at rest (required)
	tokenKey := os.Getenv("QC_TOKEN_KEY")
	if tokenKey == "" {
		log.Fatal().Msg("QC_TOKEN_KEY is not set")
	}

	// Database path (optional, defaults to qc.db)
	dbPath := os.Getenv("QC_DB_PATH")
	if dbPath == "" {
		dbPath = "qc.db"
	}

	// Optional single-user restriction.
	var adminID int64
	if adminIDStr := os.Getenv("ADMIN_TELEGRAM_ID"); adminIDStr != "" {
		id, err := strconv.ParseInt(adminIDStr, 10, 64)
		if err != nil {
			log.Fatal().Err(err).Msg("ADMIN_TELEGRAM_ID must be a valid integer")
		}
		adminID = id
	}

	tg, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telegram bot")
	}
	tg.Debug = false
	log.Info().Str("username", tg.Self.UserName).Msg("authorized on account")

	registerCommands(tg)

	encryptionKey, err := storage.DeriveKey(tokenKey)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to derive encryption key")
	}

	store, err := storage.NewSQLiteStore(dbPath, encryptionKey)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize product store")
	}
	defer store.Close()
	log.Info().Str("dbPath", dbPath).Msg("product store initialized")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// GEMINI_API_KEY is an optional shared fallback; users without their own
	// /apikey use it.
	provider := ai.NewProvider(settingsSource{store}, scrape.New(), os.Getenv("GEMINI_API_KEY"))

	notify := func(ownerID int64, message string) {
		msg := tgbotapi.NewMessage(ownerID, message)
		if _, err := tg.Send(msg); err != nil {
			log.Warn().Err(err).Int64("chatID", ownerID).Msg("failed to deliver notification")
		}
	}

	orch := qc.New(ctx, store, gatewayProvider{provider}, media.NewFetcher(), notify)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runBot(ctx, tg, orch, store, adminID)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("shutdown with error")
	}

	// Flush outstanding AI operations and persistence writes before closing
	// the store.
	orch.Wait()
	log.Info().Msg("shutdown complete")
}

func runBot(ctx context.Context, tg *tgbotapi.BotAPI, orch *qc.Orchestrator, store *storage.SQLiteStore, adminID int64) error {
	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = 60
	updates := tg.GetUpdatesChan(updateConfig)

	b := bot.NewBot(tg, tg.GetFileDirectURL, orch, store)
	if adminID != 0 {
		b.RestrictTo(adminID)
	}

	var wg sync.WaitGroup

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("stopping bot update loop")
			tg.StopReceivingUpdates()
			log.Info().Msg("waiting for active handlers to finish")
			wg.Wait()
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				log.Warn().Msg("updates channel closed")
				wg.Wait()
				return nil
			}
			wg.Add(1)
			go func(u tgbotapi.Update) {
				defer wg.Done()
				b.HandleUpdate(ctx, u)
			}(update)
		}
	}
}

func registerCommands(tg *tgbotapi.BotAPI) {
	commands := tgbotapi.NewSetMyCommands(
		tgbotapi.BotCommand{Command: "list", Description: "List your products"},
		tgbotapi.BotCommand{Command: "qc", Description: "Start a QC inspection"},
		tgbotapi.BotCommand{Command: "done", Description: "Run analysis on collected evidence"},
		tgbotapi.BotCommand{Command: "cancel", Description: "Abort evidence collection"},
		tgbotapi.BotCommand{Command: "delete", Description: "Delete a product"},
		tgbotapi.BotCommand{Command: "mode", Description: "Set analysis mode (fast/detailed)"},
		tgbotapi.BotCommand{Command: "strict", Description: "Toggle strict expert persona"},
		tgbotapi.BotCommand{Command: "apikey", Description: "Store your Gemini API key"},
		tgbotapi.BotCommand{Command: "help", Description: "Show help"},
	)
	if _, err := tg.Request(commands); err != nil {
		log.Warn().Err(err).Msg("failed to register bot commands")
	}
}
