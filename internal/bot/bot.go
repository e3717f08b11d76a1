package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/mkarppi/telegram-qc-bot/internal/ai"
	"github.com/mkarppi/telegram-qc-bot/internal/media"
	"github.com/mkarppi/telegram-qc-bot/internal/product"
	"github.com/mkarppi/telegram-qc-bot/internal/qc"
	"github.com/mkarppi/telegram-qc-bot/internal/storage"
)

// MessageSender abstracts the Telegram bot API for sending and editing
// messages. Decouples the bot from the full API client for testability.
type MessageSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// FileURLResolver resolves a Telegram file id to a direct download URL.
type FileURLResolver func(fileID string) (string, error)

// evidenceSession collects media for a pending QC run.
type evidenceSession struct {
	productID string
	media     []string
}

// Bot routes Telegram updates to the QC orchestrator.
type Bot struct {
	sender  MessageSender
	fileURL FileURLResolver
	orch    *qc.Orchestrator
	store   *storage.SQLiteStore
	fetcher *media.Fetcher
	adminID int64 // 0 means open to all users

	mu      sync.Mutex
	pending map[int64]*evidenceSession
}

// NewBot creates a bot.
func NewBot(sender MessageSender, fileURL FileURLResolver, orch *qc.Orchestrator, store *storage.SQLiteStore) *Bot {
	return &Bot{
		sender:  sender,
		fileURL: fileURL,
		orch:    orch,
		store:   store,
		fetcher: media.NewFetcher(),
		pending: make(map[int64]*evidenceSession),
	}
}

// RestrictTo limits the bot to a single Telegram user id. Updates from
// anyone else are dropped with a short notice.
func (b *Bot) RestrictTo(adminID int64) *Bot {
	b.adminID = adminID
	return b
}

// HandleUpdate processes a single Telegram update.
func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.Chat == nil {
		return
	}
	chatID := msg.Chat.ID

	if b.adminID != 0 && chatID != b.adminID {
		log.Warn().Int64("chatID", chatID).Msg("update from unauthorized user dropped")
		b.reply(chatID, "This bot is private.")
		return
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error().Int64("chatID", chatID).Interface("panic", r).Msg("recovered from panic in update handler")
		}
	}()

	switch {
	case msg.IsCommand():
		b.handleCommand(ctx, chatID, msg)
	case len(msg.Photo) > 0:
		b.handlePhoto(ctx, chatID, msg)
	case msg.Video != nil:
		b.handleVideo(ctx, chatID, msg)
	case looksLikeURL(msg.Text):
		b.startIdentification(ctx, chatID, strings.TrimSpace(msg.Text), true)
	default:
		b.reply(chatID, "Send a product photo or paste a product page URL to identify it. /help for commands.")
	}
}

func (b *Bot) handleCommand(ctx context.Context, chatID int64, msg *tgbotapi.Message) {
	args := strings.TrimSpace(msg.CommandArguments())

	switch msg.Command() {
	case "start", "help":
		b.reply(chatID, helpText)
	case "apikey":
		b.cmdAPIKey(chatID, args)
	case "mode":
		b.cmdMode(chatID, args)
	case "strict":
		b.cmdStrict(chatID, args)
	case "list":
		b.cmdList(chatID)
	case "delete":
		b.cmdDelete(chatID, args)
	case "qc":
		b.cmdQC(chatID, args)
	case "done":
		b.cmdDone(ctx, chatID)
	case "cancel":
		b.cmdCancel(chatID)
	default:
		b.reply(chatID, "Unknown command. /help for the list.")
	}
}

func (b *Bot) cmdAPIKey(chatID int64, args string) {
	if args == "" {
		b.reply(chatID, "Usage: /apikey <your Gemini API key>")
		return
	}
	if err := b.store.SetAPIKey(chatID, args); err != nil {
		b.replyError(chatID, err)
		return
	}
	b.reply(chatID, "API key stored. It is encrypted at rest.")
}

func (b *Bot) cmdMode(chatID int64, args string) {
	switch ai.Mode(args) {
	case ai.ModeFast, ai.ModeDetailed:
	default:
		b.reply(chatID, "Usage: /mode fast|detailed")
		return
	}
	if err := b.store.SetMode(chatID, args); err != nil {
		b.replyError(chatID, err)
		return
	}
	b.reply(chatID, fmt.Sprintf("Analysis mode set to *%s*.", args))
}

func (b *Bot) cmdStrict(chatID int64, args string) {
	var strict bool
	switch args {
	case "on":
		strict = true
	case "off":
		strict = false
	default:
		b.reply(chatID, "Usage: /strict on|off")
		return
	}
	if err := b.store.SetStrict(chatID, strict); err != nil {
		b.replyError(chatID, err)
		return
	}
	b.reply(chatID, fmt.Sprintf("Strict expert persona: *%s*.", args))
}

func (b *Bot) cmdList(chatID int64) {
	products, err := b.orch.Products(chatID)
	if err != nil {
		b.replyError(chatID, err)
		return
	}
	b.reply(chatID, renderProductList(products))
}

func (b *Bot) cmdDelete(chatID int64, args string) {
	p, ok := b.productByIndex(chatID, args)
	if !ok {
		b.reply(chatID, "Usage: /delete <number from /list>")
		return
	}
	if err := b.orch.Delete(chatID, p.ID); err != nil {
		b.replyError(chatID, err)
		return
	}
	// Drop any evidence session pointing at the deleted product.
	b.mu.Lock()
	if s := b.pending[chatID]; s != nil && s.productID == p.ID {
		delete(b.pending, chatID)
	}
	b.mu.Unlock()
	b.reply(chatID, fmt.Sprintf("Deleted *%s* and all its reports.", escapeMarkdown(p.Details.Name)))
}

func (b *Bot) cmdQC(chatID int64, args string) {
	p, ok := b.productByIndex(chatID, args)
	if !ok {
		b.reply(chatID, "Usage: /qc <number from /list>")
		return
	}
	if p.Active() {
		b.reply(chatID, "That product already has an operation in progress.")
		return
	}

	b.mu.Lock()
	b.pending[chatID] = &evidenceSession{productID: p.ID}
	b.mu.Unlock()

	b.reply(chatID, fmt.Sprintf(
		"Inspecting *%s*. Send photos (or a video) of the item, then /done to run the QC analysis. /cancel to abort.",
		escapeMarkdown(p.Details.Name)))
}

func (b *Bot) cmdDone(ctx context.Context, chatID int64) {
	b.mu.Lock()
	session := b.pending[chatID]
	delete(b.pending, chatID)
	b.mu.Unlock()

	if session == nil {
		b.reply(chatID, "No QC in progress. Start one with /qc <number>.")
		return
	}
	if len(session.media) == 0 {
		b.reply(chatID, "No evidence media collected; QC cancelled.")
		return
	}

	mode, strict := b.userSettings(chatID)
	if err := b.orch.StartInspection(ctx, chatID, session.productID, session.media, mode, strict); err != nil {
		b.replyError(chatID, err)
		return
	}

	status := b.reply(chatID, "Analyzing evidence... 0%")
	go b.watchProgress(ctx, chatID, session.productID, status.MessageID, product.StatusAnalyzing)
}

func (b *Bot) cmdCancel(chatID int64) {
	b.mu.Lock()
	_, had := b.pending[chatID]
	delete(b.pending, chatID)
	b.mu.Unlock()

	if had {
		b.reply(chatID, "QC cancelled.")
	} else {
		b.reply(chatID, "Nothing to cancel.")
	}
}

func (b *Bot) handlePhoto(ctx context.Context, chatID int64, msg *tgbotapi.Message) {
	// Telegram orders photo sizes smallest first.
	fileID := msg.Photo[len(msg.Photo)-1].FileID
	dataURI, err := b.downloadMedia(ctx, fileID, "image/jpeg")
	if err != nil {
		b.replyError(chatID, err)
		return
	}

	if b.appendEvidence(chatID, dataURI) {
		return
	}
	b.startIdentification(ctx, chatID, dataURI, false)
}

func (b *Bot) handleVideo(ctx context.Context, chatID int64, msg *tgbotapi.Message) {
	mimeType := msg.Video.MimeType
	if mimeType == "" {
		mimeType = "video/mp4"
	}
	dataURI, err := b.downloadMedia(ctx, msg.Video.FileID, mimeType)
	if err != nil {
		b.replyError(chatID, err)
		return
	}

	if b.appendEvidence(chatID, dataURI) {
		return
	}
	b.reply(chatID, "Video evidence only makes sense during QC. Start one with /qc <number>.")
}

// appendEvidence adds media to a pending QC session if one exists.
func (b *Bot) appendEvidence(chatID int64, dataURI string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	session := b.pending[chatID]
	if session == nil {
		return false
	}
	session.media = append(session.media, dataURI)
	go b.reply(chatID, fmt.Sprintf("Evidence added (%d collected). /done when finished.", len(session.media)))
	return true
}

func (b *Bot) downloadMedia(ctx context.Context, fileID, mimeType string) (string, error) {
	url, err := b.fileURL(fileID)
	if err != nil {
		return "", fmt.Errorf("failed to resolve file URL: %w", err)
	}
	data, _, err := b.fetcher.FetchBytes(ctx, url)
	if err != nil {
		return "", err
	}
	return media.Encode(data, mimeType), nil
}

func (b *Bot) startIdentification(ctx context.Context, chatID int64, input string, isURL bool) {
	mode, _ := b.userSettings(chatID)
	p, err := b.orch.StartIdentification(ctx, chatID, input, isURL, mode)
	if err != nil {
		b.replyError(chatID, err)
		return
	}

	status := b.reply(chatID, "Identifying product... 0%")
	go b.watchProgress(ctx, chatID, p.ID, status.MessageID, product.StatusIdentifying)
}

// userSettings reads the stored inference tier and strict flag, with
// defaults for new users.
func (b *Bot) userSettings(chatID int64) (ai.Mode, bool) {
	settings, err := b.store.GetSettings(chatID)
	if err != nil {
		log.Warn().Err(err).Int64("chatID", chatID).Msg("failed to load user settings")
		return ai.ModeFast, false
	}
	mode := ai.Mode(settings.Mode)
	if mode != ai.ModeDetailed {
		mode = ai.ModeFast
	}
	return mode, settings.Strict
}

// productByIndex resolves a 1-based /list index into a product snapshot.
func (b *Bot) productByIndex(chatID int64, args string) (product.Product, bool) {
	idx, err := strconv.Atoi(strings.TrimSpace(args))
	if err != nil || idx < 1 {
		return product.Product{}, false
	}
	products, err := b.orch.Products(chatID)
	if err != nil || idx > len(products) {
		return product.Product{}, false
	}
	return products[idx-1], true
}

func (b *Bot) reply(chatID int64, text string) tgbotapi.Message {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	sent, err := b.sender.Send(msg)
	if err != nil {
		log.Error().Err(err).Int64("chatID", chatID).Msg("failed to send reply")
	}
	return sent
}

func (b *Bot) replyError(chatID int64, err error) {
	log.Error().Err(err).Int64("chatID", chatID).Send()
	b.reply(chatID, fmt.Sprintf("Something went wrong: %s", escapeMarkdown(err.Error())))
}

func looksLikeURL(text string) bool {
	t := strings.TrimSpace(text)
	return strings.HasPrefix(t, "http://") || strings.HasPrefix(t, "https://")
}

const helpText = `Send a product photo or paste a product page URL and I will identify it.

Commands:
/list - your products
/qc <n> - start a QC inspection of product n
/done - run the analysis on collected evidence
/cancel - abort evidence collection
/delete <n> - delete product n and its reports
/mode fast|detailed - analysis quality tier
/strict on|off - strict expert persona for inspections
/apikey <key> - store your Gemini API key`
