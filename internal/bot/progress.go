package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/mkarppi/telegram-qc-bot/internal/product"
	"github.com/mkarppi/telegram-qc-bot/internal/qc"
)

const progressPollInterval = time.Second

// watchProgress polls the product state and edits the status message until
// the operation reaches a terminal state, then renders the result.
func (b *Bot) watchProgress(ctx context.Context, chatID int64, productID string, messageID int, op product.ProcessingStatus) {
	ticker := time.NewTicker(progressPollInterval)
	defer ticker.Stop()

	var lastLine string

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		p, err := b.orch.Get(chatID, productID)
		if errors.Is(err, qc.ErrNotFound) {
			b.editMessage(chatID, messageID, "The product was deleted.")
			return
		}
		if err != nil {
			log.Error().Err(err).Str("productID", productID).Msg("progress poll failed")
			return
		}

		if p.Active() {
			line := fmt.Sprintf("%s... %d%%", progressVerb(p.Status), p.Progress)
			if line != lastLine {
				b.editMessage(chatID, messageID, line)
				lastLine = line
			}
			continue
		}

		b.editMessage(chatID, messageID, finalText(p, op))
		return
	}
}

func progressVerb(s product.ProcessingStatus) string {
	if s == product.StatusAnalyzing {
		return "Analyzing evidence"
	}
	return "Identifying product"
}

func finalText(p product.Product, op product.ProcessingStatus) string {
	if op == product.StatusAnalyzing {
		return renderReport(p)
	}
	return renderIdentification(p)
}

func (b *Bot) editMessage(chatID int64, messageID int, text string) {
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	edit.ParseMode = tgbotapi.ModeMarkdown
	if _, err := b.sender.Request(edit); err != nil {
		log.Warn().Err(err).Int64("chatID", chatID).Msg("failed to edit status message")
	}
}
