package gateway

import (
	"context"
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rahul/stepwise/internal/observability"
)

const telegramMaxMessage = 4096

type TelegramGateway struct {
	Bot        *tgbotapi.BotAPI
	dispatcher *Dispatcher
	allowed    map[int64]bool
	logger     *observability.Logger
}

// NewTelegramGateway authorizes the bot. When allowedChats is non-empty,
// messages from other chats are ignored.
func NewTelegramGateway(token string, dispatcher *Dispatcher, allowedChats []int64, logger *observability.Logger) (*TelegramGateway, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	logger = observability.OrNop(logger)
	logger.Infof("telegram: authorized on account %s", bot.Self.UserName)

	allowed := make(map[int64]bool, len(allowedChats))
	for _, id := range allowedChats {
		allowed[id] = true
	}
	return &TelegramGateway{Bot: bot, dispatcher: dispatcher, allowed: allowed, logger: logger}, nil
}

func (tg *TelegramGateway) Name() string { return "telegram" }

func (tg *TelegramGateway) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := tg.Bot.GetUpdatesChan(u)
	for {
		select {
		case <-ctx.Done():
			tg.Bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil {
				continue
			}
			chatID := update.Message.Chat.ID
			if len(tg.allowed) > 0 && !tg.allowed[chatID] {
				continue
			}
			go tg.handle(ctx, chatID, update.Message.Text)
		}
	}
}

func (tg *TelegramGateway) handle(ctx context.Context, chatID int64, text string) {
	reply := tg.dispatcher.Handle(ctx, tg.Name(), strconv.FormatInt(chatID, 10), text)
	if reply == "" {
		return
	}
	if err := tg.send(chatID, reply); err != nil {
		tg.logger.Errorf("telegram: reply to %d: %v", chatID, err)
	}
}

func (tg *TelegramGateway) Send(chatID string, text string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil || id == 0 {
		return fmt.Errorf("invalid chat ID: %s", chatID)
	}
	return tg.send(id, text)
}

func (tg *TelegramGateway) send(chatID int64, text string) error {
	for _, part := range chunk(text, telegramMaxMessage) {
		if _, err := tg.Bot.Send(tgbotapi.NewMessage(chatID, part)); err != nil {
			return err
		}
	}
	return nil
}

func (tg *TelegramGateway) Stop() error {
	tg.Bot.StopReceivingUpdates()
	return nil
}

// chunk splits text into pieces of at most n runes.
func chunk(text string, n int) []string {
	runes := []rune(text)
	if len(runes) <= n {
		return []string{text}
	}
	var parts []string
	for len(runes) > 0 {
		end := min(n, len(runes))
		parts = append(parts, string(runes[:end]))
		runes = runes[end:]
	}
	return parts
}
