package gateway

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/rahul/stepwise/internal/observability"
)

const discordMaxMessage = 2000

type DiscordGateway struct {
	Session    *discordgo.Session
	dispatcher *Dispatcher
	allowed    map[string]bool
	logger     *observability.Logger
	ctx        context.Context
}

// NewDiscordGateway prepares a bot session. When allowedChannels is
// non-empty, messages from other channels are ignored.
func NewDiscordGateway(token string, dispatcher *Dispatcher, allowedChannels []string, logger *observability.Logger) (*DiscordGateway, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent

	allowed := make(map[string]bool, len(allowedChannels))
	for _, id := range allowedChannels {
		allowed[id] = true
	}
	return &DiscordGateway{
		Session:    s,
		dispatcher: dispatcher,
		allowed:    allowed,
		logger:     observability.OrNop(logger),
		ctx:        context.Background(),
	}, nil
}

func (dg *DiscordGateway) Name() string { return "discord" }

func (dg *DiscordGateway) Start(ctx context.Context) error {
	dg.ctx = ctx
	dg.Session.AddHandler(dg.onMessage)
	if err := dg.Session.Open(); err != nil {
		return fmt.Errorf("discord: open session: %w", err)
	}
	dg.logger.Infof("discord: connected as %s", dg.Session.State.User.Username)
	<-ctx.Done()
	return dg.Session.Close()
}

func (dg *DiscordGateway) onMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if len(dg.allowed) > 0 && !dg.allowed[m.ChannelID] {
		return
	}
	reply := dg.dispatcher.Handle(dg.ctx, dg.Name(), m.ChannelID, m.Content)
	if reply == "" {
		return
	}
	if err := dg.Send(m.ChannelID, reply); err != nil {
		dg.logger.Errorf("discord: reply to %s: %v", m.ChannelID, err)
	}
}

func (dg *DiscordGateway) Send(chatID string, text string) error {
	for _, part := range chunk(text, discordMaxMessage) {
		if _, err := dg.Session.ChannelMessageSend(chatID, part); err != nil {
			return err
		}
	}
	return nil
}

func (dg *DiscordGateway) Stop() error {
	return dg.Session.Close()
}
