// Package telegram is the operator chat surface: TDs register, receive
// alerts, acknowledge them, manage the on-call rotation, and drive venue
// hardware in plain English. One default bot serves every venue; venues
// with their own bot credential get alerts through it instead.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/stagewire/stagewire/internal/database"
	"github.com/stagewire/stagewire/internal/oncall"
	"github.com/stagewire/stagewire/internal/relay"
)

// sender is the outbound slice of tgbotapi.BotAPI, stubbed in tests.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Commander injects operator commands into the relay core. Implemented by
// the dispatcher.
type Commander interface {
	DispatchAndWait(ctx context.Context, venueID, command string, params any) (relay.CommandOutcome, error)
}

// Acker resolves /ack_ tokens. Implemented by the alert pipeline.
type Acker interface {
	Acknowledge(ctx context.Context, idOrPrefix, responder string) (*database.Alert, error)
}

// Hub exposes the live-session facts /status needs.
type Hub interface {
	Connected(venueID string) bool
	Telemetry(venueID string) (json.RawMessage, time.Time, bool)
}

// Adapter bridges Telegram chats and the relay core.
type Adapter struct {
	log      zerolog.Logger
	db       *database.DB
	rotation *oncall.Service
	commands Commander
	acker    Acker
	hub      Hub

	adminChatID int64

	bot    sender           // default bot, also used for the update loop
	botAPI *tgbotapi.BotAPI // nil in tests

	// Per-venue bots, built lazily and cached by credential.
	newBot    func(token string) (sender, error)
	botMu     sync.Mutex
	venueBots map[string]sender

	// Chats registered to several venues pin one with /venue.
	pinMu  sync.Mutex
	pinned map[int64]string
}

// New connects the default bot and returns the adapter. The token must be
// valid; per-venue credentials are validated lazily on first use.
func New(log zerolog.Logger, token string, adminChatID int64, db *database.DB, rotation *oncall.Service, commands Commander, acker Acker, hub Hub) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram init: %w", err)
	}
	a := newAdapter(log, adminChatID, db, rotation, commands, acker, hub)
	a.bot = bot
	a.botAPI = bot
	a.log.Info().Str("bot", bot.Self.UserName).Msg("telegram bot connected")
	return a, nil
}

func newAdapter(log zerolog.Logger, adminChatID int64, db *database.DB, rotation *oncall.Service, commands Commander, acker Acker, hub Hub) *Adapter {
	return &Adapter{
		log:         log.With().Str("component", "telegram").Logger(),
		db:          db,
		rotation:    rotation,
		commands:    commands,
		acker:       acker,
		hub:         hub,
		adminChatID: adminChatID,
		newBot: func(token string) (sender, error) {
			return tgbotapi.NewBotAPI(token)
		},
		venueBots: make(map[string]sender),
		pinned:    make(map[int64]string),
	}
}

// Run polls Telegram for updates until ctx is cancelled, reconnecting with
// exponential backoff when the long-poll connection dies.
func (a *Adapter) Run(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := a.botAPI.GetUpdatesChan(u)

		pollErr := a.poll(ctx, updates)
		a.botAPI.StopReceivingUpdates()

		if pollErr == nil {
			// ctx cancelled.
			a.log.Info().Msg("telegram adapter stopped")
			return nil
		}

		a.log.Warn().Err(pollErr).Dur("backoff", backoff).Msg("telegram poll disconnected, reconnecting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// poll reads updates until ctx is done, the channel closes, or nothing
// arrives for well past the long-poll timeout (the library blocks rather
// than closing the channel when the connection dies).
func (a *Adapter) poll(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message != nil {
				a.handleMessage(ctx, update.Message)
			}
		case <-timer.C:
			return fmt.Errorf("no updates for %v", stallTimeout)
		}
	}
}

// WatchBus forwards venue connect/disconnect events to each venue's roster
// chats. Runs until ctx is cancelled.
func (a *Adapter) WatchBus(ctx context.Context, bus *relay.EventBus) {
	events, cancel := bus.Subscribe(relay.EventFilter{
		Types: []string{"venue_connected", "venue_disconnected"},
	})
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-events:
			var text string
			switch e.Type {
			case "venue_connected":
				text = fmt.Sprintf("🟢 %s — agent connected", e.VenueName)
			case "venue_disconnected":
				text = fmt.Sprintf("🔴 %s — agent disconnected", e.VenueName)
			default:
				continue
			}
			a.NotifyVenueTDs(ctx, e.VenueID, text)
		}
	}
}

// NotifyVenueTDs sends text to every active roster chat of a venue, using
// the venue's own bot credential when one is configured.
func (a *Adapter) NotifyVenueTDs(ctx context.Context, venueID, text string) {
	roster, err := a.db.VenueRoster(ctx, venueID)
	if err != nil {
		a.log.Error().Err(err).Str("venue", venueID).Msg("roster lookup for notify")
		return
	}
	if len(roster) == 0 {
		a.log.Debug().Str("venue", venueID).Msg("no roster chats to notify")
		return
	}

	bot := a.botForVenue(ctx, venueID)
	for _, entry := range roster {
		a.send(bot, entry.TelegramChatID, text)
	}
}

// NotifyAdmin copies text to the admin chat on the default bot.
func (a *Adapter) NotifyAdmin(ctx context.Context, text string) {
	if a.adminChatID == 0 {
		a.log.Warn().Msg("admin notification dropped, no admin chat configured")
		return
	}
	a.send(a.bot, a.adminChatID, text)
}

// botForVenue resolves which bot speaks for a venue: its own credential if
// set (cached per token), else the default.
func (a *Adapter) botForVenue(ctx context.Context, venueID string) sender {
	v, err := a.db.GetVenue(ctx, venueID)
	if err != nil || v.AlertBotToken == "" {
		return a.bot
	}

	a.botMu.Lock()
	defer a.botMu.Unlock()
	if bot, ok := a.venueBots[v.AlertBotToken]; ok {
		return bot
	}
	bot, err := a.newBot(v.AlertBotToken)
	if err != nil {
		a.log.Warn().Err(err).Str("venue", venueID).Msg("venue bot credential rejected, using default")
		return a.bot
	}
	a.venueBots[v.AlertBotToken] = bot
	return bot
}

func (a *Adapter) send(bot sender, chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := bot.Send(msg); err != nil {
		a.log.Error().Err(err).Int64("chat", chatID).Msg("telegram send failed")
	}
}

// reply answers the chat a message came from, always on the default bot.
func (a *Adapter) reply(chatID int64, text string) {
	a.send(a.bot, chatID, text)
}

// pinVenue records the chat's active venue choice.
func (a *Adapter) pinVenue(chatID int64, venueID string) {
	a.pinMu.Lock()
	a.pinned[chatID] = venueID
	a.pinMu.Unlock()
}

// venueFor resolves which venue a chat's commands act on: the sole
// registered venue, or the one pinned with /venue.
func (a *Adapter) venueFor(ctx context.Context, chatID int64) (string, error) {
	ids, err := a.rotation.VenuesForChat(ctx, chatID)
	if err != nil {
		return "", err
	}
	switch len(ids) {
	case 0:
		return "", fmt.Errorf("you are not registered — send /register CODE first")
	case 1:
		return ids[0], nil
	}

	a.pinMu.Lock()
	pin := a.pinned[chatID]
	a.pinMu.Unlock()
	for _, id := range ids {
		if id == pin {
			return pin, nil
		}
	}

	names := make([]string, 0, len(ids))
	for _, id := range ids {
		if v, err := a.db.GetVenue(ctx, id); err == nil {
			names = append(names, v.Name)
		}
	}
	return "", fmt.Errorf("you are registered at several venues — pick one with /venue NAME (%s)", strings.Join(names, ", "))
}
