package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/stagewire/stagewire/internal/nlparse"
	"github.com/stagewire/stagewire/internal/oncall"
	"github.com/stagewire/stagewire/internal/relay"
	"github.com/stagewire/stagewire/internal/schedule"
	"github.com/stagewire/stagewire/internal/wire"
)

const helpText = `StageWire commands:
/register CODE — join a venue's technical team (GUEST- tokens work too)
/status — live venue status
/oncall — who has the pager this week
/setoncall NAME — hand the week to someone
/swap NAME — offer your week to another TD
/confirmswap — accept the oldest swap offered to you
/ack_XXXXXXXX — acknowledge an alert
/venue NAME — pick your active venue (multi-venue chats)

Or just type what you want: "camera 2", "start the stream",
"mute channel 4", "next slide", "run the pre-service check".`

// handleMessage routes one inbound chat message. Slash commands are parsed
// by hand (synthetic messages carry no entity metadata); everything else
// goes through the natural-language table.
func (a *Adapter) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" || msg.From == nil {
		return
	}
	chatID := msg.Chat.ID
	name := displayName(msg.From)

	if !strings.HasPrefix(text, "/") {
		a.handleFreeText(ctx, chatID, text)
		return
	}

	fields := strings.Fields(text)
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	args := strings.TrimSpace(strings.TrimPrefix(text, fields[0]))

	if strings.HasPrefix(cmd, "ack_") {
		a.handleAck(ctx, chatID, strings.TrimPrefix(cmd, "ack_"), name)
		return
	}

	switch cmd {
	case "start", "help":
		a.reply(chatID, helpText)
	case "register":
		a.handleRegister(ctx, chatID, msg.From.ID, name, args)
	case "ack":
		a.handleAck(ctx, chatID, args, name)
	case "status":
		a.handleStatus(ctx, chatID)
	case "oncall":
		a.handleOnCall(ctx, chatID)
	case "setoncall":
		a.handleSetOnCall(ctx, chatID, args)
	case "swap":
		a.handleSwap(ctx, chatID, name, args)
	case "confirmswap":
		a.handleConfirmSwap(ctx, chatID)
	case "venue":
		a.handlePinVenue(ctx, chatID, args)
	case "venues":
		a.handleListVenues(ctx, chatID)
	case "guest":
		a.handleIssueGuest(ctx, chatID, args)
	default:
		a.reply(chatID, "Unknown command. /help lists what I understand.")
	}
}

func displayName(u *tgbotapi.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.UserName
	}
	return name
}

// handleFreeText runs the NL table and dispatches the match to the chat's
// venue.
func (a *Adapter) handleFreeText(ctx context.Context, chatID int64, text string) {
	match := nlparse.Parse(text)
	if match == nil {
		a.reply(chatID, "I didn't catch that. /help lists commands and phrases I understand.")
		return
	}

	venueID, err := a.venueFor(ctx, chatID)
	if err != nil {
		a.reply(chatID, err.Error())
		return
	}

	dctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	outcome, err := a.commands.DispatchAndWait(dctx, venueID, match.Command, match.Params)
	if err != nil {
		a.reply(chatID, "⚠️ "+err.Error())
		return
	}
	a.reply(chatID, a.formatOutcome(ctx, venueID, outcome))
}

// formatOutcome renders a command result for chat. Pre-service checks get
// the full report treatment; plain string results pass through.
func (a *Adapter) formatOutcome(ctx context.Context, venueID string, out relay.CommandOutcome) string {
	if out.Error != "" {
		return fmt.Sprintf("⚠️ %s failed: %s", out.Command, out.Error)
	}
	if out.Command == "system.preServiceCheck" {
		name := venueID
		if v, err := a.db.GetVenue(ctx, venueID); err == nil {
			name = v.Name
		}
		return schedule.FormatCheckReport(name, out.Result)
	}
	if len(out.Result) == 0 {
		return "✅ " + out.Command
	}
	var s string
	if json.Unmarshal(out.Result, &s) == nil {
		return "✅ " + s
	}
	pretty, err := json.MarshalIndent(json.RawMessage(out.Result), "", "  ")
	if err != nil {
		pretty = out.Result
	}
	return fmt.Sprintf("✅ %s:\n%s", out.Command, pretty)
}

func (a *Adapter) handleRegister(ctx context.Context, chatID, userID int64, name, args string) {
	code := strings.TrimSpace(args)
	if code == "" {
		a.reply(chatID, "Usage: /register CODE — the code is on your venue's setup sheet.")
		return
	}

	if strings.HasPrefix(strings.ToUpper(code), "GUEST-") {
		_, v, err := a.rotation.ClaimGuest(ctx, code, chatID)
		if err != nil {
			a.reply(chatID, "That guest token is unknown, expired, or already claimed.")
			return
		}
		a.reply(chatID, fmt.Sprintf("Welcome! You have 24h guest access to %s. Try /status or just say what you need.", v.Name))
		return
	}

	v, err := a.rotation.Register(ctx, code, name, userID, chatID)
	if err != nil {
		a.reply(chatID, "I don't recognise that code. Check the venue setup sheet and try again.")
		return
	}
	a.reply(chatID, fmt.Sprintf("You're on the team at %s, %s. You'll get alerts here; /help shows what you can do.", v.Name, name))
}

func (a *Adapter) handleAck(ctx context.Context, chatID int64, token, name string) {
	token = strings.TrimSpace(token)
	if token == "" {
		a.reply(chatID, "Usage: /ack_XXXXXXXX — the token is in the alert message.")
		return
	}
	alert, err := a.acker.Acknowledge(ctx, token, name)
	if err != nil {
		a.reply(chatID, "No matching alert for that token.")
		return
	}
	a.reply(chatID, fmt.Sprintf("✅ Acknowledged %s (%s). Thanks, %s.", alert.Type, shortToken(alert.ID), name))
}

func shortToken(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (a *Adapter) handleStatus(ctx context.Context, chatID int64) {
	venueID, err := a.venueFor(ctx, chatID)
	if err != nil {
		a.reply(chatID, err.Error())
		return
	}
	a.reply(chatID, a.statusText(ctx, venueID))
}

// statusText renders the venue's live picture: connection, stream, devices,
// and who is on call.
func (a *Adapter) statusText(ctx context.Context, venueID string) string {
	name := venueID
	if v, err := a.db.GetVenue(ctx, venueID); err == nil {
		name = v.Name
	}

	var b strings.Builder
	if a.hub.Connected(venueID) {
		fmt.Fprintf(&b, "🟢 %s — agent connected\n", name)
	} else {
		fmt.Fprintf(&b, "🔴 %s — agent offline\n", name)
	}

	if raw, at, ok := a.hub.Telemetry(venueID); ok {
		var snap wire.TelemetrySnapshot
		if err := json.Unmarshal(raw, &snap); err == nil {
			writeSnapshot(&b, &snap)
		}
		fmt.Fprintf(&b, "Updated %s ago\n", time.Since(at).Round(time.Second))
	} else {
		b.WriteString("No telemetry yet.\n")
	}

	if cur, err := a.rotation.Current(ctx, venueID); err == nil {
		fmt.Fprintf(&b, "On call: %s", cur.TDName)
	}
	return strings.TrimRight(b.String(), "\n")
}

func writeSnapshot(b *strings.Builder, s *wire.TelemetrySnapshot) {
	if st := s.Streamer; st != nil {
		switch {
		case !st.Connected:
			b.WriteString("Stream: encoder offline\n")
		case st.Streaming:
			fmt.Fprintf(b, "Stream: LIVE — %.0f fps @ %d kbps\n", st.FPS, st.Bitrate)
		default:
			b.WriteString("Stream: idle\n")
		}
	}
	if sw := s.Switcher; sw != nil {
		if sw.Connected {
			fmt.Fprintf(b, "Switcher: ok, program %d, preview %d\n", sw.ProgramInput, sw.PreviewInput)
		} else {
			b.WriteString("Switcher: not connected\n")
		}
	}
	if sl := s.Slides; sl != nil && sl.Connected && sl.Running {
		fmt.Fprintf(b, "Slides: %s (%d/%d)\n", sl.CurrentPresentation, sl.SlideIndex, sl.SlideTotal)
	}
	if m := s.Mixer; m != nil && m.Connected && m.MainMuted {
		b.WriteString("⚠️ Mixer: MAIN MUTED\n")
	}
	if au := s.Audio; au != nil && au.SilenceDetected {
		fmt.Fprintf(b, "⚠️ Audio: silence for %.0fs\n", au.SilenceDurationSec)
	}
}

func (a *Adapter) handleOnCall(ctx context.Context, chatID int64) {
	venueID, err := a.venueFor(ctx, chatID)
	if err != nil {
		a.reply(chatID, err.Error())
		return
	}
	cur, err := a.rotation.Current(ctx, venueID)
	if err != nil {
		a.reply(chatID, "Nobody is in the rotation yet — /register adds you.")
		return
	}
	a.reply(chatID, fmt.Sprintf("%s has the pager this week (%s).", cur.TDName, oncall.WeekKey(time.Now())))
}

func (a *Adapter) handleSetOnCall(ctx context.Context, chatID int64, args string) {
	if args == "" {
		a.reply(chatID, "Usage: /setoncall NAME")
		return
	}
	venueID, err := a.venueFor(ctx, chatID)
	if err != nil {
		a.reply(chatID, err.Error())
		return
	}
	target, err := a.rotation.SetByName(ctx, venueID, args)
	if err != nil {
		a.reply(chatID, fmt.Sprintf("Couldn't assign: %v", err))
		return
	}
	a.reply(chatID, fmt.Sprintf("✅ %s is on call for this week.", target.TDName))
	if target.TelegramChatID != 0 && target.TelegramChatID != chatID {
		a.send(a.bot, target.TelegramChatID, "📟 You're on call this week.")
	}
}

func (a *Adapter) handleSwap(ctx context.Context, chatID int64, name, args string) {
	if args == "" {
		a.reply(chatID, "Usage: /swap NAME — offers your week to that TD.")
		return
	}
	venueID, err := a.venueFor(ctx, chatID)
	if err != nil {
		a.reply(chatID, err.Error())
		return
	}
	req, err := a.rotation.RequestSwap(ctx, venueID, chatID, name, args)
	if err != nil {
		a.reply(chatID, fmt.Sprintf("Couldn't set up the swap: %v", err))
		return
	}
	a.send(a.bot, req.TargetChat, fmt.Sprintf(
		"↔️ %s asked you to take on-call week %s. Reply /confirmswap within 24h to accept.",
		req.RequesterName, req.WeekKey))
	a.reply(chatID, fmt.Sprintf("Swap offer sent to %s. It expires in 24h.", req.TargetName))
}

func (a *Adapter) handleConfirmSwap(ctx context.Context, chatID int64) {
	req, err := a.rotation.ConfirmSwap(ctx, chatID)
	if err != nil {
		a.reply(chatID, "No pending swap is waiting on you.")
		return
	}
	a.reply(chatID, fmt.Sprintf("✅ Confirmed — you have the pager for week %s.", req.WeekKey))
	a.send(a.bot, req.RequesterChat, fmt.Sprintf("✅ %s took your on-call week %s.", req.TargetName, req.WeekKey))
}

func (a *Adapter) handlePinVenue(ctx context.Context, chatID int64, args string) {
	if args == "" {
		a.reply(chatID, "Usage: /venue NAME")
		return
	}
	ids, err := a.rotation.VenuesForChat(ctx, chatID)
	if err != nil || len(ids) == 0 {
		a.reply(chatID, "You are not registered anywhere yet — /register CODE first.")
		return
	}
	needle := strings.ToLower(args)
	for _, id := range ids {
		v, err := a.db.GetVenue(ctx, id)
		if err != nil {
			continue
		}
		if strings.Contains(strings.ToLower(v.Name), needle) || id == args {
			a.pinVenue(chatID, id)
			a.reply(chatID, fmt.Sprintf("Active venue: %s", v.Name))
			return
		}
	}
	a.reply(chatID, "None of your venues match that name.")
}

// handleListVenues is admin-only: every venue with its live state.
func (a *Adapter) handleListVenues(ctx context.Context, chatID int64) {
	if chatID != a.adminChatID || a.adminChatID == 0 {
		a.reply(chatID, "That command is reserved for the admin chat.")
		return
	}
	venues, err := a.db.ListVenues(ctx)
	if err != nil {
		a.reply(chatID, "Venue list unavailable: "+err.Error())
		return
	}
	if len(venues) == 0 {
		a.reply(chatID, "No venues registered.")
		return
	}
	var b strings.Builder
	for _, v := range venues {
		mark := "🔴"
		if a.hub.Connected(v.ID) {
			mark = "🟢"
		}
		fmt.Fprintf(&b, "%s %s (%s)\n", mark, v.Name, v.ID)
	}
	a.reply(chatID, strings.TrimRight(b.String(), "\n"))
}

// handleIssueGuest is admin-only: mints a 24h guest token for a venue.
// Usage: /guest VENUE Display Name
func (a *Adapter) handleIssueGuest(ctx context.Context, chatID int64, args string) {
	if chatID != a.adminChatID || a.adminChatID == 0 {
		a.reply(chatID, "That command is reserved for the admin chat.")
		return
	}
	parts := strings.Fields(args)
	if len(parts) < 2 {
		a.reply(chatID, "Usage: /guest VENUE_ID DISPLAY NAME")
		return
	}
	venueID := parts[0]
	guestName := strings.Join(parts[1:], " ")

	if _, err := a.db.GetVenue(ctx, venueID); err != nil {
		if v, nerr := a.db.GetVenueByName(ctx, venueID); nerr == nil {
			venueID = v.ID
		} else {
			a.reply(chatID, "Unknown venue: "+venueID)
			return
		}
	}

	g, err := a.rotation.IssueGuestToken(ctx, venueID, guestName)
	if err != nil {
		a.reply(chatID, "Couldn't issue a guest token: "+err.Error())
		return
	}
	a.reply(chatID, fmt.Sprintf("Guest token for %s: %s\nThey claim it with /register %s (valid 24h).",
		guestName, g.Token, g.Token))
}
