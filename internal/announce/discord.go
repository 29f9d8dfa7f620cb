// Package announce posts turn milestones to a Discord channel webhook.
package announce

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"stockworks/internal/game"
)

type webhookExecutor interface {
	WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord is a game.Notifier. Only events a table of players cares about in
// chat are posted: a new turn, the operating round opening, insolvencies and
// games that stopped for intervention.
type Discord struct {
	exec      webhookExecutor
	webhookID string
	token     string
	log       *slog.Logger

	mu     sync.Mutex
	closed bool
	queue  chan game.Event
	wg     sync.WaitGroup
}

// NewDiscord parses a webhook URL of the form
// https://discord.com/api/webhooks/{id}/{token}.
func NewDiscord(webhookURL string, logger *slog.Logger) (*Discord, error) {
	id, token, err := parseWebhookURL(webhookURL)
	if err != nil {
		return nil, err
	}
	session, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return newDiscord(session, id, token, logger), nil
}

func newDiscord(exec webhookExecutor, id, token string, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Discord{
		exec:      exec,
		webhookID: id,
		token:     token,
		log:       logger,
		queue:     make(chan game.Event, 128),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func parseWebhookURL(raw string) (id, token string, err error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", fmt.Errorf("parse webhook url: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "webhooks" && parts[i+1] != "" && parts[i+2] != "" {
			return parts[i+1], parts[i+2], nil
		}
	}
	return "", "", fmt.Errorf("webhook url %q has no /webhooks/{id}/{token} path", u.Redacted())
}

func (d *Discord) Publish(gameID string, ev game.Event) {
	if Message(ev) == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.log.Debug("discord announce dropped after close", "game_id", gameID, "kind", ev.Kind)
		return
	}
	select {
	case d.queue <- ev:
	default:
		d.log.Warn("discord announce queue full", "game_id", gameID, "kind", ev.Kind)
	}
}

func (d *Discord) run() {
	defer d.wg.Done()
	for ev := range d.queue {
		_, err := d.exec.WebhookExecute(d.webhookID, d.token, false, &discordgo.WebhookParams{
			Username: "stockworks",
			Content:  Message(ev),
		})
		if err != nil {
			d.log.Error("discord announce failed", "game_id", ev.GameID, "kind", ev.Kind, "err", err)
		}
	}
}

// Close drains queued announcements and stops the sender. Later Publish
// calls are dropped.
func (d *Discord) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// Message renders the chat line for ev, or "" when ev is not announced.
func Message(ev game.Event) string {
	switch ev.Kind {
	case game.EventPhaseChanged:
		switch ev.Phase {
		case game.PhaseStockMeet:
			return fmt.Sprintf("**Turn %d** has started in game `%s`. The stock round opens shortly.", ev.Turn, ev.GameID)
		case game.PhaseORMeet1:
			return fmt.Sprintf("Turn %d: the operating round is opening in game `%s`. Get your votes ready.", ev.Turn, ev.GameID)
		case game.PhaseORInsolvency:
			return fmt.Sprintf("Turn %d: companies are short of cash in game `%s`. Shareholders can contribute now.", ev.Turn, ev.GameID)
		}
	case game.EventCompanyInsolvent:
		if c, ok := ev.Payload.(game.Company); ok {
			return fmt.Sprintf(":warning: **%s** went insolvent on turn %d.", c.Name, ev.Turn)
		}
		return fmt.Sprintf(":warning: A company went insolvent on turn %d.", ev.Turn)
	case game.EventGameLocked:
		if m, ok := ev.Payload.(map[string]any); ok && m["status"] == game.GameNeedsIntervention {
			return fmt.Sprintf(":octagonal_sign: Game `%s` stopped and needs an operator: %v", ev.GameID, m["reason"])
		}
	}
	return ""
}
