package announce

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"stockworks/internal/game"
)

type fakeWebhook struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (f *fakeWebhook) WebhookExecute(id, token string, wait bool, data *discordgo.WebhookParams, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, id+"/"+token+": "+data.Content)
	return nil, f.err
}

func at(phase game.PhaseName, kind game.EventKind, payload any) game.Event {
	return game.NewEvent(game.Game{ID: "g1", Turn: 4}, phase, kind, payload, time.Now())
}

func TestParseWebhookURL(t *testing.T) {
	id, token, err := parseWebhookURL("https://discord.com/api/webhooks/123/abc-def")
	if err != nil || id != "123" || token != "abc-def" {
		t.Fatalf("got %q %q %v", id, token, err)
	}
	if _, _, err := parseWebhookURL("https://discord.com/api/channels/123"); err == nil {
		t.Fatal("expected error for a non webhook url")
	}
}

func TestMessageFiltersEvents(t *testing.T) {
	tests := []struct {
		name string
		ev   game.Event
		want string
	}{
		{"new turn", at(game.PhaseStockMeet, game.EventPhaseChanged, nil), "**Turn 4**"},
		{"operating round", at(game.PhaseORMeet1, game.EventPhaseChanged, nil), "operating round"},
		{"sub round is quiet", at(game.PhaseStock2, game.EventPhaseChanged, nil), ""},
		{"insolvent", at(game.PhaseORResolveInsolvency, game.EventCompanyInsolvent, game.Company{Name: "Acme"}), "**Acme** went insolvent"},
		{"intervention", at("", game.EventGameLocked, map[string]any{"status": game.GameNeedsIntervention, "reason": "bad rules"}), "bad rules"},
		{"manual lock is quiet", at("", game.EventGameLocked, map[string]any{"locked": true}), ""},
		{"orders are quiet", at(game.PhaseStock1, game.EventOrderPlaced, nil), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Message(tt.ev)
			if tt.want == "" && got != "" {
				t.Fatalf("announced %q", got)
			}
			if !strings.Contains(got, tt.want) {
				t.Fatalf("message %q lacks %q", got, tt.want)
			}
		})
	}
}

func TestDiscordSendsOnlyAnnouncedEvents(t *testing.T) {
	hook := &fakeWebhook{err: errors.New("rate limited")}
	d := newDiscord(hook, "123", "tok", nil)
	d.Publish("g1", at(game.PhaseStock1, game.EventOrderPlaced, nil))
	d.Publish("g1", at(game.PhaseStockMeet, game.EventPhaseChanged, nil))
	d.Publish("g1", at(game.PhaseORMeet1, game.EventPhaseChanged, nil))
	d.Close()

	hook.mu.Lock()
	defer hook.mu.Unlock()
	if len(hook.sent) != 2 {
		t.Fatalf("sent = %v", hook.sent)
	}
	if !strings.HasPrefix(hook.sent[0], "123/tok: **Turn 4**") {
		t.Fatalf("first = %q", hook.sent[0])
	}
}

func TestDiscordPublishAfterCloseIsDropped(t *testing.T) {
	hook := &fakeWebhook{}
	d := newDiscord(hook, "123", "tok", nil)
	d.Publish("g1", at(game.PhaseStockMeet, game.EventPhaseChanged, nil))
	d.Close()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Publish("g1", at(game.PhaseORMeet1, game.EventPhaseChanged, nil))
		}()
	}
	wg.Wait()
	d.Close()

	hook.mu.Lock()
	defer hook.mu.Unlock()
	if len(hook.sent) != 1 {
		t.Fatalf("sent = %v", hook.sent)
	}
}

func TestDiscordCloseRacesPublish(t *testing.T) {
	d := newDiscord(&fakeWebhook{}, "123", "tok", nil)
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Publish("g1", at(game.PhaseStockMeet, game.EventPhaseChanged, nil))
		}()
	}
	d.Close()
	wg.Wait()
}
