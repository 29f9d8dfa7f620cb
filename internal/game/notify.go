package game

import (
	"time"

	"github.com/google/uuid"
)

type EventKind string

const (
	EventPhaseChanged       EventKind = "phase-changed"
	EventOrderPlaced        EventKind = "order-placed"
	EventOrdersSettled      EventKind = "orders-settled"
	EventVoteCast           EventKind = "vote-cast"
	EventActionsResolved    EventKind = "actions-resolved"
	EventContributionMade   EventKind = "contribution-made"
	EventProductionResolved EventKind = "production-resolved"
	EventPriceChanged       EventKind = "price-changed"
	EventCompanyInsolvent   EventKind = "company-insolvent"
	EventGameLocked         EventKind = "game-locked"
)

// Event is a domain notification published after the transaction that
// produced it commits.
type Event struct {
	ID      string    `json:"id"`
	GameID  string    `json:"game_id"`
	Kind    EventKind `json:"kind"`
	Turn    int       `json:"turn"`
	Phase   PhaseName `json:"phase"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload,omitempty"`
}

func NewEvent(g Game, phase PhaseName, kind EventKind, payload any, at time.Time) Event {
	return Event{
		ID:      uuid.NewString(),
		GameID:  g.ID,
		Kind:    kind,
		Turn:    g.Turn,
		Phase:   phase,
		At:      at.UTC(),
		Payload: payload,
	}
}

// Notifier delivers events best effort. Publish must not block on slow
// consumers and its failures never affect game state.
type Notifier interface {
	Publish(gameID string, ev Event)
}

type NotifierFunc func(gameID string, ev Event)

func (f NotifierFunc) Publish(gameID string, ev Event) { f(gameID, ev) }

// Notifiers fans one event out to several notifiers in order.
type Notifiers []Notifier

func (ns Notifiers) Publish(gameID string, ev Event) {
	for _, n := range ns {
		if n != nil {
			n.Publish(gameID, ev)
		}
	}
}

type nopNotifier struct{}

func (nopNotifier) Publish(string, Event) {}

// Observer receives timing and outcome signals for metrics.
type Observer interface {
	Submitted(kind ActionKind, err error)
	Resolved(phase PhaseName, took time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) Submitted(ActionKind, error) {}
func (nopObserver) Resolved(PhaseName, time.Duration, error) {}
