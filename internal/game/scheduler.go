package game

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// errStalePhase means the phase a caller asked to resolve is no longer
// current. Timers that lose the race with a manual advance end here.
var errStalePhase = errors.New("phase already resolved")

// Action is one client submission payload.
type Action interface {
	Kind() ActionKind
}

type OrderAction struct {
	CompanyID string
	Spec      OrderSpec
}

type VoteAction struct {
	CompanyID string
	Action    OperatingAction
}

type ContributionAction struct {
	CompanyID string
	Cash      int64
	Shares    int64
}

type PassAction struct{}

func (OrderAction) Kind() ActionKind        { return ActionKindOrder }
func (VoteAction) Kind() ActionKind         { return ActionKindVote }
func (ContributionAction) Kind() ActionKind { return ActionKindContribution }
func (PassAction) Kind() ActionKind         { return ActionKindPass }

type Submission struct {
	GameID         string
	PlayerID       string
	PhaseID        string
	IdempotencyKey string
	Action         Action
}

type Receipt struct {
	Kind         ActionKind              `json:"kind"`
	Phase        Phase                   `json:"phase"`
	Order        *PlayerOrder            `json:"order,omitempty"`
	Vote         *OperatingRoundVote     `json:"vote,omitempty"`
	Contribution *InsolvencyContribution `json:"contribution,omitempty"`
	Advanced     bool                    `json:"advanced"`
}

type gameSlot struct {
	mu        sync.Mutex
	manual    atomic.Bool
	resolving atomic.Bool
}

func (s *gameSlot) busy() bool { return s.manual.Load() || s.resolving.Load() }

type Scheduler struct {
	store    Store
	rules    Rules
	clock    Clock
	notifier Notifier
	observer Observer
	policy   PricePolicy
	log      *slog.Logger

	stock      *StockEngine
	voting     *VotingEngine
	production *ProductionEngine
	insolvency *InsolvencyResolver

	mu       sync.Mutex
	slots    map[string]*gameSlot
	timers   *timerSet
	closed   bool
	inflight sync.WaitGroup
}

type Option func(*Scheduler)

func WithClock(c Clock) Option { return func(s *Scheduler) { s.clock = c } }

func WithNotifier(n Notifier) Option { return func(s *Scheduler) { s.notifier = n } }

func WithObserver(o Observer) Option { return func(s *Scheduler) { s.observer = o } }

func WithLogger(l *slog.Logger) Option { return func(s *Scheduler) { s.log = l } }

// WithPricePolicy replaces the step-track policy built from the rules.
func WithPricePolicy(p PricePolicy) Option { return func(s *Scheduler) { s.policy = p } }

func NewScheduler(store Store, rules Rules, opts ...Option) (*Scheduler, error) {
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	s := &Scheduler{
		store:    store,
		rules:    rules,
		clock:    SystemClock(),
		notifier: nopNotifier{},
		observer: nopObserver{},
		log:      slog.Default(),
		slots:    make(map[string]*gameSlot),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.policy == nil {
		s.policy = NewStepTrack(rules)
	}
	now := s.clock.Now
	s.stock = NewStockEngine(rules, s.policy, now)
	s.voting = NewVotingEngine(rules, now)
	s.production = NewProductionEngine(rules, s.policy, now)
	s.insolvency = NewInsolvencyResolver(rules, now)
	s.timers = newTimerSet(s.clock)
	return s, nil
}

func (s *Scheduler) Rules() Rules { return s.rules }

// Close stops every pending phase timer and waits for timed advances that
// already started.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.timers.stopAll()
	s.inflight.Wait()
}

func (s *Scheduler) slot(gameID string) *gameSlot {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[gameID]
	if !ok {
		sl = &gameSlot{}
		s.slots[gameID] = sl
	}
	return sl
}

// State returns the game's read view.
func (s *Scheduler) State(ctx context.Context, gameID string) (GameState, error) {
	return s.store.State(ctx, gameID)
}

// SubmitAction validates and records one submission while holding the
// game's writer lock for the whole transaction. When the submission
// completes the set of expected responses the phase is resolved and the
// game advances before the lock is released.
func (s *Scheduler) SubmitAction(ctx context.Context, sub Submission) (Receipt, error) {
	rec, err := s.submit(ctx, sub)
	kind := ActionKind("")
	if sub.Action != nil {
		kind = sub.Action.Kind()
	}
	s.observer.Submitted(kind, err)
	return rec, err
}

func (s *Scheduler) submit(ctx context.Context, sub Submission) (Receipt, error) {
	if sub.Action == nil {
		return Receipt{}, fmt.Errorf("%w: empty submission", ErrWrongPhase)
	}
	sl := s.slot(sub.GameID)
	if sl.busy() {
		return Receipt{}, ErrGameBusy
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.busy() {
		return Receipt{}, ErrGameBusy
	}

	rec := Receipt{Kind: sub.Action.Kind()}
	var (
		g      Game
		events []Event
		allIn  bool
	)
	err := s.store.InTx(ctx, sub.GameID, func(tx Tx) error {
		events = events[:0]
		var err error
		g, err = tx.Game(ctx)
		if err != nil {
			return err
		}
		if g.Status != GameActive {
			return ErrGameClosed
		}
		if g.InputLocked {
			return ErrGameBusy
		}
		phase, err := tx.Phase(ctx, g.CurrentPhaseID)
		if err != nil {
			return err
		}
		if sub.PhaseID == "" {
			return fmt.Errorf("%w: submission names no phase, current is %s", ErrWrongPhase, phase.ID)
		}
		if sub.PhaseID != phase.ID {
			return fmt.Errorf("%w: submitted for %s, current is %s", ErrWrongPhase, sub.PhaseID, phase.ID)
		}
		if phase.Resolved() || !Accepts(phase.Name, phase.RoundType, rec.Kind) {
			return fmt.Errorf("%w: %s not accepted in %s", ErrWrongPhase, rec.Kind, phase.Name)
		}
		if _, err := tx.Player(ctx, sub.PlayerID); err != nil {
			return err
		}
		if err := tx.ClaimIdempotency(ctx, sub.PlayerID, sub.IdempotencyKey, string(rec.Kind)); err != nil {
			return err
		}
		rec.Phase = phase
		now := s.clock.Now()

		respond := false
		switch a := sub.Action.(type) {
		case OrderAction:
			o, err := s.stock.PlaceOrder(ctx, tx, OrderInput{
				GameID: g.ID, PlayerID: sub.PlayerID, CompanyID: a.CompanyID, PhaseID: phase.ID, Spec: a.Spec,
			})
			if err != nil {
				return err
			}
			rec.Order = &o
			events = append(events, NewEvent(g, phase.Name, EventOrderPlaced, o, now))
			respond = true
		case VoteAction:
			v, err := s.voting.CastVote(ctx, tx, VoteInput{
				GameID: g.ID, PlayerID: sub.PlayerID, CompanyID: a.CompanyID, PhaseID: phase.ID, Action: a.Action,
			})
			if err != nil {
				return err
			}
			rec.Vote = &v
			events = append(events, NewEvent(g, phase.Name, EventVoteCast, v, now))
		case ContributionAction:
			c, err := s.insolvency.Contribute(ctx, tx, ContributionInput{
				GameID: g.ID, PlayerID: sub.PlayerID, CompanyID: a.CompanyID, PhaseID: phase.ID, Cash: a.Cash, Shares: a.Shares,
			})
			if err != nil {
				return err
			}
			rec.Contribution = &c
			events = append(events, NewEvent(g, phase.Name, EventContributionMade, c, now))
		case PassAction:
			respond = true
		default:
			return fmt.Errorf("%w: unknown action %T", ErrWrongPhase, sub.Action)
		}

		if !respond {
			return nil
		}
		n, err := tx.MarkResponded(ctx, phase.ID, sub.PlayerID)
		if err != nil {
			return err
		}
		expected, err := s.expectedResponses(ctx, tx, phase)
		if err != nil {
			return err
		}
		allIn = n >= expected
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrConfig) {
			s.flagIntervention(ctx, sub.GameID, err)
		}
		return Receipt{}, err
	}
	s.publish(g.ID, events)

	if allIn {
		_, err := s.advanceLocked(ctx, sl, sub.GameID, rec.Phase.ID)
		switch {
		case err == nil:
			rec.Advanced = true
		case !errors.Is(err, errStalePhase):
			s.log.Error("advance after all responses failed", "game_id", sub.GameID, "phase_id", rec.Phase.ID, "err", err)
		}
	}
	return rec, nil
}

// expectedResponses is how many players must order or pass before the phase
// resolves early. OR_INSOLVENCY waits for nobody when no company is short.
func (s *Scheduler) expectedResponses(ctx context.Context, tx Tx, phase Phase) (int, error) {
	if IsResolutionOnly(phase.Name, phase.RoundType) {
		return 0, nil
	}
	if phase.Name == PhaseORInsolvency {
		n, err := DeficitCount(ctx, tx)
		if err != nil || n == 0 {
			return 0, err
		}
	}
	players, err := tx.ListPlayers(ctx)
	if err != nil {
		return 0, err
	}
	return len(players), nil
}

// AdvancePhase resolves the current phase and moves the game on, skipping
// through resolution-only phases.
func (s *Scheduler) AdvancePhase(ctx context.Context, gameID string) (Phase, error) {
	sl := s.slot(gameID)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return s.advanceLocked(ctx, sl, gameID, "")
}

// advanceLocked requires sl.mu. expectPhaseID, when set, makes the call a
// no-op unless that phase is still current and unresolved.
func (s *Scheduler) advanceLocked(ctx context.Context, sl *gameSlot, gameID, expectPhaseID string) (Phase, error) {
	sl.resolving.Store(true)
	defer sl.resolving.Store(false)

	var current Phase
	for range len(phaseTable) + 1 {
		started := s.clock.Now()
		from, next, cont, err := s.transition(ctx, gameID, expectPhaseID)
		s.observer.Resolved(from.Name, s.clock.Now().Sub(started), err)
		if err != nil {
			if errors.Is(err, errStalePhase) {
				return current, err
			}
			s.failResolution(ctx, gameID, from, err)
			return current, err
		}
		current = next
		if !cont {
			s.timers.arm(gameID, next.ID, next.EndsAt.Sub(s.clock.Now()), s.onTimer)
			return current, nil
		}
		expectPhaseID = next.ID
	}
	s.timers.arm(gameID, current.ID, current.EndsAt.Sub(s.clock.Now()), s.onTimer)
	return current, nil
}

// transition resolves one phase and opens its successor in a single
// transaction. cont reports that the new phase needs no player input.
func (s *Scheduler) transition(ctx context.Context, gameID, expectPhaseID string) (from, next Phase, cont bool, err error) {
	var events []Event
	var g Game
	err = s.store.InTx(ctx, gameID, func(tx Tx) error {
		events = events[:0]
		var err error
		g, err = tx.Game(ctx)
		if err != nil {
			return err
		}
		if g.Status != GameActive {
			return ErrGameClosed
		}
		from, err = tx.Phase(ctx, g.CurrentPhaseID)
		if err != nil {
			return err
		}
		if from.Resolved() || (expectPhaseID != "" && from.ID != expectPhaseID) {
			return errStalePhase
		}

		resolved, err := s.resolve(ctx, tx, from)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", from.Name, err)
		}
		events = append(events, resolved...)

		now := s.clock.Now()
		at := now.UTC()
		from.ResolvedAt = &at
		if err := tx.UpdatePhase(ctx, from); err != nil {
			return err
		}

		// Re-read: resolution may have touched the game row.
		g, err = tx.Game(ctx)
		if err != nil {
			return err
		}
		name, round, newTurn := NextPhase(from.Name, from.RoundType)
		if newTurn {
			g.Turn++
		}
		next = Phase{
			ID:        uuid.NewString(),
			GameID:    g.ID,
			Name:      name,
			RoundType: round,
			Turn:      g.Turn,
			Seq:       from.Seq + 1,
			StartedAt: at,
			EndsAt:    at.Add(s.rules.PhaseDuration(name)),
		}
		if err := tx.CreatePhase(ctx, next); err != nil {
			return err
		}
		g.CurrentPhaseID = next.ID
		g.UpdatedAt = at
		if err := tx.UpdateGame(ctx, g); err != nil {
			return err
		}
		if err := s.enter(ctx, tx, next); err != nil {
			return fmt.Errorf("enter %s: %w", next.Name, err)
		}

		expected, err := s.expectedResponses(ctx, tx, next)
		if err != nil {
			return err
		}
		cont = expected == 0
		events = append(events, NewEvent(g, next.Name, EventPhaseChanged, map[string]any{
			"from":      from.Name,
			"phase":     next,
			"turn":      g.Turn,
			"automatic": cont,
		}, now))
		return nil
	})
	if err != nil {
		return from, Phase{}, false, err
	}
	s.publish(gameID, events)
	return from, next, cont, nil
}

// resolve runs the batch work attached to leaving a phase.
func (s *Scheduler) resolve(ctx context.Context, tx Tx, phase Phase) ([]Event, error) {
	g, err := tx.Game(ctx)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	var events []Event
	priceEvents := func(changes []PriceChange) {
		for _, c := range changes {
			events = append(events, NewEvent(g, phase.Name, EventPriceChanged, c, now))
		}
	}

	switch phase.Name {
	case PhaseStockMeet:
		_, err = s.stock.OpenStockRound(ctx, tx)
	case PhaseStock1, PhaseStock2, PhaseStock3:
		var res SubRoundResult
		res, err = s.stock.ResolveSubRound(ctx, tx, phase)
		if err == nil {
			events = append(events, NewEvent(g, phase.Name, EventOrdersSettled, res, now))
			priceEvents(res.Prices)
		}
	case PhaseStockResolveLimitOrder:
		var res SubRoundResult
		res, err = s.stock.SettleLimitOrders(ctx, tx)
		if err == nil {
			events = append(events, NewEvent(g, phase.Name, EventOrdersSettled, res, now))
		}
	case PhaseORMeet1:
		_, err = s.voting.OpenOperatingRound(ctx, tx)
	case PhaseORResolveVotes:
		var actions []CompanyAction
		actions, err = s.voting.ResolveVotes(ctx, tx)
		if err == nil {
			actions, err = ApplyActions(ctx, tx, s.rules, actions)
		}
		if err == nil {
			events = append(events, NewEvent(g, phase.Name, EventActionsResolved, actions, now))
		}
	case PhaseORProduction:
		var out ProductionOutcome
		out, err = s.production.Resolve(ctx, tx)
		if err == nil {
			events = append(events, NewEvent(g, phase.Name, EventProductionResolved, out, now))
			priceEvents(out.Prices)
		}
	case PhaseORResolveInsolvency:
		var insolvent []Company
		_, insolvent, err = s.insolvency.Resolve(ctx, tx)
		for _, c := range insolvent {
			events = append(events, NewEvent(g, phase.Name, EventCompanyInsolvent, c, now))
		}
	case PhaseEndTurn:
		var res SubRoundResult
		res, err = s.stock.CloseTurn(ctx, tx)
		if err == nil {
			events = append(events, NewEvent(g, phase.Name, EventOrdersSettled, res, now))
		}
	}
	return events, err
}

// enter prepares per-phase records for a phase that just became current.
func (s *Scheduler) enter(ctx context.Context, tx Tx, phase Phase) error {
	if StockSubRoundNumber(phase.Name) > 0 {
		_, err := s.stock.OpenSubRound(ctx, tx, phase)
		return err
	}
	return nil
}

func (s *Scheduler) failResolution(ctx context.Context, gameID string, phase Phase, err error) {
	if errors.Is(err, ErrConfig) {
		s.flagIntervention(ctx, gameID, err)
		return
	}
	if errors.Is(err, ErrGameClosed) || errors.Is(err, ErrGameNotFound) {
		s.timers.cancel(gameID)
		return
	}
	s.log.Error("phase resolution failed, retrying", "game_id", gameID, "phase", phase.Name, "phase_id", phase.ID, "retry_in", s.rules.RetryBackoff, "err", err)
	if phase.ID != "" {
		s.timers.arm(gameID, phase.ID, s.rules.RetryBackoff, s.onTimer)
	}
}

// flagIntervention parks the game for an operator. No timer is re-armed.
func (s *Scheduler) flagIntervention(ctx context.Context, gameID string, cause error) {
	ctx = context.WithoutCancel(ctx)
	s.timers.cancel(gameID)
	s.log.Error("game needs intervention", "game_id", gameID, "err", cause)
	var g Game
	err := s.store.InTx(ctx, gameID, func(tx Tx) error {
		var err error
		g, err = tx.Game(ctx)
		if err != nil {
			return err
		}
		g.Status = GameNeedsIntervention
		g.LastError = cause.Error()
		g.UpdatedAt = s.clock.Now().UTC()
		return tx.UpdateGame(ctx, g)
	})
	if err != nil {
		s.log.Error("flag game for intervention failed", "game_id", gameID, "err", err)
		return
	}
	s.publish(gameID, []Event{NewEvent(g, "", EventGameLocked, map[string]any{
		"locked": true,
		"status": g.Status,
		"reason": g.LastError,
	}, s.clock.Now())})
}

func (s *Scheduler) onTimer(gameID, phaseID string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	sl := s.slot(gameID)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if _, err := s.advanceLocked(ctx, sl, gameID, phaseID); err != nil && !errors.Is(err, errStalePhase) {
		s.log.Warn("timed phase advance failed", "game_id", gameID, "phase_id", phaseID, "err", err)
	}
}

// SetInputLock sets or clears the operator input lock. Submissions fail
// with ErrGameBusy from the moment the flag is set.
func (s *Scheduler) SetInputLock(ctx context.Context, gameID string, locked bool) error {
	sl := s.slot(gameID)
	prev := sl.manual.Swap(locked)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	var g Game
	err := s.store.InTx(ctx, gameID, func(tx Tx) error {
		var err error
		g, err = tx.Game(ctx)
		if err != nil {
			return err
		}
		g.InputLocked = locked
		g.UpdatedAt = s.clock.Now().UTC()
		return tx.UpdateGame(ctx, g)
	})
	if err != nil {
		sl.manual.Store(prev)
		return err
	}
	s.publish(gameID, []Event{NewEvent(g, "", EventGameLocked, map[string]any{"locked": locked}, s.clock.Now())})
	return nil
}

// ExpireDue advances every game whose current phase deadline has passed.
// It is the recovery path for phases whose timer was lost with a process.
func (s *Scheduler) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	due, err := s.store.ListDuePhases(ctx, now)
	if err != nil {
		return 0, err
	}
	advanced := 0
	var errs []error
	for _, p := range due {
		sl := s.slot(p.GameID)
		sl.mu.Lock()
		_, err := s.advanceLocked(ctx, sl, p.GameID, p.ID)
		sl.mu.Unlock()
		switch {
		case err == nil:
			advanced++
		case errors.Is(err, errStalePhase):
		default:
			errs = append(errs, fmt.Errorf("game %s: %w", p.GameID, err))
		}
	}
	return advanced, errors.Join(errs...)
}

// Recover re-arms the timer for the game's current phase and restores its
// input lock after a restart.
func (s *Scheduler) Recover(ctx context.Context, gameID string) error {
	st, err := s.store.State(ctx, gameID)
	if err != nil {
		return err
	}
	sl := s.slot(gameID)
	sl.manual.Store(st.Game.InputLocked)
	if st.Game.Status != GameActive || st.Phase.ID == "" || st.Phase.Resolved() {
		return nil
	}
	s.timers.arm(gameID, st.Phase.ID, st.Phase.EndsAt.Sub(s.clock.Now()), s.onTimer)
	return nil
}

func (s *Scheduler) RecoverAll(ctx context.Context) (int, error) {
	ids, err := s.store.ActiveGames(ctx)
	if err != nil {
		return 0, err
	}
	var errs []error
	for _, id := range ids {
		if err := s.Recover(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("game %s: %w", id, err))
		}
	}
	return len(ids), errors.Join(errs...)
}

func (s *Scheduler) publish(gameID string, events []Event) {
	for _, ev := range events {
		s.notifier.Publish(gameID, ev)
	}
}
