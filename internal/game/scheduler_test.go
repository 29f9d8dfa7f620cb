package game

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(_ string, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func (r *recorder) count(kind EventKind) int {
	n := 0
	for _, k := range r.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

type countingObserver struct {
	mu        sync.Mutex
	submitted map[ActionKind]int
	failed    int
	resolved  []PhaseName
}

func (o *countingObserver) Submitted(kind ActionKind, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.submitted == nil {
		o.submitted = make(map[ActionKind]int)
	}
	o.submitted[kind]++
	if err != nil {
		o.failed++
	}
}

func (o *countingObserver) Resolved(phase PhaseName, _ time.Duration, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resolved = append(o.resolved, phase)
}

type harness struct {
	sched    *Scheduler
	store    *MemoryStore
	clock    *fakeClock
	events   *recorder
	observer *countingObserver
	gameID   string
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testSetup(companyCash int64) GameSetup {
	return GameSetup{
		Name:     "friday",
		Seed:     42,
		BankPool: 10000,
		Players:  []PlayerSetup{{ID: "alice", Name: "Alice"}, {ID: "bob", Name: "Bob"}},
		Sectors:  []SectorSetup{{Name: "food", Consumers: 10, BaseDemand: 1}},
		Companies: []CompanySetup{{
			Name: "Acme", Sector: "food", Tier: 1, StockPrice: 50, UnitPrice: 10,
			ResourceType: "grain", BaseDemand: 2, FactorySize: 1, IPOShares: 10, Cash: companyCash,
		}},
	}
}

func newHarness(t *testing.T, setup GameSetup) *harness {
	t.Helper()
	h := &harness{store: NewMemoryStore(), clock: newFakeClock(), events: &recorder{}, observer: &countingObserver{}}
	sched, err := NewScheduler(h.store, testRules(),
		WithClock(h.clock),
		WithNotifier(h.events),
		WithObserver(h.observer),
		WithLogger(quietLogger()),
	)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	t.Cleanup(sched.Close)
	st, err := sched.CreateGame(context.Background(), setup)
	if err != nil {
		t.Fatalf("create game: %v", err)
	}
	h.sched, h.gameID = sched, st.Game.ID
	return h
}

func (h *harness) state(t *testing.T) GameState {
	t.Helper()
	st, err := h.sched.State(context.Background(), h.gameID)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	return st
}

// submit targets whatever phase the game is in right now.
func (h *harness) submit(playerID string, a Action) (Receipt, error) {
	ctx := context.Background()
	st, err := h.sched.State(ctx, h.gameID)
	if err != nil {
		return Receipt{}, err
	}
	return h.sched.SubmitAction(ctx, Submission{GameID: h.gameID, PlayerID: playerID, PhaseID: st.Phase.ID, Action: a})
}

func (h *harness) advanceTo(t *testing.T, name PhaseName) {
	t.Helper()
	for range 2 * len(phaseTable) {
		if h.state(t).Phase.Name == name {
			return
		}
		if _, err := h.sched.AdvancePhase(context.Background(), h.gameID); err != nil {
			t.Fatalf("advance: %v", err)
		}
	}
	t.Fatalf("never reached %s", name)
}

func (h *harness) companyID(t *testing.T) string {
	t.Helper()
	return h.state(t).Companies[0].ID
}

func TestCreateGameOpensFirstStockMeet(t *testing.T) {
	h := newHarness(t, testSetup(100))
	st := h.state(t)
	if st.Game.Turn != 1 || st.Phase.Name != PhaseStockMeet || st.Phase.RoundType != RoundStock {
		t.Fatalf("state = %+v / %+v", st.Game, st.Phase)
	}
	if len(st.Players) != 2 || st.Players[0].CashOnHand != testRules().StartingCash {
		t.Fatalf("players = %+v", st.Players)
	}
	if len(st.Sectors) != 1 || len(st.Sectors[0].Bag) != 1 || !st.Sectors[0].Bag[0].IsPermanent {
		t.Fatalf("sector bag = %+v", st.Sectors)
	}
	if got := st.Companies[0].SupplyBase; got != 4 {
		t.Fatalf("supply base defaults to factory customers, got %d", got)
	}
	if id, ok := h.sched.timers.pending(h.gameID); !ok || id != st.Phase.ID {
		t.Fatalf("timer armed for %q (%v), want %q", id, ok, st.Phase.ID)
	}
	if h.events.count(EventPhaseChanged) != 1 {
		t.Fatalf("events = %v", h.events.kinds())
	}
}

func TestCreateGameRejectsBadSetup(t *testing.T) {
	sched, err := NewScheduler(NewMemoryStore(), testRules(), WithClock(newFakeClock()), WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	bad := testSetup(0)
	bad.Companies[0].Sector = "metal"
	if _, err := sched.CreateGame(context.Background(), bad); !errors.Is(err, ErrInvalidSetup) {
		t.Fatalf("unknown sector: got %v", err)
	}
	bad = testSetup(0)
	bad.Companies[0].Tier = 7
	if _, err := sched.CreateGame(context.Background(), bad); !errors.Is(err, ErrConfig) {
		t.Fatalf("unknown tier: got %v", err)
	}
}

func TestAllPlayersPassingAdvancesThePhase(t *testing.T) {
	h := newHarness(t, testSetup(100))
	first := h.state(t).Phase

	rec, err := h.submit("alice", PassAction{})
	if err != nil || rec.Advanced {
		t.Fatalf("first pass: advanced=%v err=%v", rec.Advanced, err)
	}
	rec, err = h.submit("bob", PassAction{})
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if !rec.Advanced {
		t.Fatal("phase did not advance after every player passed")
	}
	st := h.state(t)
	if st.Phase.Name != PhaseStock1 || st.Phase.ID == first.ID {
		t.Fatalf("phase = %s", st.Phase.Name)
	}
	if id, _ := h.sched.timers.pending(h.gameID); id != st.Phase.ID {
		t.Fatalf("timer still armed for %s", id)
	}
}

func TestVotesDoNotCountAsResponses(t *testing.T) {
	h := newHarness(t, testSetup(100))
	h.advanceTo(t, PhaseStock1)
	acme := h.companyID(t)
	if _, err := h.submit("alice", OrderAction{CompanyID: acme, Spec: MarketOrder{Quantity: 2, Location: LocationIPO}}); err != nil {
		t.Fatalf("order: %v", err)
	}
	h.advanceTo(t, PhaseOR1)

	rec, err := h.submit("alice", VoteAction{CompanyID: acme, Action: ActionResearch})
	if err != nil || rec.Vote == nil || rec.Vote.Weight != 2 {
		t.Fatalf("vote: %+v %v", rec, err)
	}
	if _, err := h.submit("bob", PassAction{}); err != nil {
		t.Fatalf("bob pass: %v", err)
	}
	if h.state(t).Phase.Name != PhaseOR1 {
		t.Fatal("phase advanced although alice has not passed")
	}
}

func TestTimerAdvancesThePhase(t *testing.T) {
	h := newHarness(t, testSetup(100))
	h.clock.Advance(29 * time.Second)
	if h.state(t).Phase.Name != PhaseStockMeet {
		t.Fatal("advanced before the deadline")
	}
	h.clock.Advance(time.Second)
	if got := h.state(t).Phase.Name; got != PhaseStock1 {
		t.Fatalf("phase after deadline = %s", got)
	}
	if h.clock.pending() != 1 {
		t.Fatalf("pending timers = %d, want 1", h.clock.pending())
	}
}

func TestStaleTimerIsIgnored(t *testing.T) {
	h := newHarness(t, testSetup(100))
	stale := h.state(t).Phase.ID
	if _, err := h.sched.AdvancePhase(context.Background(), h.gameID); err != nil {
		t.Fatalf("advance: %v", err)
	}
	current := h.state(t).Phase

	h.sched.onTimer(h.gameID, stale)
	if got := h.state(t).Phase; got.ID != current.ID {
		t.Fatalf("stale timer moved the game to %s", got.Name)
	}
}

func TestResolutionOnlyPhasesChainThrough(t *testing.T) {
	h := newHarness(t, testSetup(1000))
	h.advanceTo(t, PhaseStock3)

	next, err := h.sched.AdvancePhase(context.Background(), h.gameID)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if next.Name != PhaseORMeet1 || next.RoundType != RoundOperating {
		t.Fatalf("STOCK_3 advanced to %s, want OR_MEET_1", next.Name)
	}

	h.advanceTo(t, PhaseOR1)
	next, err = h.sched.AdvancePhase(context.Background(), h.gameID)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	// No company is short, so OR_INSOLVENCY waits for nobody.
	if next.Name != PhaseStockMeet || next.Turn != 2 {
		t.Fatalf("OR_1 advanced to %s turn %d", next.Name, next.Turn)
	}
	if st := h.state(t); st.Game.Turn != 2 {
		t.Fatalf("game turn = %d", st.Game.Turn)
	}
	if h.events.count(EventProductionResolved) != 1 || h.events.count(EventActionsResolved) != 1 {
		t.Fatalf("events = %v", h.events.kinds())
	}
}

func TestInsolvencyPhaseWaitsWhenACompanyIsShort(t *testing.T) {
	setup := testSetup(0)
	setup.Companies[0].BaseDemand = 0
	setup.Sectors[0].BaseDemand = 0
	h := newHarness(t, setup)
	h.advanceTo(t, PhaseOR1)

	next, err := h.sched.AdvancePhase(context.Background(), h.gameID)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if next.Name != PhaseORInsolvency {
		t.Fatalf("stopped at %s, want OR_INSOLVENCY", next.Name)
	}
	if c := h.state(t).Companies[0]; c.Status != CompanyInDeficit || c.Deficit != 20 {
		t.Fatalf("company = %+v", c)
	}
}

func TestSubmissionsRejectedWhileLocked(t *testing.T) {
	h := newHarness(t, testSetup(100))
	ctx := context.Background()
	if err := h.sched.SetInputLock(ctx, h.gameID, true); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := h.submit("alice", PassAction{}); !errors.Is(err, ErrGameBusy) {
		t.Fatalf("got %v want ErrGameBusy", err)
	}
	if !h.state(t).Game.InputLocked {
		t.Fatal("lock not persisted")
	}
	if err := h.sched.SetInputLock(ctx, h.gameID, false); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if _, err := h.submit("alice", PassAction{}); err != nil {
		t.Fatalf("after unlock: %v", err)
	}
	if h.events.count(EventGameLocked) != 2 {
		t.Fatalf("events = %v", h.events.kinds())
	}
}

func TestSubmissionForWrongPhase(t *testing.T) {
	h := newHarness(t, testSetup(100))
	acme := h.companyID(t)
	_, err := h.submit("alice", OrderAction{CompanyID: acme, Spec: MarketOrder{Quantity: 1, Location: LocationIPO}})
	if !errors.Is(err, ErrWrongPhase) {
		t.Fatalf("order in STOCK_MEET: got %v", err)
	}

	stale := h.state(t).Phase.ID
	h.advanceTo(t, PhaseStock1)
	_, err = h.sched.SubmitAction(context.Background(), Submission{
		GameID: h.gameID, PlayerID: "alice", PhaseID: stale, Action: PassAction{},
	})
	if !errors.Is(err, ErrWrongPhase) {
		t.Fatalf("stale phase id: got %v", err)
	}
	if _, err := h.submit("mallory", PassAction{}); !errors.Is(err, ErrPlayerNotFound) {
		t.Fatalf("unknown player: got %v", err)
	}
	if h.observer.failed != 3 {
		t.Fatalf("observer saw %d failures, want 3", h.observer.failed)
	}
}

func TestSubmissionMustNamePhase(t *testing.T) {
	h := newHarness(t, testSetup(100))
	h.advanceTo(t, PhaseStock1)
	acme := h.companyID(t)
	order := OrderAction{CompanyID: acme, Spec: MarketOrder{Quantity: 1, Location: LocationIPO}}
	for _, phaseID := range []string{"", "   "} {
		_, err := h.sched.SubmitAction(context.Background(), Submission{
			GameID: h.gameID, PlayerID: "alice", PhaseID: phaseID, Action: order,
		})
		if !errors.Is(err, ErrWrongPhase) {
			t.Fatalf("phase id %q: got %v want ErrWrongPhase", phaseID, err)
		}
	}
	if n := h.events.count(EventOrderPlaced); n != 0 {
		t.Fatalf("rejected orders published %d events", n)
	}
	if p := h.state(t).Players[0]; p.MarketOrderActions != testRules().MarketOrderActions {
		t.Fatalf("rejected order spent an action: %+v", p)
	}
	if _, err := h.submit("alice", order); err != nil {
		t.Fatalf("order naming the phase: %v", err)
	}
}

func TestIdempotencyKeyIsSingleUse(t *testing.T) {
	h := newHarness(t, testSetup(100))
	h.advanceTo(t, PhaseStock1)
	acme := h.companyID(t)
	sub := Submission{
		GameID: h.gameID, PlayerID: "alice", PhaseID: h.state(t).Phase.ID, IdempotencyKey: "k-1",
		Action: OrderAction{CompanyID: acme, Spec: MarketOrder{Quantity: 1, Location: LocationIPO}},
	}
	if _, err := h.sched.SubmitAction(context.Background(), sub); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := h.sched.SubmitAction(context.Background(), sub); !errors.Is(err, ErrDuplicateIdempotency) {
		t.Fatalf("replay: got %v", err)
	}
	if h.events.count(EventOrderPlaced) != 1 {
		t.Fatalf("events = %v", h.events.kinds())
	}
}

func TestConfigErrorFlagsGameForIntervention(t *testing.T) {
	h := newHarness(t, testSetup(100))
	h.advanceTo(t, PhaseOR1)

	broken := testRules()
	broken.Factories = map[int]FactoryRule{3: broken.Factories[3]}
	events := &recorder{}
	sched, err := NewScheduler(h.store, broken, WithClock(h.clock), WithNotifier(events), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	defer sched.Close()

	if _, err := sched.AdvancePhase(context.Background(), h.gameID); !errors.Is(err, ErrConfig) {
		t.Fatalf("got %v want ErrConfig", err)
	}
	st := h.state(t)
	if st.Game.Status != GameNeedsIntervention || st.Game.LastError == "" {
		t.Fatalf("game = %+v", st.Game)
	}
	if st.Phase.Name != PhaseORProduction {
		t.Fatalf("phase = %s, want the failed OR_PRODUCTION to stay current", st.Phase.Name)
	}
	if _, ok := sched.timers.pending(h.gameID); ok {
		t.Fatal("timer re-armed for a flagged game")
	}
	if events.count(EventGameLocked) != 1 {
		t.Fatalf("events = %v", events.kinds())
	}
	if _, err := h.submit("alice", PassAction{}); !errors.Is(err, ErrGameClosed) {
		t.Fatalf("submit to flagged game: got %v", err)
	}
}

func TestExpireDueAdvancesOverduePhases(t *testing.T) {
	h := newHarness(t, testSetup(100))
	n, err := h.sched.ExpireDue(context.Background(), t0.Add(10*time.Second))
	if err != nil || n != 0 {
		t.Fatalf("before deadline: n=%d err=%v", n, err)
	}
	n, err = h.sched.ExpireDue(context.Background(), t0.Add(time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("after deadline: n=%d err=%v", n, err)
	}
	if got := h.state(t).Phase.Name; got != PhaseStock1 {
		t.Fatalf("phase = %s", got)
	}
}

func TestRecoverRestoresTimerAndLock(t *testing.T) {
	h := newHarness(t, testSetup(100))
	ctx := context.Background()
	if err := h.sched.SetInputLock(ctx, h.gameID, true); err != nil {
		t.Fatal(err)
	}

	fresh, err := NewScheduler(h.store, testRules(), WithClock(h.clock), WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	defer fresh.Close()
	n, err := fresh.RecoverAll(ctx)
	if err != nil || n != 1 {
		t.Fatalf("recover: n=%d err=%v", n, err)
	}
	if id, ok := fresh.timers.pending(h.gameID); !ok || id != h.state(t).Phase.ID {
		t.Fatalf("timer not re-armed: %q %v", id, ok)
	}
	if _, err := fresh.SubmitAction(ctx, Submission{GameID: h.gameID, PlayerID: "alice", Action: PassAction{}}); !errors.Is(err, ErrGameBusy) {
		t.Fatalf("lock not restored: %v", err)
	}
}

func TestFullTurnSettlesOrdersAndPublishesEvents(t *testing.T) {
	h := newHarness(t, testSetup(1000))
	h.advanceTo(t, PhaseStock1)
	acme := h.companyID(t)

	if _, err := h.submit("alice", OrderAction{CompanyID: acme, Spec: MarketOrder{Quantity: 3, Location: LocationIPO}}); err != nil {
		t.Fatalf("alice order: %v", err)
	}
	rec, err := h.submit("bob", PassAction{})
	if err != nil || !rec.Advanced {
		t.Fatalf("bob pass: advanced=%v err=%v", rec.Advanced, err)
	}

	st := h.state(t)
	var alice Player
	for _, p := range st.Players {
		if p.ID == "alice" {
			alice = p
		}
	}
	if alice.CashOnHand != testRules().StartingCash-150 {
		t.Fatalf("alice cash = %d", alice.CashOnHand)
	}
	if st.Companies[0].StockPrice != 80 {
		t.Fatalf("price after 3 net buys = %d, want 80", st.Companies[0].StockPrice)
	}
	if h.events.count(EventOrdersSettled) != 1 || h.events.count(EventPriceChanged) != 1 {
		t.Fatalf("events = %v", h.events.kinds())
	}
	if h.observer.submitted[ActionKindOrder] != 1 || h.observer.submitted[ActionKindPass] != 1 {
		t.Fatalf("observer = %+v", h.observer.submitted)
	}
}
