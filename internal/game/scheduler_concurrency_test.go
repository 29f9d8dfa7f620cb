package game

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

// transitionsFrom counts phase changes that left the named phase.
func (r *recorder) transitionsFrom(name PhaseName) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind != EventPhaseChanged {
			continue
		}
		if m, ok := ev.Payload.(map[string]any); ok && m["from"] == name {
			n++
		}
	}
	return n
}

func crowdSetup(n int) GameSetup {
	setup := testSetup(100)
	setup.Players = nil
	for i := range n {
		id := fmt.Sprintf("p%d", i)
		setup.Players = append(setup.Players, PlayerSetup{ID: id, Name: id})
	}
	return setup
}

type accepted struct {
	mu     sync.Mutex
	orders map[string][]PlayerOrder
}

func (a *accepted) add(playerID string, o PlayerOrder) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.orders == nil {
		a.orders = make(map[string][]PlayerOrder)
	}
	a.orders[playerID] = append(a.orders[playerID], o)
}

// fanOut sends every action for every player from its own goroutine, all
// pinned to phaseID, and returns the orders that were accepted.
func (h *harness) fanOut(t *testing.T, phaseID string, players []string, actions []Action) *accepted {
	t.Helper()
	got := &accepted{}
	errs := make(chan error, len(players)*len(actions))
	var wg sync.WaitGroup
	for _, id := range players {
		for _, a := range actions {
			wg.Add(1)
			go func() {
				defer wg.Done()
				rec, err := h.sched.SubmitAction(context.Background(), Submission{
					GameID: h.gameID, PlayerID: id, PhaseID: phaseID, Action: a,
				})
				switch {
				case err == nil:
					if rec.Order != nil {
						got.add(id, *rec.Order)
					}
				case IsValidationError(err), errors.Is(err, ErrGameBusy):
				default:
					errs <- fmt.Errorf("%s %s: %w", id, a.Kind(), err)
				}
			}()
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("unexpected submission error: %v", err)
	}
	return got
}

func TestConcurrentSubmissionsResolvePhaseOnce(t *testing.T) {
	const n = 8
	h := newHarness(t, crowdSetup(n))
	h.advanceTo(t, PhaseStock1)
	acme := h.companyID(t)
	cash := testRules().StartingCash

	var players []string
	for _, p := range h.state(t).Players {
		players = append(players, p.ID)
	}

	var limits []Action
	for _, q := range []int64{2, 5, 7} {
		limits = append(limits, OrderAction{CompanyID: acme, Spec: LimitOrder{Value: 40, Quantity: q}})
	}
	stock1 := h.state(t).Phase.ID
	first := h.fanOut(t, stock1, players, limits)

	for _, id := range players {
		if got := len(first.orders[id]); got != 1 {
			t.Fatalf("%s had %d orders accepted in STOCK_1, want 1", id, got)
		}
	}
	if got := h.events.transitionsFrom(PhaseStock1); got != 1 {
		t.Fatalf("STOCK_1 resolved %d times", got)
	}
	if st := h.state(t); st.Phase.Name != PhaseStock2 {
		t.Fatalf("phase after everyone ordered = %s", st.Phase.Name)
	}

	buys := []Action{PassAction{}}
	for _, q := range []int64{1, 2, 3, 5} {
		buys = append(buys, OrderAction{CompanyID: acme, Spec: MarketOrder{Quantity: q, Location: LocationIPO}})
	}
	stock2 := h.state(t).Phase.ID
	second := h.fanOut(t, stock2, players, buys)

	for _, id := range players {
		orders := second.orders[id]
		if len(orders) > 1 {
			t.Fatalf("%s had %d orders accepted in STOCK_2", id, len(orders))
		}
		resting, err := first.orders[id][0].Commitment()
		if err != nil {
			t.Fatal(err)
		}
		for _, o := range orders {
			spend, err := o.Commitment()
			if err != nil {
				t.Fatal(err)
			}
			if resting+spend > cash {
				t.Fatalf("%s committed %d+%d with cash %d", id, resting, spend, cash)
			}
		}
	}
	if got := h.events.transitionsFrom(PhaseStock2); got != 1 {
		t.Fatalf("STOCK_2 resolved %d times", got)
	}

	st := h.state(t)
	if st.Phase.Name != PhaseStock3 {
		t.Fatalf("phase after everyone responded = %s", st.Phase.Name)
	}
	for _, p := range st.Players {
		if p.CashOnHand < 0 {
			t.Fatalf("%s overspent: %+v", p.ID, p)
		}
	}
	for _, phaseID := range []string{stock1, stock2} {
		var orders []PlayerOrder
		if err := h.store.InTx(context.Background(), h.gameID, func(tx Tx) error {
			var err error
			orders, err = tx.ListOrders(context.Background(), OrderFilter{PhaseID: phaseID})
			return err
		}); err != nil {
			t.Fatalf("list orders: %v", err)
		}
		seen := map[string]bool{}
		for _, o := range orders {
			if seen[o.PlayerID] {
				t.Fatalf("%s holds two orders in phase %s", o.PlayerID, phaseID)
			}
			seen[o.PlayerID] = true
		}
	}
}

func TestTimerAndManualAdvanceResolveOnce(t *testing.T) {
	for i := range 10 {
		h := newHarness(t, testSetup(100))
		h.advanceTo(t, PhaseStock1)
		stock1 := h.state(t).Phase.ID

		var wg sync.WaitGroup
		for range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				h.sched.onTimer(h.gameID, stock1)
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.sched.AdvancePhase(context.Background(), h.gameID); err != nil {
				t.Errorf("advance: %v", err)
			}
		}()
		wg.Wait()

		if got := h.events.transitionsFrom(PhaseStock1); got != 1 {
			t.Fatalf("run %d: STOCK_1 resolved %d times", i, got)
		}
		// The manual advance either won the race or ran after the timer and
		// moved the following phase on.
		want := PhaseStock2
		if h.events.transitionsFrom(PhaseStock2) == 1 {
			want = PhaseStock3
		}
		if got := h.state(t).Phase.Name; got != want {
			t.Fatalf("run %d: phase = %s want %s", i, got, want)
		}
	}
}

func TestTimerAfterCloseIsIgnored(t *testing.T) {
	h := newHarness(t, testSetup(100))
	h.advanceTo(t, PhaseStock1)
	phase := h.state(t).Phase
	h.sched.Close()

	h.sched.onTimer(h.gameID, phase.ID)
	if got := h.state(t).Phase; got.ID != phase.ID {
		t.Fatalf("timer fired after close moved the game to %s", got.Name)
	}
}
