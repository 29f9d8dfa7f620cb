package game

import (
	"context"
	"sort"
	"sync"
	"time"
)

// fataler is the part of testing.T and rapid.T the helpers need.
type fataler interface {
	Helper()
	Fatalf(format string, args ...any)
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeClock fires timers only when Advance moves time past their deadline.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	c       *fakeClock
	at      time.Time
	f       func()
	stopped bool
}

func newFakeClock() *fakeClock { return &fakeClock{now: t0} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	keep := c.timers[:0]
	for _, t := range c.timers {
		switch {
		case t.stopped:
		case !t.at.After(c.now):
			t.stopped = true
			due = append(due, t)
		default:
			keep = append(keep, t)
		}
	}
	c.timers = keep
	c.mu.Unlock()
	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

// seed describes a game placed directly into a store, bypassing setup.
type seed struct {
	phase     PhaseName
	round     RoundType
	players   []Player
	companies []Company
	sectors   []Sector
	shares    []ShareHolding
}

type seeded struct {
	store   *MemoryStore
	gameID  string
	phaseID string
	roundID string
	orID    string
}

func seedGame(t fataler, s seed) seeded {
	t.Helper()
	ctx := context.Background()
	st := NewMemoryStore()
	g := Game{ID: "g1", Name: "test", Status: GameActive, Turn: 1, Seed: 7, CurrentPhaseID: "p1", CreatedAt: t0}
	if s.round == "" {
		s.round = RoundStock
	}
	phase := Phase{ID: "p1", GameID: g.ID, Name: s.phase, RoundType: s.round, Turn: 1, Seq: 1, StartedAt: t0, EndsAt: t0.Add(time.Minute)}
	out := seeded{store: st, gameID: g.ID, phaseID: phase.ID, roundID: "sr1", orID: "or1"}
	err := st.CreateGame(ctx, g, func(tx Tx) error {
		for i := range s.players {
			s.players[i].GameID = g.ID
		}
		for i := range s.companies {
			s.companies[i].GameID = g.ID
		}
		for i := range s.sectors {
			s.sectors[i].GameID = g.ID
		}
		if err := tx.CreatePhase(ctx, phase); err != nil {
			return err
		}
		if err := tx.CreatePlayers(ctx, s.players); err != nil {
			return err
		}
		if err := tx.CreateCompanies(ctx, s.companies); err != nil {
			return err
		}
		if err := tx.CreateSectors(ctx, s.sectors); err != nil {
			return err
		}
		if err := tx.CreateShares(ctx, s.shares); err != nil {
			return err
		}
		if err := tx.CreateStockRound(ctx, StockRound{ID: out.roundID, GameID: g.ID, Turn: 1}); err != nil {
			return err
		}
		return tx.CreateOperatingRound(ctx, OperatingRound{ID: out.orID, GameID: g.ID, Turn: 1})
	})
	if err != nil {
		t.Fatalf("seed game: %v", err)
	}
	return out
}

// addPhase creates another phase in the same turn so tests can place a
// second order without hitting the one-order-per-phase rule.
func (s seeded) addPhase(t fataler, id string, name PhaseName) {
	t.Helper()
	s.tx(t, func(ctx context.Context, tx Tx) error {
		return tx.CreatePhase(ctx, Phase{ID: id, GameID: s.gameID, Name: name, RoundType: RoundStock, Turn: 1, Seq: 2})
	})
}

func (s seeded) tx(t fataler, fn func(ctx context.Context, tx Tx) error) {
	t.Helper()
	if err := s.store.InTx(context.Background(), s.gameID, func(tx Tx) error {
		return fn(context.Background(), tx)
	}); err != nil {
		t.Fatalf("tx: %v", err)
	}
}

func (s seeded) player(t fataler, id string) Player {
	t.Helper()
	var p Player
	s.tx(t, func(ctx context.Context, tx Tx) error {
		var err error
		p, err = tx.Player(ctx, id)
		return err
	})
	return p
}

func (s seeded) company(t fataler, id string) Company {
	t.Helper()
	var c Company
	s.tx(t, func(ctx context.Context, tx Tx) error {
		var err error
		c, err = tx.Company(ctx, id)
		return err
	})
	return c
}

func (s seeded) shares(t fataler, companyID string, owner ShareOwner) int64 {
	t.Helper()
	var n int64
	s.tx(t, func(ctx context.Context, tx Tx) error {
		var err error
		n, err = tx.ShareCount(ctx, companyID, owner)
		return err
	})
	return n
}

func (s seeded) orders(t fataler, f OrderFilter) []PlayerOrder {
	t.Helper()
	var out []PlayerOrder
	s.tx(t, func(ctx context.Context, tx Tx) error {
		var err error
		out, err = tx.ListOrders(ctx, f)
		return err
	})
	return out
}

func fixedNow() time.Time { return t0 }

func testRules() Rules {
	r := DefaultRules()
	r.PriceTrack = []int64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100, 110, 120}
	r.UnitsPerStep = 1
	r.MaxStepsPerRound = 3
	return r
}

func player(id string, cash int64) Player {
	r := DefaultRules()
	return Player{
		ID:                 id,
		Name:               id,
		CashOnHand:         cash,
		MarketOrderActions: r.MarketOrderActions,
		LimitOrderActions:  r.LimitOrderActions,
		ShortOrderActions:  r.ShortOrderActions,
	}
}

func company(id string, price int64) Company {
	return Company{ID: id, Name: id, SectorID: "s1", Tier: 1, Status: CompanyActive, StockPrice: price, FactorySize: 1, SupplyMax: 4, SupplyBase: 4}
}

func held(companyID, playerID string, qty int64) ShareHolding {
	return ShareHolding{CompanyID: companyID, Owner: PlayerOwner(playerID), Quantity: qty}
}

func pooled(companyID string, loc ShareLocation, qty int64) ShareHolding {
	return ShareHolding{CompanyID: companyID, Owner: PoolOwner(loc), Quantity: qty}
}
