package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"stockworks/internal/game"
)

// Cached wraps a game.Store with a read-through cache of State. Writes go
// straight to the inner store and drop the cached view of their game once
// they commit.
type Cached struct {
	inner game.Store
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
	gens    map[string]uint64
	hits    uint64
	misses  uint64
}

type cacheEntry struct {
	state game.GameState
	at    time.Time
}

// NewCached returns a cache over inner. A ttl of zero keeps entries until the
// next write to the same game.
func NewCached(inner game.Store, ttl time.Duration) *Cached {
	return &Cached{
		inner:   inner,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
		gens:    make(map[string]uint64),
	}
}

func (c *Cached) InTx(ctx context.Context, gameID string, fn func(tx game.Tx) error) error {
	err := c.inner.InTx(ctx, gameID, fn)
	if err == nil {
		c.Invalidate(gameID)
	}
	return err
}

func (c *Cached) CreateGame(ctx context.Context, g game.Game, fn func(tx game.Tx) error) error {
	err := c.inner.CreateGame(ctx, g, fn)
	if err == nil {
		c.Invalidate(g.ID)
	}
	return err
}

func (c *Cached) State(ctx context.Context, gameID string) (game.GameState, error) {
	c.mu.Lock()
	e, ok := c.entries[gameID]
	if ok && c.ttl > 0 && c.now().Sub(e.at) > c.ttl {
		delete(c.entries, gameID)
		ok = false
	}
	if ok {
		c.hits++
		c.mu.Unlock()
		return cloneState(e.state), nil
	}
	c.misses++
	gen := c.gens[gameID]
	c.mu.Unlock()

	st, err := c.inner.State(ctx, gameID)
	if err != nil {
		return st, err
	}
	c.mu.Lock()
	// A write that committed while the read was in flight may not be in st.
	if c.gens[gameID] == gen {
		c.entries[gameID] = cacheEntry{state: cloneState(st), at: c.now()}
	}
	c.mu.Unlock()
	return st, nil
}

func (c *Cached) ListDuePhases(ctx context.Context, now time.Time) ([]game.Phase, error) {
	return c.inner.ListDuePhases(ctx, now)
}

func (c *Cached) ActiveGames(ctx context.Context) ([]string, error) {
	return c.inner.ActiveGames(ctx)
}

func (c *Cached) Invalidate(gameID string) {
	c.mu.Lock()
	delete(c.entries, gameID)
	c.gens[gameID]++
	c.mu.Unlock()
}

// Stats reports cache hits and misses since creation.
func (c *Cached) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

func cloneState(st game.GameState) game.GameState {
	out := st
	out.Players = slices.Clone(st.Players)
	out.Companies = slices.Clone(st.Companies)
	out.Shares = slices.Clone(st.Shares)
	out.Sectors = slices.Clone(st.Sectors)
	for i := range out.Sectors {
		out.Sectors[i].Bag = slices.Clone(out.Sectors[i].Bag)
	}
	if st.Phase.ResolvedAt != nil {
		at := *st.Phase.ResolvedAt
		out.Phase.ResolvedAt = &at
	}
	return out
}
