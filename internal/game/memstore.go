package game

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps every game in process memory. Each InTx works on a copy
// of the game's data that replaces the live copy only when fn succeeds.
type MemoryStore struct {
	mu    sync.Mutex
	games map[string]*memGame
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{games: make(map[string]*memGame)}
}

type shareKey struct {
	companyID string
	owner     ShareOwner
}

type memGame struct {
	mu sync.Mutex

	game            Game
	phases          map[string]Phase
	players         map[string]Player
	companies       map[string]Company
	sectors         map[string]Sector
	shares          map[shareKey]int64
	stockRounds     map[int]StockRound
	subRounds       []StockSubRound
	orders          []PlayerOrder
	operatingRounds map[int]OperatingRound
	votes           []OperatingRoundVote
	actions         []CompanyAction
	production      []ProductionResult
	contributions   []InsolvencyContribution
	prices          []PricePoint
	responded       map[string]map[string]bool
	idempotency     map[string]string
	seq             int64
}

func newMemGame(g Game) *memGame {
	return &memGame{
		game:            g,
		phases:          make(map[string]Phase),
		players:         make(map[string]Player),
		companies:       make(map[string]Company),
		sectors:         make(map[string]Sector),
		shares:          make(map[shareKey]int64),
		stockRounds:     make(map[int]StockRound),
		operatingRounds: make(map[int]OperatingRound),
		responded:       make(map[string]map[string]bool),
		idempotency:     make(map[string]string),
	}
}

func (m *memGame) clone() *memGame {
	c := &memGame{
		game:            m.game,
		phases:          maps.Clone(m.phases),
		players:         maps.Clone(m.players),
		companies:       maps.Clone(m.companies),
		sectors:         make(map[string]Sector, len(m.sectors)),
		shares:          maps.Clone(m.shares),
		stockRounds:     maps.Clone(m.stockRounds),
		subRounds:       slices.Clone(m.subRounds),
		orders:          slices.Clone(m.orders),
		operatingRounds: maps.Clone(m.operatingRounds),
		votes:           slices.Clone(m.votes),
		actions:         slices.Clone(m.actions),
		production:      slices.Clone(m.production),
		contributions:   slices.Clone(m.contributions),
		prices:          slices.Clone(m.prices),
		responded:       make(map[string]map[string]bool, len(m.responded)),
		idempotency:     maps.Clone(m.idempotency),
		seq:             m.seq,
	}
	for id, s := range m.sectors {
		s.Bag = slices.Clone(s.Bag)
		c.sectors[id] = s
	}
	for id, set := range m.responded {
		c.responded[id] = maps.Clone(set)
	}
	return c
}

func (s *MemoryStore) lookup(gameID string) (*memGame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.games[gameID]
	if !ok {
		return nil, ErrGameNotFound
	}
	return g, nil
}

func (s *MemoryStore) InTx(ctx context.Context, gameID string, fn func(tx Tx) error) error {
	g, err := s.lookup(gameID)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	work := g.clone()
	if err := fn(&memTx{g: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	g.commit(work)
	return nil
}

func (m *memGame) commit(committed *memGame) {
	m.game = committed.game
	m.phases = committed.phases
	m.players = committed.players
	m.companies = committed.companies
	m.sectors = committed.sectors
	m.shares = committed.shares
	m.stockRounds = committed.stockRounds
	m.subRounds = committed.subRounds
	m.orders = committed.orders
	m.operatingRounds = committed.operatingRounds
	m.votes = committed.votes
	m.actions = committed.actions
	m.production = committed.production
	m.contributions = committed.contributions
	m.prices = committed.prices
	m.responded = committed.responded
	m.idempotency = committed.idempotency
	m.seq = committed.seq
}

func (s *MemoryStore) CreateGame(ctx context.Context, g Game, fn func(tx Tx) error) error {
	s.mu.Lock()
	_, exists := s.games[g.ID]
	s.mu.Unlock()
	if exists {
		return fmt.Errorf("game %s already exists", g.ID)
	}

	work := newMemGame(g)
	if fn != nil {
		if err := fn(&memTx{g: work}); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.games[g.ID]; exists {
		return fmt.Errorf("game %s already exists", g.ID)
	}
	s.games[g.ID] = work
	return nil
}

func (s *MemoryStore) State(ctx context.Context, gameID string) (GameState, error) {
	g, err := s.lookup(gameID)
	if err != nil {
		return GameState{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	tx := &memTx{g: g}
	st := GameState{Game: g.game}
	if p, ok := g.phases[g.game.CurrentPhaseID]; ok {
		st.Phase = p
	}
	st.Players, _ = tx.ListPlayers(ctx)
	st.Companies, _ = tx.ListCompanies(ctx)
	st.Sectors, _ = tx.ListSectors(ctx)
	st.Shares, _ = tx.ListShares(ctx)
	return st, nil
}

func (s *MemoryStore) ListDuePhases(ctx context.Context, now time.Time) ([]Phase, error) {
	s.mu.Lock()
	games := make([]*memGame, 0, len(s.games))
	for _, g := range s.games {
		games = append(games, g)
	}
	s.mu.Unlock()

	var out []Phase
	for _, g := range games {
		g.mu.Lock()
		if g.game.Status == GameActive {
			if p, ok := g.phases[g.game.CurrentPhaseID]; ok && !p.Resolved() && !p.EndsAt.After(now) {
				out = append(out, p)
			}
		}
		g.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndsAt.Before(out[j].EndsAt) })
	return out, ctx.Err()
}

func (s *MemoryStore) ActiveGames(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, g := range s.games {
		g.mu.Lock()
		if g.game.Status == GameActive {
			ids = append(ids, id)
		}
		g.mu.Unlock()
	}
	sort.Strings(ids)
	return ids, ctx.Err()
}

type memTx struct {
	g *memGame
}

func (t *memTx) Game(context.Context) (Game, error) { return t.g.game, nil }

func (t *memTx) UpdateGame(_ context.Context, g Game) error {
	if g.ID != t.g.game.ID {
		return ErrGameNotFound
	}
	t.g.game = g
	return nil
}

func (t *memTx) Phase(_ context.Context, id string) (Phase, error) {
	p, ok := t.g.phases[id]
	if !ok {
		return Phase{}, ErrPhaseNotFound
	}
	return p, nil
}

func (t *memTx) CreatePhase(_ context.Context, p Phase) error {
	if _, ok := t.g.phases[p.ID]; ok {
		return fmt.Errorf("phase %s already exists", p.ID)
	}
	t.g.phases[p.ID] = p
	return nil
}

func (t *memTx) UpdatePhase(_ context.Context, p Phase) error {
	if _, ok := t.g.phases[p.ID]; !ok {
		return ErrPhaseNotFound
	}
	t.g.phases[p.ID] = p
	return nil
}

func (t *memTx) Player(_ context.Context, id string) (Player, error) {
	p, ok := t.g.players[id]
	if !ok {
		return Player{}, ErrPlayerNotFound
	}
	return p, nil
}

func (t *memTx) ListPlayers(context.Context) ([]Player, error) {
	out := slices.Collect(maps.Values(t.g.players))
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) CreatePlayers(_ context.Context, ps []Player) error {
	for _, p := range ps {
		if _, ok := t.g.players[p.ID]; ok {
			return fmt.Errorf("player %s already exists", p.ID)
		}
		t.g.players[p.ID] = p
	}
	return nil
}

func (t *memTx) UpdatePlayer(_ context.Context, p Player) error {
	if _, ok := t.g.players[p.ID]; !ok {
		return ErrPlayerNotFound
	}
	t.g.players[p.ID] = p
	return nil
}

func (t *memTx) Company(_ context.Context, id string) (Company, error) {
	c, ok := t.g.companies[id]
	if !ok {
		return Company{}, ErrCompanyNotFound
	}
	return c, nil
}

func (t *memTx) ListCompanies(context.Context) ([]Company, error) {
	out := slices.Collect(maps.Values(t.g.companies))
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) CreateCompanies(_ context.Context, cs []Company) error {
	for _, c := range cs {
		if _, ok := t.g.companies[c.ID]; ok {
			return fmt.Errorf("company %s already exists", c.ID)
		}
		t.g.companies[c.ID] = c
	}
	return nil
}

func (t *memTx) UpdateCompany(_ context.Context, c Company) error {
	if _, ok := t.g.companies[c.ID]; !ok {
		return ErrCompanyNotFound
	}
	t.g.companies[c.ID] = c
	return nil
}

func (t *memTx) Sector(_ context.Context, id string) (Sector, error) {
	s, ok := t.g.sectors[id]
	if !ok {
		return Sector{}, ErrSectorNotFound
	}
	s.Bag = slices.Clone(s.Bag)
	return s, nil
}

func (t *memTx) ListSectors(context.Context) ([]Sector, error) {
	out := make([]Sector, 0, len(t.g.sectors))
	for _, s := range t.g.sectors {
		s.Bag = slices.Clone(s.Bag)
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) CreateSectors(_ context.Context, ss []Sector) error {
	for _, s := range ss {
		if _, ok := t.g.sectors[s.ID]; ok {
			return fmt.Errorf("sector %s already exists", s.ID)
		}
		s.Bag = slices.Clone(s.Bag)
		t.g.sectors[s.ID] = s
	}
	return nil
}

func (t *memTx) UpdateSector(_ context.Context, s Sector) error {
	if _, ok := t.g.sectors[s.ID]; !ok {
		return ErrSectorNotFound
	}
	s.Bag = slices.Clone(s.Bag)
	t.g.sectors[s.ID] = s
	return nil
}

func (t *memTx) ShareCount(_ context.Context, companyID string, owner ShareOwner) (int64, error) {
	return t.g.shares[shareKey{companyID, owner}], nil
}

func (t *memTx) ListShares(context.Context) ([]ShareHolding, error) {
	out := make([]ShareHolding, 0, len(t.g.shares))
	for k, qty := range t.g.shares {
		if qty == 0 {
			continue
		}
		out = append(out, ShareHolding{GameID: t.g.game.ID, CompanyID: k.companyID, Owner: k.owner, Quantity: qty})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.CompanyID != b.CompanyID {
			return a.CompanyID < b.CompanyID
		}
		if a.Owner.Location != b.Owner.Location {
			return a.Owner.Location < b.Owner.Location
		}
		return a.Owner.PlayerID < b.Owner.PlayerID
	})
	return out, nil
}

func (t *memTx) CreateShares(_ context.Context, hs []ShareHolding) error {
	for _, h := range hs {
		if h.Quantity < 0 {
			return fmt.Errorf("negative share quantity for %s", h.CompanyID)
		}
		t.g.shares[shareKey{h.CompanyID, h.Owner}] += h.Quantity
	}
	return nil
}

func (t *memTx) MoveShares(_ context.Context, companyID string, from, to ShareOwner, qty int64) error {
	if qty <= 0 {
		return fmt.Errorf("move of %d shares", qty)
	}
	src := shareKey{companyID, from}
	if t.g.shares[src] < qty {
		return ErrInsufficientShares
	}
	t.g.shares[src] -= qty
	if t.g.shares[src] == 0 {
		delete(t.g.shares, src)
	}
	t.g.shares[shareKey{companyID, to}] += qty
	return nil
}

func (t *memTx) StockRound(_ context.Context, turn int) (StockRound, error) {
	r, ok := t.g.stockRounds[turn]
	if !ok {
		return StockRound{}, fmt.Errorf("no stock round for turn %d", turn)
	}
	return r, nil
}

func (t *memTx) CreateStockRound(_ context.Context, r StockRound) error {
	t.g.stockRounds[r.Turn] = r
	return nil
}

func (t *memTx) ListStockSubRounds(_ context.Context, stockRoundID string) ([]StockSubRound, error) {
	var out []StockSubRound
	for _, r := range t.g.subRounds {
		if r.StockRoundID == stockRoundID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Round < out[j].Round })
	return out, nil
}

func (t *memTx) CreateStockSubRound(_ context.Context, r StockSubRound) error {
	t.g.subRounds = append(t.g.subRounds, r)
	return nil
}

func (t *memTx) ListOrders(_ context.Context, f OrderFilter) ([]PlayerOrder, error) {
	var out []PlayerOrder
	for _, o := range t.g.orders {
		if f.Match(o) {
			out = append(out, o)
		}
	}
	switch f.Sort {
	case SortByValueAsc:
		sort.SliceStable(out, func(i, j int) bool {
			vi, vj := out[i].Row().Value, out[j].Row().Value
			if vi != vj {
				return vi < vj
			}
			return out[i].Seq < out[j].Seq
		})
	default:
		sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	}
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (t *memTx) CreateOrder(_ context.Context, o PlayerOrder) error {
	for _, existing := range t.g.orders {
		if existing.PhaseID == o.PhaseID && existing.PlayerID == o.PlayerID {
			return ErrDuplicateOrder
		}
	}
	t.g.orders = append(t.g.orders, o)
	return nil
}

func (t *memTx) UpdateOrder(_ context.Context, o PlayerOrder) error {
	for i := range t.g.orders {
		if t.g.orders[i].ID == o.ID {
			t.g.orders[i] = o
			return nil
		}
	}
	return ErrOrderNotFound
}

func (t *memTx) OperatingRound(_ context.Context, turn int) (OperatingRound, error) {
	r, ok := t.g.operatingRounds[turn]
	if !ok {
		return OperatingRound{}, fmt.Errorf("no operating round for turn %d", turn)
	}
	return r, nil
}

func (t *memTx) CreateOperatingRound(_ context.Context, r OperatingRound) error {
	t.g.operatingRounds[r.Turn] = r
	return nil
}

func (t *memTx) ListVotes(_ context.Context, operatingRoundID string) ([]OperatingRoundVote, error) {
	var out []OperatingRoundVote
	for _, v := range t.g.votes {
		if v.OperatingRoundID == operatingRoundID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (t *memTx) CreateVote(_ context.Context, v OperatingRoundVote) error {
	for _, existing := range t.g.votes {
		if existing.OperatingRoundID == v.OperatingRoundID && existing.PlayerID == v.PlayerID &&
			existing.CompanyID == v.CompanyID && existing.Action == v.Action {
			return ErrDuplicateVote
		}
	}
	t.g.votes = append(t.g.votes, v)
	return nil
}

func (t *memTx) ListCompanyActions(_ context.Context, operatingRoundID string) ([]CompanyAction, error) {
	var out []CompanyAction
	for _, a := range t.g.actions {
		if a.OperatingRoundID == operatingRoundID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CompanyID != out[j].CompanyID {
			return out[i].CompanyID < out[j].CompanyID
		}
		return out[i].Rank < out[j].Rank
	})
	return out, nil
}

func (t *memTx) CreateCompanyActions(_ context.Context, as []CompanyAction) error {
	t.g.actions = append(t.g.actions, as...)
	return nil
}

func (t *memTx) UpdateCompanyAction(_ context.Context, a CompanyAction) error {
	for i := range t.g.actions {
		if t.g.actions[i].ID == a.ID {
			t.g.actions[i] = a
			return nil
		}
	}
	return fmt.Errorf("company action %s not found", a.ID)
}

func (t *memTx) CreateProductionResults(_ context.Context, rs []ProductionResult) error {
	t.g.production = append(t.g.production, rs...)
	return nil
}

func (t *memTx) ListProductionResults(_ context.Context, turn int) ([]ProductionResult, error) {
	var out []ProductionResult
	for _, r := range t.g.production {
		if r.Turn == turn {
			out = append(out, r)
		}
	}
	return out, nil
}

func (t *memTx) CreateContribution(_ context.Context, c InsolvencyContribution) error {
	t.g.contributions = append(t.g.contributions, c)
	return nil
}

func (t *memTx) ListContributions(_ context.Context, companyID string) ([]InsolvencyContribution, error) {
	var out []InsolvencyContribution
	for _, c := range t.g.contributions {
		if c.CompanyID == companyID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (t *memTx) AppendPrices(_ context.Context, ps []PricePoint) error {
	t.g.prices = append(t.g.prices, ps...)
	return nil
}

func (t *memTx) MarkResponded(_ context.Context, phaseID, playerID string) (int, error) {
	set, ok := t.g.responded[phaseID]
	if !ok {
		set = make(map[string]bool)
		t.g.responded[phaseID] = set
	}
	set[playerID] = true
	return len(set), nil
}

func (t *memTx) ClaimIdempotency(_ context.Context, playerID, key, action string) error {
	key = normalizeKey(key)
	if key == "" {
		return nil
	}
	k := playerID + "\x00" + key
	if _, ok := t.g.idempotency[k]; ok {
		return ErrDuplicateIdempotency
	}
	t.g.idempotency[k] = action
	return nil
}

func (t *memTx) NextSeq(context.Context) (int64, error) {
	t.g.seq++
	return t.g.seq, nil
}

// PriceHistory returns the recorded price points for a company, oldest first.
func (s *MemoryStore) PriceHistory(gameID, companyID string) []PricePoint {
	g, err := s.lookup(gameID)
	if err != nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []PricePoint
	for _, p := range g.prices {
		if p.CompanyID == companyID {
			out = append(out, p)
		}
	}
	return out
}
