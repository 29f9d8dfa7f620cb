package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"stockworks/internal/game"
)

//go:embed schema.sql
var schemaSQL string

var ErrTxConflict = errors.New("transaction conflict, retry")

// Postgres implements game.Store on a pgx pool. Every InTx runs as a
// serializable transaction that first takes a transaction-scoped advisory
// lock on the game, so writers of one game queue up in the database as well
// as in the scheduler.
type Postgres struct {
	db  *pgxpool.Pool
	log *slog.Logger
}

func NewPostgres(db *pgxpool.Pool, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{db: db, log: logger}
}

// Migrate creates the schema if it does not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (p *Postgres) InTx(ctx context.Context, gameID string, fn func(tx game.Tx) error) error {
	return p.retry(ctx, gameID, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM stockworks.games WHERE id = $1)`, gameID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return game.ErrGameNotFound
		}
		return fn(&pgTx{tx: tx, gameID: gameID})
	})
}

func (p *Postgres) CreateGame(ctx context.Context, g game.Game, fn func(tx game.Tx) error) error {
	return p.retry(ctx, g.ID, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO stockworks.games (id, name, status, turn, current_phase_id, bank_pool, consumer_pool, input_locked, seed, last_error, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`, g.ID, g.Name, g.Status, g.Turn, g.CurrentPhaseID, g.BankPool, g.ConsumerPool, g.InputLocked, g.Seed, g.LastError, g.CreatedAt, g.UpdatedAt); err != nil {
			return err
		}
		if fn == nil {
			return nil
		}
		return fn(&pgTx{tx: tx, gameID: g.ID})
	})
}

// retry runs fn in a serializable transaction holding the game's advisory
// lock, retrying serialization failures with backoff.
func (p *Postgres) retry(ctx context.Context, gameID string, fn func(tx pgx.Tx) error) error {
	const maxAttempts = 8
	retryDelay := 75 * time.Millisecond
	for attempt := 0; attempt < maxAttempts; attempt++ {
		tx, err := p.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			return err
		}
		err = func() error {
			defer tx.Rollback(ctx)
			if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, gameID); err != nil {
				return err
			}
			if err := fn(tx); err != nil {
				return err
			}
			return tx.Commit(ctx)
		}()
		if err == nil {
			return nil
		}
		if !isSerializationError(err) {
			return err
		}
		p.log.Warn("serialization conflict", "game_id", gameID, "attempt", attempt+1)
		if attempt == maxAttempts-1 {
			return ErrTxConflict
		}
		if err := sleepWithContext(ctx, retryDelay); err != nil {
			return err
		}
		if retryDelay < 1200*time.Millisecond {
			retryDelay *= 2
		}
	}
	return ErrTxConflict
}

// State reads the game view from one repeatable-read snapshot.
func (p *Postgres) State(ctx context.Context, gameID string) (game.GameState, error) {
	var st game.GameState
	tx, err := p.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return st, err
	}
	defer tx.Rollback(ctx)

	t := &pgTx{tx: tx, gameID: gameID}
	if st.Game, err = t.Game(ctx); err != nil {
		return st, err
	}
	if st.Game.CurrentPhaseID != "" {
		if st.Phase, err = t.Phase(ctx, st.Game.CurrentPhaseID); err != nil {
			return st, err
		}
	}
	if st.Players, err = t.ListPlayers(ctx); err != nil {
		return st, err
	}
	if st.Companies, err = t.ListCompanies(ctx); err != nil {
		return st, err
	}
	if st.Sectors, err = t.ListSectors(ctx); err != nil {
		return st, err
	}
	if st.Shares, err = t.ListShares(ctx); err != nil {
		return st, err
	}
	return st, tx.Commit(ctx)
}

func (p *Postgres) ListDuePhases(ctx context.Context, now time.Time) ([]game.Phase, error) {
	rows, err := p.db.Query(ctx, `
		SELECT `+phaseColumns+`
		FROM stockworks.phases p
		JOIN stockworks.games g ON g.current_phase_id = p.id
		WHERE g.status = $1 AND p.resolved_at IS NULL AND p.ends_at <= $2
		ORDER BY p.ends_at
	`, game.GameActive, now)
	return collect(rows, err, scanPhase)
}

func (p *Postgres) ActiveGames(ctx context.Context) ([]string, error) {
	rows, err := p.db.Query(ctx, `SELECT id FROM stockworks.games WHERE status = $1 ORDER BY id`, game.GameActive)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// PriceHistory returns a company's recorded prices, oldest first.
func (p *Postgres) PriceHistory(ctx context.Context, gameID, companyID string, limit int) ([]game.PricePoint, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	rows, err := p.db.Query(ctx, `
		SELECT company_id, turn, phase_name, price, at FROM (
			SELECT id, company_id, turn, phase_name, price, at
			FROM stockworks.price_history
			WHERE game_id = $1 AND company_id = $2
			ORDER BY id DESC
			LIMIT $3
		) recent ORDER BY id
	`, gameID, companyID, limit)
	return collect(rows, err, func(r rowScanner) (game.PricePoint, error) {
		var pp game.PricePoint
		err := r.Scan(&pp.CompanyID, &pp.Turn, &pp.PhaseName, &pp.Price, &pp.At)
		return pp, err
	})
}

type pgTx struct {
	tx     pgx.Tx
	gameID string
}

type rowScanner interface {
	Scan(dest ...any) error
}

func collect[T any](rows pgx.Rows, err error, scan func(rowScanner) (T, error)) ([]T, error) {
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (T, error) { return scan(r) })
}

func notFound(err, target error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return target
	}
	return err
}

func (t *pgTx) exec(ctx context.Context, sql string, args ...any) error {
	_, err := t.tx.Exec(ctx, sql, args...)
	return err
}

// mustAffect runs an update and reports target when it matched no row.
func (t *pgTx) mustAffect(ctx context.Context, target error, sql string, args ...any) error {
	cmd, err := t.tx.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return target
	}
	return nil
}

func (t *pgTx) sendBatch(ctx context.Context, b *pgx.Batch) error {
	if b.Len() == 0 {
		return nil
	}
	return t.tx.SendBatch(ctx, b).Close()
}

func (t *pgTx) Game(ctx context.Context) (game.Game, error) {
	var g game.Game
	err := t.tx.QueryRow(ctx, `
		SELECT id, name, status, turn, current_phase_id, bank_pool, consumer_pool, input_locked, seed, last_error, created_at, updated_at
		FROM stockworks.games
		WHERE id = $1
	`, t.gameID).Scan(&g.ID, &g.Name, &g.Status, &g.Turn, &g.CurrentPhaseID, &g.BankPool, &g.ConsumerPool, &g.InputLocked, &g.Seed, &g.LastError, &g.CreatedAt, &g.UpdatedAt)
	return g, notFound(err, game.ErrGameNotFound)
}

func (t *pgTx) UpdateGame(ctx context.Context, g game.Game) error {
	return t.mustAffect(ctx, game.ErrGameNotFound, `
		UPDATE stockworks.games
		SET name = $2, status = $3, turn = $4, current_phase_id = $5, bank_pool = $6, consumer_pool = $7,
			input_locked = $8, last_error = $9, updated_at = $10
		WHERE id = $1
	`, t.gameID, g.Name, g.Status, g.Turn, g.CurrentPhaseID, g.BankPool, g.ConsumerPool, g.InputLocked, g.LastError, g.UpdatedAt)
}

const phaseColumns = `p.id, p.game_id, p.name, p.round_type, p.turn, p.seq, p.started_at, p.ends_at, p.resolved_at`

func scanPhase(r rowScanner) (game.Phase, error) {
	var p game.Phase
	err := r.Scan(&p.ID, &p.GameID, &p.Name, &p.RoundType, &p.Turn, &p.Seq, &p.StartedAt, &p.EndsAt, &p.ResolvedAt)
	return p, err
}

func (t *pgTx) Phase(ctx context.Context, id string) (game.Phase, error) {
	p, err := scanPhase(t.tx.QueryRow(ctx, `SELECT `+phaseColumns+` FROM stockworks.phases p WHERE p.game_id = $1 AND p.id = $2`, t.gameID, id))
	return p, notFound(err, game.ErrPhaseNotFound)
}

func (t *pgTx) CreatePhase(ctx context.Context, p game.Phase) error {
	return t.exec(ctx, `
		INSERT INTO stockworks.phases (id, game_id, name, round_type, turn, seq, started_at, ends_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, p.ID, t.gameID, p.Name, p.RoundType, p.Turn, p.Seq, p.StartedAt, p.EndsAt, p.ResolvedAt)
}

func (t *pgTx) UpdatePhase(ctx context.Context, p game.Phase) error {
	return t.mustAffect(ctx, game.ErrPhaseNotFound, `
		UPDATE stockworks.phases SET ends_at = $3, resolved_at = $4
		WHERE game_id = $1 AND id = $2
	`, t.gameID, p.ID, p.EndsAt, p.ResolvedAt)
}

const playerColumns = `id, game_id, name, cash_on_hand, market_order_actions, limit_order_actions, short_order_actions`

func scanPlayer(r rowScanner) (game.Player, error) {
	var p game.Player
	err := r.Scan(&p.ID, &p.GameID, &p.Name, &p.CashOnHand, &p.MarketOrderActions, &p.LimitOrderActions, &p.ShortOrderActions)
	return p, err
}

func (t *pgTx) Player(ctx context.Context, id string) (game.Player, error) {
	p, err := scanPlayer(t.tx.QueryRow(ctx, `SELECT `+playerColumns+` FROM stockworks.players WHERE game_id = $1 AND id = $2`, t.gameID, id))
	return p, notFound(err, game.ErrPlayerNotFound)
}

func (t *pgTx) ListPlayers(ctx context.Context) ([]game.Player, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+playerColumns+` FROM stockworks.players WHERE game_id = $1 ORDER BY id`, t.gameID)
	return collect(rows, err, scanPlayer)
}

func (t *pgTx) CreatePlayers(ctx context.Context, ps []game.Player) error {
	b := &pgx.Batch{}
	for _, p := range ps {
		b.Queue(`
			INSERT INTO stockworks.players (`+playerColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, p.ID, t.gameID, p.Name, p.CashOnHand, p.MarketOrderActions, p.LimitOrderActions, p.ShortOrderActions)
	}
	return t.sendBatch(ctx, b)
}

func (t *pgTx) UpdatePlayer(ctx context.Context, p game.Player) error {
	return t.mustAffect(ctx, game.ErrPlayerNotFound, `
		UPDATE stockworks.players
		SET name = $3, cash_on_hand = $4, market_order_actions = $5, limit_order_actions = $6, short_order_actions = $7
		WHERE game_id = $1 AND id = $2
	`, t.gameID, p.ID, p.Name, p.CashOnHand, p.MarketOrderActions, p.LimitOrderActions, p.ShortOrderActions)
}

const companyColumns = `id, game_id, sector_id, name, tier, status, stock_price, cash_on_hand, unit_price, resource_type,
	base_demand, demand_score, supply_base, supply_current, supply_max, factory_size, deficit, insolvency_rounds`

func scanCompany(r rowScanner) (game.Company, error) {
	var c game.Company
	err := r.Scan(&c.ID, &c.GameID, &c.SectorID, &c.Name, &c.Tier, &c.Status, &c.StockPrice, &c.CashOnHand, &c.UnitPrice, &c.ResourceType,
		&c.BaseDemand, &c.DemandScore, &c.SupplyBase, &c.SupplyCurrent, &c.SupplyMax, &c.FactorySize, &c.Deficit, &c.InsolvencyRounds)
	return c, err
}

func companyArgs(gameID string, c game.Company) []any {
	return []any{c.ID, gameID, c.SectorID, c.Name, c.Tier, c.Status, c.StockPrice, c.CashOnHand, c.UnitPrice, c.ResourceType,
		c.BaseDemand, c.DemandScore, c.SupplyBase, c.SupplyCurrent, c.SupplyMax, c.FactorySize, c.Deficit, c.InsolvencyRounds}
}

func (t *pgTx) Company(ctx context.Context, id string) (game.Company, error) {
	c, err := scanCompany(t.tx.QueryRow(ctx, `SELECT `+companyColumns+` FROM stockworks.companies WHERE game_id = $1 AND id = $2`, t.gameID, id))
	return c, notFound(err, game.ErrCompanyNotFound)
}

func (t *pgTx) ListCompanies(ctx context.Context) ([]game.Company, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+companyColumns+` FROM stockworks.companies WHERE game_id = $1 ORDER BY id`, t.gameID)
	return collect(rows, err, scanCompany)
}

func (t *pgTx) CreateCompanies(ctx context.Context, cs []game.Company) error {
	b := &pgx.Batch{}
	for _, c := range cs {
		b.Queue(`
			INSERT INTO stockworks.companies (`+companyColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		`, companyArgs(t.gameID, c)...)
	}
	return t.sendBatch(ctx, b)
}

func (t *pgTx) UpdateCompany(ctx context.Context, c game.Company) error {
	return t.mustAffect(ctx, game.ErrCompanyNotFound, `
		UPDATE stockworks.companies
		SET sector_id = $3, name = $4, tier = $5, status = $6, stock_price = $7, cash_on_hand = $8, unit_price = $9,
			resource_type = $10, base_demand = $11, demand_score = $12, supply_base = $13, supply_current = $14,
			supply_max = $15, factory_size = $16, deficit = $17, insolvency_rounds = $18
		WHERE id = $1 AND game_id = $2
	`, companyArgs(t.gameID, c)...)
}

func scanSector(r rowScanner) (game.Sector, error) {
	var (
		s   game.Sector
		bag []byte
	)
	if err := r.Scan(&s.ID, &s.GameID, &s.Name, &s.BaseDemand, &s.Consumers, &bag); err != nil {
		return s, err
	}
	if err := json.Unmarshal(bag, &s.Bag); err != nil {
		return s, fmt.Errorf("decode bag of sector %s: %w", s.ID, err)
	}
	return s, nil
}

func encodeBag(bag []game.ConsumptionMarker) ([]byte, error) {
	if bag == nil {
		bag = []game.ConsumptionMarker{}
	}
	return json.Marshal(bag)
}

func (t *pgTx) Sector(ctx context.Context, id string) (game.Sector, error) {
	s, err := scanSector(t.tx.QueryRow(ctx, `
		SELECT id, game_id, name, base_demand, consumers, bag FROM stockworks.sectors WHERE game_id = $1 AND id = $2
	`, t.gameID, id))
	return s, notFound(err, game.ErrSectorNotFound)
}

func (t *pgTx) ListSectors(ctx context.Context) ([]game.Sector, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, game_id, name, base_demand, consumers, bag FROM stockworks.sectors WHERE game_id = $1 ORDER BY id
	`, t.gameID)
	return collect(rows, err, scanSector)
}

func (t *pgTx) CreateSectors(ctx context.Context, ss []game.Sector) error {
	b := &pgx.Batch{}
	for _, s := range ss {
		bag, err := encodeBag(s.Bag)
		if err != nil {
			return err
		}
		b.Queue(`
			INSERT INTO stockworks.sectors (id, game_id, name, base_demand, consumers, bag)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, s.ID, t.gameID, s.Name, s.BaseDemand, s.Consumers, bag)
	}
	return t.sendBatch(ctx, b)
}

func (t *pgTx) UpdateSector(ctx context.Context, s game.Sector) error {
	bag, err := encodeBag(s.Bag)
	if err != nil {
		return err
	}
	return t.mustAffect(ctx, game.ErrSectorNotFound, `
		UPDATE stockworks.sectors SET name = $3, base_demand = $4, consumers = $5, bag = $6
		WHERE game_id = $1 AND id = $2
	`, t.gameID, s.ID, s.Name, s.BaseDemand, s.Consumers, bag)
}

func (t *pgTx) ShareCount(ctx context.Context, companyID string, owner game.ShareOwner) (int64, error) {
	var n int64
	err := t.tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(quantity), 0) FROM stockworks.shares
		WHERE game_id = $1 AND company_id = $2 AND location = $3 AND player_id = $4
	`, t.gameID, companyID, owner.Location, owner.PlayerID).Scan(&n)
	return n, err
}

func (t *pgTx) ListShares(ctx context.Context) ([]game.ShareHolding, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT game_id, company_id, location, player_id, quantity
		FROM stockworks.shares
		WHERE game_id = $1 AND quantity > 0
		ORDER BY company_id, location, player_id
	`, t.gameID)
	return collect(rows, err, func(r rowScanner) (game.ShareHolding, error) {
		var h game.ShareHolding
		err := r.Scan(&h.GameID, &h.CompanyID, &h.Owner.Location, &h.Owner.PlayerID, &h.Quantity)
		return h, err
	})
}

const addSharesSQL = `
	INSERT INTO stockworks.shares (game_id, company_id, location, player_id, quantity)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (game_id, company_id, location, player_id)
	DO UPDATE SET quantity = stockworks.shares.quantity + EXCLUDED.quantity
`

func (t *pgTx) CreateShares(ctx context.Context, hs []game.ShareHolding) error {
	b := &pgx.Batch{}
	for _, h := range hs {
		if h.Quantity < 0 {
			return fmt.Errorf("negative share quantity for %s", h.CompanyID)
		}
		b.Queue(addSharesSQL, t.gameID, h.CompanyID, h.Owner.Location, h.Owner.PlayerID, h.Quantity)
	}
	return t.sendBatch(ctx, b)
}

func (t *pgTx) MoveShares(ctx context.Context, companyID string, from, to game.ShareOwner, qty int64) error {
	if qty <= 0 {
		return fmt.Errorf("move of %d shares", qty)
	}
	if err := t.mustAffect(ctx, game.ErrInsufficientShares, `
		UPDATE stockworks.shares SET quantity = quantity - $5
		WHERE game_id = $1 AND company_id = $2 AND location = $3 AND player_id = $4 AND quantity >= $5
	`, t.gameID, companyID, from.Location, from.PlayerID, qty); err != nil {
		return err
	}
	return t.exec(ctx, addSharesSQL, t.gameID, companyID, to.Location, to.PlayerID, qty)
}

func (t *pgTx) StockRound(ctx context.Context, turn int) (game.StockRound, error) {
	var r game.StockRound
	err := t.tx.QueryRow(ctx, `
		SELECT id, game_id, turn FROM stockworks.stock_rounds WHERE game_id = $1 AND turn = $2
	`, t.gameID, turn).Scan(&r.ID, &r.GameID, &r.Turn)
	if errors.Is(err, pgx.ErrNoRows) {
		return r, fmt.Errorf("no stock round for turn %d", turn)
	}
	return r, err
}

func (t *pgTx) CreateStockRound(ctx context.Context, r game.StockRound) error {
	return t.exec(ctx, `INSERT INTO stockworks.stock_rounds (id, game_id, turn) VALUES ($1, $2, $3)`, r.ID, t.gameID, r.Turn)
}

func (t *pgTx) ListStockSubRounds(ctx context.Context, stockRoundID string) ([]game.StockSubRound, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, stock_round_id, phase_id, round FROM stockworks.stock_sub_rounds
		WHERE stock_round_id = $1 ORDER BY round
	`, stockRoundID)
	return collect(rows, err, func(r rowScanner) (game.StockSubRound, error) {
		var s game.StockSubRound
		err := r.Scan(&s.ID, &s.StockRoundID, &s.PhaseID, &s.Round)
		return s, err
	})
}

func (t *pgTx) CreateStockSubRound(ctx context.Context, r game.StockSubRound) error {
	return t.exec(ctx, `
		INSERT INTO stockworks.stock_sub_rounds (id, stock_round_id, phase_id, round) VALUES ($1, $2, $3, $4)
	`, r.ID, r.StockRoundID, r.PhaseID, r.Round)
}

const orderColumns = `id, game_id, stock_round_id, phase_id, player_id, company_id, kind, quantity, value, is_sell, location,
	status, price_at_placement, fill_price, turn, seq, created_at`

func scanOrder(r rowScanner) (game.PlayerOrder, error) {
	var (
		o   game.PlayerOrder
		row game.OrderRow
	)
	if err := r.Scan(&o.ID, &o.GameID, &o.StockRoundID, &o.PhaseID, &o.PlayerID, &o.CompanyID, &row.Kind, &row.Quantity, &row.Value,
		&row.IsSell, &row.Location, &o.Status, &o.PriceAtPlacement, &o.FillPrice, &o.Turn, &o.Seq, &o.CreatedAt); err != nil {
		return o, err
	}
	spec, err := game.SpecFromRow(row)
	if err != nil {
		return o, err
	}
	o.Spec = spec
	return o, nil
}

func (t *pgTx) ListOrders(ctx context.Context, f game.OrderFilter) ([]game.PlayerOrder, error) {
	where := []string{"game_id = $1"}
	args := []any{t.gameID}
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.StockRoundID != "" {
		add("stock_round_id = $%d", f.StockRoundID)
	}
	if f.PhaseID != "" {
		add("phase_id = $%d", f.PhaseID)
	}
	if f.PlayerID != "" {
		add("player_id = $%d", f.PlayerID)
	}
	if f.CompanyID != "" {
		add("company_id = $%d", f.CompanyID)
	}
	if len(f.Kinds) > 0 {
		kinds := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			kinds[i] = string(k)
		}
		add("kind = ANY($%d)", kinds)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		add("status = ANY($%d)", statuses)
	}

	order := "seq"
	if f.Sort == game.SortByValueAsc {
		order = "value, seq"
	}
	sql := `SELECT ` + orderColumns + ` FROM stockworks.orders WHERE ` + strings.Join(where, " AND ") + ` ORDER BY ` + order
	if f.Limit > 0 {
		args = append(args, f.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		sql += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	rows, err := t.tx.Query(ctx, sql, args...)
	return collect(rows, err, scanOrder)
}

func (t *pgTx) CreateOrder(ctx context.Context, o game.PlayerOrder) error {
	r := o.Row()
	err := t.exec(ctx, `
		INSERT INTO stockworks.orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, o.ID, t.gameID, o.StockRoundID, o.PhaseID, o.PlayerID, o.CompanyID, r.Kind, r.Quantity, r.Value, r.IsSell, r.Location,
		o.Status, o.PriceAtPlacement, o.FillPrice, o.Turn, o.Seq, o.CreatedAt)
	if isUniqueViolation(err) {
		return game.ErrDuplicateOrder
	}
	return err
}

func (t *pgTx) UpdateOrder(ctx context.Context, o game.PlayerOrder) error {
	return t.mustAffect(ctx, game.ErrOrderNotFound, `
		UPDATE stockworks.orders SET status = $3, fill_price = $4
		WHERE game_id = $1 AND id = $2
	`, t.gameID, o.ID, o.Status, o.FillPrice)
}

func (t *pgTx) OperatingRound(ctx context.Context, turn int) (game.OperatingRound, error) {
	var r game.OperatingRound
	err := t.tx.QueryRow(ctx, `
		SELECT id, game_id, turn FROM stockworks.operating_rounds WHERE game_id = $1 AND turn = $2
	`, t.gameID, turn).Scan(&r.ID, &r.GameID, &r.Turn)
	if errors.Is(err, pgx.ErrNoRows) {
		return r, fmt.Errorf("no operating round for turn %d", turn)
	}
	return r, err
}

func (t *pgTx) CreateOperatingRound(ctx context.Context, r game.OperatingRound) error {
	return t.exec(ctx, `INSERT INTO stockworks.operating_rounds (id, game_id, turn) VALUES ($1, $2, $3)`, r.ID, t.gameID, r.Turn)
}

func (t *pgTx) ListVotes(ctx context.Context, operatingRoundID string) ([]game.OperatingRoundVote, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, operating_round_id, phase_id, player_id, company_id, action, weight, seq, created_at
		FROM stockworks.votes
		WHERE operating_round_id = $1
		ORDER BY seq
	`, operatingRoundID)
	return collect(rows, err, func(r rowScanner) (game.OperatingRoundVote, error) {
		var v game.OperatingRoundVote
		err := r.Scan(&v.ID, &v.OperatingRoundID, &v.PhaseID, &v.PlayerID, &v.CompanyID, &v.Action, &v.Weight, &v.Seq, &v.CreatedAt)
		return v, err
	})
}

func (t *pgTx) CreateVote(ctx context.Context, v game.OperatingRoundVote) error {
	err := t.exec(ctx, `
		INSERT INTO stockworks.votes (id, operating_round_id, phase_id, player_id, company_id, action, weight, seq, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, v.ID, v.OperatingRoundID, v.PhaseID, v.PlayerID, v.CompanyID, v.Action, v.Weight, v.Seq, v.CreatedAt)
	if isUniqueViolation(err) {
		return game.ErrDuplicateVote
	}
	return err
}

func (t *pgTx) ListCompanyActions(ctx context.Context, operatingRoundID string) ([]game.CompanyAction, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, operating_round_id, company_id, action, weight, rank, status
		FROM stockworks.company_actions
		WHERE operating_round_id = $1
		ORDER BY company_id, rank
	`, operatingRoundID)
	return collect(rows, err, func(r rowScanner) (game.CompanyAction, error) {
		var a game.CompanyAction
		err := r.Scan(&a.ID, &a.OperatingRoundID, &a.CompanyID, &a.Action, &a.Weight, &a.Rank, &a.Status)
		return a, err
	})
}

func (t *pgTx) CreateCompanyActions(ctx context.Context, as []game.CompanyAction) error {
	b := &pgx.Batch{}
	for _, a := range as {
		b.Queue(`
			INSERT INTO stockworks.company_actions (id, operating_round_id, company_id, action, weight, rank, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, a.ID, a.OperatingRoundID, a.CompanyID, a.Action, a.Weight, a.Rank, a.Status)
	}
	return t.sendBatch(ctx, b)
}

func (t *pgTx) UpdateCompanyAction(ctx context.Context, a game.CompanyAction) error {
	return t.mustAffect(ctx, fmt.Errorf("company action %s not found", a.ID), `
		UPDATE stockworks.company_actions SET status = $2 WHERE id = $1
	`, a.ID, a.Status)
}

func (t *pgTx) CreateProductionResults(ctx context.Context, rs []game.ProductionResult) error {
	b := &pgx.Batch{}
	for _, r := range rs {
		drawn, err := json.Marshal(r.ResourcesDrawn)
		if err != nil {
			return err
		}
		b.Queue(`
			INSERT INTO stockworks.production_results (id, game_id, turn, company_id, sector_id, demand, supply, customers_served,
				revenue, costs, profit, price_before, price_after, resources_drawn)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		`, r.ID, t.gameID, r.Turn, r.CompanyID, r.SectorID, r.Demand, r.Supply, r.CustomersServed,
			r.Revenue, r.Costs, r.Profit, r.PriceBefore, r.PriceAfter, drawn)
	}
	return t.sendBatch(ctx, b)
}

func (t *pgTx) ListProductionResults(ctx context.Context, turn int) ([]game.ProductionResult, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, game_id, turn, company_id, sector_id, demand, supply, customers_served, revenue, costs, profit,
			price_before, price_after, resources_drawn
		FROM stockworks.production_results
		WHERE game_id = $1 AND turn = $2
		ORDER BY price_before DESC, company_id
	`, t.gameID, turn)
	return collect(rows, err, func(r rowScanner) (game.ProductionResult, error) {
		var (
			p     game.ProductionResult
			drawn []byte
		)
		if err := r.Scan(&p.ID, &p.GameID, &p.Turn, &p.CompanyID, &p.SectorID, &p.Demand, &p.Supply, &p.CustomersServed,
			&p.Revenue, &p.Costs, &p.Profit, &p.PriceBefore, &p.PriceAfter, &drawn); err != nil {
			return p, err
		}
		return p, json.Unmarshal(drawn, &p.ResourcesDrawn)
	})
}

func (t *pgTx) CreateContribution(ctx context.Context, c game.InsolvencyContribution) error {
	return t.exec(ctx, `
		INSERT INTO stockworks.contributions (id, game_id, phase_id, player_id, company_id, cash, shares, value, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, c.ID, t.gameID, c.PhaseID, c.PlayerID, c.CompanyID, c.Cash, c.Shares, c.Value, c.CreatedAt)
}

func (t *pgTx) ListContributions(ctx context.Context, companyID string) ([]game.InsolvencyContribution, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, game_id, phase_id, player_id, company_id, cash, shares, value, created_at
		FROM stockworks.contributions
		WHERE game_id = $1 AND company_id = $2
		ORDER BY created_at, id
	`, t.gameID, companyID)
	return collect(rows, err, func(r rowScanner) (game.InsolvencyContribution, error) {
		var c game.InsolvencyContribution
		err := r.Scan(&c.ID, &c.GameID, &c.PhaseID, &c.PlayerID, &c.CompanyID, &c.Cash, &c.Shares, &c.Value, &c.CreatedAt)
		return c, err
	})
}

func (t *pgTx) AppendPrices(ctx context.Context, ps []game.PricePoint) error {
	b := &pgx.Batch{}
	for _, p := range ps {
		b.Queue(`
			INSERT INTO stockworks.price_history (game_id, company_id, turn, phase_name, price, at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, t.gameID, p.CompanyID, p.Turn, p.PhaseName, p.Price, p.At)
	}
	return t.sendBatch(ctx, b)
}

func (t *pgTx) MarkResponded(ctx context.Context, phaseID, playerID string) (int, error) {
	if err := t.exec(ctx, `
		INSERT INTO stockworks.phase_responses (phase_id, player_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, phaseID, playerID); err != nil {
		return 0, err
	}
	var n int
	err := t.tx.QueryRow(ctx, `SELECT count(*) FROM stockworks.phase_responses WHERE phase_id = $1`, phaseID).Scan(&n)
	return n, err
}

func (t *pgTx) ClaimIdempotency(ctx context.Context, playerID, key, action string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	cmd, err := t.tx.Exec(ctx, `
		INSERT INTO stockworks.idempotency_keys (game_id, player_id, key, action, created_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (game_id, player_id, key) DO NOTHING
	`, t.gameID, playerID, key, action)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return game.ErrDuplicateIdempotency
	}
	return nil
}

func (t *pgTx) NextSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := t.tx.QueryRow(ctx, `UPDATE stockworks.games SET seq = seq + 1 WHERE id = $1 RETURNING seq`, t.gameID).Scan(&seq)
	return seq, notFound(err, game.ErrGameNotFound)
}

func isSerializationError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "40001"
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
