package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	cl "stockworks/internal/cli"
	"stockworks/internal/config"
	"stockworks/internal/game"
	"stockworks/internal/syncq"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

type rootOptions struct {
	apiBase  string
	playerID string
	gameID   string
}

func main() {
	_ = config.LoadDotEnv()
	cfg := config.LoadCLIFromEnv()
	opts := &rootOptions{apiBase: cfg.APIBaseURL, playerID: cfg.PlayerID, gameID: cfg.GameID}

	color.NoColor = color.NoColor || !term.IsTerminal(int(os.Stdout.Fd()))

	root := &cobra.Command{
		Use:          "stk",
		Short:        "Stockworks CLI game client",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.apiBase, "api", opts.apiBase, "API base URL")
	root.PersistentFlags().StringVar(&opts.playerID, "player", opts.playerID, "player id (overrides `stk use`)")
	root.PersistentFlags().StringVar(&opts.gameID, "game", opts.gameID, "game id (overrides `stk use`)")

	root.AddCommand(
		newGameCmd(opts),
		newUseCmd(opts),
		newStateCmd(opts),
		newPricesCmd(opts),
		newOrderCmd(opts),
		newVoteCmd(opts),
		newContributeCmd(opts),
		newPassCmd(opts),
		newAdvanceCmd(opts),
		newLockCmd(opts, true),
		newLockCmd(opts, false),
		newWatchCmd(opts),
		newSyncCmd(opts),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func (o *rootOptions) seat() (cl.Session, error) {
	s, err := cl.Session{PlayerID: o.playerID, GameID: o.gameID}.Resolve()
	if err != nil {
		return cl.Session{}, err
	}
	if o.apiBase != "" {
		s.APIBaseURL = o.apiBase
	}
	return s, nil
}

func (o *rootOptions) gameOnly() (string, error) {
	if o.gameID != "" {
		return o.gameID, nil
	}
	s, err := cl.LoadSession()
	if err != nil {
		return "", err
	}
	return s.GameID, nil
}

func newClient(apiBase, playerID string) *cl.Client {
	return cl.NewClient(strings.TrimRight(strings.TrimSpace(apiBase), "/"), playerID)
}

func newGameCmd(opts *rootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "new-game",
		Short: "Create a game from a YAML setup file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return errors.New("--file is required")
			}
			raw, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var setup game.GameSetup
			if err := yaml.Unmarshal(raw, &setup); err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			st, err := newClient(opts.apiBase, "").CreateGame(ctx, setup)
			if err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Created game %s (%s).", st.Game.ID, st.Game.Name))
			printInfo(fmt.Sprintf("Take a seat with `stk use %s <player-id>`.", st.Game.ID))
			return renderState(st, "")
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "setup YAML (name, seed, players, sectors, companies)")
	return cmd
}

func newUseCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "use <game-id> <player-id>",
		Short: "Select the game and seat later commands act on",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := cl.Session{GameID: strings.TrimSpace(args[0]), PlayerID: strings.TrimSpace(args[1]), APIBaseURL: opts.apiBase}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			st, err := newClient(s.APIBaseURL, s.PlayerID).State(ctx, s.GameID)
			if err != nil {
				return err
			}
			if findPlayer(st, s.PlayerID) == nil {
				return fmt.Errorf("player %s is not seated in game %s", s.PlayerID, s.GameID)
			}
			if err := cl.SaveSession(s); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Playing %s as %s.", st.Game.Name, findPlayer(st, s.PlayerID).Name))
			return nil
		},
	}
}

func newStateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Show the current phase, players and companies",
		RunE: func(cmd *cobra.Command, args []string) error {
			gameID, err := opts.gameOnly()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			st, err := newClient(opts.apiBase, opts.playerID).State(ctx, gameID)
			if err != nil {
				return err
			}
			me := opts.playerID
			if s, err := cl.LoadSession(); err == nil && me == "" {
				me = s.PlayerID
			}
			return renderState(st, me)
		},
	}
}

func newPricesCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "prices <company>",
		Short: "Show a company's recorded stock prices",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gameID, err := opts.gameOnly()
			if err != nil {
				return err
			}
			client := newClient(opts.apiBase, opts.playerID)
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			st, err := client.State(ctx, gameID)
			if err != nil {
				return err
			}
			co, err := findCompany(st, args[0])
			if err != nil {
				return err
			}
			rows, err := client.PriceHistory(ctx, gameID, co.ID, limit)
			if err != nil {
				return err
			}
			return renderPrices(co, rows)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of points to show")
	return cmd
}

func newOrderCmd(opts *rootOptions) *cobra.Command {
	order := &cobra.Command{
		Use:   "order",
		Short: "Place stock round orders",
	}

	var sell, ipo bool
	market := &cobra.Command{
		Use:   "market <company> <quantity>",
		Short: "Buy or sell at the settlement price of this sub-round",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			qty, err := positiveArg(args[1], "quantity")
			if err != nil {
				return err
			}
			loc := string(game.LocationOpenMarket)
			if ipo {
				loc = string(game.LocationIPO)
			}
			return submitOrder(cmd, opts, args[0], cl.OrderRequest{Kind: "market", Quantity: qty, IsSell: sell, Location: loc})
		},
	}
	market.Flags().BoolVar(&sell, "sell", false, "sell instead of buy")
	market.Flags().BoolVar(&ipo, "ipo", false, "buy unissued shares from the IPO pool")

	var limitSell bool
	limit := &cobra.Command{
		Use:   "limit <company> <quantity> <price>",
		Short: "Rest an order that fills when the price crosses <price>",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			qty, err := positiveArg(args[1], "quantity")
			if err != nil {
				return err
			}
			value, err := positiveArg(args[2], "price")
			if err != nil {
				return err
			}
			return submitOrder(cmd, opts, args[0], cl.OrderRequest{Kind: "limit", Quantity: qty, Value: value, IsSell: limitSell})
		},
	}
	limit.Flags().BoolVar(&limitSell, "sell", false, "sell when the price rises to <price>")

	short := &cobra.Command{
		Use:   "short <company> <quantity>",
		Short: "Borrow and sell shares, covered at the end of the turn",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			qty, err := positiveArg(args[1], "quantity")
			if err != nil {
				return err
			}
			return submitOrder(cmd, opts, args[0], cl.OrderRequest{Kind: "short", Quantity: qty})
		},
	}

	order.AddCommand(market, limit, short)
	return order
}

func submitOrder(cmd *cobra.Command, opts *rootOptions, companyRef string, req cl.OrderRequest) error {
	seat, client, st, err := openSeat(cmd.Context(), opts)
	if err != nil {
		return err
	}
	co, err := findCompany(st, companyRef)
	if err != nil {
		return err
	}
	req.CompanyID = co.ID
	req.PhaseID = st.Phase.ID

	idem := uuid.NewString()
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	rec, err := client.PlaceOrder(ctx, seat.GameID, req, idem)
	if err != nil {
		body, _ := decodeInto[map[string]any](req)
		return queueOnRetryableError(err, syncq.Command{
			Method:         http.MethodPost,
			Path:           cl.OrdersPath(seat.GameID),
			PlayerID:       seat.PlayerID,
			Body:           body,
			IdempotencyKey: idem,
		})
	}
	return renderReceipt(rec, co.Name)
}

func newVoteCmd(opts *rootOptions) *cobra.Command {
	actions := []string{
		string(game.ActionMarketing), string(game.ActionResearch), string(game.ActionExpansion),
		string(game.ActionDownsize), string(game.ActionLobby), string(game.ActionSpendPriority), string(game.ActionVeto),
	}
	return &cobra.Command{
		Use:   "vote <company> [action]",
		Short: "Vote for an operating action of a company you hold shares in",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var action string
			if len(args) > 1 {
				action = strings.ToUpper(strings.TrimSpace(args[1]))
			} else {
				picked, err := promptChoice("Action", actions, string(game.ActionVeto))
				if err != nil {
					return err
				}
				action = strings.ToUpper(picked)
			}
			seat, client, st, err := openSeat(cmd.Context(), opts)
			if err != nil {
				return err
			}
			co, err := findCompany(st, args[0])
			if err != nil {
				return err
			}
			idem := uuid.NewString()
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			rec, err := client.Vote(ctx, seat.GameID, st.Phase.ID, co.ID, action, idem)
			if err != nil {
				return queueOnRetryableError(err, syncq.Command{
					Method:   http.MethodPost,
					Path:     cl.VotesPath(seat.GameID),
					PlayerID: seat.PlayerID,
					Body: map[string]any{
						"phase_id":   st.Phase.ID,
						"company_id": co.ID,
						"action":     action,
					},
					IdempotencyKey: idem,
				})
			}
			return renderReceipt(rec, co.Name)
		},
	}
}

func newContributeCmd(opts *rootOptions) *cobra.Command {
	var cash, shares int64
	cmd := &cobra.Command{
		Use:   "contribute <company>",
		Short: "Put cash or shares toward an insolvent company's deficit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cash < 0 || shares < 0 || cash+shares == 0 {
				return errors.New("give a positive --cash and/or --shares")
			}
			seat, client, st, err := openSeat(cmd.Context(), opts)
			if err != nil {
				return err
			}
			co, err := findCompany(st, args[0])
			if err != nil {
				return err
			}
			idem := uuid.NewString()
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			rec, err := client.Contribute(ctx, seat.GameID, st.Phase.ID, co.ID, cash, shares, idem)
			if err != nil {
				return queueOnRetryableError(err, syncq.Command{
					Method:   http.MethodPost,
					Path:     cl.ContributionsPath(seat.GameID),
					PlayerID: seat.PlayerID,
					Body: map[string]any{
						"phase_id":   st.Phase.ID,
						"company_id": co.ID,
						"cash":       cash,
						"shares":     shares,
					},
					IdempotencyKey: idem,
				})
			}
			return renderReceipt(rec, co.Name)
		},
	}
	cmd.Flags().Int64Var(&cash, "cash", 0, "cash to contribute")
	cmd.Flags().Int64Var(&shares, "shares", 0, "shares to hand over")
	return cmd
}

func newPassCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pass",
		Short: "Pass for the current phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			seat, client, st, err := openSeat(cmd.Context(), opts)
			if err != nil {
				return err
			}
			idem := uuid.NewString()
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			rec, err := client.Pass(ctx, seat.GameID, st.Phase.ID, idem)
			if err != nil {
				return queueOnRetryableError(err, syncq.Command{
					Method:         http.MethodPost,
					Path:           cl.PassPath(seat.GameID),
					PlayerID:       seat.PlayerID,
					Body:           map[string]any{"phase_id": st.Phase.ID},
					IdempotencyKey: idem,
				})
			}
			return renderReceipt(rec, "")
		},
	}
}

func newAdvanceCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "advance",
		Short: "Force the game into its next phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			gameID, err := opts.gameOnly()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			phase, err := newClient(opts.apiBase, opts.playerID).Advance(ctx, gameID)
			if err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Now in %s (turn %d).", phase.Name, phase.Turn))
			return nil
		},
	}
}

func newLockCmd(opts *rootOptions, locked bool) *cobra.Command {
	use, short, done := "lock", "Stop accepting player input", "Input locked."
	if !locked {
		use, short, done = "unlock", "Accept player input again and clear an intervention stop", "Input unlocked."
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			gameID, err := opts.gameOnly()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := newClient(opts.apiBase, opts.playerID).SetLock(ctx, gameID, locked); err != nil {
				return err
			}
			printSuccess(done)
			return nil
		},
	}
}

func newSyncCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay submissions queued while the server was busy or unreachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, err := syncq.Load()
			if err != nil {
				return err
			}
			if len(queue) == 0 {
				printInfo("Sync queue is empty.")
				return nil
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()

			send := func(ctx context.Context, q syncq.Command) error {
				_, err := newClient(opts.apiBase, q.PlayerID).Do(ctx, q.Method, q.Path, q.Body, q.IdempotencyKey)
				return err
			}
			res := syncq.Replay(ctx, queue, send, cl.IsRetryable)
			for _, f := range res.Dropped {
				printError(fmt.Sprintf("Dropped %s %s: %v", f.Command.Method, f.Command.Path, f.Err))
			}
			if err := syncq.Save(res.Remaining); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Sync complete: replayed=%d dropped=%d remaining=%d", res.Replayed, len(res.Dropped), len(res.Remaining)))
			return nil
		},
	}
}

// openSeat resolves the selected seat and fetches the game so commands can
// pin their submission to the phase the player is looking at.
func openSeat(parent context.Context, opts *rootOptions) (cl.Session, *cl.Client, game.GameState, error) {
	seat, err := opts.seat()
	if err != nil {
		return cl.Session{}, nil, game.GameState{}, err
	}
	client := newClient(seat.APIBaseURL, seat.PlayerID)
	ctx, cancel := context.WithTimeout(parent, 30*time.Second)
	defer cancel()
	st, err := client.State(ctx, seat.GameID)
	if err != nil {
		return cl.Session{}, nil, game.GameState{}, err
	}
	return seat, client, st, nil
}

func queueOnRetryableError(err error, cmd syncq.Command) error {
	if err == nil {
		return nil
	}
	if !cl.IsRetryable(err) {
		return err
	}
	if qerr := syncq.Push(cmd); qerr != nil {
		return fmt.Errorf("request failed (%v) and could not be queued: %w", err, qerr)
	}
	printWarn(fmt.Sprintf("Server unavailable (%v). Queued; run `stk sync` to retry.", err))
	return nil
}

func findCompany(st game.GameState, ref string) (game.Company, error) {
	ref = strings.TrimSpace(ref)
	for _, c := range st.Companies {
		if c.ID == ref || strings.EqualFold(c.Name, ref) {
			return c, nil
		}
	}
	return game.Company{}, fmt.Errorf("no company %q in game %s", ref, st.Game.ID)
}

func findPlayer(st game.GameState, id string) *game.Player {
	for i := range st.Players {
		if st.Players[i].ID == id {
			return &st.Players[i]
		}
	}
	return nil
}

func positiveArg(raw, label string) (int64, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid %s %q", label, raw)
	}
	return v, nil
}
