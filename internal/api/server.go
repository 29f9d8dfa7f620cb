package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"stockworks/internal/config"
	"stockworks/internal/game"
	"stockworks/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

type contextKey string

const playerContextKey contextKey = "player"

// Engine is the slice of *game.Scheduler the HTTP layer drives.
type Engine interface {
	CreateGame(ctx context.Context, setup game.GameSetup) (game.GameState, error)
	State(ctx context.Context, gameID string) (game.GameState, error)
	SubmitAction(ctx context.Context, sub game.Submission) (game.Receipt, error)
	AdvancePhase(ctx context.Context, gameID string) (game.Phase, error)
	SetInputLock(ctx context.Context, gameID string, locked bool) error
}

type Streamer interface {
	ServeWS(w http.ResponseWriter, r *http.Request, gameID, playerID string)
}

type History interface {
	PriceHistory(ctx context.Context, gameID, companyID string, limit int) ([]game.PricePoint, error)
}

// Deps are the optional collaborators; nil members disable their routes.
type Deps struct {
	Stream  Streamer
	History History
	Metrics http.Handler
}

type Server struct {
	cfg    config.APIConfig
	log    *slog.Logger
	engine Engine
	deps   Deps
	mux    *chi.Mux

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
}

func New(cfg config.APIConfig, logger *slog.Logger, engine Engine, deps Deps) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		log:      logger,
		engine:   engine,
		deps:     deps,
		mux:      chi.NewRouter(),
		limiters: make(map[string]*rate.Limiter),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	r := s.mux
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "time": time.Now().UTC()})
	})
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}

	r.Route("/v1/games", func(r chi.Router) {
		r.With(middleware.Timeout(30*time.Second)).Post("/", s.handleCreateGame)

		r.Route("/{gameID}", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(30 * time.Second))
				r.Get("/", s.handleState)
				r.Get("/companies/{companyID}/prices", s.handlePriceHistory)
				r.Post("/advance", s.handleAdvance)
				r.Post("/lock", s.handleLock(true))
				r.Delete("/lock", s.handleLock(false))

				r.Group(func(r chi.Router) {
					r.Use(s.playerMiddleware)
					r.Use(s.rateLimit)
					r.Post("/orders", s.handleOrder)
					r.Post("/votes", s.handleVote)
					r.Post("/contributions", s.handleContribution)
					r.Post("/pass", s.handlePass)
				})
			})
			r.With(s.playerMiddleware).Get("/ws", s.handleWS)
		})
	})
}

// playerMiddleware reads the acting player from X-Player-ID. Identity is
// asserted by the client; an authenticating proxy is expected in front.
func (s *Server) playerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		playerID := strings.TrimSpace(r.Header.Get("X-Player-ID"))
		if playerID == "" {
			playerID = strings.TrimSpace(r.URL.Query().Get("player_id"))
		}
		if playerID == "" {
			writeError(w, http.StatusUnauthorized, "missing X-Player-ID header")
			return
		}
		ctx := context.WithValue(r.Context(), playerContextKey, playerID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func playerFromContext(ctx context.Context) (string, error) {
	playerID, ok := ctx.Value(playerContextKey).(string)
	if !ok || playerID == "" {
		return "", errors.New("missing player context")
	}
	return playerID, nil
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		playerID, _ := playerFromContext(r.Context())
		if !s.limiter(chi.URLParam(r, "gameID") + "/" + playerID).Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "too many submissions")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limiter(key string) *rate.Limiter {
	s.limMu.Lock()
	defer s.limMu.Unlock()
	l, ok := s.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.cfg.SubmitRate), s.cfg.SubmitBurst)
		s.limiters[key] = l
	}
	return l
}

func (s *Server) handleCreateGame(w http.ResponseWriter, r *http.Request) {
	var in game.GameSetup
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	st, err := s.engine.CreateGame(r.Context(), in)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.State(r.Context(), chi.URLParam(r, "gameID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handlePriceHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusNotImplemented, "price history is not stored")
		return
	}
	limit := 100
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	out, err := s.deps.History.PriceHistory(r.Context(), chi.URLParam(r, "gameID"), chi.URLParam(r, "companyID"), limit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rows": out})
}

type orderRequest struct {
	PhaseID   string `json:"phase_id"`
	CompanyID string `json:"company_id"`
	Kind      string `json:"kind"`
	Quantity  int64  `json:"quantity"`
	Value     int64  `json:"value"`
	IsSell    bool   `json:"is_sell"`
	Location  string `json:"location"`
}

func (in orderRequest) spec() (game.OrderSpec, error) {
	switch game.OrderKind(strings.ToUpper(strings.TrimSpace(in.Kind))) {
	case game.OrderMarket:
		loc := game.ShareLocation(strings.ToUpper(strings.TrimSpace(in.Location)))
		if loc == "" {
			loc = game.LocationOpenMarket
		}
		return game.MarketOrder{Quantity: in.Quantity, IsSell: in.IsSell, Location: loc}, nil
	case game.OrderLimit:
		return game.LimitOrder{Value: in.Value, Quantity: in.Quantity, IsSell: in.IsSell}, nil
	case game.OrderShort:
		return game.ShortOrder{Quantity: in.Quantity}, nil
	}
	return nil, fmt.Errorf("%w: kind must be market, limit or short", game.ErrInvalidOrder)
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	var in orderRequest
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	spec, err := in.spec()
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.submit(w, r, in.PhaseID, game.OrderAction{CompanyID: in.CompanyID, Spec: spec})
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	var in struct {
		PhaseID   string `json:"phase_id"`
		CompanyID string `json:"company_id"`
		Action    string `json:"action"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	action := game.OperatingAction(strings.ToUpper(strings.TrimSpace(in.Action)))
	s.submit(w, r, in.PhaseID, game.VoteAction{CompanyID: in.CompanyID, Action: action})
}

func (s *Server) handleContribution(w http.ResponseWriter, r *http.Request) {
	var in struct {
		PhaseID   string `json:"phase_id"`
		CompanyID string `json:"company_id"`
		Cash      int64  `json:"cash"`
		Shares    int64  `json:"shares"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.submit(w, r, in.PhaseID, game.ContributionAction{CompanyID: in.CompanyID, Cash: in.Cash, Shares: in.Shares})
}

func (s *Server) handlePass(w http.ResponseWriter, r *http.Request) {
	var in struct {
		PhaseID string `json:"phase_id"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	s.submit(w, r, in.PhaseID, game.PassAction{})
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, phaseID string, action game.Action) {
	playerID, err := playerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	phaseID = strings.TrimSpace(phaseID)
	if phaseID == "" {
		writeError(w, http.StatusBadRequest, "phase_id is required")
		return
	}
	rec, err := s.engine.SubmitAction(r.Context(), game.Submission{
		GameID:         chi.URLParam(r, "gameID"),
		PlayerID:       playerID,
		PhaseID:        phaseID,
		IdempotencyKey: idempotencyKey(r),
		Action:         action,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	phase, err := s.engine.AdvancePhase(r.Context(), chi.URLParam(r, "gameID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"phase": phase})
}

func (s *Server) handleLock(locked bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.engine.SetInputLock(r.Context(), chi.URLParam(r, "gameID"), locked); err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"locked": locked})
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.deps.Stream == nil {
		writeError(w, http.StatusNotImplemented, "event stream disabled")
		return
	}
	gameID := chi.URLParam(r, "gameID")
	if _, err := s.engine.State(r.Context(), gameID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	playerID, _ := playerFromContext(r.Context())
	s.deps.Stream.ServeWS(w, r, gameID, playerID)
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, game.ErrGameBusy):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusLocked, err.Error())
	case errors.Is(err, game.ErrGameNotFound), errors.Is(err, game.ErrPhaseNotFound),
		errors.Is(err, game.ErrPlayerNotFound), errors.Is(err, game.ErrCompanyNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, game.ErrDuplicateIdempotency), errors.Is(err, game.ErrDuplicateOrder),
		errors.Is(err, game.ErrDuplicateVote), errors.Is(err, game.ErrWrongPhase),
		errors.Is(err, game.ErrGameClosed):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrTxConflict):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case game.IsValidationError(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, game.ErrConfig):
		s.log.Error("game stopped on configuration error", "err", err)
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		s.log.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": strings.TrimSpace(message)})
}

func idempotencyKey(r *http.Request) string {
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key != "" {
		return key
	}
	return uuid.NewString()
}
