// Package api provides the HTTP handlers for quotes, portfolios, trading,
// the leaderboard, and the engine triggers.
//
// All monetary values use shopspring/decimal, never float64.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/market-sim/internal/engine"
	"github.com/atmx/market-sim/internal/leaderboard"
	"github.com/atmx/market-sim/internal/ledger"
	"github.com/atmx/market-sim/internal/market"
	"github.com/atmx/market-sim/internal/metrics"
	"github.com/atmx/market-sim/internal/model"
	"github.com/atmx/market-sim/internal/realtime"
	"github.com/atmx/market-sim/internal/seed"
	"github.com/atmx/market-sim/internal/stipend"
	"github.com/atmx/market-sim/internal/store"
)

// maxQuantity bounds parsed quantities so truncation to int64 is exact.
const maxQuantity = 1e15

// Server wires the HTTP surface to the market services.
type Server struct {
	kv       *store.StateStore
	repo     *market.Repository
	ledger   *ledger.Ledger
	engine   *engine.Engine
	board    *leaderboard.Service
	stipends *stipend.Service
	karma    stipend.MockSource
	hub      *realtime.Hub
	limiter  *RateLimiter
}

// Deps are the collaborators a Server needs. Hub and Limiter are optional.
type Deps struct {
	Store       *store.StateStore
	Repository  *market.Repository
	Ledger      *ledger.Ledger
	Engine      *engine.Engine
	Leaderboard *leaderboard.Service
	Stipends    *stipend.Service
	Hub         *realtime.Hub
	Limiter     *RateLimiter
}

// NewServer creates the HTTP server handlers.
func NewServer(d Deps) *Server {
	return &Server{
		kv:       d.Store,
		repo:     d.Repository,
		ledger:   d.Ledger,
		engine:   d.Engine,
		board:    d.Leaderboard,
		stipends: d.Stipends,
		hub:      d.Hub,
		limiter:  d.Limiter,
	}
}

// Routes mounts every endpoint on r.
func (s *Server) Routes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.Health)
		r.Get("/prices", s.Prices)
		r.Get("/portfolio", s.Portfolio)
		r.Get("/leaderboard", s.Leaderboard)
		r.Get("/trades", s.Trades)
		r.With(s.rateLimit).Post("/trade", s.ExecuteTrade)

		if s.hub != nil {
			// WebSocket endpoint for real-time envelopes.
			r.Get("/v1/ws", s.hub.HandleWS)
		}
	})

	r.Route("/internal", func(r chi.Router) {
		r.Post("/scheduler/price-engine-tick", s.SchedulerTick)
		r.Post("/dev/price-engine/run", s.ManualTick)
		r.Get("/dev/karma", s.DevKarma)
	})

	r.Handle("/metrics", metrics.Handler())
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return s.limiter.Middleware(next)
}

// --- Request/Response types ---

// TradeRequest is the JSON body for POST /api/trade.
type TradeRequest struct {
	Symbol   string     `json:"symbol"`
	Side     model.Side `json:"side"`
	Quantity Quantity   `json:"quantity"`
	Username string     `json:"username,omitempty"`
}

// Quantity accepts a JSON number or numeric string.
type Quantity struct {
	Value float64
	Set   bool
}

func (q *Quantity) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		return nil
	}
	raw = strings.Trim(raw, `"`)
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		// Unparseable quantities are reported as invalid payloads, not
		// decode failures.
		q.Value, q.Set = math.NaN(), true
		return nil
	}
	q.Value, q.Set = v, true
	return nil
}

func (q Quantity) MarshalJSON() ([]byte, error) {
	return json.Marshal(q.Value)
}

// HealthResponse is returned by GET /api/health.
type HealthResponse struct {
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Storage   string    `json:"storage"`
	Timestamp time.Time `json:"timestamp"`
}

// LeaderboardResponse is returned by GET /api/leaderboard.
type LeaderboardResponse struct {
	Entries []model.LeaderboardEntry `json:"entries"`
}

// TradesResponse is returned by GET /api/trades.
type TradesResponse struct {
	Trades []model.TradeEvent `json:"trades"`
}

// KarmaResponse is returned by GET /internal/dev/karma.
type KarmaResponse struct {
	Username string  `json:"username"`
	Karma    float64 `json:"karma"`
	Stipend  float64 `json:"stipend"`
}

// --- HTTP Handlers ---

// Health handles GET /api/health
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Message:   "Karma Market service is online.",
		Storage:   s.kv.Mode().String(),
		Timestamp: time.Now().UTC(),
	})
}

// Prices handles GET /api/prices
func (s *Server) Prices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.repo.EnsureSeeded(ctx); err != nil {
		s.internalError(w, "failed to load prices", err)
		return
	}

	var snap model.PricesSnapshot
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		snap.Quotes, err = s.repo.LoadQuotes(gctx)
		return err
	})
	g.Go(func() error {
		symbols, err := s.repo.Symbols(gctx)
		if err != nil {
			return err
		}
		snap.Spotlight, err = s.repo.LoadSpotlight(gctx, seed.DefaultSpotlight(symbols))
		return err
	})
	if err := g.Wait(); err != nil {
		s.internalError(w, "failed to load prices", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Portfolio handles GET /api/portfolio
// The user comes from the identity headers or ?user=.
func (s *Server) Portfolio(w http.ResponseWriter, r *http.Request) {
	p, err := s.ledger.Portfolio(r.Context(), requestUser(r))
	if err != nil {
		s.internalError(w, "failed to load portfolio", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Leaderboard handles GET /api/leaderboard
func (s *Server) Leaderboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.repo.EnsureSeeded(ctx); err != nil {
		s.internalError(w, "failed to load leaderboard", err)
		return
	}
	entries, err := s.board.Current(ctx)
	if err != nil {
		s.internalError(w, "failed to load leaderboard", err)
		return
	}
	if len(entries) == 0 {
		quotes, err := s.repo.LoadQuotes(ctx)
		if err != nil {
			s.internalError(w, "failed to load leaderboard", err)
			return
		}
		entries = seed.Leaderboard(quotes)
	}
	viewer := market.NormalizeUser(requestUser(r))
	writeJSON(w, http.StatusOK, LeaderboardResponse{Entries: leaderboard.MarkSelf(entries, viewer)})
}

// Trades handles GET /api/trades
// With ?user= and a trade archive configured, returns that user's history.
func (s *Server) Trades(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	trades, err := s.ledger.Trades(r.Context(), r.URL.Query().Get("user"), limit)
	if err != nil {
		s.internalError(w, "failed to load trades", err)
		return
	}
	writeJSON(w, http.StatusOK, TradesResponse{Trades: trades})
}

// ExecuteTrade handles POST /api/trade
func (s *Server) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid trade payload.", http.StatusBadRequest)
		return
	}

	// --- Input validation ---
	q := req.Quantity.Value
	if req.Symbol == "" || !req.Side.Valid() || !req.Quantity.Set ||
		math.IsNaN(q) || math.IsInf(q, 0) || math.Abs(q) > maxQuantity {
		writeError(w, "Invalid trade payload.", http.StatusBadRequest)
		return
	}

	username := strings.TrimSpace(req.Username)
	if username == "" {
		username = requestUser(r)
	}

	result, err := s.ledger.ExecuteTrade(r.Context(), ledger.Request{
		Symbol:   req.Symbol,
		Side:     req.Side,
		Quantity: int64(math.Trunc(q)),
		User:     username,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, result)
	case errors.Is(err, ledger.ErrValidation):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ledger.ErrInsufficientFunds):
		writeError(w, "Insufficient cash for this trade.", http.StatusBadRequest)
	case errors.Is(err, ledger.ErrInsufficientShares):
		writeError(w, "Insufficient shares to sell.", http.StatusBadRequest)
	default:
		s.internalError(w, "Failed to execute trade. Please retry.", err)
	}
}

// SchedulerTick handles POST /internal/scheduler/price-engine-tick
func (s *Server) SchedulerTick(w http.ResponseWriter, r *http.Request) {
	if _, err := s.engine.Tick(r.Context()); err != nil {
		s.internalError(w, "Price engine tick failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// ManualTick handles POST /internal/dev/price-engine/run
func (s *Server) ManualTick(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Tick(r.Context())
	if err != nil {
		s.internalError(w, "Price engine tick failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"prices": res.Snapshot(),
	})
}

// DevKarma handles GET /internal/dev/karma
func (s *Server) DevKarma(w http.ResponseWriter, r *http.Request) {
	username := requestUser(r)
	karma := s.karma.Score(username)
	amount, _ := s.stipends.Compute(karma).Float64()
	writeJSON(w, http.StatusOK, KarmaResponse{Username: username, Karma: karma, Stipend: amount})
}

// --- helpers ---

var identityHeaders = []string{"x-reddit-username", "x-devvit-user", "x-user-name"}

func headerUser(r *http.Request) string {
	for _, h := range identityHeaders {
		if v := strings.TrimSpace(r.Header.Get(h)); v != "" {
			return v
		}
	}
	return ""
}

// requestUser resolves the caller from identity headers, then ?user=,
// then the demo account.
func requestUser(r *http.Request) string {
	if u := headerUser(r); u != "" {
		return u
	}
	if u := strings.TrimSpace(r.URL.Query().Get("user")); u != "" {
		return u
	}
	return seed.DemoUser
}

func (s *Server) internalError(w http.ResponseWriter, message string, err error) {
	slog.Error(message, "err", err)
	writeError(w, message, http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"status": "error", "message": message})
}
