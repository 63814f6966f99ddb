// Package game implements the round/trade economy engine: trade execution
// against the shared pool, the round lifecycle scheduler, and the realtime
// broadcast hub.
//
// All monetary values use shopspring/decimal, never float64.
package game

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/godcandle/round-engine/internal/chain"
	"github.com/godcandle/round-engine/internal/metrics"
	"github.com/godcandle/round-engine/internal/model"
	"github.com/godcandle/round-engine/internal/position"
	"github.com/godcandle/round-engine/internal/pricing"
	"github.com/godcandle/round-engine/internal/risk"
	"github.com/godcandle/round-engine/internal/store"
)

// Domain errors surfaced to callers as structured failures.
var (
	ErrRoundExpired = errors.New("game: round has ended")
	ErrNoPosition   = errors.New("game: no open position in this round")
	ErrBelowMinimum = errors.New("game: amount below minimum trade size")
)

// Config holds the trade-execution tunables.
type Config struct {
	// FeeRate is the fraction taken from every trade (0.02 = 2%).
	FeeRate decimal.Decimal

	// MinTrade is the smallest accepted buy, in SOL.
	MinTrade decimal.Decimal

	// LeaderboardSize bounds GET /api/game/leaderboard.
	LeaderboardSize int
}

// Service executes trades and serves the game HTTP surface. A mutex
// serializes trade execution: at most one round is ever active, so all
// trades contend on the same pool and are applied one at a time
// (single-instance; the store re-validates balances under row locks).
type Service struct {
	store   store.Store
	hub     *Hub
	engine  *pricing.Engine
	limiter *risk.ExposureLimiter
	cfg     Config

	mu sync.Mutex

	// countdown reports the intermission seconds remaining; wired to the
	// scheduler at startup.
	countdown func() int

	now func() time.Time
}

// NewService creates a trade service. Pass nil for hub if realtime
// broadcasting is not needed.
func NewService(st store.Store, hub *Hub, engine *pricing.Engine, limiter *risk.ExposureLimiter, cfg Config) *Service {
	if cfg.LeaderboardSize <= 0 {
		cfg.LeaderboardSize = 10
	}
	return &Service{
		store:   st,
		hub:     hub,
		engine:  engine,
		limiter: limiter,
		cfg:     cfg,
		countdown: func() int { return 0 },
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// BindScheduler wires the scheduler's countdown state into round queries.
func (s *Service) BindScheduler(sched *Scheduler) {
	s.countdown = sched.CountdownRemaining
}

// --- Request/Response types ---

// TradeRequest is the JSON body for POST /api/game/trade.
type TradeRequest struct {
	WalletAddress string          `json:"wallet_address"`
	TradeType     string          `json:"trade_type"`
	SolAmount     decimal.Decimal `json:"sol_amount"`
}

// SellAllRequest is the JSON body for POST /api/game/sell-all.
type SellAllRequest struct {
	WalletAddress string `json:"wallet_address"`
}

// TradeResponse is returned from trade and sell-all routes.
type TradeResponse struct {
	Success          bool             `json:"success"`
	TradeID          string           `json:"trade_id"`
	TradeType        string           `json:"trade_type"`
	PriceMultiplier  decimal.Decimal  `json:"price_multiplier"`
	EntryMultiplier  *decimal.Decimal `json:"entry_multiplier,omitempty"`
	SolAmount        decimal.Decimal  `json:"sol_amount"`
	TokenAmount      decimal.Decimal  `json:"token_amount"`
	FeeAmount        decimal.Decimal  `json:"fee_amount"`
	DepositedBalance decimal.Decimal  `json:"deposited_balance"`
	Position         model.Position   `json:"position"`
}

// RoundResponse is returned from GET /api/game/round.
type RoundResponse struct {
	Success          bool            `json:"success"`
	Status           string          `json:"status"`
	Round            *model.Round    `json:"round,omitempty"`
	TimeRemaining    int             `json:"time_remaining,omitempty"`
	CountdownSeconds int             `json:"countdown_seconds,omitempty"`
	PriceMultiplier  decimal.Decimal `json:"price_multiplier"`
}

// PositionResponse is returned from GET /api/game/position/{wallet}.
type PositionResponse struct {
	Success          bool            `json:"success"`
	Position         *model.Position `json:"position,omitempty"`
	DepositedBalance decimal.Decimal `json:"deposited_balance"`
}

// PreviewResponse is returned from GET /api/game/preview.
type PreviewResponse struct {
	Success         bool             `json:"success"`
	TradeType       string           `json:"trade_type"`
	PriceMultiplier decimal.Decimal  `json:"price_multiplier"`
	MultiplierAfter decimal.Decimal  `json:"multiplier_after"`
	ImpactPercent   decimal.Decimal  `json:"impact_percent"`
	EntryMultiplier *decimal.Decimal `json:"entry_multiplier,omitempty"`
	SolOut          *decimal.Decimal `json:"sol_out,omitempty"`
	FeeAmount       decimal.Decimal  `json:"fee_amount"`
}

// TradesResponse is returned from GET /api/game/trades.
type TradesResponse struct {
	Success bool          `json:"success"`
	RoundID string        `json:"round_id,omitempty"`
	Trades  []model.Trade `json:"trades"`
}

// LeaderboardResponse is returned from GET /api/game/leaderboard.
type LeaderboardResponse struct {
	Success     bool                     `json:"success"`
	Leaderboard []model.LeaderboardEntry `json:"leaderboard"`
}

// --- HTTP handlers ---

// HandleGetRound handles GET /api/game/round.
func (s *Service) HandleGetRound(w http.ResponseWriter, r *http.Request) {
	round, err := s.store.GetActiveRound(r.Context())
	if errors.Is(err, store.ErrNoActiveRound) {
		writeJSON(w, http.StatusOK, RoundResponse{
			Success:          true,
			Status:           "countdown",
			CountdownSeconds: s.countdown(),
			PriceMultiplier:  decimal.NewFromInt(1),
		})
		return
	}
	if err != nil {
		writeFail(w, http.StatusInternalServerError, "failed to load round")
		return
	}

	writeJSON(w, http.StatusOK, RoundResponse{
		Success:         true,
		Status:          round.Status,
		Round:           round,
		TimeRemaining:   round.TimeRemaining(s.now()),
		PriceMultiplier: round.CurrentMultiplier,
	})
}

// HandleTrade handles POST /api/game/trade.
func (s *Service) HandleTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := chain.ValidateAddress(req.WalletAddress); err != nil {
		writeFail(w, http.StatusBadRequest, "invalid wallet_address")
		return
	}

	var resp *TradeResponse
	var err error
	start := time.Now()

	switch req.TradeType {
	case model.TradeBuy:
		resp, err = s.buy(r, req.WalletAddress, req.SolAmount)
	case model.TradeSell:
		resp, err = s.sell(r, req.WalletAddress, req.SolAmount, false)
	default:
		writeFail(w, http.StatusBadRequest, "trade_type must be buy or sell")
		return
	}

	if err != nil {
		writeTradeError(w, err)
		return
	}

	metrics.TradesTotal.WithLabelValues(req.TradeType).Inc()
	metrics.TradeLatency.WithLabelValues(req.TradeType).Observe(time.Since(start).Seconds())
	writeJSON(w, http.StatusOK, resp)
}

// HandleSellAll handles POST /api/game/sell-all.
func (s *Service) HandleSellAll(w http.ResponseWriter, r *http.Request) {
	var req SellAllRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := chain.ValidateAddress(req.WalletAddress); err != nil {
		writeFail(w, http.StatusBadRequest, "invalid wallet_address")
		return
	}

	resp, err := s.sell(r, req.WalletAddress, decimal.Zero, true)
	if err != nil {
		writeTradeError(w, err)
		return
	}
	metrics.TradesTotal.WithLabelValues(model.TradeSell).Inc()
	writeJSON(w, http.StatusOK, resp)
}

// HandlePosition handles GET /api/game/position/{wallet}.
func (s *Service) HandlePosition(w http.ResponseWriter, r *http.Request) {
	wallet := chi.URLParam(r, "wallet")
	if err := chain.ValidateAddress(wallet); err != nil {
		writeFail(w, http.StatusBadRequest, "invalid wallet address")
		return
	}
	ctx := r.Context()

	balance, err := s.store.GetBalance(ctx, wallet)
	if err != nil {
		writeFail(w, http.StatusInternalServerError, "failed to load balance")
		return
	}

	resp := PositionResponse{Success: true, DepositedBalance: balance.DepositedBalance}

	if round, err := s.store.GetActiveRound(ctx); err == nil {
		if pos, err := s.store.GetPosition(ctx, round.ID, wallet); err == nil {
			resp.Position = pos
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleTrades handles GET /api/game/trades: the active round's trade tape.
func (s *Service) HandleTrades(w http.ResponseWriter, r *http.Request) {
	round, err := s.store.GetActiveRound(r.Context())
	if errors.Is(err, store.ErrNoActiveRound) {
		writeJSON(w, http.StatusOK, TradesResponse{Success: true, Trades: []model.Trade{}})
		return
	}
	if err != nil {
		writeFail(w, http.StatusInternalServerError, "failed to load round")
		return
	}

	trades, err := s.store.ListTradesByRound(r.Context(), round.ID)
	if err != nil {
		writeFail(w, http.StatusInternalServerError, "failed to load trades")
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, TradesResponse{Success: true, RoundID: round.ID, Trades: trades})
}

// HandleLeaderboard handles GET /api/game/leaderboard.
func (s *Service) HandleLeaderboard(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.Leaderboard(r.Context(), s.cfg.LeaderboardSize)
	if err != nil {
		writeFail(w, http.StatusInternalServerError, "failed to load leaderboard")
		return
	}
	if entries == nil {
		entries = []model.LeaderboardEntry{}
	}
	writeJSON(w, http.StatusOK, LeaderboardResponse{Success: true, Leaderboard: entries})
}

// HandlePreview handles GET /api/game/preview?trade_type=&sol_amount=&wallet_address=
func (s *Service) HandlePreview(w http.ResponseWriter, r *http.Request) {
	tradeType := r.URL.Query().Get("trade_type")
	amount, err := decimal.NewFromString(r.URL.Query().Get("sol_amount"))
	if err != nil || !amount.IsPositive() {
		writeFail(w, http.StatusBadRequest, "sol_amount must be a positive number")
		return
	}

	round, err := s.store.GetActiveRound(r.Context())
	if err != nil {
		writeFail(w, http.StatusBadRequest, "no active round")
		return
	}

	switch tradeType {
	case model.TradeBuy:
		fee := amount.Mul(s.cfg.FeeRate)
		net := amount.Sub(fee)
		multBefore := s.engine.Multiplier(round.Pool)
		multAfter := s.engine.MultiplierAfterBuy(round.Pool, net)
		entry := position.TradeEntry(multBefore, multAfter)
		writeJSON(w, http.StatusOK, PreviewResponse{
			Success:         true,
			TradeType:       tradeType,
			PriceMultiplier: multBefore,
			MultiplierAfter: multAfter,
			ImpactPercent:   s.engine.BuyImpact(round.Pool, net),
			EntryMultiplier: &entry,
			FeeAmount:       fee,
		})

	case model.TradeSell:
		wallet := r.URL.Query().Get("wallet_address")
		pos, err := s.store.GetPosition(r.Context(), round.ID, wallet)
		if err != nil || pos.EntryMultiplier == nil || !pos.TokenBalance.IsPositive() {
			writeFail(w, http.StatusBadRequest, "no open position to sell")
			return
		}
		tokens := decimal.Min(amount, pos.TokenBalance)
		mult := s.engine.Multiplier(round.Pool)
		gross := decimal.Min(tokens.Mul(mult.Div(*pos.EntryMultiplier)), round.Pool.SolBalance)
		fee := gross.Mul(s.cfg.FeeRate)
		net := gross.Sub(fee)
		writeJSON(w, http.StatusOK, PreviewResponse{
			Success:         true,
			TradeType:       tradeType,
			PriceMultiplier: mult,
			MultiplierAfter: s.engine.MultiplierAfterSell(round.Pool, gross),
			ImpactPercent:   s.engine.SellImpact(round.Pool, gross),
			SolOut:          &net,
			FeeAmount:       fee,
		})

	default:
		writeFail(w, http.StatusBadRequest, "trade_type must be buy or sell")
	}
}

// --- Trade execution ---

// buy executes a buy: deduct the fee, grow the pool by the remainder,
// blend the entry multiplier, debit the ledger by the gross amount, and
// append the trade, all in one atomic store mutation.
func (s *Service) buy(r *http.Request, wallet string, solAmount decimal.Decimal) (*TradeResponse, error) {
	if solAmount.LessThan(s.cfg.MinTrade) || !solAmount.IsPositive() {
		return nil, ErrBelowMinimum
	}

	ctx := r.Context()
	s.mu.Lock()
	defer s.mu.Unlock()

	round, err := s.store.GetActiveRound(ctx)
	if err != nil {
		return nil, err
	}
	if round.Expired(s.now()) {
		return nil, ErrRoundExpired
	}

	balance, err := s.store.GetBalance(ctx, wallet)
	if err != nil {
		return nil, err
	}
	if balance.DepositedBalance.LessThan(solAmount) {
		return nil, store.ErrInsufficientBalance
	}

	var oldTokens, oldSolIn, oldSolOut decimal.Decimal
	var oldEntry *decimal.Decimal
	if pos, err := s.store.GetPosition(ctx, round.ID, wallet); err == nil {
		oldTokens = pos.TokenBalance
		oldSolIn = pos.TotalSolIn
		oldSolOut = pos.TotalSolOut
		oldEntry = pos.EntryMultiplier
	}

	if s.limiter != nil {
		if err := s.limiter.CheckBuy(solAmount, oldSolIn); err != nil {
			return nil, err
		}
	}

	fee := solAmount.Mul(s.cfg.FeeRate)
	net := solAmount.Sub(fee)

	multBefore := s.engine.Multiplier(round.Pool)
	newPool := s.engine.ApplyBuy(round.Pool, net)
	multAfter := s.engine.Multiplier(newPool)

	tradeEntry := position.TradeEntry(multBefore, multAfter)
	newEntry := position.BlendEntry(oldTokens, oldEntry, solAmount, tradeEntry)

	newPos := model.Position{
		RoundID:         round.ID,
		WalletAddress:   wallet,
		TokenBalance:    oldTokens.Add(solAmount),
		TotalSolIn:      oldSolIn.Add(solAmount),
		TotalSolOut:     oldSolOut,
		EntryMultiplier: &newEntry,
	}

	trade := model.Trade{
		ID:            uuid.New().String(),
		RoundID:       round.ID,
		WalletAddress: wallet,
		Type:          model.TradeBuy,
		SolAmount:     solAmount,
		TokenAmount:   solAmount,
		PriceAtTrade:  multAfter,
		FeeAmount:     fee,
		CreatedAt:     s.now(),
	}

	if err := s.store.ApplyTrade(ctx, &store.TradeMutation{
		Trade:          trade,
		NewPoolBalance: newPool.SolBalance,
		NewMultiplier:  multAfter,
		Position:       newPos,
		BalanceChange:  solAmount.Neg(),
		WageredDelta:   solAmount,
		WonDelta:       decimal.Zero,
	}); err != nil {
		return nil, err
	}

	newBalance := balance.DepositedBalance.Sub(solAmount)

	slog.Info("trade executed",
		"trade_id", trade.ID,
		"round", round.ID,
		"wallet", wallet,
		"type", model.TradeBuy,
		"sol", solAmount.String(),
		"fee", fee.String(),
		"multiplier", multAfter.String(),
		"entry", newEntry.String(),
	)

	s.publishTrade(trade, newPool, multAfter, newPos, newBalance, solAmount.Neg(), "buy")

	return &TradeResponse{
		Success:          true,
		TradeID:          trade.ID,
		TradeType:        model.TradeBuy,
		PriceMultiplier:  multAfter,
		EntryMultiplier:  &newEntry,
		SolAmount:        solAmount,
		TokenAmount:      solAmount,
		FeeAmount:        fee,
		DepositedBalance: newBalance,
		Position:         newPos,
	}, nil
}

// sell executes a sell. The requested token amount is clamped to the held
// balance, the gross payout is hard-capped at the pool's SOL balance, and
// the 2% fee comes out of the gross before the ledger credit.
func (s *Service) sell(r *http.Request, wallet string, tokensRequested decimal.Decimal, all bool) (*TradeResponse, error) {
	ctx := r.Context()
	s.mu.Lock()
	defer s.mu.Unlock()

	round, err := s.store.GetActiveRound(ctx)
	if err != nil {
		return nil, err
	}
	if round.Expired(s.now()) {
		return nil, ErrRoundExpired
	}

	pos, err := s.store.GetPosition(ctx, round.ID, wallet)
	if err != nil || !pos.TokenBalance.IsPositive() || pos.EntryMultiplier == nil {
		return nil, ErrNoPosition
	}

	tokens := tokensRequested
	if all || tokens.GreaterThan(pos.TokenBalance) {
		tokens = pos.TokenBalance
	}
	if !tokens.IsPositive() {
		return nil, ErrBelowMinimum
	}

	mult := s.engine.Multiplier(round.Pool)

	// Payout scales stake by multiplier growth since entry, then is
	// capped at what the pool actually holds: the pool can never pay out
	// more than it has, regardless of computed PnL.
	gross := tokens.Mul(mult.Div(*pos.EntryMultiplier))
	if gross.GreaterThan(round.Pool.SolBalance) {
		gross = round.Pool.SolBalance
	}
	fee := gross.Mul(s.cfg.FeeRate)
	net := gross.Sub(fee)

	newPool := s.engine.ApplySell(round.Pool, gross)
	newMult := s.engine.Multiplier(newPool)

	newPos := model.Position{
		RoundID:         round.ID,
		WalletAddress:   wallet,
		TokenBalance:    pos.TokenBalance.Sub(tokens),
		TotalSolIn:      pos.TotalSolIn,
		TotalSolOut:     pos.TotalSolOut.Add(net),
		EntryMultiplier: pos.EntryMultiplier,
	}
	if position.IsDust(newPos.TokenBalance) {
		newPos.TokenBalance = decimal.Zero
		newPos.EntryMultiplier = nil
	}

	trade := model.Trade{
		ID:            uuid.New().String(),
		RoundID:       round.ID,
		WalletAddress: wallet,
		Type:          model.TradeSell,
		SolAmount:     gross,
		TokenAmount:   tokens,
		PriceAtTrade:  newMult,
		FeeAmount:     fee,
		CreatedAt:     s.now(),
	}

	if err := s.store.ApplyTrade(ctx, &store.TradeMutation{
		Trade:          trade,
		NewPoolBalance: newPool.SolBalance,
		NewMultiplier:  newMult,
		Position:       newPos,
		BalanceChange:  net,
		WageredDelta:   decimal.Zero,
		WonDelta:       net,
	}); err != nil {
		return nil, err
	}

	balance, err := s.store.GetBalance(ctx, wallet)
	if err != nil {
		return nil, err
	}

	slog.Info("trade executed",
		"trade_id", trade.ID,
		"round", round.ID,
		"wallet", wallet,
		"type", model.TradeSell,
		"tokens", tokens.String(),
		"gross", gross.String(),
		"fee", fee.String(),
		"multiplier", newMult.String(),
	)

	s.publishTrade(trade, newPool, newMult, newPos, balance.DepositedBalance, net, "sell")

	return &TradeResponse{
		Success:          true,
		TradeID:          trade.ID,
		TradeType:        model.TradeSell,
		PriceMultiplier:  newMult,
		EntryMultiplier:  newPos.EntryMultiplier,
		SolAmount:        gross,
		TokenAmount:      tokens,
		FeeAmount:        fee,
		DepositedBalance: balance.DepositedBalance,
		Position:         newPos,
	}, nil
}

// publishTrade fans out the post-commit events: public trade and price
// frames, plus targeted position/balance frames for the trader.
func (s *Service) publishTrade(trade model.Trade, pool model.Pool, mult decimal.Decimal, pos model.Position, balance, change decimal.Decimal, reason string) {
	if s.hub == nil {
		return
	}
	s.hub.Broadcast(ChannelTrades, TradeEvent{
		Type:          EventTrade,
		RoundID:       trade.RoundID,
		WalletAddress: trade.WalletAddress,
		TradeType:     trade.Type,
		SolAmount:     trade.SolAmount,
		TokenAmount:   trade.TokenAmount,
		Price:         trade.PriceAtTrade,
	})
	s.hub.Broadcast(ChannelPrices, PriceUpdateEvent{
		Type:            EventPriceUpdate,
		Price:           mult,
		PriceMultiplier: mult,
		PoolSolBalance:  pool.SolBalance,
	})
	s.hub.SendToWallet(trade.WalletAddress, PositionUpdateEvent{
		Type:     EventPositionUpdate,
		Position: pos,
	})
	s.hub.SendToWallet(trade.WalletAddress, BalanceUpdateEvent{
		Type:             EventBalanceUpdate,
		DepositedBalance: balance,
		Change:           change,
		Reason:           reason,
	})
}

// --- Response helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeFail writes a structured {success:false} failure.
func writeFail(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}

// writeTradeError maps domain errors onto structured failures without
// leaking internals.
func writeTradeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNoActiveRound):
		writeFail(w, http.StatusConflict, "no active round")
	case errors.Is(err, ErrRoundExpired):
		writeFail(w, http.StatusConflict, "round has ended")
	case errors.Is(err, ErrNoPosition):
		writeFail(w, http.StatusConflict, "no open position in this round")
	case errors.Is(err, ErrBelowMinimum):
		writeFail(w, http.StatusBadRequest, "amount below minimum trade size")
	case errors.Is(err, store.ErrInsufficientBalance):
		writeFail(w, http.StatusConflict, "insufficient balance")
	case errors.Is(err, risk.ErrTradeLimitExceeded), errors.Is(err, risk.ErrExposureLimitExceeded):
		writeFail(w, http.StatusConflict, err.Error())
	default:
		slog.Error("trade failed", "err", err)
		writeFail(w, http.StatusInternalServerError, "internal error")
	}
}
