package game

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/godcandle/round-engine/internal/metrics"
	"github.com/godcandle/round-engine/internal/model"
	"github.com/godcandle/round-engine/internal/pricing"
	"github.com/godcandle/round-engine/internal/store"
)

// closeWarningSeconds is the window before round end in which ROUND_ENDING
// frames are emitted.
const closeWarningSeconds = 5

// SchedulerConfig holds the round lifecycle tunables.
type SchedulerConfig struct {
	RoundDuration    time.Duration
	CountdownSeconds int
}

// Scheduler drives the round lifecycle on a one-second heartbeat. Ticks
// run on a single goroutine and never overlap: a slow tick delays the
// next one rather than racing it.
type Scheduler struct {
	store  store.Store
	hub    *Hub
	engine *pricing.Engine
	cfg    SchedulerConfig

	mu        sync.Mutex
	countdown int

	stop chan struct{}
	done chan struct{}

	now func() time.Time
}

// NewScheduler creates a round lifecycle scheduler.
func NewScheduler(st store.Store, hub *Hub, engine *pricing.Engine, cfg SchedulerConfig) *Scheduler {
	if cfg.RoundDuration <= 0 {
		cfg.RoundDuration = 30 * time.Second
	}
	if cfg.CountdownSeconds <= 0 {
		cfg.CountdownSeconds = 20
	}
	return &Scheduler{
		store:  st,
		hub:    hub,
		engine: engine,
		cfg:    cfg,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CountdownRemaining reports the intermission seconds left before the
// next round starts. Zero while a round is active.
func (s *Scheduler) CountdownRemaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countdown
}

func (s *Scheduler) setCountdown(n int) {
	s.mu.Lock()
	s.countdown = n
	s.mu.Unlock()
}

// Start launches the tick loop. With no round active and no countdown in
// progress at startup the first round begins immediately.
func (s *Scheduler) Start(ctx context.Context) {
	if _, err := s.store.GetActiveRound(ctx); errors.Is(err, store.ErrNoActiveRound) {
		s.startRound(ctx)
	}

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tickOnce(ctx)
			}
		}
	}()
}

// Stop halts the tick loop. An in-flight tick completes; settlement is
// never interrupted mid-write.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

// tickOnce advances the lifecycle one step: countdown, live round
// broadcast, or settlement.
func (s *Scheduler) tickOnce(ctx context.Context) {
	round, err := s.store.GetActiveRound(ctx)
	if errors.Is(err, store.ErrNoActiveRound) {
		s.tickCountdown(ctx)
		return
	}
	if err != nil {
		slog.Error("scheduler: failed to load active round", "err", err)
		return
	}

	now := s.now()
	if round.Expired(now) {
		s.settle(ctx, round)
		return
	}

	remaining := round.TimeRemaining(now)
	if s.hub != nil {
		s.hub.Broadcast(ChannelRound, RoundUpdateEvent{
			Type:            EventRoundUpdate,
			RoundID:         round.ID,
			TimeRemaining:   remaining,
			PriceMultiplier: round.CurrentMultiplier,
			PoolSolBalance:  round.Pool.SolBalance,
		})
		if remaining > 0 && remaining <= closeWarningSeconds {
			s.hub.Broadcast(ChannelRound, RoundEndingEvent{
				Type:             EventRoundEnding,
				RoundID:          round.ID,
				SecondsRemaining: remaining,
			})
		}
	}
}

// tickCountdown burns down the intermission and starts the next round
// when it hits zero.
func (s *Scheduler) tickCountdown(ctx context.Context) {
	s.mu.Lock()
	if s.countdown > 0 {
		s.countdown--
	}
	remaining := s.countdown
	s.mu.Unlock()

	if remaining > 0 {
		if s.hub != nil {
			s.hub.Broadcast(ChannelRound, CountdownEvent{
				Type:             EventCountdown,
				SecondsRemaining: remaining,
			})
		}
		return
	}

	s.startRound(ctx)
}

// startRound creates a fresh round with an empty pool at 1.00x.
func (s *Scheduler) startRound(ctx context.Context) {
	round := &model.Round{
		ID:                uuid.New().String(),
		Status:            model.RoundActive,
		Pool:              model.Pool{SolBalance: decimal.Zero},
		CurrentMultiplier: decimal.NewFromInt(1),
		DurationSeconds:   int(s.cfg.RoundDuration / time.Second),
		StartedAt:         s.now(),
	}
	if err := s.store.CreateRound(ctx, round); err != nil {
		slog.Error("scheduler: failed to create round", "err", err)
		return
	}

	metrics.RoundsStarted.Inc()
	slog.Info("round started", "round", round.ID, "duration_seconds", round.DurationSeconds)

	if s.hub != nil {
		s.hub.Broadcast(ChannelRound, RoundStartedEvent{
			Type:            EventRoundStarted,
			RoundID:         round.ID,
			DurationSeconds: round.DurationSeconds,
			PriceMultiplier: round.CurrentMultiplier,
		})
	}
}

// forfeituresFor values each unsold position at the final multiplier. The
// value is notional reporting; nothing is paid out.
func forfeituresFor(positions []model.Position, finalMult decimal.Decimal) []model.Forfeiture {
	forfeitures := make([]model.Forfeiture, 0, len(positions))
	for _, pos := range positions {
		forfeitures = append(forfeitures, model.Forfeiture{
			WalletAddress:   pos.WalletAddress,
			TokensForfeited: pos.TokenBalance,
			SolValueLost:    pos.TokenBalance.Mul(finalMult),
		})
	}
	return forfeitures
}

// settle closes an expired round: unsold positions forfeit their stake at
// the final multiplier, the round flips to completed exactly once, and the
// intermission countdown begins. A concurrent or repeated settle of the
// same round is a no-op.
func (s *Scheduler) settle(ctx context.Context, round *model.Round) {
	finalMult := s.engine.Multiplier(round.Pool)

	positions, err := s.store.ListOpenPositions(ctx, round.ID)
	if err != nil {
		slog.Error("scheduler: failed to list open positions", "round", round.ID, "err", err)
		return
	}

	forfeitures := forfeituresFor(positions, finalMult)

	settled, err := s.store.CompleteRound(ctx, round.ID, s.now(), finalMult)
	if err != nil {
		slog.Error("scheduler: failed to complete round", "round", round.ID, "err", err)
		return
	}
	if !settled {
		// Another pass already settled this round; do not re-announce.
		s.setCountdown(s.cfg.CountdownSeconds)
		return
	}

	metrics.RoundsSettled.Inc()
	metrics.ForfeituresTotal.Add(float64(len(forfeitures)))
	slog.Info("round settled",
		"round", round.ID,
		"final_multiplier", finalMult.String(),
		"forfeitures", len(forfeitures),
	)

	if s.hub != nil {
		s.hub.Broadcast(ChannelRound, RoundEndedEvent{
			Type:        EventRoundEnded,
			RoundID:     round.ID,
			FinalPrice:  finalMult,
			Forfeitures: forfeitures,
		})
		for _, f := range forfeitures {
			s.hub.SendToWallet(f.WalletAddress, ForfeitureEvent{
				Type:            EventForfeiture,
				RoundID:         round.ID,
				TokensForfeited: f.TokensForfeited,
				SolValueLost:    f.SolValueLost,
			})
		}
	}

	s.setCountdown(s.cfg.CountdownSeconds)
}
