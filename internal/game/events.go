package game

import (
	"github.com/shopspring/decimal"

	"github.com/godcandle/round-engine/internal/model"
)

// Broadcast channels a connection may subscribe to.
const (
	ChannelRound  = "round"
	ChannelTrades = "trades"
	ChannelChat   = "chat"
	ChannelPrices = "prices"
)

// Server → client frame types.
const (
	EventSubscribed     = "SUBSCRIBED"
	EventUnsubscribed   = "UNSUBSCRIBED"
	EventIdentified     = "IDENTIFIED"
	EventPong           = "PONG"
	EventError          = "ERROR"
	EventRoundUpdate    = "ROUND_UPDATE"
	EventRoundStarted   = "ROUND_STARTED"
	EventRoundEnding    = "ROUND_ENDING"
	EventRoundEnded     = "ROUND_ENDED"
	EventCountdown      = "COUNTDOWN"
	EventTrade          = "TRADE"
	EventPriceUpdate    = "PRICE_UPDATE"
	EventChat           = "CHAT"
	EventPositionUpdate = "POSITION_UPDATE"
	EventBalanceUpdate  = "BALANCE_UPDATE"
	EventForfeiture     = "FORFEITURE"
)

// RoundUpdateEvent is the per-tick snapshot of the active round.
type RoundUpdateEvent struct {
	Type            string          `json:"type"`
	RoundID         string          `json:"round_id"`
	TimeRemaining   int             `json:"time_remaining"`
	PriceMultiplier decimal.Decimal `json:"price_multiplier"`
	PoolSolBalance  decimal.Decimal `json:"pool_sol_balance"`
}

// RoundStartedEvent announces a freshly created round.
type RoundStartedEvent struct {
	Type            string          `json:"type"`
	RoundID         string          `json:"round_id"`
	DurationSeconds int             `json:"duration_seconds"`
	PriceMultiplier decimal.Decimal `json:"price_multiplier"`
}

// RoundEndingEvent warns that the round closes within a few seconds.
type RoundEndingEvent struct {
	Type             string `json:"type"`
	RoundID          string `json:"round_id"`
	SecondsRemaining int    `json:"seconds_remaining"`
}

// RoundEndedEvent carries the settlement outcome.
type RoundEndedEvent struct {
	Type        string             `json:"type"`
	RoundID     string             `json:"round_id"`
	FinalPrice  decimal.Decimal    `json:"final_price"`
	Forfeitures []model.Forfeiture `json:"forfeitures"`
}

// CountdownEvent ticks down the intermission before the next round.
type CountdownEvent struct {
	Type             string `json:"type"`
	SecondsRemaining int    `json:"seconds_remaining"`
}

// TradeEvent publishes an executed trade to the trades channel.
type TradeEvent struct {
	Type          string          `json:"type"`
	RoundID       string          `json:"round_id"`
	WalletAddress string          `json:"wallet_address"`
	TradeType     string          `json:"trade_type"`
	SolAmount     decimal.Decimal `json:"sol_amount"`
	TokenAmount   decimal.Decimal `json:"token_amount"`
	Price         decimal.Decimal `json:"price"`
}

// PriceUpdateEvent publishes the post-trade pool price.
type PriceUpdateEvent struct {
	Type            string          `json:"type"`
	Price           decimal.Decimal `json:"price"`
	PriceMultiplier decimal.Decimal `json:"price_multiplier"`
	PoolSolBalance  decimal.Decimal `json:"pool_sol_balance"`
}

// ChatEvent relays a chat message to subscribers. Messages are not
// persisted here; history is owned by an external collaborator.
type ChatEvent struct {
	Type          string `json:"type"`
	Room          string `json:"room"`
	WalletAddress string `json:"wallet_address,omitempty"`
	Message       string `json:"message"`
}

// PositionUpdateEvent is a targeted post-trade position snapshot.
type PositionUpdateEvent struct {
	Type     string         `json:"type"`
	Position model.Position `json:"position"`
}

// BalanceUpdateEvent is a targeted ledger balance change notice.
type BalanceUpdateEvent struct {
	Type             string          `json:"type"`
	DepositedBalance decimal.Decimal `json:"deposited_balance"`
	Change           decimal.Decimal `json:"change"`
	Reason           string          `json:"reason"`
}

// ForfeitureEvent is a targeted notice of stake lost at round end.
type ForfeitureEvent struct {
	Type            string          `json:"type"`
	RoundID         string          `json:"round_id"`
	TokensForfeited decimal.Decimal `json:"tokens_forfeited"`
	SolValueLost    decimal.Decimal `json:"sol_value_lost"`
}

// AckEvent is a subscription / identify / pong acknowledgement.
type AckEvent struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels,omitempty"`
}

// ErrorEvent is a structured error reply; malformed frames are never
// silently dropped.
type ErrorEvent struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}
