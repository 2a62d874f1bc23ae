package domain

import "time"

type Mode string

const (
	ModeSimulated   Mode = "simulated"
	ModeCompetitive Mode = "competitive"
	ModeReal        Mode = "real"
)

// Simulated reports whether the mode trades against the local ledger.
func (m Mode) Simulated() bool {
	return m == ModeSimulated || m == ModeCompetitive
}

func (m Mode) Valid() bool {
	switch m {
	case ModeSimulated, ModeCompetitive, ModeReal:
		return true
	}
	return false
}

type SessionStatus string

const (
	SessionRunning SessionStatus = "running"
	SessionStopped SessionStatus = "stopped"
)

type Bias string

const (
	BiasLong    Bias = "long"
	BiasShort   Bias = "short"
	BiasNeutral Bias = "neutral"
)

type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Sign is +1 for long and -1 for short.
func (s Side) Sign() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

func (s Side) Opposite() Side {
	if s == SideShort {
		return SideLong
	}
	return SideShort
}

// SideFromBias maps a directional bias to a position side. Neutral has none.
func SideFromBias(b Bias) (Side, bool) {
	switch b {
	case BiasLong:
		return SideLong, true
	case BiasShort:
		return SideShort, true
	}
	return "", false
}

type TradeAction string

const (
	ActionOpen   TradeAction = "open"
	ActionClose  TradeAction = "close"
	ActionReduce TradeAction = "reduce"
	ActionFlip   TradeAction = "flip"
)

// Session is a running instance of a strategy bound to one account.
type Session struct {
	ID            string        `json:"id"`
	UserID        string        `json:"user_id"`
	StrategyID    string        `json:"strategy_id"`
	AccountID     string        `json:"account_id"`
	Mode          Mode          `json:"mode"`
	Status        SessionStatus `json:"status"`
	Cadence       time.Duration `json:"cadence"`
	MarketCursor  int64         `json:"market_cursor"`
	LastTickAt    time.Time     `json:"last_tick_at"`
	TickLeaseTill time.Time     `json:"-"`
	StartedAt     time.Time     `json:"started_at"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Due reports whether the cadence has elapsed since the last completed tick.
func (s Session) Due(now time.Time) bool {
	return s.Status == SessionRunning && now.Sub(s.LastTickAt) >= s.Cadence
}

type Account struct {
	ID              string    `json:"id"`
	Mode            Mode      `json:"mode"`
	StartingBalance float64   `json:"starting_balance"`
	Cash            float64   `json:"cash"`
	Equity          float64   `json:"equity"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Position is the single net position of an account in one market. Size is
// signed: positive long, negative short.
type Position struct {
	AccountID     string    `json:"account_id"`
	Market        string    `json:"market"`
	Size          float64   `json:"size"`
	EntryPrice    float64   `json:"entry_price"`
	RealizedPnL   float64   `json:"realized_pnl"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	MarkPrice     float64   `json:"mark_price"`
	PeakPrice     float64   `json:"peak_price"`
	OpenedAt      time.Time `json:"opened_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (p Position) Side() Side {
	if p.Size < 0 {
		return SideShort
	}
	return SideLong
}

func (p Position) AbsSize() float64 {
	if p.Size < 0 {
		return -p.Size
	}
	return p.Size
}

func (p Position) Open() bool {
	return p.Size != 0
}

// Notional is the position value at its current mark, or entry if unmarked.
func (p Position) Notional() float64 {
	price := p.MarkPrice
	if price <= 0 {
		price = p.EntryPrice
	}
	return p.AbsSize() * price
}

// Mark re-prices the position and tracks the most favorable price seen.
func (p *Position) Mark(price float64, at time.Time) {
	if price <= 0 || !p.Open() {
		return
	}
	p.MarkPrice = price
	p.UnrealizedPnL = (price - p.EntryPrice) * p.Size
	if p.PeakPrice <= 0 {
		p.PeakPrice = p.EntryPrice
	}
	if p.Side() == SideLong && price > p.PeakPrice {
		p.PeakPrice = price
	}
	if p.Side() == SideShort && price < p.PeakPrice {
		p.PeakPrice = price
	}
	p.UpdatedAt = at
}

// PnLPct is the unrealized move relative to entry, in percent, signed so that
// a favorable move is positive for either side.
func (p Position) PnLPct() float64 {
	if p.EntryPrice <= 0 || p.MarkPrice <= 0 {
		return 0
	}
	return (p.MarkPrice - p.EntryPrice) / p.EntryPrice * 100 * p.Side().Sign()
}

// Trade is an immutable execution record. Size is the absolute position delta
// the fill produced; RealizedPnL is set only for close, reduce and flip.
type Trade struct {
	ID          string      `json:"id"`
	AccountID   string      `json:"account_id"`
	SessionID   string      `json:"session_id"`
	Market      string      `json:"market"`
	Action      TradeAction `json:"action"`
	Side        Side        `json:"side"`
	Size        float64     `json:"size"`
	Price       float64     `json:"price"`
	Fee         float64     `json:"fee"`
	RealizedPnL *float64    `json:"realized_pnl,omitempty"`
	Reason      string      `json:"reason,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Decision is the audit record written once per tick attempt.
type Decision struct {
	ID         string      `json:"id"`
	SessionID  string      `json:"session_id"`
	Market     string      `json:"market"`
	Bias       Bias        `json:"bias,omitempty"`
	Confidence float64     `json:"confidence"`
	Reasoning  string      `json:"reasoning,omitempty"`
	Behavior   Behavior    `json:"behavior,omitempty"`
	BlockedBy  string      `json:"blocked_by,omitempty"`
	Reason     string      `json:"reason"`
	Executed   bool        `json:"executed"`
	Action     TradeAction `json:"action,omitempty"`
	ErrorKind  ErrorKind   `json:"error_kind,omitempty"`
	Exits      int         `json:"exits"`
	CreatedAt  time.Time   `json:"created_at"`
}

type EquitySnapshot struct {
	SessionID string    `json:"session_id"`
	AccountID string    `json:"account_id"`
	Equity    float64   `json:"equity"`
	Cash      float64   `json:"cash"`
	CreatedAt time.Time `json:"created_at"`
}

type Credential struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	Provider   string     `json:"provider"`
	Ciphertext string     `json:"-"`
	CreatedAt  time.Time  `json:"created_at"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
}

type Quote struct {
	Market string    `json:"market"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Mid    float64   `json:"mid"`
	Time   time.Time `json:"time"`
}

// Price returns the reference price for the given trade direction.
func (q Quote) Price(buy bool) float64 {
	if buy && q.Ask > 0 {
		return q.Ask
	}
	if !buy && q.Bid > 0 {
		return q.Bid
	}
	return q.Mid
}

type Candle struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume,omitempty"`
}

type BookLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

type OrderBook struct {
	Market string      `json:"market"`
	Bids   []BookLevel `json:"bids"`
	Asks   []BookLevel `json:"asks"`
	Time   time.Time   `json:"time"`
}

type EventType string

const (
	EventTradeExecuted   EventType = "TradeExecuted"
	EventGuardrailVetoed EventType = "GuardrailVetoed"
	EventTickFailed      EventType = "TickFailed"
	EventBreakerTripped  EventType = "DailyLossBreakerTripped"
)

type Event struct {
	ID        string                 `json:"event_id"`
	SessionID string                 `json:"session_id,omitempty"`
	AccountID string                 `json:"account_id,omitempty"`
	Type      EventType              `json:"event_type"`
	Payload   map[string]interface{} `json:"payload"`
	CreatedAt time.Time              `json:"created_at"`
}
