// Package contextbuilder assembles the market context handed to a decision
// provider. It owns the quote cache shared by every session in a pass.
package contextbuilder

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"perpbot/internal/domain"
	"perpbot/internal/service/indicators"
	"perpbot/internal/service/marketdata"
	"perpbot/internal/store"
)

type Builder struct {
	quotes *marketdata.QuoteCache
	store  store.Store
	logger *zap.Logger
}

func New(quotes *marketdata.QuoteCache, st store.Store, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{quotes: quotes, store: st, logger: logger}
}

// Quotes exposes the shared cache for end-of-tick re-pricing.
func (b *Builder) Quotes() *marketdata.QuoteCache { return b.quotes }

type Input struct {
	SessionID string
	Strategy  domain.Strategy
	Market    string
	Position  domain.Position
	Now       time.Time
}

// Result carries the serialized payload plus the readings the engine reuses
// for guardrails and classification.
type Result struct {
	Payload    string
	Quote      domain.Quote
	Indicators indicators.Snapshot
}

type positionView struct {
	Side          string  `json:"side"`
	Size          float64 `json:"size"`
	EntryPrice    float64 `json:"entry_price,omitempty"`
	MarkPrice     float64 `json:"mark_price,omitempty"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	PnLPct        float64 `json:"pnl_pct"`
	HeldSeconds   int64   `json:"held_seconds,omitempty"`
}

type decisionView struct {
	Time       time.Time `json:"time"`
	Market     string    `json:"market"`
	Bias       string    `json:"bias,omitempty"`
	Confidence float64   `json:"confidence"`
	Executed   bool      `json:"executed"`
	Reason     string    `json:"reason"`
}

type payload struct {
	Market          string              `json:"market"`
	Time            time.Time           `json:"time"`
	Quote           domain.Quote        `json:"quote"`
	Timeframe       string              `json:"timeframe,omitempty"`
	Candles         []domain.Candle     `json:"candles,omitempty"`
	OrderBook       *domain.OrderBook   `json:"order_book,omitempty"`
	Indicators      map[string]*float64 `json:"indicators,omitempty"`
	Position        *positionView       `json:"position,omitempty"`
	RecentDecisions []decisionView      `json:"recent_decisions,omitempty"`
}

// Params returns the indicator periods configured on the strategy. They are
// computed whether or not the provider sees them.
func Params(s domain.Strategy) indicators.Params {
	in := s.Inputs
	return indicators.Params{
		RSIPeriod:        in.RSI.Period,
		ATRPeriod:        in.ATR.Period,
		EMAFast:          in.EMA.Fast,
		EMASlow:          in.EMA.Slow,
		VolatilityPeriod: in.Volatility.Period,
	}
}

// history is the number of candles needed for every configured indicator.
func history(s domain.Strategy) int {
	p := Params(s)
	n := s.Inputs.Candles.Count
	for _, need := range []int{p.RSIPeriod + 1, p.ATRPeriod + 1, p.EMAFast, p.EMASlow, p.VolatilityPeriod + 1} {
		if need > n {
			n = need
		}
	}
	return n
}

func (b *Builder) Build(ctx context.Context, in Input) (Result, error) {
	s := in.Strategy
	quote, err := b.quotes.Quote(ctx, in.Market)
	if err != nil {
		return Result{}, err
	}
	candles, err := b.quotes.Candles(ctx, in.Market, s.Inputs.Candles.Timeframe, history(s))
	if err != nil {
		return Result{}, err
	}
	snap := indicators.Compute(candles, quote.Mid, Params(s))

	p := payload{Market: in.Market, Time: in.Now, Quote: quote}
	if s.Inputs.Candles.Enabled {
		p.Timeframe = s.Inputs.Candles.Timeframe
		p.Candles = tail(candles, s.Inputs.Candles.Count)
	}
	if s.Inputs.OrderBook.Enabled {
		book, err := b.quotes.OrderBook(ctx, in.Market, s.Inputs.OrderBook.Depth)
		if err != nil {
			return Result{}, err
		}
		p.OrderBook = &book
	}
	p.Indicators = indicatorSection(s.Inputs, snap)
	if s.Inputs.Position {
		p.Position = viewPosition(in.Position, in.Now)
	}
	if s.Inputs.RecentDecisions.Enabled {
		recent, err := b.store.ListDecisions(ctx, in.SessionID, s.Inputs.RecentDecisions.Count)
		if err != nil {
			return Result{}, domain.Failf(domain.ErrInternal, "recent decisions: %w", err)
		}
		for _, d := range recent {
			p.RecentDecisions = append(p.RecentDecisions, decisionView{
				Time: d.CreatedAt, Market: d.Market, Bias: string(d.Bias),
				Confidence: d.Confidence, Executed: d.Executed, Reason: d.Reason,
			})
		}
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return Result{}, domain.Failf(domain.ErrInternal, "encode context: %w", err)
	}
	b.logger.Debug("context built",
		zap.String("session_id", in.SessionID),
		zap.String("market", in.Market),
		zap.Int("candles", len(candles)),
		zap.Int("bytes", len(raw)))
	return Result{Payload: string(raw), Quote: quote, Indicators: snap}, nil
}

// indicatorSection keeps nil readings so they encode as null, which the
// provider must read as insufficient history rather than zero.
func indicatorSection(in domain.AIInputs, snap indicators.Snapshot) map[string]*float64 {
	out := map[string]*float64{}
	if in.RSI.Enabled {
		out[fmt.Sprintf("rsi_%d", in.RSI.Period)] = snap.RSI
	}
	if in.ATR.Enabled {
		out[fmt.Sprintf("atr_%d", in.ATR.Period)] = snap.ATR
		out["atr_pct"] = snap.ATRPct()
	}
	if in.EMA.Enabled {
		out[fmt.Sprintf("ema_%d", in.EMA.Fast)] = snap.EMAFast
		out[fmt.Sprintf("ema_%d", in.EMA.Slow)] = snap.EMASlow
	}
	if in.Volatility.Enabled {
		out[fmt.Sprintf("volatility_%d", in.Volatility.Period)] = snap.Volatility
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func viewPosition(pos domain.Position, now time.Time) *positionView {
	if !pos.Open() {
		return &positionView{Side: "flat"}
	}
	v := &positionView{
		Side:          string(pos.Side()),
		Size:          pos.AbsSize(),
		EntryPrice:    pos.EntryPrice,
		MarkPrice:     pos.MarkPrice,
		UnrealizedPnL: pos.UnrealizedPnL,
		PnLPct:        pos.PnLPct(),
	}
	if !pos.OpenedAt.IsZero() {
		v.HeldSeconds = int64(now.Sub(pos.OpenedAt) / time.Second)
	}
	return v
}

func tail(c []domain.Candle, n int) []domain.Candle {
	if n <= 0 || len(c) <= n {
		return c
	}
	return c[len(c)-n:]
}
