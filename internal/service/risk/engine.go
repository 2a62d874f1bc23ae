package risk

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"perpbot/internal/domain"
	"perpbot/internal/service/indicators"
)

// Verdict is the outcome of a guardrail chain. Guardrail is the snake_case id
// of the first failing check; Reason is the text stored on the decision.
type Verdict struct {
	Allowed   bool   `json:"allowed"`
	Guardrail string `json:"guardrail,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func allow() Verdict { return Verdict{Allowed: true} }

func deny(id, format string, args ...interface{}) Verdict {
	return Verdict{Guardrail: id, Reason: fmt.Sprintf(format, args...)}
}

type EntryZone struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// Proposal is an entry the decision provider asked for, already sized.
type Proposal struct {
	Market     string
	Side       domain.Side
	Confidence float64
	Notional   float64
	Price      float64
	EntryZone  *EntryZone
}

// State is everything the guardrails read about the session at decision time.
type State struct {
	Now            time.Time
	Position       domain.Position
	OpenNotional   float64
	Equity         float64
	DayStartEquity float64
	Activity       Activity
	Indicators     indicators.Snapshot
}

type Engine struct {
	logger *zap.Logger
}

func NewEngine(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{logger: logger}
}

// Evaluate runs the entry guardrails in order and stops at the first veto.
func (e *Engine) Evaluate(s domain.Strategy, p Proposal, st State) Verdict {
	checks := []func(domain.Strategy, Proposal, State) Verdict{
		checkDirection,
		checkConfidence,
		checkConfirmation,
		checkFrequency,
		checkCooldown,
		checkMinHold,
		checkReentry,
		checkDailyLoss,
		checkExposure,
	}
	for _, check := range checks {
		if v := check(s, p, st); !v.Allowed {
			e.logger.Debug("guardrail vetoed entry",
				zap.String("market", p.Market),
				zap.String("side", string(p.Side)),
				zap.String("guardrail", v.Guardrail),
				zap.String("reason", v.Reason))
			return v
		}
	}
	return allow()
}

// EvaluateClose guards a provider-initiated close. Only the minimum hold time
// applies; rule-driven exits bypass guardrails entirely.
func (e *Engine) EvaluateClose(s domain.Strategy, st State) Verdict {
	return checkMinHold(s, Proposal{}, st)
}

func checkDirection(s domain.Strategy, p Proposal, _ State) Verdict {
	if p.Side == domain.SideLong && !s.Risk.LongAllowed() {
		return deny("long_not_allowed", "long entries are disabled for this strategy")
	}
	if p.Side == domain.SideShort && !s.Risk.ShortAllowed() {
		return deny("short_not_allowed", "short entries are disabled for this strategy")
	}
	return allow()
}

func checkConfidence(s domain.Strategy, p Proposal, _ State) Verdict {
	threshold := s.Confidence.Threshold()
	if threshold > 0 && p.Confidence < threshold {
		return deny("confidence_too_low", "confidence %.2f below minimum %.2f", p.Confidence, threshold)
	}
	return allow()
}

func checkConfirmation(s domain.Strategy, p Proposal, st State) Verdict {
	c := s.Entry.Confirmation
	if !c.Enabled {
		return allow()
	}
	ind := st.Indicators
	if c.MinSignals > 0 {
		available, confirming := confirmations(p, ind)
		if available == 0 {
			return deny("confirmation_insufficient_data", "insufficient data to confirm entry")
		}
		if confirming < c.MinSignals {
			return deny("confirmation_signals", "only %d of %d required confirming signals", confirming, c.MinSignals)
		}
	}
	if c.RequireTrendAlignment {
		gap := ind.EMAGapPct()
		if gap == nil {
			return deny("trend_alignment", "insufficient data for trend alignment")
		}
		if *gap*p.Side.Sign() <= 0 {
			return deny("trend_alignment", "EMA trend does not align with %s entry", p.Side)
		}
	}
	if c.RequireVolatility {
		atrPct := ind.ATRPct()
		if atrPct == nil {
			return deny("volatility_bounds", "insufficient data for volatility check")
		}
		if c.MinATRPct > 0 && *atrPct < c.MinATRPct {
			return deny("volatility_bounds", "ATR %.2f%% below minimum %.2f%%", *atrPct, c.MinATRPct)
		}
		if c.MaxATRPct > 0 && *atrPct > c.MaxATRPct {
			return deny("volatility_bounds", "ATR %.2f%% above maximum %.2f%%", *atrPct, c.MaxATRPct)
		}
	}
	return allow()
}

// confirmations counts indicator signals that have data and how many of them
// agree with the proposed side.
func confirmations(p Proposal, ind indicators.Snapshot) (int, int) {
	available, confirming := 0, 0
	sign := p.Side.Sign()
	if gap := ind.EMAGapPct(); gap != nil {
		available++
		if *gap*sign > 0 {
			confirming++
		}
	}
	if ind.RSI != nil {
		available++
		if (*ind.RSI-50)*sign > 0 {
			confirming++
		}
	}
	price := p.Price
	if price <= 0 {
		price = ind.Price
	}
	if ind.EMAFast != nil && price > 0 {
		available++
		if (price-*ind.EMAFast)*sign > 0 {
			confirming++
		}
	}
	if p.EntryZone != nil && price > 0 {
		available++
		if price >= p.EntryZone.Low && price <= p.EntryZone.High {
			confirming++
		}
	}
	return available, confirming
}

func checkFrequency(s domain.Strategy, _ Proposal, st State) Verdict {
	if limit := s.Trade.MaxTradesPerHour; limit > 0 && st.Activity.TradesLastHour >= limit {
		return deny("max_trades_per_hour", "%d trades in the last hour, limit %d", st.Activity.TradesLastHour, limit)
	}
	if limit := s.Trade.MaxTradesPerDay; limit > 0 && st.Activity.TradesLastDay >= limit {
		return deny("max_trades_per_day", "%d trades in the last 24h, limit %d", st.Activity.TradesLastDay, limit)
	}
	return allow()
}

func checkCooldown(s domain.Strategy, _ Proposal, st State) Verdict {
	cd := s.Trade.Cooldown.Std()
	if cd <= 0 || st.Activity.LastTradeAt.IsZero() {
		return allow()
	}
	if elapsed := st.Now.Sub(st.Activity.LastTradeAt); elapsed < cd {
		return deny("cooldown", "cooldown active, %s of %s elapsed since last trade", elapsed.Round(time.Second), cd)
	}
	return allow()
}

func checkMinHold(s domain.Strategy, _ Proposal, st State) Verdict {
	hold := s.Trade.MinHold.Std()
	if hold <= 0 || !st.Position.Open() || st.Position.OpenedAt.IsZero() {
		return allow()
	}
	if age := st.Now.Sub(st.Position.OpenedAt); age < hold {
		return deny("min_hold", "position held %s, minimum hold is %s", age.Round(time.Second), hold)
	}
	return allow()
}

func checkReentry(s domain.Strategy, p Proposal, st State) Verdict {
	r := s.Trade.Reentry
	if !r.BlockSameDirection || st.Position.Open() {
		return allow()
	}
	exit, ok := st.Activity.LastExit[p.Market]
	if !ok || exit.Side != p.Side {
		return allow()
	}
	if window := r.Window.Std(); st.Now.Sub(exit.At) < window {
		return deny("reentry_blocked", "same-direction %s re-entry blocked within %s of last exit", p.Side, window)
	}
	return allow()
}

func checkDailyLoss(s domain.Strategy, _ Proposal, st State) Verdict {
	limit := s.Risk.MaxDailyLossPct
	if limit <= 0 {
		return allow()
	}
	if dd := DrawdownPct(st.DayStartEquity, st.Equity); dd >= limit {
		return deny("daily_loss_limit_hit", "daily drawdown %.2f%% reached limit %.2f%%", dd, limit)
	}
	return allow()
}

func checkExposure(s domain.Strategy, p Proposal, st State) Verdict {
	resulting := p.Notional
	open := st.OpenNotional
	if st.Position.Open() {
		if st.Position.Side() == p.Side {
			resulting += st.Position.Notional()
		} else {
			open -= st.Position.Notional()
		}
	}
	if limit := s.Risk.MaxPositionNotional; limit > 0 && resulting > limit {
		return deny("max_position_notional", "position notional %.2f would exceed cap %.2f", resulting, limit)
	}
	if s.Risk.MaxLeverage > 0 {
		if st.Equity <= 0 {
			return deny("max_leverage", "account equity is not positive")
		}
		lev := (open + p.Notional) / st.Equity
		if lev > s.Risk.MaxLeverage {
			return deny("max_leverage", "leverage %.2fx would exceed cap %.2fx", lev, s.Risk.MaxLeverage)
		}
	}
	return allow()
}
