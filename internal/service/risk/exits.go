package risk

import (
	"fmt"
	"time"

	"perpbot/internal/domain"
)

// ExitSignal says whether a rule forces a position closed this tick.
type ExitSignal struct {
	Close  bool   `json:"close"`
	Rule   string `json:"rule,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func hold() ExitSignal { return ExitSignal{} }

func exit(rule, format string, args ...interface{}) ExitSignal {
	return ExitSignal{Close: true, Rule: rule, Reason: fmt.Sprintf(format, args...)}
}

// EvaluateExit applies the strategy's single exit mode to a freshly marked
// position. At most one rule fires. In signal mode only the emergency
// overrides are checked here; the provider-driven close is decided by the
// orchestrator after this returns hold.
func EvaluateExit(rules domain.ExitRules, pos domain.Position, equity float64, now time.Time) ExitSignal {
	if !pos.Open() || pos.MarkPrice <= 0 {
		return hold()
	}
	switch rules.Mode {
	case domain.ExitSignal:
		return signalOverrides(rules.Signal, pos, equity)
	case domain.ExitTPSL:
		return takeProfitStopLoss(rules, pos)
	case domain.ExitTrailing:
		return trailingStop(rules.Trailing, pos)
	case domain.ExitTime:
		return maxHold(rules.MaxHold.Std(), pos, now)
	}
	return hold()
}

func signalOverrides(r domain.SignalExit, pos domain.Position, equity float64) ExitSignal {
	if equity <= 0 {
		return hold()
	}
	pct := pos.UnrealizedPnL / equity * 100
	if r.MaxLossProtectionPct > 0 && pct <= -r.MaxLossProtectionPct {
		return exit("max_loss_protection", "unrealized loss %.2f%% of equity reached protection %.2f%%", -pct, r.MaxLossProtectionPct)
	}
	if r.MaxProfitCapPct > 0 && pct >= r.MaxProfitCapPct {
		return exit("max_profit_cap", "unrealized profit %.2f%% of equity reached cap %.2f%%", pct, r.MaxProfitCapPct)
	}
	return hold()
}

func takeProfitStopLoss(r domain.ExitRules, pos domain.Position) ExitSignal {
	pct := pos.PnLPct()
	if r.TakeProfitPct > 0 && pct >= r.TakeProfitPct {
		return exit("take_profit", "pnl %.2f%% reached take profit %.2f%%", pct, r.TakeProfitPct)
	}
	if r.StopLossPct > 0 && pct <= -r.StopLossPct {
		return exit("stop_loss", "pnl %.2f%% reached stop loss -%.2f%%", pct, r.StopLossPct)
	}
	return hold()
}

// trailingStop never takes profit. Before any favorable excursion only the
// optional initial stop applies; afterwards the stop trails the peak.
func trailingStop(r domain.TrailingExit, pos domain.Position) ExitSignal {
	peak := pos.PeakPrice
	if peak <= 0 {
		peak = pos.EntryPrice
	}
	sign := pos.Side().Sign()
	excursion := (peak - pos.EntryPrice) * sign
	if excursion <= 0 {
		if r.InitialStopPct > 0 && pos.PnLPct() <= -r.InitialStopPct {
			return exit("initial_stop", "pnl %.2f%% hit initial stop -%.2f%%", pos.PnLPct(), r.InitialStopPct)
		}
		return hold()
	}
	retrace := (peak - pos.MarkPrice) / peak * 100 * sign
	if r.TrailPct > 0 && retrace >= r.TrailPct {
		return exit("trailing_stop", "price retraced %.2f%% from peak %.4f, trail %.2f%%", retrace, peak, r.TrailPct)
	}
	return hold()
}

func maxHold(limit time.Duration, pos domain.Position, now time.Time) ExitSignal {
	if limit <= 0 || pos.OpenedAt.IsZero() {
		return hold()
	}
	if age := now.Sub(pos.OpenedAt); age >= limit {
		return exit("max_hold", "position age %s reached max hold %s", age.Round(time.Second), limit)
	}
	return hold()
}
