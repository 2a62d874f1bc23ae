package strategy

import (
	"fmt"
	"math"
	"strings"

	"perpbot/internal/domain"
	"perpbot/internal/service/indicators"
)

// Thresholds are tuning constants for behavior classification.
type Thresholds struct {
	TrendEMAGapPct float64
	BreakoutATRPct float64
	RSIOversold    float64
	RSIOverbought  float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		TrendEMAGapPct: 0.25,
		BreakoutATRPct: 1.5,
		RSIOversold:    30,
		RSIOverbought:  70,
	}
}

type Classification struct {
	Behavior domain.Behavior `json:"behavior"`
	Source   string          `json:"source"`
	Detail   string          `json:"detail,omitempty"`
}

type Classifier struct {
	th Thresholds
}

func NewClassifier(th Thresholds) *Classifier {
	d := DefaultThresholds()
	if th.TrendEMAGapPct <= 0 {
		th.TrendEMAGapPct = d.TrendEMAGapPct
	}
	if th.BreakoutATRPct <= 0 {
		th.BreakoutATRPct = d.BreakoutATRPct
	}
	if th.RSIOversold <= 0 {
		th.RSIOversold = d.RSIOversold
	}
	if th.RSIOverbought <= 0 {
		th.RSIOverbought = d.RSIOverbought
	}
	return &Classifier{th: th}
}

var reasoningKeywords = []struct {
	behavior domain.Behavior
	words    []string
}{
	{domain.BehaviorBreakout, []string{"breakout", "break out", "breaking out", "breaks above", "breaks below", "range expansion"}},
	{domain.BehaviorMeanReversion, []string{"mean reversion", "revert", "reversion", "oversold", "overbought", "bounce", "fade", "pullback to mean"}},
	{domain.BehaviorTrend, []string{"trend", "momentum", "continuation", "higher highs", "lower lows"}},
}

// Classify labels a proposed entry. Indicator signals are checked in priority
// order: EMA divergence aligned with the side, ATR expansion, RSI extremity
// against the side. Reasoning keywords are consulted only when every
// indicator is inconclusive.
func (c *Classifier) Classify(side domain.Side, snap indicators.Snapshot, reasoning string) Classification {
	if gap := snap.EMAGapPct(); gap != nil && math.Abs(*gap) >= c.th.TrendEMAGapPct && *gap*side.Sign() > 0 {
		return Classification{
			Behavior: domain.BehaviorTrend,
			Source:   "indicators",
			Detail:   fmt.Sprintf("ema gap %.3f%%", *gap),
		}
	}
	if atrPct := snap.ATRPct(); atrPct != nil && *atrPct >= c.th.BreakoutATRPct {
		return Classification{
			Behavior: domain.BehaviorBreakout,
			Source:   "indicators",
			Detail:   fmt.Sprintf("atr %.3f%% of price", *atrPct),
		}
	}
	if snap.RSI != nil {
		rsi := *snap.RSI
		if (side == domain.SideLong && rsi <= c.th.RSIOversold) || (side == domain.SideShort && rsi >= c.th.RSIOverbought) {
			return Classification{
				Behavior: domain.BehaviorMeanReversion,
				Source:   "indicators",
				Detail:   fmt.Sprintf("rsi %.1f", rsi),
			}
		}
	}

	text := strings.ToLower(reasoning)
	for _, kw := range reasoningKeywords {
		for _, w := range kw.words {
			if strings.Contains(text, w) {
				return Classification{Behavior: kw.behavior, Source: "reasoning", Detail: w}
			}
		}
	}
	return Classification{Behavior: domain.BehaviorTrend, Source: "default"}
}

// Permit enforces which behaviors the strategy allows. The returned guardrail
// id is empty when the entry may proceed.
func Permit(behaviors domain.Behaviors, cls Classification) (string, string) {
	if behaviors.None() {
		return "entry_behaviors_disabled", "all entry behaviors are disabled for this strategy"
	}
	if !behaviors.Allows(cls.Behavior) {
		return "behavior_" + string(cls.Behavior) + "_disabled",
			fmt.Sprintf("entry classified as %s (%s), which this strategy does not permit", cls.Behavior, cls.Source)
	}
	return "", ""
}
