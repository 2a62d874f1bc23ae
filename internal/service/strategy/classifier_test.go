package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"perpbot/internal/domain"
	"perpbot/internal/service/indicators"
)

func f(v float64) *float64 { return &v }

func TestClassifyPriority(t *testing.T) {
	c := NewClassifier(Thresholds{})
	cases := []struct {
		name      string
		side      domain.Side
		snap      indicators.Snapshot
		reasoning string
		want      domain.Behavior
		source    string
	}{
		{
			name: "aligned ema gap is trend",
			side: domain.SideLong,
			snap: indicators.Snapshot{Price: 100, EMAFast: f(101), EMASlow: f(100), ATR: f(3), RSI: f(20)},
			want: domain.BehaviorTrend, source: "indicators",
		},
		{
			name: "gap against side falls through to atr",
			side: domain.SideShort,
			snap: indicators.Snapshot{Price: 100, EMAFast: f(101), EMASlow: f(100), ATR: f(2)},
			want: domain.BehaviorBreakout, source: "indicators",
		},
		{
			name: "oversold long is mean reversion",
			side: domain.SideLong,
			snap: indicators.Snapshot{Price: 100, EMAFast: f(100.1), EMASlow: f(100), ATR: f(0.5), RSI: f(25)},
			want: domain.BehaviorMeanReversion, source: "indicators",
		},
		{
			name: "overbought short is mean reversion",
			side: domain.SideShort,
			snap: indicators.Snapshot{Price: 100, RSI: f(75)},
			want: domain.BehaviorMeanReversion, source: "indicators",
		},
		{
			name:      "nil indicators fall back to reasoning",
			side:      domain.SideLong,
			snap:      indicators.Snapshot{Price: 100},
			reasoning: "Price is Breaking Out of the range",
			want:      domain.BehaviorBreakout, source: "reasoning",
		},
		{
			name:      "inconclusive indicators fall back to reasoning",
			side:      domain.SideLong,
			snap:      indicators.Snapshot{Price: 100, RSI: f(55), ATR: f(0.2)},
			reasoning: "expecting a bounce off support",
			want:      domain.BehaviorMeanReversion, source: "reasoning",
		},
		{
			name: "nothing matches defaults to trend",
			side: domain.SideLong,
			snap: indicators.Snapshot{Price: 100},
			want: domain.BehaviorTrend, source: "default",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := c.Classify(tc.side, tc.snap, tc.reasoning)
			assert.Equal(t, tc.want, got.Behavior)
			assert.Equal(t, tc.source, got.Source)
		})
	}
}

func TestClassifyCustomThresholds(t *testing.T) {
	c := NewClassifier(Thresholds{TrendEMAGapPct: 2, BreakoutATRPct: 5})
	snap := indicators.Snapshot{Price: 100, EMAFast: f(101), EMASlow: f(100), ATR: f(2)}
	got := c.Classify(domain.SideLong, snap, "")
	assert.Equal(t, domain.BehaviorTrend, got.Behavior)
	assert.Equal(t, "default", got.Source)
}

func TestPermit(t *testing.T) {
	cls := Classification{Behavior: domain.BehaviorBreakout, Source: "indicators"}

	id, reason := Permit(domain.Behaviors{}, cls)
	assert.Equal(t, "entry_behaviors_disabled", id)
	assert.NotEmpty(t, reason)

	id, reason = Permit(domain.Behaviors{Trend: true}, cls)
	assert.Equal(t, "behavior_breakout_disabled", id)
	assert.Contains(t, reason, "breakout")

	id, _ = Permit(domain.Behaviors{Breakout: true}, cls)
	assert.Empty(t, id)
}
