package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"perpbot/internal/domain"
)

func marked(size, entry, peak, mark float64) domain.Position {
	p := domain.Position{Market: "BTC", Size: size, EntryPrice: entry, PeakPrice: peak, OpenedAt: now.Add(-time.Hour)}
	p.Mark(mark, now)
	return p
}

func TestTakeProfitStopLoss(t *testing.T) {
	rules := domain.ExitRules{Mode: domain.ExitTPSL, TakeProfitPct: 2, StopLossPct: 1}

	sig := EvaluateExit(rules, marked(1, 100, 0, 102.1), 10000, now)
	assert.True(t, sig.Close)
	assert.Equal(t, "take_profit", sig.Rule)

	sig = EvaluateExit(rules, marked(-1, 100, 0, 101.2), 10000, now)
	assert.True(t, sig.Close)
	assert.Equal(t, "stop_loss", sig.Rule)

	sig = EvaluateExit(rules, marked(1, 100, 0, 101), 10000, now)
	assert.False(t, sig.Close)
}

func TestTrailingNeverTakesProfit(t *testing.T) {
	rules := domain.ExitRules{
		Mode:          domain.ExitTrailing,
		TakeProfitPct: 1,
		Trailing:      domain.TrailingExit{TrailPct: 3, InitialStopPct: 2},
	}

	// Running winner far past the take-profit level keeps running.
	sig := EvaluateExit(rules, marked(1, 100, 0, 120), 10000, now)
	assert.False(t, sig.Close)

	// Retracement from the peak trips the trail.
	sig = EvaluateExit(rules, marked(1, 100, 120, 116), 10000, now)
	assert.True(t, sig.Close)
	assert.Equal(t, "trailing_stop", sig.Rule)

	// Short peak is the lowest price.
	sig = EvaluateExit(rules, marked(-1, 100, 80, 83), 10000, now)
	assert.True(t, sig.Close)
	assert.Equal(t, "trailing_stop", sig.Rule)
}

func TestTrailingInitialStop(t *testing.T) {
	rules := domain.ExitRules{Mode: domain.ExitTrailing, Trailing: domain.TrailingExit{TrailPct: 3, InitialStopPct: 2}}

	sig := EvaluateExit(rules, marked(1, 100, 0, 97.5), 10000, now)
	assert.True(t, sig.Close)
	assert.Equal(t, "initial_stop", sig.Rule)

	sig = EvaluateExit(rules, marked(1, 100, 0, 99), 10000, now)
	assert.False(t, sig.Close)

	rules.Trailing.InitialStopPct = 0
	sig = EvaluateExit(rules, marked(1, 100, 0, 90), 10000, now)
	assert.False(t, sig.Close, "no stop before favorable excursion without an initial stop")
}

func TestSignalOverrides(t *testing.T) {
	rules := domain.ExitRules{Mode: domain.ExitSignal, Signal: domain.SignalExit{MaxLossProtectionPct: 2, MaxProfitCapPct: 5}}

	sig := EvaluateExit(rules, marked(10, 100, 0, 97.9), 1000, now)
	assert.True(t, sig.Close)
	assert.Equal(t, "max_loss_protection", sig.Rule)

	sig = EvaluateExit(rules, marked(10, 100, 0, 105), 1000, now)
	assert.True(t, sig.Close)
	assert.Equal(t, "max_profit_cap", sig.Rule)

	sig = EvaluateExit(rules, marked(10, 100, 0, 101), 1000, now)
	assert.False(t, sig.Close)

	// Without overrides signal mode never closes on its own.
	sig = EvaluateExit(domain.ExitRules{Mode: domain.ExitSignal}, marked(10, 100, 0, 50), 1000, now)
	assert.False(t, sig.Close)
}

func TestTimeExitIgnoresPnL(t *testing.T) {
	rules := domain.ExitRules{Mode: domain.ExitTime, MaxHold: domain.Duration(2 * time.Hour), StopLossPct: 1}

	sig := EvaluateExit(rules, marked(1, 100, 0, 50), 10000, now)
	assert.False(t, sig.Close)

	p := marked(1, 100, 0, 100)
	p.OpenedAt = now.Add(-3 * time.Hour)
	sig = EvaluateExit(rules, p, 10000, now)
	assert.True(t, sig.Close)
	assert.Equal(t, "max_hold", sig.Rule)
}
