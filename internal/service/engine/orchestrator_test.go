package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpbot/internal/domain"
	"perpbot/internal/service/credentials"
)

func TestLowConfidenceIsVetoedWithoutTrade(t *testing.T) {
	h := newHarness(t)
	sess := h.launch(func(s *domain.Strategy) { s.Confidence.MinConfidence = 0.8 })
	h.provider.script(long(0.65))

	res := h.tick(sess)
	assert.False(t, res.Executed)
	assert.Empty(t, res.Error)
	assert.Contains(t, res.Reason, "confidence")

	decisions := h.decisions(sess)
	require.Len(t, decisions, 1)
	assert.False(t, decisions[0].Executed)
	assert.Equal(t, "confidence_too_low", decisions[0].BlockedBy)
	assert.Contains(t, decisions[0].Reason, "confidence")
	assert.Empty(t, h.trades(sess))
	assert.Len(t, h.equity(sess), 1)

	events, err := h.store.ListEvents(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventGuardrailVetoed, events[0].Type)
}

func TestBothDirectionsDisabledVetoesEveryEntry(t *testing.T) {
	h := newHarness(t)
	sess := h.launch(func(s *domain.Strategy) {
		s.Risk.AllowLong = domain.Bool(false)
		s.Risk.AllowShort = domain.Bool(false)
	})
	h.provider.script(long(0.9), short(0.9))

	first := h.tick(sess)
	second := h.tick(sess)
	assert.False(t, first.Executed)
	assert.False(t, second.Executed)
	assert.Empty(t, first.Error)
	assert.Empty(t, second.Error)

	decisions := h.decisions(sess)
	require.Len(t, decisions, 2)
	assert.Equal(t, "short_not_allowed", decisions[0].BlockedBy)
	assert.Equal(t, "long_not_allowed", decisions[1].BlockedBy)
	assert.Empty(t, h.trades(sess))
}

func TestExitsCountTowardHourlyTradeCap(t *testing.T) {
	h := newHarness(t)
	sess := h.launch(func(s *domain.Strategy) { s.Trade.MaxTradesPerHour = 2 })
	h.provider.script(long(0.9), neutral, long(0.9))

	require.True(t, h.tick(sess).Executed) // opens
	require.True(t, h.tick(sess).Executed) // signal close
	res := h.tick(sess)
	assert.False(t, res.Executed)
	assert.Equal(t, "max_trades_per_hour", h.decisions(sess)[0].BlockedBy)
	assert.Len(t, h.trades(sess), 2)
}

func TestFirstFailingGuardrailIsRecorded(t *testing.T) {
	h := newHarness(t)
	// Both the direction and the confidence checks would veto; direction runs first.
	sess := h.launch(func(s *domain.Strategy) {
		s.Risk.AllowLong = domain.Bool(false)
		s.Risk.AllowShort = domain.Bool(true)
		s.Confidence.MinConfidence = 0.9
	})
	h.provider.script(long(0.5))

	res := h.tick(sess)
	assert.False(t, res.Executed)
	d := h.decisions(sess)[0]
	assert.Equal(t, "long_not_allowed", d.BlockedBy)
	assert.Empty(t, h.trades(sess))
}

func TestTakeProfitClosesPositionFully(t *testing.T) {
	h := newHarness(t)
	sess := h.launch(func(s *domain.Strategy) {
		s.Exit = domain.ExitRules{Mode: domain.ExitTPSL, TakeProfitPct: 2, StopLossPct: 1}
	})
	h.provider.script(long(0.9), neutral)

	res := h.tick(sess)
	require.True(t, res.Executed, res.Reason)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, domain.ActionOpen, res.Trades[0].Action)
	calls := h.provider.Calls()

	h.feed.SetPrice("BTC", 102.1)
	res = h.tick(sess)
	require.True(t, res.Executed, res.Reason)
	assert.Equal(t, 1, res.Exits)
	assert.Contains(t, res.Reason, "take_profit")
	assert.Equal(t, calls, h.provider.Calls(), "exit tick must not consult the provider for the exited market")

	trades := h.trades(sess)
	require.Len(t, trades, 2)
	closeTrade := trades[1]
	assert.Equal(t, domain.ActionClose, closeTrade.Action)
	require.NotNil(t, closeTrade.RealizedPnL)
	assert.Greater(t, *closeTrade.RealizedPnL, 0.0)
	assert.Equal(t, trades[0].Size, closeTrade.Size)

	positions, err := h.store.ListPositions(context.Background(), sess.AccountID)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestAllBehaviorsDisabledVetoesEveryEntry(t *testing.T) {
	h := newHarness(t)
	sess := h.launch(func(s *domain.Strategy) { s.Entry.Behaviors = domain.Behaviors{} })
	h.provider.script(long(0.9), short(0.95), long(0.99))

	for i := 0; i < 3; i++ {
		res := h.tick(sess)
		assert.False(t, res.Executed)
		assert.Empty(t, res.Error)
	}
	assert.Empty(t, h.trades(sess))
	for _, d := range h.decisions(sess) {
		assert.Equal(t, "entry_behaviors_disabled", d.BlockedBy)
	}
}

func TestDisabledBehaviorVetoesWithCategoryReason(t *testing.T) {
	h := newHarness(t)
	sess := h.launch(func(s *domain.Strategy) {
		s.Entry.Behaviors = domain.Behaviors{Breakout: true}
	})
	h.provider.script(long(0.9))

	res := h.tick(sess)
	assert.False(t, res.Executed)
	d := h.decisions(sess)[0]
	assert.Equal(t, "behavior_trend_disabled", d.BlockedBy)
	assert.Equal(t, domain.BehaviorTrend, d.Behavior)
}

func TestOneSnapshotPerTickAfterTrades(t *testing.T) {
	h := newHarness(t)
	sess := h.launch(func(s *domain.Strategy) {
		s.Markets = []string{"BTC", "ETH"}
		s.Exit = domain.ExitRules{Mode: domain.ExitTPSL, TakeProfitPct: 5, StopLossPct: 5}
	})
	h.provider.script(long(0.9), long(0.9), neutral)

	h.tick(sess) // opens BTC
	h.tick(sess) // opens ETH
	h.feed.SetPrice("BTC", 106)
	h.feed.SetPrice("ETH", 94)
	res := h.tick(sess) // both exit in one tick
	assert.Equal(t, 2, res.Exits)
	h.tick(sess)

	snaps := h.equity(sess)
	require.Len(t, snaps, 4)
	trades := h.trades(sess)
	require.Len(t, trades, 4)
	exitSnap := snaps[2]
	for _, tr := range trades {
		assert.True(t, exitSnap.CreatedAt.After(tr.CreatedAt))
	}
	// Both positions are closed: equity is cash.
	assert.InDelta(t, exitSnap.Cash, exitSnap.Equity, 1e-9)
	assert.InDelta(t, 10000+6-6, exitSnap.Equity, 1e-6)
}

func TestSnapshotSkippedWhenOpenMarketLosesFeed(t *testing.T) {
	h := newHarness(t)
	sess := h.launch(func(s *domain.Strategy) { s.Markets = []string{"BTC", "ETH"} })
	h.provider.script(long(0.9), long(0.9), neutral)

	require.True(t, h.tick(sess).Executed) // opens BTC
	require.True(t, h.tick(sess).Executed) // opens ETH
	require.Len(t, h.equity(sess), 2)

	// ETH crashes and its feed drops after the exits ran, while the BTC
	// signal close settles.
	h.provider.onDecide = func() {
		h.feed.SetPrice("ETH", 50)
		h.feed.Fail("ETH", errors.New("feed down"))
	}
	res := h.tick(sess)
	assert.Equal(t, domain.ErrMarketDataUnavailable, res.Error)
	assert.True(t, res.Executed)
	require.Len(t, h.trades(sess), 3)
	assert.Len(t, h.equity(sess), 2, "no equity point at a stale ETH mark")
	assert.Equal(t, domain.ErrMarketDataUnavailable, h.decisions(sess)[0].ErrorKind)

	h.provider.onDecide = nil
	h.feed.Fail("ETH", nil)
	h.provider.script(long(0.9))
	h.tick(sess)
	snaps := h.equity(sess)
	require.Len(t, snaps, 3)
	assert.Less(t, snaps[2].Equity, 9960.0, "ETH loss is reflected once the feed recovers")
}

func TestMaxLossProtectionOverridesBullishProvider(t *testing.T) {
	h := newHarness(t)
	sess := h.launch(func(s *domain.Strategy) {
		s.Exit = domain.ExitRules{Mode: domain.ExitSignal, Signal: domain.SignalExit{MaxLossProtectionPct: 1}}
		s.Sizing.BaseNotional = 5000
	})
	h.provider.script(long(0.99))

	res := h.tick(sess)
	require.True(t, res.Executed, res.Reason)

	h.feed.SetPrice("BTC", 97)
	res = h.tick(sess)
	require.True(t, res.Executed)
	assert.Contains(t, res.Reason, "max_loss_protection")

	trades := h.trades(sess)
	require.Len(t, trades, 2)
	assert.Equal(t, domain.ActionClose, trades[1].Action)
	assert.InDelta(t, -150, *trades[1].RealizedPnL, 1e-6)
}

func TestTrailingStopNeverTakesProfit(t *testing.T) {
	h := newHarness(t)
	sess := h.launch(func(s *domain.Strategy) {
		s.Exit = domain.ExitRules{Mode: domain.ExitTrailing, Trailing: domain.TrailingExit{TrailPct: 2}}
	})
	h.provider.script(long(0.9), short(0.99))

	require.True(t, h.tick(sess).Executed)
	for _, px := range []float64{110, 130, 150} {
		h.feed.SetPrice("BTC", px)
		res := h.tick(sess)
		assert.False(t, res.Executed, "price %v", px)
		assert.Contains(t, res.Reason, "trailing exit mode owns exits")
	}
	require.Len(t, h.trades(sess), 1)

	h.feed.SetPrice("BTC", 146)
	res := h.tick(sess)
	require.True(t, res.Executed)
	assert.Contains(t, res.Reason, "trailing_stop")
	trades := h.trades(sess)
	require.Len(t, trades, 2)
	assert.Greater(t, *trades[1].RealizedPnL, 0.0)
}

func TestSignalModeProviderCloseRespectsMinHold(t *testing.T) {
	h := newHarness(t)
	sess := h.launch(func(s *domain.Strategy) {
		s.Trade.MinHold = domain.Duration(3 * time.Minute)
	})
	h.provider.script(long(0.9), neutral)

	require.True(t, h.tick(sess).Executed)
	res := h.tick(sess)
	assert.False(t, res.Executed)
	assert.Equal(t, "min_hold", h.decisions(sess)[0].BlockedBy)

	h.clock.Advance(5 * time.Minute)
	res = h.tick(sess)
	require.True(t, res.Executed, res.Reason)
	assert.Contains(t, res.Reason, "signal exit")
	assert.Len(t, h.trades(sess), 2)
}

func TestRoundRobinVisitsEachMarketOnce(t *testing.T) {
	h := newHarness(t)
	sess := h.launch(func(s *domain.Strategy) { s.Markets = []string{"BTC", "ETH", "SOL"} })
	h.provider.script(neutral)

	var seen []string
	for i := 0; i < 6; i++ {
		seen = append(seen, h.tick(sess).Market)
	}
	assert.Equal(t, []string{"BTC", "ETH", "SOL", "BTC", "ETH", "SOL"}, seen)
	assert.Equal(t, 6, h.provider.Calls())
}

func TestFailedTickReleasesWithoutAdvancing(t *testing.T) {
	h := newHarness(t)
	sess := h.launch(nil)
	h.provider.err = domain.Fail(domain.ErrDecisionProviderTimeout, context.DeadlineExceeded)

	res := h.tick(sess)
	assert.Equal(t, domain.ErrDecisionProviderTimeout, res.Error)
	after := h.session(sess.ID)
	assert.True(t, after.LastTickAt.IsZero())
	assert.Zero(t, after.MarketCursor)
	assert.True(t, after.TickLeaseTill.IsZero())
	assert.Empty(t, h.equity(sess))

	d := h.decisions(sess)
	require.Len(t, d, 1)
	assert.Equal(t, domain.ErrDecisionProviderTimeout, d[0].ErrorKind)
	assert.NotEmpty(t, d[0].Reason)

	// The next pass retries the same market.
	h.provider.err = nil
	h.provider.script(neutral)
	res = h.orch.Tick(context.Background(), sess.ID)
	assert.Empty(t, res.Error)
	assert.Equal(t, "BTC", res.Market)
	assert.Equal(t, int64(1), h.session(sess.ID).MarketCursor)
}

func TestPreconditionFailures(t *testing.T) {
	h := newHarness(t)
	sess := h.launch(nil)

	res := h.orch.Tick(context.Background(), "missing")
	assert.Equal(t, domain.ErrSessionNotFound, res.Error)

	h.resolver = credentials.Static{}
	h.orch = h.orchestrator()
	res = h.tick(sess)
	assert.Equal(t, domain.ErrNoCredentialConfigured, res.Error)
	assert.Zero(t, h.provider.Calls())

	require.NoError(t, h.sessions.Stop(context.Background(), sess.ID))
	res = h.tick(sess)
	assert.Equal(t, domain.ErrSessionNotRunning, res.Error)
}

func TestMarketDataFailureIsTyped(t *testing.T) {
	h := newHarness(t)
	sess := h.launch(nil)
	h.feed.Fail("BTC", errors.New("feed down"))

	res := h.tick(sess)
	assert.Equal(t, domain.ErrMarketDataUnavailable, res.Error)
	assert.Zero(t, h.provider.Calls())
}

func TestTickHonoursCadence(t *testing.T) {
	h := newHarness(t)
	sess := h.launch(nil)
	h.provider.script(neutral)

	res := h.orch.Tick(context.Background(), sess.ID)
	require.Empty(t, res.Error)
	res = h.orch.Tick(context.Background(), sess.ID)
	assert.Equal(t, "cadence not elapsed", res.Reason)
	assert.Equal(t, 1, h.provider.Calls())

	h.clock.Advance(2 * time.Minute)
	res = h.orch.Tick(context.Background(), sess.ID)
	assert.Empty(t, res.Error)
	assert.Equal(t, 2, h.provider.Calls())
}

func TestOverlappingTickIsRejected(t *testing.T) {
	h := newHarness(t)
	sess := h.launch(nil)
	require.True(t, h.orch.enter(sess.ID))
	res := h.orch.ForceTick(context.Background(), sess.ID)
	assert.Equal(t, domain.ErrTickInFlight, res.Error)
	h.orch.leave(sess.ID)
}
