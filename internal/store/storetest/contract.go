// Package storetest holds behavior tests every store.Store must pass.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpbot/internal/domain"
	"perpbot/internal/store"
)

var t0 = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

// Run exercises st. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("strategies", func(t *testing.T) { testStrategies(t, newStore(t)) })
	t.Run("credentials", func(t *testing.T) { testCredentials(t, newStore(t)) })
	t.Run("tick claims", func(t *testing.T) { testTickClaims(t, newStore(t)) })
	t.Run("fills", func(t *testing.T) { testFills(t, newStore(t)) })
	t.Run("records", func(t *testing.T) { testRecords(t, newStore(t)) })
}

func testStrategies(t *testing.T, st store.Store) {
	ctx := context.Background()
	s := domain.Strategy{
		ID: "strat-1", UserID: "u1", Name: "momentum",
		Markets:  []string{"BTC", "ETH"},
		Provider: domain.ProviderConfig{Kind: domain.ProviderAnthropic, CredentialID: "cred-1"},
		Trade:    domain.TradeControls{Cooldown: domain.Duration(5 * time.Minute)},
	}
	require.NoError(t, s.Normalize())
	require.NoError(t, st.SaveStrategy(ctx, s))

	got, err := st.GetStrategy(ctx, "strat-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"BTC", "ETH"}, got.Markets)
	assert.Equal(t, domain.ProviderAnthropic, got.Provider.Kind)
	assert.Equal(t, 5*time.Minute, got.Trade.Cooldown.Std())

	list, err := st.ListStrategies(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
	list, err = st.ListStrategies(ctx, "someone-else")
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = st.GetStrategy(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testCredentials(t *testing.T, st store.Store) {
	ctx := context.Background()
	require.NoError(t, st.SaveCredential(ctx, domain.Credential{
		ID: "cred-1", UserID: "u1", Provider: "openai", Ciphertext: "sealed", CreatedAt: t0,
	}))
	c, err := st.GetCredential(ctx, "cred-1")
	require.NoError(t, err)
	assert.Equal(t, "sealed", c.Ciphertext)
	assert.Nil(t, c.DeletedAt)

	require.NoError(t, st.DeleteCredential(ctx, "cred-1", t0.Add(time.Hour)))
	c, err = st.GetCredential(ctx, "cred-1")
	require.NoError(t, err)
	require.NotNil(t, c.DeletedAt)
	assert.Empty(t, c.Ciphertext)

	assert.ErrorIs(t, st.DeleteCredential(ctx, "missing", t0), store.ErrNotFound)
}

func testTickClaims(t *testing.T, st store.Store) {
	ctx := context.Background()
	require.NoError(t, st.CreateSession(ctx, domain.Session{
		ID: "sess-1", StrategyID: "strat-1", AccountID: "acct-1",
		Mode: domain.ModeSimulated, Status: domain.SessionRunning,
		Cadence: time.Minute, StartedAt: t0, CreatedAt: t0,
	}))

	due, err := st.ListDueSessions(ctx, t0)
	require.NoError(t, err)
	require.Len(t, due, 1)

	req := store.ClaimRequest{SessionID: "sess-1", Now: t0, Lease: 2 * time.Minute}
	_, err = st.ClaimTick(ctx, req)
	require.NoError(t, err)

	_, err = st.ClaimTick(ctx, req)
	assert.ErrorIs(t, err, store.ErrTickInFlight, "second claim must not overlap")
	due, err = st.ListDueSessions(ctx, t0.Add(time.Second))
	require.NoError(t, err)
	assert.Empty(t, due, "leased session is not due")

	// A crashed tick is retried after the lease expires.
	_, err = st.ClaimTick(ctx, store.ClaimRequest{SessionID: "sess-1", Now: t0.Add(3 * time.Minute), Lease: time.Minute})
	require.NoError(t, err)

	require.NoError(t, st.CompleteTick(ctx, "sess-1", t0.Add(3*time.Minute)))
	sess, err := st.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), sess.MarketCursor)
	assert.True(t, sess.LastTickAt.Equal(t0.Add(3*time.Minute)))
	assert.True(t, sess.TickLeaseTill.IsZero())

	_, err = st.ClaimTick(ctx, store.ClaimRequest{SessionID: "sess-1", Now: t0.Add(3*time.Minute + 30*time.Second), Lease: time.Minute})
	assert.ErrorIs(t, err, store.ErrNotDue)

	forced := store.ClaimRequest{SessionID: "sess-1", Now: t0.Add(3*time.Minute + 30*time.Second), Lease: time.Minute, IgnoreCadence: true}
	_, err = st.ClaimTick(ctx, forced)
	require.NoError(t, err)
	require.NoError(t, st.ReleaseTick(ctx, "sess-1"))
	sess, err = st.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), sess.MarketCursor, "release does not advance the cursor")
	assert.True(t, sess.LastTickAt.Equal(t0.Add(3*time.Minute)), "release does not advance last tick")

	require.NoError(t, st.SetSessionStatus(ctx, "sess-1", domain.SessionStopped, t0.Add(time.Hour)))
	_, err = st.ClaimTick(ctx, store.ClaimRequest{SessionID: "sess-1", Now: t0.Add(2 * time.Hour), Lease: time.Minute})
	assert.ErrorIs(t, err, store.ErrNotRunning)

	require.NoError(t, st.SetSessionStatus(ctx, "sess-1", domain.SessionRunning, t0.Add(3*time.Hour)))
	sess, err = st.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, sess.StartedAt.Equal(t0.Add(3*time.Hour)))

	_, err = st.ClaimTick(ctx, store.ClaimRequest{SessionID: "missing", Now: t0, Lease: time.Minute})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testFills(t *testing.T, st store.Store) {
	ctx := context.Background()
	acct := domain.Account{ID: "acct-1", Mode: domain.ModeSimulated, StartingBalance: 1000, Cash: 1000, Equity: 1000, UpdatedAt: t0}
	require.NoError(t, st.CreateAccount(ctx, acct))

	acct.Cash = 999.5
	pos := domain.Position{AccountID: "acct-1", Market: "BTC", Size: 0.5, EntryPrice: 100, PeakPrice: 100, OpenedAt: t0, UpdatedAt: t0}
	require.NoError(t, st.ApplyFill(ctx, store.Fill{
		Account:  acct,
		Position: pos,
		Trade: domain.Trade{ID: "t1", AccountID: "acct-1", SessionID: "sess-1", Market: "BTC",
			Action: domain.ActionOpen, Side: domain.SideLong, Size: 0.5, Price: 100, Fee: 0.5, CreatedAt: t0},
	}))

	got, err := st.GetPosition(ctx, "acct-1", "BTC")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, got.Size, 1e-12)
	a, err := st.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.InDelta(t, 999.5, a.Cash, 1e-12)

	realized := -10.0
	pos.Size = 0
	require.NoError(t, st.ApplyFill(ctx, store.Fill{
		Account:  acct,
		Position: pos,
		Trade: domain.Trade{ID: "t2", AccountID: "acct-1", SessionID: "sess-1", Market: "BTC",
			Action: domain.ActionClose, Side: domain.SideShort, Size: 0.5, Price: 80, RealizedPnL: &realized, CreatedAt: t0.Add(time.Minute)},
	}))
	_, err = st.GetPosition(ctx, "acct-1", "BTC")
	assert.ErrorIs(t, err, store.ErrNotFound, "closed position is removed")

	trades, err := st.ListTrades(ctx, "sess-1", t0)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Nil(t, trades[0].RealizedPnL)
	require.NotNil(t, trades[1].RealizedPnL)
	assert.InDelta(t, -10, *trades[1].RealizedPnL, 1e-12)

	err = st.ApplyFill(ctx, store.Fill{Account: domain.Account{ID: "missing"}, Position: pos, Trade: domain.Trade{ID: "t3"}})
	assert.Error(t, err)
	trades, err = st.ListTrades(ctx, "sess-1", t0)
	require.NoError(t, err)
	assert.Len(t, trades, 2, "failed fill writes nothing")
}

func testRecords(t *testing.T, st store.Store) {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, st.AppendDecision(ctx, domain.Decision{
			ID: string(rune('a' + i)), SessionID: "sess-1", Market: "BTC", Bias: domain.BiasLong,
			Confidence: 0.5 + float64(i)/10, Reason: "r", Executed: i == 2, CreatedAt: t0.Add(time.Duration(i) * time.Minute),
		}))
	}
	ds, err := st.ListDecisions(ctx, "sess-1", 2)
	require.NoError(t, err)
	require.Len(t, ds, 2)
	assert.Equal(t, "c", ds[0].ID, "newest first")
	assert.True(t, ds[0].Executed)

	require.NoError(t, st.AppendEquity(ctx, domain.EquitySnapshot{SessionID: "sess-1", AccountID: "acct-1", Equity: 990, CreatedAt: t0.Add(-time.Hour)}))
	require.NoError(t, st.AppendEquity(ctx, domain.EquitySnapshot{SessionID: "sess-1", AccountID: "acct-1", Equity: 1000, CreatedAt: t0}))
	require.NoError(t, st.AppendEquity(ctx, domain.EquitySnapshot{SessionID: "sess-1", AccountID: "acct-1", Equity: 1010, CreatedAt: t0.Add(time.Hour)}))

	first, err := st.FirstEquitySince(ctx, "sess-1", t0)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.InDelta(t, 1000, first.Equity, 1e-12)
	none, err := st.FirstEquitySince(ctx, "sess-1", t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Nil(t, none)

	eq, err := st.ListEquity(ctx, "sess-1", t0)
	require.NoError(t, err)
	assert.Len(t, eq, 2)

	require.NoError(t, st.AppendEvent(ctx, domain.Event{ID: "e1", SessionID: "sess-1", Type: domain.EventTickFailed,
		Payload: map[string]interface{}{"kind": "AccountNotFound"}, CreatedAt: t0}))
	events, err := st.ListEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "AccountNotFound", events[0].Payload["kind"])
}
