package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpbot/internal/domain"
)

func TestCompetitiveLaunchUsesStandardBalance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.SaveStrategy(ctx, domain.Strategy{ID: "s1", Markets: []string{"BTC"}}))

	sess, err := h.sessions.Launch(ctx, LaunchRequest{UserID: "u1", StrategyID: "s1", Mode: domain.ModeCompetitive, StartingBalance: 500})
	require.NoError(t, err)
	acct, err := h.store.GetAccount(ctx, sess.AccountID)
	require.NoError(t, err)
	assert.Equal(t, CompetitiveStartingBalance, acct.StartingBalance)
	assert.Equal(t, CompetitiveStartingBalance, acct.Equity)
	assert.Equal(t, domain.SessionRunning, sess.Status)
	assert.Equal(t, time.Minute, sess.Cadence)
}

func TestSimulatedLaunchDefaults(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.SaveStrategy(ctx, domain.Strategy{ID: "s1", Markets: []string{"BTC"}}))

	sess, err := h.sessions.Launch(ctx, LaunchRequest{StrategyID: "s1", Mode: domain.ModeSimulated, Cadence: domain.Duration(30 * time.Second)})
	require.NoError(t, err)
	acct, err := h.store.GetAccount(ctx, sess.AccountID)
	require.NoError(t, err)
	assert.Equal(t, 10000.0, acct.Cash)
	assert.Equal(t, 30*time.Second, sess.Cadence)
	assert.True(t, sess.LastTickAt.IsZero())
}

func TestLaunchRejectsBadRequests(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.SaveStrategy(ctx, domain.Strategy{ID: "s1", Markets: []string{"BTC"}}))

	_, err := h.sessions.Launch(ctx, LaunchRequest{StrategyID: "s1", Mode: "paper"})
	assert.ErrorIs(t, err, ErrInvalidLaunch)

	_, err = h.sessions.Launch(ctx, LaunchRequest{StrategyID: "s1", Mode: domain.ModeSimulated, Cadence: domain.Duration(time.Second)})
	assert.ErrorIs(t, err, ErrInvalidLaunch)

	_, err = h.sessions.Launch(ctx, LaunchRequest{StrategyID: "s1", Mode: domain.ModeReal})
	assert.ErrorIs(t, err, ErrInvalidLaunch)

	_, err = h.sessions.Launch(ctx, LaunchRequest{StrategyID: "nope", Mode: domain.ModeSimulated})
	assert.Equal(t, domain.ErrStrategyNotFound, domain.KindOf(err))
}

func TestRealLaunchWithoutGatewayFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.SaveStrategy(ctx, domain.Strategy{ID: "s1", Markets: []string{"BTC"}}))

	_, err := h.sessions.Launch(ctx, LaunchRequest{StrategyID: "s1", Mode: domain.ModeReal, AccountID: "acct-9"})
	assert.Equal(t, domain.ErrAccountNotFound, domain.KindOf(err))
	sessions, err := h.sessions.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestStopAndStart(t *testing.T) {
	h := newHarness(t)
	sess := h.launch(nil)
	ctx := context.Background()

	require.NoError(t, h.sessions.Stop(ctx, sess.ID))
	assert.Equal(t, domain.SessionStopped, h.session(sess.ID).Status)
	require.NoError(t, h.sessions.Start(ctx, sess.ID))
	assert.Equal(t, domain.SessionRunning, h.session(sess.ID).Status)
}
