package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"perpbot/internal/config"
	"perpbot/internal/domain"
	"perpbot/internal/store/memory"
)

func TestPrintSessions(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	require.NoError(t, st.CreateAccount(ctx, domain.Account{ID: "acct-1", Mode: domain.ModeCompetitive, StartingBalance: 10000, Cash: 10000, Equity: 10250}))
	sessions := []domain.Session{
		{ID: "sess-1", StrategyID: "strat-1", AccountID: "acct-1", Mode: domain.ModeCompetitive, Status: domain.SessionRunning, Cadence: time.Minute},
		{ID: "sess-2", StrategyID: "strat-2", AccountID: "gone", Mode: domain.ModeSimulated, Status: domain.SessionStopped, Cadence: 5 * time.Minute},
	}

	var out bytes.Buffer
	require.NoError(t, printSessions(ctx, &out, st, sessions))
	text := out.String()
	assert.Contains(t, text, "sess-1")
	assert.Contains(t, text, "10250.00")
	assert.Contains(t, text, "2.50")
	assert.Contains(t, text, "never")
	assert.Contains(t, text, "sess-2")
	assert.Contains(t, text, "stopped")
}

func TestOpenStoreFallsBackToMemory(t *testing.T) {
	st, err := openStore(configWith("postgres", ""), nopLogger())
	require.NoError(t, err)
	_, ok := st.(*memory.Store)
	assert.True(t, ok)
}

func TestOpenStoreSQLite(t *testing.T) {
	cfg := configWith("sqlite", "")
	cfg.SQLitePath = t.TempDir() + "/perpbot.db"
	st, err := openStore(cfg, nopLogger())
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.SaveStrategy(context.Background(), domain.Strategy{ID: "s1", Markets: []string{"BTC"}}))
}

func configWith(mode, dsn string) config.Config {
	return config.Config{StoreMode: mode, DatabaseURL: dsn}
}

func nopLogger() *zap.Logger { return zap.NewNop() }
