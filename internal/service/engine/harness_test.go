package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"perpbot/internal/domain"
	"perpbot/internal/service/broker"
	"perpbot/internal/service/contextbuilder"
	"perpbot/internal/service/credentials"
	"perpbot/internal/service/decision"
	"perpbot/internal/service/marketdata"
	"perpbot/internal/service/marketdata/marketdatatest"
	"perpbot/internal/store/memory"
)

// stubProvider replays scripted intents; the last one repeats.
type stubProvider struct {
	mu       sync.Mutex
	intents  []decision.Intent
	err      error
	calls    int
	onDecide func() // runs after the tick's exits, before each reply
}

func (p *stubProvider) Decide(_ context.Context, secret credentials.Secret, req decision.Request) (decision.Intent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if secret.Value() == "" || req.Context == "" {
		panic("provider called without credential or context")
	}
	if p.onDecide != nil {
		p.onDecide()
	}
	if p.err != nil {
		return decision.Intent{}, p.err
	}
	if len(p.intents) == 0 {
		return decision.Intent{Bias: domain.BiasNeutral}, nil
	}
	in := p.intents[0]
	if len(p.intents) > 1 {
		p.intents = p.intents[1:]
	}
	return in, nil
}

func (p *stubProvider) script(intents ...decision.Intent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.intents = intents
}

func (p *stubProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func long(conf float64) decision.Intent {
	return decision.Intent{Bias: domain.BiasLong, Confidence: conf, Reasoning: "trend continuation"}
}

func short(conf float64) decision.Intent {
	return decision.Intent{Bias: domain.BiasShort, Confidence: conf, Reasoning: "trend continuation"}
}

var neutral = decision.Intent{Bias: domain.BiasNeutral, Confidence: 0.5, Reasoning: "no edge"}

// clock advances a millisecond on every read so records written within one
// tick are strictly ordered.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	t        *testing.T
	store    *memory.Store
	feed     *marketdatatest.Feed
	provider *stubProvider
	clock    *clock
	orch     *Orchestrator
	sessions *Sessions
	broker   broker.Broker
	resolver credentials.Resolver
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := memory.NewStore()
	feed := marketdatatest.NewFeed()
	for _, m := range []string{"BTC", "ETH", "SOL"} {
		feed.SetPrice(m, 100)
	}
	clk := &clock{t: time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)}
	sim := broker.NewSimBroker(st, nil).WithClock(clk.Now)
	router := broker.NewRouter(sim, nil)
	secret, err := credentials.NewSecret("sk-test")
	require.NoError(t, err)

	h := &harness{
		t:        t,
		store:    st,
		feed:     feed,
		provider: &stubProvider{},
		clock:    clk,
		broker:   router,
		resolver: credentials.Static{Secret: secret},
	}
	h.orch = h.orchestrator()
	h.sessions = NewSessions(st, router)
	h.sessions.now = clk.Now
	return h
}

func (h *harness) orchestrator() *Orchestrator {
	quotes := marketdata.NewQuoteCache(h.feed, nil, 0, nil)
	return NewOrchestrator(Deps{
		Store:       h.store,
		Context:     contextbuilder.New(quotes, h.store, nil),
		Providers:   decision.Set{OpenAI: h.provider, Anthropic: h.provider},
		Credentials: h.resolver,
		Broker:      h.broker,
	}, Options{ProviderTimeout: time.Second, BrokerTimeout: time.Second, TickLease: time.Minute}).WithClock(h.clock.Now)
}

// launch saves a strategy trading all behaviors on BTC and starts a
// simulated session for it.
func (h *harness) launch(mutate func(*domain.Strategy)) domain.Session {
	h.t.Helper()
	s := domain.Strategy{
		ID:         "strat-" + h.t.Name(),
		Name:       "test",
		Markets:    []string{"BTC"},
		Provider:   domain.ProviderConfig{Kind: domain.ProviderOpenAI, CredentialID: "cred-1"},
		Confidence: domain.ConfidenceRules{MinConfidence: 0.6},
		Entry:      domain.EntryRules{Behaviors: domain.Behaviors{Trend: true, Breakout: true, MeanReversion: true}},
		Sizing:     domain.Sizing{BaseNotional: 100},
	}
	if mutate != nil {
		mutate(&s)
	}
	require.NoError(h.t, s.Normalize())
	ctx := context.Background()
	require.NoError(h.t, h.store.SaveStrategy(ctx, s))
	sess, err := h.sessions.Launch(ctx, LaunchRequest{UserID: "u1", StrategyID: s.ID, Mode: domain.ModeSimulated, StartingBalance: 10000})
	require.NoError(h.t, err)
	return sess
}

func (h *harness) tick(sess domain.Session) TickResult {
	h.t.Helper()
	h.clock.Advance(time.Minute)
	return h.orch.ForceTick(context.Background(), sess.ID)
}

func (h *harness) trades(sess domain.Session) []domain.Trade {
	h.t.Helper()
	out, err := h.store.ListTrades(context.Background(), sess.ID, time.Time{})
	require.NoError(h.t, err)
	return out
}

func (h *harness) equity(sess domain.Session) []domain.EquitySnapshot {
	h.t.Helper()
	out, err := h.store.ListEquity(context.Background(), sess.ID, time.Time{})
	require.NoError(h.t, err)
	return out
}

func (h *harness) decisions(sess domain.Session) []domain.Decision {
	h.t.Helper()
	out, err := h.store.ListDecisions(context.Background(), sess.ID, 0)
	require.NoError(h.t, err)
	return out
}

func (h *harness) session(id string) domain.Session {
	h.t.Helper()
	sess, err := h.store.GetSession(context.Background(), id)
	require.NoError(h.t, err)
	return sess
}
