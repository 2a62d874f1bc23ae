// Package engine runs trading sessions: one tick at a time per session, with
// exits checked before entries and a single equity snapshot per tick.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"perpbot/internal/domain"
	"perpbot/internal/service/broker"
	"perpbot/internal/service/contextbuilder"
	"perpbot/internal/service/credentials"
	"perpbot/internal/service/decision"
	"perpbot/internal/service/indicators"
	"perpbot/internal/service/risk"
	"perpbot/internal/service/strategy"
	"perpbot/internal/store"
)

// EventSink receives engine events after they are stored. Telegram and the
// webhook publisher implement it.
type EventSink interface {
	Publish(ctx context.Context, e domain.Event) error
}

type Options struct {
	ProviderTimeout time.Duration
	BrokerTimeout   time.Duration
	TickLease       time.Duration
}

func (o Options) withDefaults() Options {
	if o.ProviderTimeout <= 0 {
		o.ProviderTimeout = 30 * time.Second
	}
	if o.BrokerTimeout <= 0 {
		o.BrokerTimeout = 15 * time.Second
	}
	if o.TickLease <= 0 {
		o.TickLease = 5 * time.Minute
	}
	return o
}

type Deps struct {
	Store       store.Store
	Context     *contextbuilder.Builder
	Providers   decision.Set
	Credentials credentials.Resolver
	Broker      broker.Broker
	Risk        *risk.Engine
	Classifier  *strategy.Classifier
	Sinks       []EventSink
	Logger      *zap.Logger
}

type Orchestrator struct {
	deps Deps
	opts Options
	now  func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewOrchestrator(deps Deps, opts Options) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Risk == nil {
		deps.Risk = risk.NewEngine(deps.Logger)
	}
	if deps.Classifier == nil {
		deps.Classifier = strategy.NewClassifier(strategy.DefaultThresholds())
	}
	return &Orchestrator{
		deps:     deps,
		opts:     opts.withDefaults(),
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]struct{}),
	}
}

func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

type TickResult struct {
	SessionID string           `json:"session_id"`
	Market    string           `json:"market,omitempty"`
	Executed  bool             `json:"executed"`
	Reason    string           `json:"reason"`
	Error     domain.ErrorKind `json:"error,omitempty"`
	Exits     int              `json:"exits"`
	Trades    []domain.Trade   `json:"trades,omitempty"`
}

// Tick runs one tick if the session's cadence has elapsed.
func (o *Orchestrator) Tick(ctx context.Context, sessionID string) TickResult {
	return o.run(ctx, sessionID, false)
}

// ForceTick runs one tick of a running session regardless of cadence.
func (o *Orchestrator) ForceTick(ctx context.Context, sessionID string) TickResult {
	return o.run(ctx, sessionID, true)
}

func (o *Orchestrator) enter(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inflight[sessionID]; busy {
		return false
	}
	o.inflight[sessionID] = struct{}{}
	return true
}

func (o *Orchestrator) leave(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight, sessionID)
}

func (o *Orchestrator) run(ctx context.Context, sessionID string, force bool) TickResult {
	res := TickResult{SessionID: sessionID}
	log := o.deps.Logger.With(zap.String("session_id", sessionID))
	if !o.enter(sessionID) {
		return rejected(log, res, domain.Failf(domain.ErrTickInFlight, "session %s is already ticking", sessionID))
	}
	defer o.leave(sessionID)

	now := o.now()
	sess, err := o.deps.Store.ClaimTick(ctx, store.ClaimRequest{
		SessionID:     sessionID,
		Now:           now,
		Lease:         o.opts.TickLease,
		IgnoreCadence: force,
	})
	switch {
	case errors.Is(err, store.ErrNotDue):
		res.Reason = "cadence not elapsed"
		return res
	case errors.Is(err, store.ErrNotFound):
		return rejected(log, res, domain.Failf(domain.ErrSessionNotFound, "session %s", sessionID))
	case errors.Is(err, store.ErrNotRunning):
		return rejected(log, res, domain.Failf(domain.ErrSessionNotRunning, "session %s", sessionID))
	case errors.Is(err, store.ErrTickInFlight):
		return rejected(log, res, domain.Failf(domain.ErrTickInFlight, "session %s holds a tick lease", sessionID))
	case err != nil:
		return rejected(log, res, domain.Failf(domain.ErrInternal, "claim tick: %w", err))
	}

	t := &tick{o: o, sess: sess, now: now, log: log}
	t.decision = domain.Decision{SessionID: sess.ID}
	tickErr := t.run(ctx)

	// Results of a started tick are written even if the caller gave up.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	return t.finish(wctx, tickErr)
}

// rejected reports a tick that never claimed its session.
func rejected(log *zap.Logger, res TickResult, err error) TickResult {
	res.Error = domain.KindOf(err)
	res.Reason = err.Error()
	log.Warn("tick rejected", zap.String("error_kind", string(res.Error)), zap.Error(err))
	return res
}

type tick struct {
	o    *Orchestrator
	sess domain.Session
	now  time.Time
	log  *zap.Logger

	strategy domain.Strategy
	account  domain.Account
	secret   credentials.Secret
	provider decision.Provider
	market   string

	positions []domain.Position
	trades    []domain.Trade
	decision  domain.Decision
	events    []domain.Event
}

func (t *tick) run(ctx context.Context) error {
	d := t.o.deps
	strat, err := d.Store.GetStrategy(ctx, t.sess.StrategyID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Failf(domain.ErrStrategyNotFound, "strategy %s", t.sess.StrategyID)
	}
	if err != nil {
		return domain.Failf(domain.ErrInternal, "load strategy: %w", err)
	}
	t.strategy = strat
	if len(strat.Markets) == 0 {
		return domain.Failf(domain.ErrInternal, "strategy %s has no markets", strat.ID)
	}
	t.market = strat.Markets[int(t.sess.MarketCursor%int64(len(strat.Markets)))]
	t.decision.Market = t.market

	if t.account, err = d.Broker.Account(ctx, t.sess); err != nil {
		return err
	}
	if t.secret, err = d.Credentials.Resolve(ctx, strat); err != nil {
		return err
	}
	if t.provider, err = d.Providers.For(strat.Provider.Kind); err != nil {
		return domain.Fail(domain.ErrInternal, err)
	}

	exited, err := t.runExits(ctx)
	if err != nil {
		return err
	}
	if exited != nil {
		t.decision.Executed = true
		t.decision.Action = domain.ActionClose
		t.decision.Reason = fmt.Sprintf("exit %s: %s", exited.Rule, exited.Reason)
		return nil
	}
	return t.decide(ctx)
}

// runExits marks every open position and closes those whose exit rule fires.
// It returns the exit taken on this tick's market, if any.
func (t *tick) runExits(ctx context.Context) (*risk.ExitSignal, error) {
	d := t.o.deps
	positions, err := d.Broker.Positions(ctx, t.sess)
	if err != nil {
		return nil, err
	}
	markets := openMarkets(positions)
	if len(markets) == 0 {
		t.positions = nil
		return nil, nil
	}
	quotes, err := d.Context.Quotes().Quotes(ctx, markets)
	if err != nil {
		return nil, err
	}
	acct, marked, err := d.Broker.MarkToMarket(ctx, t.sess, quotes)
	if err != nil {
		return nil, err
	}
	t.account = acct

	var selected *risk.ExitSignal
	kept := marked[:0]
	for _, p := range marked {
		if !p.Open() {
			continue
		}
		sig := risk.EvaluateExit(t.strategy.Exit, p, acct.Equity, t.now)
		if !sig.Close {
			kept = append(kept, p)
			continue
		}
		reason := fmt.Sprintf("exit %s: %s", sig.Rule, sig.Reason)
		if err := t.place(ctx, broker.OrderIntent{Market: p.Market, Close: true, Reason: reason}, quotes[p.Market]); err != nil {
			return nil, err
		}
		t.decision.Exits++
		if p.Market == t.market {
			s := sig
			selected = &s
		}
	}
	t.positions = kept
	return selected, nil
}

func (t *tick) decide(ctx context.Context) error {
	d := t.o.deps
	pos := t.position(t.market)
	built, err := d.Context.Build(ctx, contextbuilder.Input{
		SessionID: t.sess.ID,
		Strategy:  t.strategy,
		Market:    t.market,
		Position:  pos,
		Now:       t.now,
	})
	if err != nil {
		return err
	}

	pctx, cancel := context.WithTimeout(ctx, t.o.opts.ProviderTimeout)
	intent, err := t.provider.Decide(pctx, t.secret, decision.Request{
		Model:   t.strategy.Provider.Model,
		BaseURL: t.strategy.Provider.BaseURL,
		System:  decision.SystemPrompt(t.strategy.Prompt),
		Context: built.Payload,
	})
	cancel()
	if err != nil {
		return err
	}
	t.decision.Bias = intent.Bias
	t.decision.Confidence = intent.Confidence
	t.decision.Reasoning = intent.Reasoning

	side, directional := domain.SideFromBias(intent.Bias)
	if pos.Open() && (!directional || side != pos.Side()) {
		return t.signalClose(ctx, pos, intent, built.Indicators)
	}
	if !directional {
		t.decision.Reason = "provider returned a neutral bias"
		return nil
	}
	return t.enter(ctx, side, pos, intent, built)
}

// signalClose handles a provider asking to leave an open position. Only the
// signal exit mode lets the provider close.
func (t *tick) signalClose(ctx context.Context, pos domain.Position, intent decision.Intent, snap indicators.Snapshot) error {
	if t.strategy.Exit.Mode != domain.ExitSignal {
		t.decision.Reason = fmt.Sprintf("provider %s bias ignored: %s exit mode owns exits", intent.Bias, t.strategy.Exit.Mode)
		return nil
	}
	st, err := t.state(ctx, pos, snap)
	if err != nil {
		return err
	}
	if v := t.o.deps.Risk.EvaluateClose(t.strategy, st); !v.Allowed {
		t.veto(v)
		return nil
	}
	quote, err := t.o.deps.Context.Quotes().Quote(ctx, t.market)
	if err != nil {
		return err
	}
	reason := fmt.Sprintf("signal exit: provider bias %s (confidence %.2f)", intent.Bias, intent.Confidence)
	if err := t.place(ctx, broker.OrderIntent{Market: t.market, Close: true, Reason: reason}, quote); err != nil {
		return err
	}
	t.decision.Executed = true
	t.decision.Action = domain.ActionClose
	t.decision.Reason = reason
	return nil
}

func (t *tick) enter(ctx context.Context, side domain.Side, pos domain.Position, intent decision.Intent, built contextbuilder.Result) error {
	d := t.o.deps
	s := t.strategy
	price := built.Quote.Price(side == domain.SideLong)
	proposal := risk.Proposal{
		Market:     t.market,
		Side:       side,
		Confidence: intent.Confidence,
		Notional:   s.Sizing.Notional(intent.Confidence, s.Confidence.Threshold()),
		Price:      price,
		EntryZone:  intent.EntryZone,
	}
	st, err := t.state(ctx, pos, built.Indicators)
	if err != nil {
		return err
	}
	if v := d.Risk.Evaluate(s, proposal, st); !v.Allowed {
		t.veto(v)
		return nil
	}

	cls := d.Classifier.Classify(side, built.Indicators, intent.Reasoning)
	t.decision.Behavior = cls.Behavior
	if guardrail, reason := strategy.Permit(s.Entry.Behaviors, cls); guardrail != "" {
		t.veto(risk.Verdict{Guardrail: guardrail, Reason: reason})
		return nil
	}

	reason := fmt.Sprintf("%s %s entry (%s), confidence %.2f", cls.Behavior, side, cls.Source, intent.Confidence)
	intentOrder := broker.OrderIntent{Market: t.market, Side: side, Notional: proposal.Notional, Reason: reason}
	if err := t.place(ctx, intentOrder, built.Quote); err != nil {
		return err
	}
	last := t.trades[len(t.trades)-1]
	t.decision.Executed = true
	t.decision.Action = last.Action
	t.decision.Reason = reason
	return nil
}

func (t *tick) place(ctx context.Context, in broker.OrderIntent, quote domain.Quote) error {
	in.SessionID = t.sess.ID
	in.SlippageBps = t.strategy.Entry.SlippageBps
	in.FeeBps = t.strategy.Sizing.FeeBps
	bctx, cancel := context.WithTimeout(ctx, t.o.opts.BrokerTimeout)
	defer cancel()
	fill, err := t.o.deps.Broker.PlaceOrder(bctx, t.sess, in, quote)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && domain.KindOf(err) == domain.ErrInternal {
			return domain.Fail(domain.ErrBrokerExecutionFailed, err)
		}
		return err
	}
	t.trades = append(t.trades, fill.Trade)
	t.account = fill.Account
	t.event(domain.EventTradeExecuted, map[string]interface{}{
		"trade_id":     fill.Trade.ID,
		"market":       fill.Trade.Market,
		"action":       fill.Trade.Action,
		"side":         fill.Trade.Side,
		"size":         fill.Trade.Size,
		"price":        fill.Trade.Price,
		"fee":          fill.Trade.Fee,
		"realized_pnl": fill.Trade.RealizedPnL,
		"reason":       fill.Trade.Reason,
	})
	return nil
}

func (t *tick) veto(v risk.Verdict) {
	t.decision.BlockedBy = v.Guardrail
	t.decision.Reason = v.Reason
	t.event(domain.EventGuardrailVetoed, map[string]interface{}{
		"market":    t.market,
		"guardrail": v.Guardrail,
		"reason":    v.Reason,
	})
	if v.Guardrail == "daily_loss_limit_hit" {
		t.event(domain.EventBreakerTripped, map[string]interface{}{
			"equity": t.account.Equity,
			"reason": v.Reason,
		})
	}
}

// state gathers what the guardrails read about the session.
func (t *tick) state(ctx context.Context, pos domain.Position, snap indicators.Snapshot) (risk.State, error) {
	st := t.o.deps.Store
	trades, err := st.ListTrades(ctx, t.sess.ID, t.now.Add(-24*time.Hour))
	if err != nil {
		return risk.State{}, domain.Failf(domain.ErrInternal, "list trades: %w", err)
	}
	first, err := st.FirstEquitySince(ctx, t.sess.ID, risk.DayStart(t.now))
	if err != nil {
		return risk.State{}, domain.Failf(domain.ErrInternal, "day start equity: %w", err)
	}
	var open float64
	for _, p := range t.positions {
		open += p.Notional()
	}
	return risk.State{
		Now:            t.now,
		Position:       pos,
		OpenNotional:   open,
		Equity:         t.account.Equity,
		DayStartEquity: risk.DayStartEquity(first, t.account.StartingBalance),
		Activity:       risk.DeriveActivity(trades, t.now),
		Indicators:     snap,
	}, nil
}

func (t *tick) position(market string) domain.Position {
	for _, p := range t.positions {
		if p.Market == market {
			return p
		}
	}
	return domain.Position{AccountID: t.sess.AccountID, Market: market}
}

func (t *tick) event(typ domain.EventType, payload map[string]interface{}) {
	t.events = append(t.events, domain.Event{
		ID:        uuid.NewString(),
		SessionID: t.sess.ID,
		AccountID: t.sess.AccountID,
		Type:      typ,
		Payload:   payload,
		CreatedAt: t.o.now(),
	})
}

func openMarkets(positions []domain.Position) []string {
	out := make([]string, 0, len(positions))
	for _, p := range positions {
		if p.Open() {
			out = append(out, p.Market)
		}
	}
	return out
}
