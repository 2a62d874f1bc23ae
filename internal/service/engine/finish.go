package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"perpbot/internal/domain"
	"perpbot/internal/id"
)

// finish writes the tick's single equity snapshot, persists the decision and
// either completes the tick or releases its lease for a retry.
func (t *tick) finish(ctx context.Context, tickErr error) TickResult {
	d := t.o.deps
	res := TickResult{
		SessionID: t.sess.ID,
		Market:    t.market,
		Executed:  t.decision.Executed,
		Reason:    t.decision.Reason,
		Exits:     t.decision.Exits,
		Trades:    t.trades,
	}

	// A failed tick that traded still owes its snapshot.
	if tickErr == nil || len(t.trades) > 0 {
		if err := t.snapshot(ctx); err != nil {
			t.log.Error("equity snapshot failed", zap.Error(err))
			if tickErr == nil {
				tickErr = err
			}
		}
	}

	if tickErr != nil {
		res.Error = domain.KindOf(tickErr)
		res.Reason = tickErr.Error()
		t.decision.ErrorKind = res.Error
		t.decision.Reason = tickErr.Error()
		t.decision.Executed = len(t.trades) > 0
		res.Executed = t.decision.Executed
		t.event(domain.EventTickFailed, map[string]interface{}{
			"market":     t.market,
			"error_kind": res.Error,
			"error":      tickErr.Error(),
		})
	}

	at := t.o.now()
	t.decision.ID = id.New(at)
	t.decision.CreatedAt = at
	if err := d.Store.AppendDecision(ctx, t.decision); err != nil {
		t.log.Error("decision not recorded", zap.Error(err))
	}

	if tickErr == nil {
		if err := d.Store.CompleteTick(ctx, t.sess.ID, t.now); err != nil {
			t.log.Error("complete tick failed", zap.Error(err))
		}
	} else if err := d.Store.ReleaseTick(ctx, t.sess.ID); err != nil {
		t.log.Error("release tick failed", zap.Error(err))
	}

	t.publish(ctx)

	fields := []zap.Field{
		zap.String("market", t.market),
		zap.Bool("executed", res.Executed),
		zap.String("reason", res.Reason),
		zap.Int("exits", res.Exits),
		zap.Int("trades", len(t.trades)),
	}
	if res.Error != "" {
		t.log.Warn("tick failed", append(fields, zap.String("error_kind", string(res.Error)))...)
	} else {
		t.log.Info("tick", fields...)
	}
	return res
}

// snapshot re-prices every open position at fresh quotes and records equity
// once, stamped after every trade of the tick. A market without a fresh quote
// fails the snapshot; the next successful tick records the point instead.
func (t *tick) snapshot(ctx context.Context) error {
	d := t.o.deps
	positions, err := d.Broker.Positions(ctx, t.sess)
	if err != nil {
		return err
	}
	quotes := make(map[string]domain.Quote)
	cache := d.Context.Quotes()
	// Every open position must be marked fresh, or no snapshot is written.
	for _, m := range openMarkets(positions) {
		q, err := cache.Fresh(ctx, m)
		if err != nil {
			return domain.Failf(domain.ErrMarketDataUnavailable, "snapshot skipped: %w", err)
		}
		quotes[m] = q
	}
	acct, _, err := d.Broker.MarkToMarket(ctx, t.sess, quotes)
	if err != nil {
		return err
	}
	at := t.o.now()
	for _, tr := range t.trades {
		if !at.After(tr.CreatedAt) {
			at = tr.CreatedAt.Add(time.Microsecond)
		}
	}
	return d.Store.AppendEquity(ctx, domain.EquitySnapshot{
		SessionID: t.sess.ID,
		AccountID: acct.ID,
		Equity:    acct.Equity,
		Cash:      acct.Cash,
		CreatedAt: at,
	})
}

func (t *tick) publish(ctx context.Context) {
	d := t.o.deps
	for _, e := range t.events {
		if err := d.Store.AppendEvent(ctx, e); err != nil {
			t.log.Warn("event not stored", zap.String("event_type", string(e.Type)), zap.Error(err))
		}
		for _, sink := range d.Sinks {
			if err := sink.Publish(ctx, e); err != nil {
				t.log.Warn("event sink failed", zap.String("event_type", string(e.Type)), zap.Error(err))
			}
		}
	}
}
