package broker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"perpbot/internal/domain"
	"perpbot/internal/id"
	"perpbot/internal/store"
)

// SimBroker fills orders against the local ledger at quote plus slippage.
// Simulated and competitive sessions both use it.
type SimBroker struct {
	store  store.Store
	now    func() time.Time
	logger *zap.Logger
}

func NewSimBroker(st store.Store, logger *zap.Logger) *SimBroker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SimBroker{store: st, now: func() time.Time { return time.Now().UTC() }, logger: logger}
}

// WithClock replaces the wall clock used to stamp trades.
func (b *SimBroker) WithClock(now func() time.Time) *SimBroker {
	b.now = now
	return b
}

func (b *SimBroker) Account(ctx context.Context, sess domain.Session) (domain.Account, error) {
	acct, err := b.store.GetAccount(ctx, sess.AccountID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Account{}, domain.Failf(domain.ErrAccountNotFound, "account %s", sess.AccountID)
	}
	if err != nil {
		return domain.Account{}, domain.Failf(domain.ErrInternal, "load account %s: %w", sess.AccountID, err)
	}
	return acct, nil
}

func (b *SimBroker) Positions(ctx context.Context, sess domain.Session) ([]domain.Position, error) {
	positions, err := b.store.ListPositions(ctx, sess.AccountID)
	if err != nil {
		return nil, domain.Failf(domain.ErrInternal, "list positions: %w", err)
	}
	return positions, nil
}

func (b *SimBroker) PlaceOrder(ctx context.Context, sess domain.Session, in OrderIntent, quote domain.Quote) (FillResult, error) {
	acct, err := b.Account(ctx, sess)
	if err != nil {
		return FillResult{}, err
	}
	positions, err := b.Positions(ctx, sess)
	if err != nil {
		return FillResult{}, err
	}
	pos := domain.Position{AccountID: acct.ID, Market: in.Market}
	others := make([]domain.Position, 0, len(positions))
	for _, p := range positions {
		if p.Market == in.Market {
			pos = p
			continue
		}
		others = append(others, p)
	}
	if quote.Mid <= 0 {
		return FillResult{}, domain.Failf(domain.ErrBrokerExecutionFailed, "no price for %s", in.Market)
	}

	// Closing orders are priced on the side that unwinds the position.
	side := in.Side
	if (in.Close || in.Reduce) && pos.Open() {
		side = pos.Side().Opposite()
	}
	price := fillPrice(quote, side, in.SlippageBps)
	size, side, err := orderSize(pos, in, price)
	if err != nil {
		return FillResult{}, domain.Fail(domain.ErrBrokerExecutionFailed, err)
	}
	if !size.IsPositive() {
		return FillResult{}, domain.Failf(domain.ErrBrokerExecutionFailed, "order %s: zero size", in.Market)
	}
	opening := !pos.Open() || side == pos.Side()
	if opening && acct.Equity <= 0 {
		return FillResult{}, domain.Failf(domain.ErrBrokerExecutionFailed, "account %s has no equity", acct.ID)
	}

	at := b.now()
	fee := feeFor(price, size, in.FeeBps)
	st := settle(pos, side, size, price, fee, at)
	st.Position.Mark(quote.Mid, at)

	acct.Cash = dec(acct.Cash).Add(st.CashDelta).InexactFloat64()
	acct.Equity = equityOf(acct.Cash, append(others, st.Position))
	acct.UpdatedAt = at

	trade := domain.Trade{
		ID:          id.New(at),
		AccountID:   acct.ID,
		SessionID:   sess.ID,
		Market:      in.Market,
		Action:      st.Action,
		Side:        side,
		Size:        st.Size.InexactFloat64(),
		Price:       price.InexactFloat64(),
		Fee:         fee.InexactFloat64(),
		RealizedPnL: st.Realized,
		Reason:      in.Reason,
		CreatedAt:   at,
	}
	if err := b.store.ApplyFill(ctx, store.Fill{Account: acct, Position: st.Position, Trade: trade}); err != nil {
		return FillResult{}, domain.Failf(domain.ErrBrokerExecutionFailed, "apply fill: %w", err)
	}
	b.logger.Info("simulated fill",
		zap.String("session_id", sess.ID),
		zap.String("market", in.Market),
		zap.String("action", string(trade.Action)),
		zap.String("side", string(side)),
		zap.Float64("size", trade.Size),
		zap.Float64("price", trade.Price))
	return FillResult{Trade: trade, Position: st.Position, Account: acct}, nil
}

func (b *SimBroker) MarkToMarket(ctx context.Context, sess domain.Session, quotes map[string]domain.Quote) (domain.Account, []domain.Position, error) {
	acct, err := b.Account(ctx, sess)
	if err != nil {
		return domain.Account{}, nil, err
	}
	positions, err := b.Positions(ctx, sess)
	if err != nil {
		return domain.Account{}, nil, err
	}
	at := b.now()
	for i := range positions {
		q, ok := quotes[positions[i].Market]
		if !ok {
			continue
		}
		positions[i].Mark(q.Mid, at)
		if err := b.store.SavePosition(ctx, positions[i]); err != nil {
			return domain.Account{}, nil, domain.Failf(domain.ErrInternal, "save position: %w", err)
		}
	}
	acct.Equity = equityOf(acct.Cash, positions)
	acct.UpdatedAt = at
	if err := b.store.UpdateAccount(ctx, acct); err != nil {
		return domain.Account{}, nil, domain.Failf(domain.ErrInternal, "update account: %w", err)
	}
	return acct, positions, nil
}
