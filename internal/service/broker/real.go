package broker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"perpbot/internal/domain"
	"perpbot/internal/id"
	"perpbot/internal/integrations/exchange"
	"perpbot/internal/store"
)

// RealBroker routes orders to the exchange gateway. The exchange is the
// source of truth for size and entry; the local store mirrors each position
// so the exit machine keeps its peak price and open time across ticks.
type RealBroker struct {
	client *exchange.Client
	store  store.Store
	now    func() time.Time
	logger *zap.Logger
}

func NewRealBroker(client *exchange.Client, st store.Store, logger *zap.Logger) *RealBroker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RealBroker{client: client, store: st, now: func() time.Time { return time.Now().UTC() }, logger: logger}
}

func (b *RealBroker) state(ctx context.Context, sess domain.Session) (exchange.AccountState, error) {
	st, err := b.client.Account(ctx, sess.AccountID)
	if err != nil {
		return exchange.AccountState{}, domain.Failf(domain.ErrAccountNotFound, "exchange account %s: %w", sess.AccountID, err)
	}
	return st, nil
}

func (b *RealBroker) account(ctx context.Context, sess domain.Session, st exchange.AccountState) domain.Account {
	acct := domain.Account{ID: sess.AccountID, Mode: domain.ModeReal, StartingBalance: st.Equity}
	if local, err := b.store.GetAccount(ctx, sess.AccountID); err == nil {
		acct = local
	}
	acct.Cash = st.Balance
	acct.Equity = st.Equity
	acct.UpdatedAt = b.now()
	return acct
}

func (b *RealBroker) Account(ctx context.Context, sess domain.Session) (domain.Account, error) {
	st, err := b.state(ctx, sess)
	if err != nil {
		return domain.Account{}, err
	}
	return b.account(ctx, sess, st), nil
}

// mirror merges exchange positions with locally tracked peak and open time.
func (b *RealBroker) mirror(ctx context.Context, sess domain.Session, st exchange.AccountState) ([]domain.Position, []domain.Position, error) {
	local, err := b.store.ListPositions(ctx, sess.AccountID)
	if err != nil {
		return nil, nil, domain.Failf(domain.ErrInternal, "list positions: %w", err)
	}
	byMarket := make(map[string]domain.Position, len(local))
	for _, p := range local {
		byMarket[p.Market] = p
	}
	now := b.now()
	out := make([]domain.Position, 0, len(st.Positions))
	for _, ep := range st.Positions {
		if ep.Size == 0 {
			continue
		}
		p := domain.Position{
			AccountID:     sess.AccountID,
			Market:        ep.Market,
			Size:          ep.Size,
			EntryPrice:    ep.EntryPrice,
			MarkPrice:     ep.MarkPrice,
			UnrealizedPnL: ep.UnrealizedPnL,
			PeakPrice:     ep.EntryPrice,
			OpenedAt:      now,
			UpdatedAt:     now,
		}
		if m, ok := byMarket[ep.Market]; ok && m.Side() == p.Side() {
			p.PeakPrice = m.PeakPrice
			p.OpenedAt = m.OpenedAt
			p.RealizedPnL = m.RealizedPnL
		}
		delete(byMarket, ep.Market)
		out = append(out, p)
	}
	// Positions closed on the venue outside this system.
	stale := make([]domain.Position, 0, len(byMarket))
	for _, p := range byMarket {
		p.Size = 0
		stale = append(stale, p)
	}
	return out, stale, nil
}

func (b *RealBroker) Positions(ctx context.Context, sess domain.Session) ([]domain.Position, error) {
	st, err := b.state(ctx, sess)
	if err != nil {
		return nil, err
	}
	positions, _, err := b.mirror(ctx, sess, st)
	return positions, err
}

func (b *RealBroker) PlaceOrder(ctx context.Context, sess domain.Session, in OrderIntent, quote domain.Quote) (FillResult, error) {
	st, err := b.state(ctx, sess)
	if err != nil {
		return FillResult{}, err
	}
	positions, _, err := b.mirror(ctx, sess, st)
	if err != nil {
		return FillResult{}, err
	}
	pos := domain.Position{AccountID: sess.AccountID, Market: in.Market}
	for _, p := range positions {
		if p.Market == in.Market {
			pos = p
		}
	}
	if quote.Mid <= 0 {
		return FillResult{}, domain.Failf(domain.ErrBrokerExecutionFailed, "no price for %s", in.Market)
	}

	side := in.Side
	if (in.Close || in.Reduce) && pos.Open() {
		side = pos.Side().Opposite()
	}
	limit := fillPrice(quote, side, in.SlippageBps)
	size, side, err := orderSize(pos, in, limit)
	if err != nil {
		return FillResult{}, domain.Fail(domain.ErrBrokerExecutionFailed, err)
	}

	at := b.now()
	orderSide := "buy"
	if side == domain.SideShort {
		orderSide = "sell"
	}
	resp, err := b.client.PlaceOrder(ctx, exchange.OrderRequest{
		ClientOrderID: id.New(at),
		AccountID:     sess.AccountID,
		Market:        in.Market,
		Side:          orderSide,
		Size:          size.InexactFloat64(),
		ReduceOnly:    in.Close || in.Reduce,
		LimitPrice:    limit.InexactFloat64(),
	})
	if err != nil {
		return FillResult{}, domain.Failf(domain.ErrBrokerExecutionFailed, "place order %s: %w", in.Market, err)
	}

	filled, price, fee := dec(resp.FilledSize), dec(resp.AvgPrice), dec(resp.Fee)
	settled := settle(pos, side, filled, price, fee, at)
	settled.Position.Mark(quote.Mid, at)

	acct := b.account(ctx, sess, st)
	if after, err := b.client.Account(ctx, sess.AccountID); err == nil {
		acct.Cash, acct.Equity = after.Balance, after.Equity
	} else {
		b.logger.Warn("exchange account refresh failed", zap.String("session_id", sess.ID), zap.Error(err))
	}

	trade := domain.Trade{
		ID:          id.New(at),
		AccountID:   sess.AccountID,
		SessionID:   sess.ID,
		Market:      in.Market,
		Action:      settled.Action,
		Side:        side,
		Size:        settled.Size.InexactFloat64(),
		Price:       resp.AvgPrice,
		Fee:         resp.Fee,
		RealizedPnL: settled.Realized,
		Reason:      in.Reason,
		CreatedAt:   at,
	}
	if err := b.store.ApplyFill(ctx, store.Fill{Account: acct, Position: settled.Position, Trade: trade}); err != nil {
		// The venue already filled; the record must not be lost silently.
		b.logger.Error("exchange fill not recorded", zap.String("session_id", sess.ID), zap.String("order_id", resp.OrderID), zap.Error(err))
		return FillResult{}, domain.Failf(domain.ErrInternal, "record fill %s: %w", resp.OrderID, err)
	}
	return FillResult{Trade: trade, Position: settled.Position, Account: acct}, nil
}

func (b *RealBroker) MarkToMarket(ctx context.Context, sess domain.Session, quotes map[string]domain.Quote) (domain.Account, []domain.Position, error) {
	st, err := b.state(ctx, sess)
	if err != nil {
		return domain.Account{}, nil, err
	}
	positions, stale, err := b.mirror(ctx, sess, st)
	if err != nil {
		return domain.Account{}, nil, err
	}
	at := b.now()
	for _, p := range stale {
		if err := b.store.SavePosition(ctx, p); err != nil {
			return domain.Account{}, nil, domain.Failf(domain.ErrInternal, "drop position: %w", err)
		}
	}
	for i := range positions {
		if q, ok := quotes[positions[i].Market]; ok {
			positions[i].Mark(q.Mid, at)
		}
		if err := b.store.SavePosition(ctx, positions[i]); err != nil {
			return domain.Account{}, nil, domain.Failf(domain.ErrInternal, "save position: %w", err)
		}
	}
	acct := b.account(ctx, sess, st)
	if err := b.store.UpdateAccount(ctx, acct); err != nil && !errors.Is(err, store.ErrNotFound) {
		return domain.Account{}, nil, domain.Failf(domain.ErrInternal, "update account: %w", err)
	}
	return acct, positions, nil
}
