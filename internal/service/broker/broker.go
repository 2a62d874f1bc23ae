// Package broker executes order intents against the simulated ledger or a
// real exchange. Both backends share one intent shape and one fill shape.
package broker

import (
	"context"
	"errors"
	"fmt"

	"perpbot/internal/domain"
)

var (
	ErrNoPosition   = errors.New("no open position")
	ErrInvalidOrder = errors.New("invalid order")
)

// OrderIntent is what the engine asks a backend to do. Side is the order
// side. Opening orders are sized by Notional unless Size is set; Close removes
// the whole position and Reduce removes at most Size from it.
type OrderIntent struct {
	SessionID   string
	Market      string
	Side        domain.Side
	Notional    float64
	Size        float64
	Close       bool
	Reduce      bool
	SlippageBps float64
	FeeBps      float64
	Reason      string
}

// FillResult is the trade record plus the account and position after it.
type FillResult struct {
	Trade    domain.Trade
	Position domain.Position
	Account  domain.Account
}

type Broker interface {
	Account(ctx context.Context, sess domain.Session) (domain.Account, error)
	Positions(ctx context.Context, sess domain.Session) ([]domain.Position, error)
	PlaceOrder(ctx context.Context, sess domain.Session, in OrderIntent, quote domain.Quote) (FillResult, error)
	// MarkToMarket re-prices open positions at the given quotes, persists
	// marks and peaks, and returns the refreshed account.
	MarkToMarket(ctx context.Context, sess domain.Session, quotes map[string]domain.Quote) (domain.Account, []domain.Position, error)
}

// Router picks the backend by session mode so callers never branch on it.
type Router struct {
	simulated Broker
	real      Broker
}

func NewRouter(simulated, real Broker) *Router {
	return &Router{simulated: simulated, real: real}
}

func (r *Router) backend(mode domain.Mode) (Broker, error) {
	if mode.Simulated() {
		if r.simulated == nil {
			return nil, errors.New("simulated broker not configured")
		}
		return r.simulated, nil
	}
	if mode == domain.ModeReal && r.real != nil {
		return r.real, nil
	}
	return nil, fmt.Errorf("no broker for mode %q", mode)
}

func (r *Router) Account(ctx context.Context, sess domain.Session) (domain.Account, error) {
	b, err := r.backend(sess.Mode)
	if err != nil {
		return domain.Account{}, domain.Fail(domain.ErrAccountNotFound, err)
	}
	return b.Account(ctx, sess)
}

func (r *Router) Positions(ctx context.Context, sess domain.Session) ([]domain.Position, error) {
	b, err := r.backend(sess.Mode)
	if err != nil {
		return nil, domain.Fail(domain.ErrAccountNotFound, err)
	}
	return b.Positions(ctx, sess)
}

func (r *Router) PlaceOrder(ctx context.Context, sess domain.Session, in OrderIntent, quote domain.Quote) (FillResult, error) {
	b, err := r.backend(sess.Mode)
	if err != nil {
		return FillResult{}, domain.Fail(domain.ErrBrokerExecutionFailed, err)
	}
	return b.PlaceOrder(ctx, sess, in, quote)
}

func (r *Router) MarkToMarket(ctx context.Context, sess domain.Session, quotes map[string]domain.Quote) (domain.Account, []domain.Position, error) {
	b, err := r.backend(sess.Mode)
	if err != nil {
		return domain.Account{}, nil, domain.Fail(domain.ErrAccountNotFound, err)
	}
	return b.MarkToMarket(ctx, sess, quotes)
}
