package broker

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"perpbot/internal/domain"
)

var bpsDivisor = decimal.NewFromInt(10000)

func dec(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

// fillPrice applies slippage against the taker: buys pay above the ask,
// sells receive below the bid.
func fillPrice(q domain.Quote, side domain.Side, slippageBps float64) decimal.Decimal {
	buy := side == domain.SideLong
	px := dec(q.Price(buy))
	slip := px.Mul(dec(slippageBps)).Div(bpsDivisor)
	if buy {
		return px.Add(slip)
	}
	return px.Sub(slip)
}

func feeFor(price, size decimal.Decimal, feeBps float64) decimal.Decimal {
	return price.Mul(size).Mul(dec(feeBps)).Div(bpsDivisor)
}

// orderSize resolves the absolute size and side an intent trades against pos.
// Closing sizes come from the position itself, never from a notional.
func orderSize(pos domain.Position, in OrderIntent, price decimal.Decimal) (decimal.Decimal, domain.Side, error) {
	held := dec(pos.AbsSize())
	switch {
	case in.Close:
		if !pos.Open() {
			return decimal.Zero, "", fmt.Errorf("close %s: %w", in.Market, ErrNoPosition)
		}
		return held, pos.Side().Opposite(), nil
	case in.Reduce:
		if !pos.Open() {
			return decimal.Zero, "", fmt.Errorf("reduce %s: %w", in.Market, ErrNoPosition)
		}
		if in.Side == pos.Side() {
			return decimal.Zero, "", fmt.Errorf("reduce %s: order side matches position: %w", in.Market, ErrInvalidOrder)
		}
		if in.Size <= 0 {
			return decimal.Zero, "", fmt.Errorf("reduce %s: size required: %w", in.Market, ErrInvalidOrder)
		}
		return decimal.Min(dec(in.Size), held), pos.Side().Opposite(), nil
	}
	if in.Side != domain.SideLong && in.Side != domain.SideShort {
		return decimal.Zero, "", fmt.Errorf("order %s: side %q: %w", in.Market, in.Side, ErrInvalidOrder)
	}
	if in.Size > 0 {
		return dec(in.Size), in.Side, nil
	}
	if in.Notional <= 0 || !price.IsPositive() {
		return decimal.Zero, "", fmt.Errorf("order %s: notional %v at %s: %w", in.Market, in.Notional, price, ErrInvalidOrder)
	}
	return dec(in.Notional).Div(price), in.Side, nil
}

// settlement is the ledger effect of one fill on one net position.
type settlement struct {
	Position  domain.Position
	Action    domain.TradeAction
	Size      decimal.Decimal
	Realized  *float64
	CashDelta decimal.Decimal
}

// settle applies a fill of size at price to pos. Opening or extending uses a
// size-weighted average entry. Against the position it realizes
// (price - entry) * closed * sign, net of the fee share of the closed part,
// and any excess opens the other side at price.
func settle(pos domain.Position, side domain.Side, size, price, fee decimal.Decimal, at time.Time) settlement {
	held := dec(pos.AbsSize())
	entry := dec(pos.EntryPrice)
	out := settlement{Position: pos, Size: size}

	if !pos.Open() || side == pos.Side() {
		total := held.Add(size)
		avg := entry.Mul(held).Add(price.Mul(size)).Div(total)
		out.Position.Size = signed(total, side)
		out.Position.EntryPrice = avg.InexactFloat64()
		if !pos.Open() {
			out.Position.OpenedAt = at
			out.Position.PeakPrice = price.InexactFloat64()
			out.Position.RealizedPnL = 0
		}
		out.Action = domain.ActionOpen
		out.CashDelta = fee.Neg()
		out.Position.UpdatedAt = at
		return out
	}

	closed := decimal.Min(size, held)
	gross := price.Sub(entry).Mul(closed).Mul(dec(pos.Side().Sign()))
	closeFee := fee
	if size.GreaterThan(closed) {
		closeFee = fee.Mul(closed).Div(size)
	}
	realized := gross.Sub(closeFee).InexactFloat64()
	out.Realized = &realized
	out.CashDelta = gross.Sub(fee)
	out.Position.RealizedPnL = dec(pos.RealizedPnL).Add(gross.Sub(closeFee)).InexactFloat64()

	switch rest := size.Sub(held); {
	case rest.IsNegative():
		out.Action = domain.ActionReduce
		out.Position.Size = signed(held.Sub(size), pos.Side())
	case rest.IsZero():
		out.Action = domain.ActionClose
		out.Position.Size = 0
		out.Position.UnrealizedPnL = 0
	default:
		out.Action = domain.ActionFlip
		out.Position.Size = signed(rest, side)
		out.Position.EntryPrice = price.InexactFloat64()
		out.Position.PeakPrice = price.InexactFloat64()
		out.Position.OpenedAt = at
	}
	out.Position.UpdatedAt = at
	return out
}

func signed(size decimal.Decimal, side domain.Side) float64 {
	if side == domain.SideShort {
		return size.Neg().InexactFloat64()
	}
	return size.InexactFloat64()
}

// equityOf is cash plus the unrealized PnL of every open position.
func equityOf(cash float64, positions []domain.Position) float64 {
	total := dec(cash)
	for _, p := range positions {
		if p.Open() {
			total = total.Add(dec(p.UnrealizedPnL))
		}
	}
	return total.InexactFloat64()
}
