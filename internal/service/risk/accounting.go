package risk

import (
	"time"

	"perpbot/internal/domain"
)

type ExitMark struct {
	Side domain.Side
	At   time.Time
}

// Activity summarizes a session's recent trades for the frequency, cooldown
// and re-entry guardrails.
type Activity struct {
	TradesLastHour int
	TradesLastDay  int
	LastTradeAt    time.Time
	LastExit       map[string]ExitMark
}

// DeriveActivity folds trades from the last 24h. Every fill counts toward the
// frequency windows; closes, reduces and flips record the side that was exited.
func DeriveActivity(trades []domain.Trade, now time.Time) Activity {
	a := Activity{LastExit: map[string]ExitMark{}}
	hourAgo := now.Add(-time.Hour)
	dayAgo := now.Add(-24 * time.Hour)
	for _, t := range trades {
		if t.CreatedAt.After(a.LastTradeAt) {
			a.LastTradeAt = t.CreatedAt
		}
		if t.CreatedAt.After(dayAgo) {
			a.TradesLastDay++
		}
		if t.CreatedAt.After(hourAgo) {
			a.TradesLastHour++
		}
		if t.Action == domain.ActionOpen {
			continue
		}
		// Trade side is the order side, so the exited position is the opposite.
		exited := t.Side.Opposite()
		if prev, ok := a.LastExit[t.Market]; !ok || t.CreatedAt.After(prev.At) {
			a.LastExit[t.Market] = ExitMark{Side: exited, At: t.CreatedAt}
		}
	}
	return a
}

// DayStart is midnight UTC of t's day.
func DayStart(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DayStartEquity picks the first snapshot of the UTC day, falling back to the
// account's starting balance for a session with no snapshot yet today.
func DayStartEquity(first *domain.EquitySnapshot, startingBalance float64) float64 {
	if first != nil && first.Equity > 0 {
		return first.Equity
	}
	return startingBalance
}

// DrawdownPct is the loss from dayStart to equity in percent; gains are 0.
func DrawdownPct(dayStart, equity float64) float64 {
	if dayStart <= 0 || equity >= dayStart {
		return 0
	}
	return (dayStart - equity) / dayStart * 100
}
