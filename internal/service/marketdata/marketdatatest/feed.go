// Package marketdatatest provides an in-memory market data feed for tests.
package marketdatatest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"perpbot/internal/domain"
)

// Feed serves prices set by the test. Candles default to a flat series at
// the current mid when none were set.
type Feed struct {
	mu          sync.Mutex
	prices      map[string]float64
	candles     map[string][]domain.Candle
	spread      float64
	failures    map[string]error
	QuoteCalls  int
	CandleCalls int
}

func NewFeed() *Feed {
	return &Feed{
		prices:   map[string]float64{},
		candles:  map[string][]domain.Candle{},
		failures: map[string]error{},
	}
}

func (f *Feed) SetPrice(market string, mid float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[market] = mid
}

// SetSpread sets the absolute bid/ask spread around every mid.
func (f *Feed) SetSpread(spread float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spread = spread
}

func (f *Feed) SetCandles(market string, c []domain.Candle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candles[market] = c
}

// Fail makes every call for market return err until cleared with nil.
func (f *Feed) Fail(market string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, market)
		return
	}
	f.failures[market] = err
}

func (f *Feed) Quote(_ context.Context, market string) (domain.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.QuoteCalls++
	if err := f.failures[market]; err != nil {
		return domain.Quote{}, err
	}
	mid, ok := f.prices[market]
	if !ok {
		return domain.Quote{}, fmt.Errorf("unknown market %s", market)
	}
	return domain.Quote{Market: market, Bid: mid - f.spread/2, Ask: mid + f.spread/2, Mid: mid, Time: time.Now().UTC()}, nil
}

func (f *Feed) Candles(_ context.Context, market, _ string, count int) ([]domain.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CandleCalls++
	if err := f.failures[market]; err != nil {
		return nil, err
	}
	if c, ok := f.candles[market]; ok {
		if count > 0 && len(c) > count {
			return c[len(c)-count:], nil
		}
		return c, nil
	}
	mid := f.prices[market]
	out := make([]domain.Candle, count)
	start := time.Now().UTC().Add(-time.Duration(count) * time.Minute)
	for i := range out {
		out[i] = domain.Candle{Time: start.Add(time.Duration(i) * time.Minute), Open: mid, High: mid, Low: mid, Close: mid}
	}
	return out, nil
}

func (f *Feed) OrderBook(_ context.Context, market string, depth int) (domain.OrderBook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures[market]; err != nil {
		return domain.OrderBook{}, err
	}
	mid := f.prices[market]
	book := domain.OrderBook{Market: market, Time: time.Now().UTC()}
	for i := 1; i <= depth; i++ {
		step := float64(i) * 0.01 * mid / 100
		book.Bids = append(book.Bids, domain.BookLevel{Price: mid - step, Size: 1})
		book.Asks = append(book.Asks, domain.BookLevel{Price: mid + step, Size: 1})
	}
	return book, nil
}

// Trend builds n candles closing from start in equal steps.
func Trend(start, step float64, n int) []domain.Candle {
	out := make([]domain.Candle, n)
	t0 := time.Now().UTC().Add(-time.Duration(n) * time.Hour)
	for i := range out {
		c := start + step*float64(i)
		out[i] = domain.Candle{Time: t0.Add(time.Duration(i) * time.Hour), Open: c - step, High: c + 0.5, Low: c - 0.5, Close: c}
	}
	return out
}
