package hyperliquid

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, failFirst int32) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n <= failFirst {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		assert.Equal(t, "/info", r.URL.Path)
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		switch body["type"] {
		case "l2Book":
			_, _ = w.Write([]byte(`{"coin":"BTC","time":1772452800000,"levels":[
				[{"px":"99.5","sz":"2","n":1},{"px":"99.0","sz":"5","n":2}],
				[{"px":"100.5","sz":"1","n":1},{"px":"101.0","sz":"3","n":1}]]}`))
		case "allMids":
			_, _ = w.Write([]byte(`{"BTC":"100.0","ETH":"2500.5","BAD":"x"}`))
		case "candleSnapshot":
			req, _ := body["req"].(map[string]interface{})
			if req["interval"] != "15m" {
				w.WriteHeader(http.StatusUnprocessableEntity)
				return
			}
			_, _ = w.Write([]byte(`[
				{"t":1772451000000,"o":"98","h":"100","l":"97","c":"99","v":"10"},
				{"t":1772451900000,"o":"99","h":"101","l":"98","c":"100","v":"12"},
				{"t":1772452800000,"o":"100","h":"102","l":"99","c":"101","v":"8"}]`))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestQuoteFromTopOfBook(t *testing.T) {
	srv, _ := newTestServer(t, 0)
	c := NewClient(srv.URL, time.Second, 100, nil)

	q, err := c.Quote(context.Background(), "BTC")
	require.NoError(t, err)
	assert.Equal(t, 99.5, q.Bid)
	assert.Equal(t, 100.5, q.Ask)
	assert.Equal(t, 100.0, q.Mid)

	book, err := c.OrderBook(context.Background(), "BTC", 1)
	require.NoError(t, err)
	assert.Len(t, book.Bids, 1)
	assert.Len(t, book.Asks, 1)
}

func TestCandlesKeepsMostRecent(t *testing.T) {
	srv, _ := newTestServer(t, 0)
	c := NewClient(srv.URL, time.Second, 100, nil)

	candles, err := c.Candles(context.Background(), "BTC", "15m", 2)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Equal(t, 100.0, candles[0].Close)
	assert.Equal(t, 101.0, candles[1].Close)

	_, err = c.Candles(context.Background(), "BTC", "bogus", 2)
	assert.Error(t, err)
}

func TestMidsSkipsUnparseable(t *testing.T) {
	srv, _ := newTestServer(t, 0)
	mids, err := NewClient(srv.URL, time.Second, 100, nil).Mids(context.Background())
	require.NoError(t, err)
	assert.Len(t, mids, 2)
	assert.Equal(t, 2500.5, mids["ETH"])
}

func TestRetriesServerErrors(t *testing.T) {
	srv, calls := newTestServer(t, 2)
	q, err := NewClient(srv.URL, time.Second, 100, nil).Quote(context.Background(), "BTC")
	require.NoError(t, err)
	assert.Equal(t, 100.0, q.Mid)
	assert.Equal(t, int32(3), atomic.LoadInt32(calls))
}

func TestInterval(t *testing.T) {
	d, err := Interval("4h")
	require.NoError(t, err)
	assert.Equal(t, 4*time.Hour, d)
	d, err = Interval("1d")
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, d)
	_, err = Interval("0m")
	assert.Error(t, err)
}
