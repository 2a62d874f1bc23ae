package http

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpbot/internal/config"
	"perpbot/internal/domain"
	"perpbot/internal/security/secretbox"
	"perpbot/internal/service/broker"
	"perpbot/internal/service/contextbuilder"
	"perpbot/internal/service/credentials"
	"perpbot/internal/service/decision"
	"perpbot/internal/service/engine"
	"perpbot/internal/service/marketdata"
	"perpbot/internal/service/marketdata/marketdatatest"
	"perpbot/internal/store/memory"
)

type bullishProvider struct{}

func (bullishProvider) Decide(_ context.Context, secret credentials.Secret, _ decision.Request) (decision.Intent, error) {
	if secret.Value() != "sk-live" {
		return decision.Intent{}, domain.Failf(domain.ErrDecisionProviderFailed, "wrong key")
	}
	return decision.Intent{Bias: domain.BiasLong, Confidence: 0.9, Reasoning: "trend continuation"}, nil
}

func newTestAPI(t *testing.T) (*httptest.Server, *memory.Store) {
	t.Helper()
	cfg := config.Config{
		AdminUsername: "admin",
		AdminPassword: "pw",
		JWTSecret:     "jwt-secret",
		AdminTokenTTL: time.Hour,
	}
	st := memory.NewStore()
	box, err := secretbox.New(base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 32)))
	require.NoError(t, err)
	vault := credentials.NewVault(st, box)

	feed := marketdatatest.NewFeed()
	feed.SetPrice("BTC", 100)
	router := broker.NewRouter(broker.NewSimBroker(st, nil), nil)
	orch := engine.NewOrchestrator(engine.Deps{
		Store:       st,
		Context:     contextbuilder.New(marketdata.NewQuoteCache(feed, nil, 0, nil), st, nil),
		Providers:   decision.Set{OpenAI: bullishProvider{}, Anthropic: bullishProvider{}},
		Credentials: vault,
		Broker:      router,
	}, engine.Options{})

	srv := NewServer(cfg, st, engine.NewSessions(st, router), orch, vault, nil)
	api := httptest.NewServer(srv.Router())
	t.Cleanup(api.Close)
	return api, st
}

func TestE2E_CompetitiveSessionLifecycle(t *testing.T) {
	api, st := newTestAPI(t)
	client := &http.Client{Timeout: 5 * time.Second}

	status, _ := call(t, client, http.MethodGet, api.URL+"/sessions", nil, "")
	assert.Equal(t, http.StatusUnauthorized, status)

	_, login := call(t, client, http.MethodPost, api.URL+"/admin/login", map[string]string{
		"username": "admin",
		"password": "pw",
	}, "")
	token := strField(login, "token")
	require.NotEmpty(t, token)

	status, cred := call(t, client, http.MethodPost, api.URL+"/credentials", map[string]string{
		"user_id":  "u1",
		"provider": "openai",
		"api_key":  "sk-live",
	}, token)
	require.Equal(t, http.StatusCreated, status)
	credID := strField(cred, "id")
	require.NotEmpty(t, credID)
	_, leaked := cred["ciphertext"]
	assert.False(t, leaked)

	status, strat := call(t, client, http.MethodPost, api.URL+"/strategies", map[string]interface{}{
		"user_id": "u1",
		"name":    "btc trend",
		"markets": []string{"btc"},
		"provider": map[string]interface{}{
			"kind":          "openai",
			"credential_id": credID,
		},
		"entry":      map[string]interface{}{"entry_mode": "trend"},
		"confidence": map[string]interface{}{"min_confidence": 0.6},
	}, token)
	require.Equal(t, http.StatusCreated, status)
	stratID := strField(strat, "id")
	require.NotEmpty(t, stratID)

	status, got := call(t, client, http.MethodGet, api.URL+"/strategies/"+stratID, nil, token)
	require.Equal(t, http.StatusOK, status)
	entry := got["entry"].(map[string]interface{})
	assert.Equal(t, map[string]interface{}{"trend": true, "breakout": false, "mean_reversion": false}, entry["behaviors"])

	status, sess := call(t, client, http.MethodPost, api.URL+"/sessions", map[string]interface{}{
		"user_id":          "u1",
		"strategy_id":      stratID,
		"mode":             "competitive",
		"starting_balance": 500,
	}, token)
	require.Equal(t, http.StatusCreated, status)
	sessID := strField(sess, "id")
	acct, err := st.GetAccount(context.Background(), strField(sess, "account_id"))
	require.NoError(t, err)
	assert.Equal(t, engine.CompetitiveStartingBalance, acct.StartingBalance)

	status, tick := call(t, client, http.MethodPost, api.URL+"/sessions/"+sessID+"/tick", nil, token)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, tick["executed"])
	assert.Equal(t, "BTC", tick["market"])

	_, trades := call(t, client, http.MethodGet, api.URL+"/sessions/"+sessID+"/trades", nil, token)
	assert.Len(t, trades["trades"], 1)
	_, equity := call(t, client, http.MethodGet, api.URL+"/sessions/"+sessID+"/equity?since=1h", nil, token)
	assert.Len(t, equity["equity"], 1)
	_, decisions := call(t, client, http.MethodGet, api.URL+"/sessions/"+sessID+"/decisions", nil, token)
	assert.Len(t, decisions["decisions"], 1)

	status, _ = call(t, client, http.MethodDelete, api.URL+"/credentials/"+credID, nil, token)
	require.Equal(t, http.StatusOK, status)
	_, tick = call(t, client, http.MethodPost, api.URL+"/sessions/"+sessID+"/tick", nil, token)
	assert.Equal(t, string(domain.ErrReferencedCredentialDeleted), tick["error"])

	_, stopped := call(t, client, http.MethodPost, api.URL+"/sessions/"+sessID+"/stop", nil, token)
	assert.Equal(t, "stopped", strField(stopped, "status"))

	_, events := call(t, client, http.MethodGet, api.URL+"/events", nil, token)
	assert.NotEmpty(t, events["events"])
}

func TestAPIErrors(t *testing.T) {
	api, _ := newTestAPI(t)
	client := &http.Client{Timeout: 5 * time.Second}
	_, login := call(t, client, http.MethodPost, api.URL+"/admin/login", map[string]string{"username": "admin", "password": "pw"}, "")
	token := strField(login, "token")

	status, _ := call(t, client, http.MethodPost, api.URL+"/admin/login", map[string]string{"username": "admin", "password": "nope"}, "")
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = call(t, client, http.MethodGet, api.URL+"/sessions", nil, "not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = call(t, client, http.MethodGet, api.URL+"/strategies/missing", nil, token)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = call(t, client, http.MethodPost, api.URL+"/strategies", map[string]interface{}{"name": "no markets"}, token)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = call(t, client, http.MethodPost, api.URL+"/sessions", map[string]interface{}{"strategy_id": "missing", "mode": "simulated"}, token)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = call(t, client, http.MethodPost, api.URL+"/sessions/missing/tick", nil, token)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = call(t, client, http.MethodGet, api.URL+"/sessions/missing/trades", nil, token)
	assert.Equal(t, http.StatusNotFound, status)
}

func call(t *testing.T, client *http.Client, method, url string, body interface{}, bearerToken string) (int, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+bearerToken)
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func strField(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}
