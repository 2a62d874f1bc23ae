package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"perpbot/internal/config"
	"perpbot/internal/domain"
	"perpbot/internal/service/credentials"
	"perpbot/internal/service/engine"
	storepkg "perpbot/internal/store"
)

type contextKey string

const contextKeyAdminSubject contextKey = "admin_subject"

// Ticker runs an operator-triggered tick.
type Ticker interface {
	ForceTick(ctx context.Context, sessionID string) engine.TickResult
}

type Server struct {
	cfg      config.Config
	store    storepkg.Store
	sessions *engine.Sessions
	ticker   Ticker
	vault    *credentials.Vault
	logger   *zap.Logger
	now      func() time.Time
}

func NewServer(
	cfg config.Config,
	store storepkg.Store,
	sessions *engine.Sessions,
	ticker Ticker,
	vault *credentials.Vault,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		store:    store,
		sessions: sessions,
		ticker:   ticker,
		vault:    vault,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, s.requestLog, middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Post("/admin/login", s.handleAdminLogin)

	r.Group(func(protected chi.Router) {
		protected.Use(s.requireAdmin)

		protected.Get("/strategies", s.handleListStrategies)
		protected.Post("/strategies", s.handleCreateStrategy)
		protected.Get("/strategies/{id}", s.handleGetStrategy)
		protected.Put("/strategies/{id}", s.handleUpdateStrategy)

		protected.Post("/credentials", s.handleCreateCredential)
		protected.Delete("/credentials/{id}", s.handleDeleteCredential)

		protected.Post("/sessions", s.handleLaunchSession)
		protected.Get("/sessions", s.handleListSessions)
		protected.Route("/sessions/{id}", func(sr chi.Router) {
			sr.Post("/start", s.handleStartSession)
			sr.Post("/stop", s.handleStopSession)
			sr.Post("/tick", s.handleTick)
			sr.Get("/decisions", s.handleListDecisions)
			sr.Get("/equity", s.handleListEquity)
			sr.Get("/trades", s.handleListTrades)
		})

		protected.Get("/events", s.handleListEvents)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   s.now().Format(time.RFC3339),
	})
}

func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Username != s.cfg.AdminUsername || req.Password != s.cfg.AdminPassword {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := s.signAdminToken(req.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create admin token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":      token,
		"expires_at": expiresAt.Format(time.RFC3339),
		"type":       "Bearer",
	})
}

func (s *Server) handleListStrategies(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListStrategies(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"strategies": list})
}

func (s *Server) handleCreateStrategy(w http.ResponseWriter, r *http.Request) {
	var st domain.Strategy
	if err := decodeJSON(r, &st); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	if _, err := s.store.GetStrategy(r.Context(), st.ID); err == nil {
		writeError(w, http.StatusConflict, "strategy already exists")
		return
	}
	s.saveStrategy(w, r, st, http.StatusCreated)
}

func (s *Server) handleGetStrategy(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.GetStrategy(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleUpdateStrategy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetStrategy(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	var st domain.Strategy
	if err := decodeJSON(r, &st); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	st.ID = id
	s.saveStrategy(w, r, st, http.StatusOK)
}

// saveStrategy normalizes before writing so running sessions only ever read
// migrated, defaulted strategies. Edits apply from the next tick.
func (s *Server) saveStrategy(w http.ResponseWriter, r *http.Request, st domain.Strategy, status int) {
	if err := st.Normalize(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	st.UpdatedAt = s.now()
	if err := s.store.SaveStrategy(r.Context(), st); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, status, st)
}

func (s *Server) handleCreateCredential(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID   string `json:"user_id"`
		Provider string `json:"provider"`
		APIKey   string `json:"api_key"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	kind := domain.ProviderKind(strings.ToLower(strings.TrimSpace(req.Provider)))
	if kind != domain.ProviderOpenAI && kind != domain.ProviderAnthropic {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown provider %q", req.Provider))
		return
	}
	if strings.TrimSpace(req.APIKey) == "" {
		writeError(w, http.StatusBadRequest, "api_key is required")
		return
	}
	c, err := s.vault.Put(r.Context(), req.UserID, string(kind), req.APIKey)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	if err := s.vault.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleLaunchSession(w http.ResponseWriter, r *http.Request) {
	var req engine.LaunchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sess, err := s.sessions.Launch(r.Context(), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.logger.Info("session launched",
		zap.String("session_id", sess.ID),
		zap.String("strategy_id", sess.StrategyID),
		zap.String("mode", string(sess.Mode)))
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list, err := s.sessions.List(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": list})
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	s.setStatus(w, r, s.sessions.Start)
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	s.setStatus(w, r, s.sessions.Stop)
}

func (s *Server) setStatus(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) error) {
	id := chi.URLParam(r, "id")
	if err := fn(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleTick always answers 200 with the tick result; a failed tick is a
// normal, recorded outcome.
func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	res := s.ticker.ForceTick(r.Context(), chi.URLParam(r, "id"))
	if res.Error == domain.ErrSessionNotFound {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListDecisions(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionParam(w, r)
	if !ok {
		return
	}
	list, err := s.store.ListDecisions(r.Context(), id, parseInt(r.URL.Query().Get("limit"), 50))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"decisions": list})
}

func (s *Server) handleListEquity(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionParam(w, r)
	if !ok {
		return
	}
	since, err := parseSince(r.URL.Query().Get("since"), s.now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	list, err := s.store.ListEquity(r.Context(), id, since)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"equity": list})
}

func (s *Server) handleListTrades(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionParam(w, r)
	if !ok {
		return
	}
	since, err := parseSince(r.URL.Query().Get("since"), s.now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	list, err := s.store.ListTrades(r.Context(), id, since)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"trades": list})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.ListEvents(r.Context(), parseInt(r.URL.Query().Get("limit"), 100))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (s *Server) sessionParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetSession(r.Context(), id); err != nil {
		s.fail(w, err)
		return "", false
	}
	return id, true
}

// fail maps service errors onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storepkg.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidLaunch):
		status = http.StatusBadRequest
	default:
		switch domain.KindOf(err) {
		case domain.ErrStrategyNotFound, domain.ErrSessionNotFound:
			status = http.StatusNotFound
		case domain.ErrAccountNotFound, domain.ErrBrokerExecutionFailed:
			status = http.StatusBadGateway
		}
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func (s *Server) signAdminToken(subject string) (string, time.Time, error) {
	ttl := s.cfg.AdminTokenTTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	now := s.now()
	expiresAt := now.Add(ttl)
	claims := jwt.MapClaims{
		"sub": subject,
		"exp": expiresAt.Unix(),
		"iat": now.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		parsed, err := jwt.Parse(token, func(token *jwt.Token) (interface{}, error) {
			return []byte(s.cfg.JWTSecret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !parsed.Valid {
			writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}
		claims, ok := parsed.Claims.(jwt.MapClaims)
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid admin claims")
			return
		}
		sub, _ := claims["sub"].(string)
		ctx := context.WithValue(r.Context(), contextKeyAdminSubject, sub)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func parseInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

// parseSince accepts an RFC3339 time or a lookback duration such as "24h".
// Empty means everything.
func parseSince(raw string, now time.Time) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return time.Time{}, fmt.Errorf("invalid since %q", raw)
	}
	return now.Add(-d), nil
}

func decodeJSON(r *http.Request, target interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
