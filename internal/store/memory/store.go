package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"perpbot/internal/domain"
	"perpbot/internal/store"
)

type Store struct {
	mu sync.RWMutex

	strategies  map[string]domain.Strategy
	credentials map[string]domain.Credential
	sessions    map[string]domain.Session
	accounts    map[string]domain.Account
	positions   map[string]map[string]domain.Position

	trades    []domain.Trade
	decisions []domain.Decision
	equity    []domain.EquitySnapshot
	events    []domain.Event
}

func NewStore() *Store {
	return &Store{
		strategies:  make(map[string]domain.Strategy),
		credentials: make(map[string]domain.Credential),
		sessions:    make(map[string]domain.Session),
		accounts:    make(map[string]domain.Account),
		positions:   make(map[string]map[string]domain.Position),
		trades:      make([]domain.Trade, 0, 256),
		decisions:   make([]domain.Decision, 0, 256),
		equity:      make([]domain.EquitySnapshot, 0, 256),
		events:      make([]domain.Event, 0, 256),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) SaveStrategy(_ context.Context, st domain.Strategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.Markets = slices.Clone(st.Markets)
	s.strategies[st.ID] = st
	return nil
}

func (s *Store) GetStrategy(_ context.Context, id string) (domain.Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.strategies[id]
	if !ok {
		return domain.Strategy{}, store.ErrNotFound
	}
	st.Markets = slices.Clone(st.Markets)
	return st, nil
}

func (s *Store) ListStrategies(_ context.Context, userID string) ([]domain.Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Strategy, 0, len(s.strategies))
	for _, st := range s.strategies {
		if userID != "" && st.UserID != userID {
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SaveCredential(_ context.Context, c domain.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[c.ID] = c
	return nil
}

func (s *Store) GetCredential(_ context.Context, id string) (domain.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.credentials[id]
	if !ok {
		return domain.Credential{}, store.ErrNotFound
	}
	return c, nil
}

func (s *Store) DeleteCredential(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[id]
	if !ok {
		return store.ErrNotFound
	}
	c.DeletedAt = &at
	c.Ciphertext = ""
	s.credentials[id] = c
	return nil
}

func (s *Store) CreateSession(_ context.Context, sess domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

func (s *Store) GetSession(_ context.Context, id string) (domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return domain.Session{}, store.ErrNotFound
	}
	return sess, nil
}

func (s *Store) ListSessions(_ context.Context) ([]domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListDueSessions(ctx context.Context, now time.Time) ([]domain.Session, error) {
	all, _ := s.ListSessions(ctx)
	out := all[:0]
	for _, sess := range all {
		if sess.Due(now) && !sess.TickLeaseTill.After(now) {
			out = append(out, sess)
		}
	}
	return out, nil
}

func (s *Store) SetSessionStatus(_ context.Context, id string, status domain.SessionStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	if status == domain.SessionRunning && sess.Status != domain.SessionRunning {
		sess.StartedAt = at
	}
	sess.Status = status
	s.sessions[id] = sess
	return nil
}

func (s *Store) ClaimTick(_ context.Context, req store.ClaimRequest) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[req.SessionID]
	if !ok {
		return domain.Session{}, store.ErrNotFound
	}
	if err := store.Claimable(sess, req); err != nil {
		return sess, err
	}
	sess.TickLeaseTill = req.Now.Add(req.Lease)
	s.sessions[sess.ID] = sess
	return sess, nil
}

func (s *Store) CompleteTick(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	sess.LastTickAt = at
	sess.MarketCursor++
	sess.TickLeaseTill = time.Time{}
	s.sessions[id] = sess
	return nil
}

func (s *Store) ReleaseTick(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	sess.TickLeaseTill = time.Time{}
	s.sessions[id] = sess
	return nil
}

func (s *Store) CreateAccount(_ context.Context, a domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.ID] = a
	return nil
}

func (s *Store) GetAccount(_ context.Context, id string) (domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return domain.Account{}, store.ErrNotFound
	}
	return a, nil
}

func (s *Store) UpdateAccount(_ context.Context, a domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[a.ID]; !ok {
		return store.ErrNotFound
	}
	s.accounts[a.ID] = a
	return nil
}

func (s *Store) ListPositions(_ context.Context, accountID string) ([]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Position, 0, len(s.positions[accountID]))
	for _, p := range s.positions[accountID] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Market < out[j].Market })
	return out, nil
}

func (s *Store) GetPosition(_ context.Context, accountID, market string) (domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[accountID][market]
	if !ok {
		return domain.Position{}, store.ErrNotFound
	}
	return p, nil
}

func (s *Store) SavePosition(_ context.Context, p domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putPosition(p)
	return nil
}

func (s *Store) putPosition(p domain.Position) {
	if !p.Open() {
		delete(s.positions[p.AccountID], p.Market)
		return
	}
	if s.positions[p.AccountID] == nil {
		s.positions[p.AccountID] = make(map[string]domain.Position)
	}
	s.positions[p.AccountID][p.Market] = p
}

func (s *Store) ApplyFill(_ context.Context, f store.Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[f.Account.ID]; !ok {
		return store.ErrNotFound
	}
	s.accounts[f.Account.ID] = f.Account
	s.putPosition(f.Position)
	s.trades = append(s.trades, f.Trade)
	return nil
}

func (s *Store) AppendTrade(_ context.Context, t domain.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, t)
	return nil
}

func (s *Store) ListTrades(_ context.Context, sessionID string, since time.Time) ([]domain.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Trade, 0)
	for _, t := range s.trades {
		if t.SessionID == sessionID && !t.CreatedAt.Before(since) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Store) AppendDecision(_ context.Context, d domain.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, d)
	return nil
}

// ListDecisions returns the newest decisions first.
func (s *Store) ListDecisions(_ context.Context, sessionID string, limit int) ([]domain.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Decision, 0)
	for i := len(s.decisions) - 1; i >= 0; i-- {
		if s.decisions[i].SessionID != sessionID {
			continue
		}
		out = append(out, s.decisions[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) AppendEquity(_ context.Context, e domain.EquitySnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.equity = append(s.equity, e)
	return nil
}

func (s *Store) ListEquity(_ context.Context, sessionID string, since time.Time) ([]domain.EquitySnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.EquitySnapshot, 0)
	for _, e := range s.equity {
		if e.SessionID == sessionID && !e.CreatedAt.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) FirstEquitySince(_ context.Context, sessionID string, since time.Time) (*domain.EquitySnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var first *domain.EquitySnapshot
	for i := range s.equity {
		e := s.equity[i]
		if e.SessionID != sessionID || e.CreatedAt.Before(since) {
			continue
		}
		if first == nil || e.CreatedAt.Before(first.CreatedAt) {
			first = &e
		}
	}
	return first, nil
}

func (s *Store) AppendEvent(_ context.Context, e domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *Store) ListEvents(_ context.Context, limit int) ([]domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.events) {
		limit = len(s.events)
	}
	out := make([]domain.Event, 0, limit)
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.events[i])
	}
	return out, nil
}
