package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"perpbot/internal/domain"
	"perpbot/internal/service/broker"
	"perpbot/internal/store"
)

// CompetitiveStartingBalance is the standardized balance every competitive
// account starts from, whatever the request asks for.
const CompetitiveStartingBalance = 10000.0

const (
	defaultSimulatedBalance = 10000.0
	defaultCadence          = time.Minute
	minCadence              = 10 * time.Second
)

var ErrInvalidLaunch = errors.New("invalid session launch")

type LaunchRequest struct {
	UserID          string          `json:"user_id"`
	StrategyID      string          `json:"strategy_id"`
	Mode            domain.Mode     `json:"mode"`
	Cadence         domain.Duration `json:"cadence"`
	StartingBalance float64         `json:"starting_balance"`
	// AccountID names the exchange account for real sessions.
	AccountID string `json:"account_id,omitempty"`
}

type Sessions struct {
	store  store.Store
	broker broker.Broker
	now    func() time.Time
}

func NewSessions(st store.Store, b broker.Broker) *Sessions {
	return &Sessions{store: st, broker: b, now: func() time.Time { return time.Now().UTC() }}
}

// Launch creates the session's account and starts the session running. The
// first tick is due immediately.
func (s *Sessions) Launch(ctx context.Context, req LaunchRequest) (domain.Session, error) {
	if !req.Mode.Valid() {
		return domain.Session{}, fmt.Errorf("%w: mode %q", ErrInvalidLaunch, req.Mode)
	}
	if _, err := s.store.GetStrategy(ctx, req.StrategyID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Session{}, domain.Failf(domain.ErrStrategyNotFound, "strategy %s", req.StrategyID)
		}
		return domain.Session{}, err
	}
	cadence := req.Cadence.Std()
	if cadence <= 0 {
		cadence = defaultCadence
	}
	if cadence < minCadence {
		return domain.Session{}, fmt.Errorf("%w: cadence %s below %s", ErrInvalidLaunch, cadence, minCadence)
	}

	now := s.now()
	acct := domain.Account{ID: uuid.NewString(), Mode: req.Mode, UpdatedAt: now}
	switch req.Mode {
	case domain.ModeCompetitive:
		acct.StartingBalance = CompetitiveStartingBalance
	case domain.ModeSimulated:
		acct.StartingBalance = req.StartingBalance
		if acct.StartingBalance <= 0 {
			acct.StartingBalance = defaultSimulatedBalance
		}
	case domain.ModeReal:
		acct.ID = strings.TrimSpace(req.AccountID)
		if acct.ID == "" {
			return domain.Session{}, fmt.Errorf("%w: real sessions need an exchange account id", ErrInvalidLaunch)
		}
		live, err := s.broker.Account(ctx, domain.Session{AccountID: acct.ID, Mode: domain.ModeReal})
		if err != nil {
			return domain.Session{}, err
		}
		acct.StartingBalance = live.Equity
		acct.Cash, acct.Equity = live.Cash, live.Equity
	}
	if req.Mode.Simulated() {
		acct.Cash, acct.Equity = acct.StartingBalance, acct.StartingBalance
	}
	if err := s.store.CreateAccount(ctx, acct); err != nil {
		return domain.Session{}, err
	}

	sess := domain.Session{
		ID:         uuid.NewString(),
		UserID:     req.UserID,
		StrategyID: req.StrategyID,
		AccountID:  acct.ID,
		Mode:       req.Mode,
		Status:     domain.SessionRunning,
		Cadence:    cadence,
		StartedAt:  now,
		CreatedAt:  now,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return domain.Session{}, err
	}
	return sess, nil
}

// Start resumes a stopped session. Stop takes effect before the next pass;
// a tick already in flight still completes.
func (s *Sessions) Start(ctx context.Context, id string) error {
	return s.store.SetSessionStatus(ctx, id, domain.SessionRunning, s.now())
}

func (s *Sessions) Stop(ctx context.Context, id string) error {
	return s.store.SetSessionStatus(ctx, id, domain.SessionStopped, s.now())
}

func (s *Sessions) List(ctx context.Context) ([]domain.Session, error) {
	return s.store.ListSessions(ctx)
}
