package store

import (
	"context"
	"errors"
	"time"

	"perpbot/internal/domain"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrNotRunning   = errors.New("session not running")
	ErrNotDue       = errors.New("session not due")
	ErrTickInFlight = errors.New("tick already in flight")
)

// ClaimRequest asks for the exclusive right to tick a session.
type ClaimRequest struct {
	SessionID string
	Now       time.Time
	Lease     time.Duration
	// IgnoreCadence claims a running session even if its cadence has not
	// elapsed. Used by operator-triggered ticks.
	IgnoreCadence bool
}

// Fill is the atomic result of one execution against the local ledger. A
// position with zero size is deleted.
type Fill struct {
	Account  domain.Account
	Position domain.Position
	Trade    domain.Trade
}

// Store defines the persistence contract for the trading engine.
type Store interface {
	SaveStrategy(ctx context.Context, s domain.Strategy) error
	GetStrategy(ctx context.Context, id string) (domain.Strategy, error)
	ListStrategies(ctx context.Context, userID string) ([]domain.Strategy, error)

	SaveCredential(ctx context.Context, c domain.Credential) error
	GetCredential(ctx context.Context, id string) (domain.Credential, error)
	DeleteCredential(ctx context.Context, id string, at time.Time) error

	CreateSession(ctx context.Context, s domain.Session) error
	GetSession(ctx context.Context, id string) (domain.Session, error)
	ListSessions(ctx context.Context) ([]domain.Session, error)
	ListDueSessions(ctx context.Context, now time.Time) ([]domain.Session, error)
	SetSessionStatus(ctx context.Context, id string, status domain.SessionStatus, at time.Time) error
	ClaimTick(ctx context.Context, req ClaimRequest) (domain.Session, error)
	CompleteTick(ctx context.Context, id string, at time.Time) error
	ReleaseTick(ctx context.Context, id string) error

	CreateAccount(ctx context.Context, a domain.Account) error
	GetAccount(ctx context.Context, id string) (domain.Account, error)
	UpdateAccount(ctx context.Context, a domain.Account) error

	ListPositions(ctx context.Context, accountID string) ([]domain.Position, error)
	GetPosition(ctx context.Context, accountID, market string) (domain.Position, error)
	SavePosition(ctx context.Context, p domain.Position) error
	ApplyFill(ctx context.Context, f Fill) error

	AppendTrade(ctx context.Context, t domain.Trade) error
	ListTrades(ctx context.Context, sessionID string, since time.Time) ([]domain.Trade, error)

	AppendDecision(ctx context.Context, d domain.Decision) error
	ListDecisions(ctx context.Context, sessionID string, limit int) ([]domain.Decision, error)

	AppendEquity(ctx context.Context, e domain.EquitySnapshot) error
	ListEquity(ctx context.Context, sessionID string, since time.Time) ([]domain.EquitySnapshot, error)
	FirstEquitySince(ctx context.Context, sessionID string, since time.Time) (*domain.EquitySnapshot, error)

	AppendEvent(ctx context.Context, e domain.Event) error
	ListEvents(ctx context.Context, limit int) ([]domain.Event, error)

	Close() error
}

// Claimable applies the tick-claim rules shared by every implementation.
func Claimable(s domain.Session, req ClaimRequest) error {
	if s.Status != domain.SessionRunning {
		return ErrNotRunning
	}
	if s.TickLeaseTill.After(req.Now) {
		return ErrTickInFlight
	}
	if !req.IgnoreCadence && !s.Due(req.Now) {
		return ErrNotDue
	}
	return nil
}
