// Package sqlstore implements store.Store over database/sql. The postgres and
// sqlite packages open the connection and pick the dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"perpbot/internal/domain"
	"perpbot/internal/store"
)

type Dialect int

const (
	// SQLite uses ? placeholders and REAL columns.
	SQLite Dialect = iota
	// Postgres uses $n placeholders and DOUBLE PRECISION columns.
	Postgres
)

type Store struct {
	db      *sql.DB
	dialect Dialect
}

// New applies the schema and wraps db.
func New(ctx context.Context, db *sql.DB, dialect Dialect) (*Store, error) {
	s := &Store{db: db, dialect: dialect}
	realType := "REAL"
	if dialect == Postgres {
		realType = "DOUBLE PRECISION"
	}
	schema := strings.ReplaceAll(schemaTemplate, "{{REAL}}", realType)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return s, nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// q rewrites ? placeholders for the dialect.
func (s *Store) q(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func (s *Store) SaveStrategy(ctx context.Context, st domain.Strategy) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode strategy: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.q(
		`INSERT INTO strategies(id, user_id, name, config, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE
		 SET user_id = excluded.user_id,
		     name = excluded.name,
		     config = excluded.config,
		     updated_at = excluded.updated_at`),
		st.ID, st.UserID, st.Name, string(raw), nanos(st.UpdatedAt),
	)
	return err
}

func decodeStrategy(raw string) (domain.Strategy, error) {
	var st domain.Strategy
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return domain.Strategy{}, fmt.Errorf("decode strategy: %w", err)
	}
	if err := st.Normalize(); err != nil {
		return domain.Strategy{}, err
	}
	return st, nil
}

func (s *Store) GetStrategy(ctx context.Context, id string) (domain.Strategy, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT config FROM strategies WHERE id = ?`), id).Scan(&raw)
	if err != nil {
		return domain.Strategy{}, notFound(err)
	}
	return decodeStrategy(raw)
}

func (s *Store) ListStrategies(ctx context.Context, userID string) ([]domain.Strategy, error) {
	query, args := `SELECT config FROM strategies ORDER BY id`, []interface{}{}
	if userID != "" {
		query, args = `SELECT config FROM strategies WHERE user_id = ? ORDER BY id`, []interface{}{userID}
	}
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]domain.Strategy, 0)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		st, err := decodeStrategy(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) SaveCredential(ctx context.Context, c domain.Credential) error {
	var deleted int64
	if c.DeletedAt != nil {
		deleted = nanos(*c.DeletedAt)
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO credentials(id, user_id, provider, ciphertext, created_at, deleted_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE
		 SET ciphertext = excluded.ciphertext,
		     deleted_at = excluded.deleted_at`),
		c.ID, c.UserID, c.Provider, c.Ciphertext, nanos(c.CreatedAt), deleted,
	)
	return err
}

func (s *Store) GetCredential(ctx context.Context, id string) (domain.Credential, error) {
	var c domain.Credential
	var created, deleted int64
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT id, user_id, provider, ciphertext, created_at, deleted_at FROM credentials WHERE id = ?`), id,
	).Scan(&c.ID, &c.UserID, &c.Provider, &c.Ciphertext, &created, &deleted)
	if err != nil {
		return domain.Credential{}, notFound(err)
	}
	c.CreatedAt = fromNanos(created)
	if deleted != 0 {
		at := fromNanos(deleted)
		c.DeletedAt = &at
	}
	return c, nil
}

func (s *Store) DeleteCredential(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE credentials SET ciphertext = '', deleted_at = ? WHERE id = ?`), nanos(at), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

const sessionColumns = `id, user_id, strategy_id, account_id, mode, status, cadence_ns,
	market_cursor, last_tick_at, tick_lease_till, started_at, created_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row scanner) (domain.Session, error) {
	var sess domain.Session
	var mode, status string
	var cadence, lastTick, lease, started, created int64
	err := row.Scan(&sess.ID, &sess.UserID, &sess.StrategyID, &sess.AccountID, &mode, &status,
		&cadence, &sess.MarketCursor, &lastTick, &lease, &started, &created)
	if err != nil {
		return domain.Session{}, err
	}
	sess.Mode = domain.Mode(mode)
	sess.Status = domain.SessionStatus(status)
	sess.Cadence = time.Duration(cadence)
	sess.LastTickAt = fromNanos(lastTick)
	sess.TickLeaseTill = fromNanos(lease)
	sess.StartedAt = fromNanos(started)
	sess.CreatedAt = fromNanos(created)
	return sess, nil
}

func (s *Store) CreateSession(ctx context.Context, sess domain.Session) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO sessions(`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		sess.ID, sess.UserID, sess.StrategyID, sess.AccountID, string(sess.Mode), string(sess.Status),
		int64(sess.Cadence), sess.MarketCursor, nanos(sess.LastTickAt), nanos(sess.TickLeaseTill),
		nanos(sess.StartedAt), nanos(sess.CreatedAt),
	)
	return err
}

func (s *Store) GetSession(ctx context.Context, id string) (domain.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx, s.q(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`), id))
	if err != nil {
		return domain.Session{}, notFound(err)
	}
	return sess, nil
}

func (s *Store) listSessions(ctx context.Context, where string, args ...interface{}) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+sessionColumns+` FROM sessions `+where+` ORDER BY created_at, id`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]domain.Session, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Store) ListSessions(ctx context.Context) ([]domain.Session, error) {
	return s.listSessions(ctx, "")
}

func (s *Store) ListDueSessions(ctx context.Context, now time.Time) ([]domain.Session, error) {
	n := nanos(now)
	return s.listSessions(ctx,
		`WHERE status = ? AND last_tick_at + cadence_ns <= ? AND tick_lease_till <= ?`,
		string(domain.SessionRunning), n, n)
}

func (s *Store) SetSessionStatus(ctx context.Context, id string, status domain.SessionStatus, at time.Time) error {
	var res sql.Result
	var err error
	if status == domain.SessionRunning {
		res, err = s.db.ExecContext(ctx, s.q(
			`UPDATE sessions
			 SET started_at = CASE WHEN status <> 'running' THEN ? ELSE started_at END,
			     status = 'running'
			 WHERE id = ?`),
			nanos(at), id)
	} else {
		res, err = s.db.ExecContext(ctx, s.q(`UPDATE sessions SET status = ? WHERE id = ?`), string(status), id)
	}
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ClaimTick sets the lease with one conditional update so two schedulers can
// never both win the same session.
func (s *Store) ClaimTick(ctx context.Context, req store.ClaimRequest) (domain.Session, error) {
	now := nanos(req.Now)
	ignore := 0
	if req.IgnoreCadence {
		ignore = 1
	}
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE sessions SET tick_lease_till = ?
		 WHERE id = ? AND status = ? AND tick_lease_till <= ?
		   AND (? = 1 OR last_tick_at + cadence_ns <= ?)`),
		nanos(req.Now.Add(req.Lease)), req.SessionID, string(domain.SessionRunning), now, ignore, now)
	if err != nil {
		return domain.Session{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Session{}, err
	}
	sess, err := s.GetSession(ctx, req.SessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if n == 0 {
		if cerr := store.Claimable(sess, req); cerr != nil {
			return sess, cerr
		}
		return sess, store.ErrTickInFlight
	}
	return sess, nil
}

func (s *Store) CompleteTick(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE sessions SET last_tick_at = ?, market_cursor = market_cursor + 1, tick_lease_till = 0 WHERE id = ?`),
		nanos(at), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) ReleaseTick(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE sessions SET tick_lease_till = 0 WHERE id = ?`), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) CreateAccount(ctx context.Context, a domain.Account) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO accounts(id, mode, starting_balance, cash, equity, updated_at) VALUES (?, ?, ?, ?, ?, ?)`),
		a.ID, string(a.Mode), a.StartingBalance, a.Cash, a.Equity, nanos(a.UpdatedAt))
	return err
}

func (s *Store) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	var a domain.Account
	var mode string
	var updated int64
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT id, mode, starting_balance, cash, equity, updated_at FROM accounts WHERE id = ?`), id,
	).Scan(&a.ID, &mode, &a.StartingBalance, &a.Cash, &a.Equity, &updated)
	if err != nil {
		return domain.Account{}, notFound(err)
	}
	a.Mode = domain.Mode(mode)
	a.UpdatedAt = fromNanos(updated)
	return a, nil
}

func (s *Store) UpdateAccount(ctx context.Context, a domain.Account) error {
	return s.updateAccount(ctx, s.db, a)
}

func (s *Store) updateAccount(ctx context.Context, ex execer, a domain.Account) error {
	res, err := ex.ExecContext(ctx, s.q(
		`UPDATE accounts SET cash = ?, equity = ?, updated_at = ? WHERE id = ?`),
		a.Cash, a.Equity, nanos(a.UpdatedAt), a.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

const positionColumns = `account_id, market, size, entry_price, realized_pnl, unrealized_pnl,
	mark_price, peak_price, opened_at, updated_at`

func scanPosition(row scanner) (domain.Position, error) {
	var p domain.Position
	var opened, updated int64
	err := row.Scan(&p.AccountID, &p.Market, &p.Size, &p.EntryPrice, &p.RealizedPnL, &p.UnrealizedPnL,
		&p.MarkPrice, &p.PeakPrice, &opened, &updated)
	if err != nil {
		return domain.Position{}, err
	}
	p.OpenedAt = fromNanos(opened)
	p.UpdatedAt = fromNanos(updated)
	return p, nil
}

func (s *Store) ListPositions(ctx context.Context, accountID string) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT `+positionColumns+` FROM positions WHERE account_id = ? ORDER BY market`), accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]domain.Position, 0)
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) GetPosition(ctx context.Context, accountID, market string) (domain.Position, error) {
	p, err := scanPosition(s.db.QueryRowContext(ctx, s.q(
		`SELECT `+positionColumns+` FROM positions WHERE account_id = ? AND market = ?`), accountID, market))
	if err != nil {
		return domain.Position{}, notFound(err)
	}
	return p, nil
}

func (s *Store) SavePosition(ctx context.Context, p domain.Position) error {
	return s.putPosition(ctx, s.db, p)
}

func (s *Store) putPosition(ctx context.Context, ex execer, p domain.Position) error {
	if !p.Open() {
		_, err := ex.ExecContext(ctx, s.q(`DELETE FROM positions WHERE account_id = ? AND market = ?`), p.AccountID, p.Market)
		return err
	}
	_, err := ex.ExecContext(ctx, s.q(
		`INSERT INTO positions(`+positionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (account_id, market) DO UPDATE
		 SET size = excluded.size,
		     entry_price = excluded.entry_price,
		     realized_pnl = excluded.realized_pnl,
		     unrealized_pnl = excluded.unrealized_pnl,
		     mark_price = excluded.mark_price,
		     peak_price = excluded.peak_price,
		     opened_at = excluded.opened_at,
		     updated_at = excluded.updated_at`),
		p.AccountID, p.Market, p.Size, p.EntryPrice, p.RealizedPnL, p.UnrealizedPnL,
		p.MarkPrice, p.PeakPrice, nanos(p.OpenedAt), nanos(p.UpdatedAt))
	return err
}

// ApplyFill writes the account, position and trade in one transaction.
func (s *Store) ApplyFill(ctx context.Context, f store.Fill) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.updateAccount(ctx, tx, f.Account); err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	if err := s.putPosition(ctx, tx, f.Position); err != nil {
		return fmt.Errorf("save position: %w", err)
	}
	if err := s.insertTrade(ctx, tx, f.Trade); err != nil {
		return fmt.Errorf("append trade: %w", err)
	}
	return tx.Commit()
}

func (s *Store) AppendTrade(ctx context.Context, t domain.Trade) error {
	return s.insertTrade(ctx, s.db, t)
}

func (s *Store) insertTrade(ctx context.Context, ex execer, t domain.Trade) error {
	var realized sql.NullFloat64
	if t.RealizedPnL != nil {
		realized = sql.NullFloat64{Float64: *t.RealizedPnL, Valid: true}
	}
	_, err := ex.ExecContext(ctx, s.q(
		`INSERT INTO trades(id, account_id, session_id, market, action, side, size, price, fee, realized_pnl, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		t.ID, t.AccountID, t.SessionID, t.Market, string(t.Action), string(t.Side), t.Size, t.Price, t.Fee,
		realized, t.Reason, nanos(t.CreatedAt))
	return err
}

func (s *Store) ListTrades(ctx context.Context, sessionID string, since time.Time) ([]domain.Trade, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT id, account_id, session_id, market, action, side, size, price, fee, realized_pnl, reason, created_at
		 FROM trades WHERE session_id = ? AND created_at >= ? ORDER BY created_at, id`), sessionID, nanos(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]domain.Trade, 0)
	for rows.Next() {
		var t domain.Trade
		var action, side string
		var realized sql.NullFloat64
		var created int64
		if err := rows.Scan(&t.ID, &t.AccountID, &t.SessionID, &t.Market, &action, &side, &t.Size, &t.Price,
			&t.Fee, &realized, &t.Reason, &created); err != nil {
			return nil, err
		}
		t.Action = domain.TradeAction(action)
		t.Side = domain.Side(side)
		if realized.Valid {
			v := realized.Float64
			t.RealizedPnL = &v
		}
		t.CreatedAt = fromNanos(created)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) AppendDecision(ctx context.Context, d domain.Decision) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO decisions(id, session_id, market, bias, confidence, reasoning, behavior, blocked_by, reason,
		 executed, action, error_kind, exits, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		d.ID, d.SessionID, d.Market, string(d.Bias), d.Confidence, d.Reasoning, string(d.Behavior), d.BlockedBy,
		d.Reason, d.Executed, string(d.Action), string(d.ErrorKind), d.Exits, nanos(d.CreatedAt))
	return err
}

func (s *Store) ListDecisions(ctx context.Context, sessionID string, limit int) ([]domain.Decision, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT id, session_id, market, bias, confidence, reasoning, behavior, blocked_by, reason,
		        executed, action, error_kind, exits, created_at
		 FROM decisions WHERE session_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`), sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]domain.Decision, 0)
	for rows.Next() {
		var d domain.Decision
		var bias, behavior, action, kind string
		var created int64
		if err := rows.Scan(&d.ID, &d.SessionID, &d.Market, &bias, &d.Confidence, &d.Reasoning, &behavior,
			&d.BlockedBy, &d.Reason, &d.Executed, &action, &kind, &d.Exits, &created); err != nil {
			return nil, err
		}
		d.Bias = domain.Bias(bias)
		d.Behavior = domain.Behavior(behavior)
		d.Action = domain.TradeAction(action)
		d.ErrorKind = domain.ErrorKind(kind)
		d.CreatedAt = fromNanos(created)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) AppendEquity(ctx context.Context, e domain.EquitySnapshot) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO equity_snapshots(session_id, account_id, equity, cash, created_at) VALUES (?, ?, ?, ?, ?)`),
		e.SessionID, e.AccountID, e.Equity, e.Cash, nanos(e.CreatedAt))
	return err
}

func (s *Store) queryEquity(ctx context.Context, query string, args ...interface{}) ([]domain.EquitySnapshot, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]domain.EquitySnapshot, 0)
	for rows.Next() {
		var e domain.EquitySnapshot
		var created int64
		if err := rows.Scan(&e.SessionID, &e.AccountID, &e.Equity, &e.Cash, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = fromNanos(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) ListEquity(ctx context.Context, sessionID string, since time.Time) ([]domain.EquitySnapshot, error) {
	return s.queryEquity(ctx,
		`SELECT session_id, account_id, equity, cash, created_at FROM equity_snapshots
		 WHERE session_id = ? AND created_at >= ? ORDER BY created_at`, sessionID, nanos(since))
}

func (s *Store) FirstEquitySince(ctx context.Context, sessionID string, since time.Time) (*domain.EquitySnapshot, error) {
	snaps, err := s.queryEquity(ctx,
		`SELECT session_id, account_id, equity, cash, created_at FROM equity_snapshots
		 WHERE session_id = ? AND created_at >= ? ORDER BY created_at LIMIT 1`, sessionID, nanos(since))
	if err != nil || len(snaps) == 0 {
		return nil, err
	}
	return &snaps[0], nil
}

func (s *Store) AppendEvent(ctx context.Context, e domain.Event) error {
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("encode event payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.q(
		`INSERT INTO events(id, session_id, account_id, event_type, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`),
		e.ID, e.SessionID, e.AccountID, string(e.Type), string(raw), nanos(e.CreatedAt))
	return err
}

func (s *Store) ListEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT id, session_id, account_id, event_type, payload, created_at
		 FROM events ORDER BY created_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]domain.Event, 0)
	for rows.Next() {
		var e domain.Event
		var typ, raw string
		var created int64
		if err := rows.Scan(&e.ID, &e.SessionID, &e.AccountID, &typ, &raw, &created); err != nil {
			return nil, err
		}
		e.Type = domain.EventType(typ)
		e.CreatedAt = fromNanos(created)
		if err := json.Unmarshal([]byte(raw), &e.Payload); err != nil {
			return nil, fmt.Errorf("decode event payload: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
