package sqlstore

// Timestamps are stored as unix nanoseconds so ordering and cadence math are
// identical on every backend. Zero means unset.
const schemaTemplate = `
CREATE TABLE IF NOT EXISTS strategies (
    id         TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL,
    name       TEXT NOT NULL,
    config     TEXT NOT NULL,
    updated_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS credentials (
    id         TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL,
    provider   TEXT NOT NULL,
    ciphertext TEXT NOT NULL,
    created_at BIGINT NOT NULL,
    deleted_at BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS accounts (
    id               TEXT PRIMARY KEY,
    mode             TEXT NOT NULL,
    starting_balance {{REAL}} NOT NULL,
    cash             {{REAL}} NOT NULL,
    equity           {{REAL}} NOT NULL,
    updated_at       BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
    id              TEXT PRIMARY KEY,
    user_id         TEXT NOT NULL,
    strategy_id     TEXT NOT NULL,
    account_id      TEXT NOT NULL,
    mode            TEXT NOT NULL,
    status          TEXT NOT NULL,
    cadence_ns      BIGINT NOT NULL,
    market_cursor   BIGINT NOT NULL DEFAULT 0,
    last_tick_at    BIGINT NOT NULL DEFAULT 0,
    tick_lease_till BIGINT NOT NULL DEFAULT 0,
    started_at      BIGINT NOT NULL DEFAULT 0,
    created_at      BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
    account_id     TEXT NOT NULL,
    market         TEXT NOT NULL,
    size           {{REAL}} NOT NULL,
    entry_price    {{REAL}} NOT NULL,
    realized_pnl   {{REAL}} NOT NULL DEFAULT 0,
    unrealized_pnl {{REAL}} NOT NULL DEFAULT 0,
    mark_price     {{REAL}} NOT NULL DEFAULT 0,
    peak_price     {{REAL}} NOT NULL DEFAULT 0,
    opened_at      BIGINT NOT NULL,
    updated_at     BIGINT NOT NULL,
    PRIMARY KEY (account_id, market)
);

CREATE TABLE IF NOT EXISTS trades (
    id           TEXT PRIMARY KEY,
    account_id   TEXT NOT NULL,
    session_id   TEXT NOT NULL,
    market       TEXT NOT NULL,
    action       TEXT NOT NULL,
    side         TEXT NOT NULL,
    size         {{REAL}} NOT NULL,
    price        {{REAL}} NOT NULL,
    fee          {{REAL}} NOT NULL,
    realized_pnl {{REAL}},
    reason       TEXT NOT NULL DEFAULT '',
    created_at   BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS decisions (
    id         TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    market     TEXT NOT NULL,
    bias       TEXT NOT NULL DEFAULT '',
    confidence {{REAL}} NOT NULL DEFAULT 0,
    reasoning  TEXT NOT NULL DEFAULT '',
    behavior   TEXT NOT NULL DEFAULT '',
    blocked_by TEXT NOT NULL DEFAULT '',
    reason     TEXT NOT NULL DEFAULT '',
    executed   BOOLEAN NOT NULL DEFAULT FALSE,
    action     TEXT NOT NULL DEFAULT '',
    error_kind TEXT NOT NULL DEFAULT '',
    exits      INTEGER NOT NULL DEFAULT 0,
    created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS equity_snapshots (
    session_id TEXT NOT NULL,
    account_id TEXT NOT NULL,
    equity     {{REAL}} NOT NULL,
    cash       {{REAL}} NOT NULL,
    created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
    id         TEXT PRIMARY KEY,
    session_id TEXT NOT NULL DEFAULT '',
    account_id TEXT NOT NULL DEFAULT '',
    event_type TEXT NOT NULL,
    payload    TEXT NOT NULL,
    created_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_status   ON sessions(status, last_tick_at);
CREATE INDEX IF NOT EXISTS idx_trades_session    ON trades(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_decisions_session ON decisions(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_equity_session    ON equity_snapshots(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_events_created    ON events(created_at);
`
