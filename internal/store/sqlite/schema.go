package sqlite

import "database/sql"

// schema is applied on open. Timestamps are unix nanoseconds.
const schema = `
CREATE TABLE IF NOT EXISTS scope_counters (
	scope TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	scope        TEXT NOT NULL,
	seq          INTEGER NOT NULL,
	sender_id    TEXT NOT NULL,
	room_id      TEXT NOT NULL DEFAULT '',
	target_user  TEXT NOT NULL DEFAULT '',
	content      TEXT NOT NULL,
	client_token TEXT NOT NULL DEFAULT '',
	sent_at      INTEGER NOT NULL,
	PRIMARY KEY (scope, seq)
);

CREATE TABLE IF NOT EXISTS client_tokens (
	sender_id    TEXT NOT NULL,
	client_token TEXT NOT NULL,
	scope        TEXT NOT NULL,
	seq          INTEGER NOT NULL,
	sent_at      INTEGER NOT NULL,
	routed       BOOLEAN NOT NULL DEFAULT 0,
	expires_at   INTEGER NOT NULL,
	PRIMARY KEY (sender_id, client_token)
);

CREATE INDEX IF NOT EXISTS idx_client_tokens_expiry ON client_tokens(expires_at);

CREATE TABLE IF NOT EXISTS mailbox (
	entry_id    INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id     TEXT NOT NULL,
	scope       TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	enqueued_at INTEGER NOT NULL,
	UNIQUE (user_id, scope, seq)
);

CREATE INDEX IF NOT EXISTS idx_mailbox_user ON mailbox(user_id, entry_id);
CREATE INDEX IF NOT EXISTS idx_mailbox_enqueued ON mailbox(enqueued_at);

CREATE TABLE IF NOT EXISTS mailbox_gaps (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id    TEXT NOT NULL,
	scope      TEXT NOT NULL,
	from_seq   INTEGER NOT NULL,
	to_seq     INTEGER NOT NULL,
	count      INTEGER NOT NULL,
	expired_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_mailbox_gaps_user ON mailbox_gaps(user_id, id);

CREATE TABLE IF NOT EXISTS room_members (
	room_id   TEXT NOT NULL,
	user_id   TEXT NOT NULL,
	joined_at INTEGER NOT NULL,
	PRIMARY KEY (room_id, user_id)
);
`

func applySchema(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}
