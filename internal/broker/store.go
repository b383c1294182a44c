package broker

import (
	"context"
	"database/sql"
	"net/url"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	user_id                 TEXT    NOT NULL,
	device_id               TEXT    NOT NULL,
	identity_key            BLOB    NOT NULL,
	signing_key             BLOB    NOT NULL,
	signed_prekey_id        INTEGER NOT NULL,
	signed_prekey           BLOB    NOT NULL,
	signed_prekey_signature BLOB    NOT NULL,
	master_signature        BLOB,
	verified                INTEGER NOT NULL DEFAULT 0,
	verification_method     TEXT    NOT NULL DEFAULT '',
	verified_at             INTEGER,
	created_at              INTEGER NOT NULL,
	updated_at              INTEGER NOT NULL,
	PRIMARY KEY (user_id, device_id)
);

CREATE TABLE IF NOT EXISTS one_time_prekeys (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id           TEXT    NOT NULL,
	device_id         TEXT    NOT NULL,
	key_id            INTEGER NOT NULL,
	public_key        BLOB    NOT NULL,
	claimed_at        INTEGER,
	claimed_by_user   TEXT,
	claimed_by_device TEXT,
	UNIQUE (user_id, device_id, key_id)
);
CREATE INDEX IF NOT EXISTS one_time_prekeys_unclaimed
	ON one_time_prekeys (user_id, device_id, claimed_at, key_id);

CREATE TABLE IF NOT EXISTS master_keys (
	user_id    TEXT    PRIMARY KEY,
	master_key BLOB    NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS group_key_shares (
	conversation_id     TEXT    NOT NULL,
	session_id          TEXT    NOT NULL,
	sender_user_id      TEXT    NOT NULL,
	sender_device_id    TEXT    NOT NULL,
	recipient_user_id   TEXT    NOT NULL,
	recipient_device_id TEXT    NOT NULL,
	ciphertext          BLOB    NOT NULL,
	pending             INTEGER NOT NULL DEFAULT 1,
	claimed_count       INTEGER NOT NULL DEFAULT 0,
	forwarded_count     INTEGER NOT NULL DEFAULT 0,
	created_at          INTEGER NOT NULL,
	updated_at          INTEGER NOT NULL,
	PRIMARY KEY (conversation_id, session_id, sender_device_id, recipient_user_id, recipient_device_id)
);
CREATE INDEX IF NOT EXISTS group_key_shares_recipient
	ON group_key_shares (recipient_user_id, recipient_device_id, pending);

CREATE TABLE IF NOT EXISTS backups (
	user_id           TEXT    PRIMARY KEY,
	encrypted_payload BLOB    NOT NULL,
	iv                BLOB    NOT NULL,
	auth_tag          BLOB    NOT NULL,
	salt              BLOB    NOT NULL,
	kdf               TEXT    NOT NULL,
	kdf_iterations    INTEGER NOT NULL,
	kdf_memory_kib    INTEGER NOT NULL,
	kdf_threads       INTEGER NOT NULL,
	format_version    INTEGER NOT NULL,
	device_count      INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS verifications (
	transaction_id       TEXT    PRIMARY KEY,
	initiator_user_id    TEXT    NOT NULL,
	initiator_device_id  TEXT    NOT NULL,
	initiator_commitment BLOB,
	initiator_key        BLOB,
	initiator_mac        BLOB,
	initiator_confirmed  INTEGER NOT NULL DEFAULT 0,
	target_user_id       TEXT    NOT NULL,
	target_device_id     TEXT    NOT NULL,
	target_key           BLOB,
	target_mac           BLOB,
	target_confirmed     INTEGER NOT NULL DEFAULT 0,
	status               TEXT    NOT NULL,
	created_at           INTEGER NOT NULL,
	updated_at           INTEGER NOT NULL,
	expires_at           INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS verifications_expiry ON verifications (status, expires_at);

CREATE TABLE IF NOT EXISTS trust (
	truster_user_id    TEXT    NOT NULL,
	trusted_user_id    TEXT    NOT NULL,
	trusted_master_key BLOB    NOT NULL,
	level              TEXT    NOT NULL,
	method             TEXT    NOT NULL,
	created_at         INTEGER NOT NULL,
	PRIMARY KEY (truster_user_id, trusted_user_id, trusted_master_key)
);

CREATE TABLE IF NOT EXISTS conversation_members (
	conversation_id TEXT NOT NULL,
	user_id         TEXT NOT NULL,
	PRIMARY KEY (conversation_id, user_id)
);

CREATE TABLE IF NOT EXISTS mailbox (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	envelope_id     TEXT    NOT NULL UNIQUE,
	to_user_id      TEXT    NOT NULL,
	to_device_id    TEXT    NOT NULL,
	from_user_id    TEXT    NOT NULL,
	from_device_id  TEXT    NOT NULL,
	kind            TEXT    NOT NULL,
	conversation_id TEXT    NOT NULL DEFAULT '',
	payload         BLOB    NOT NULL,
	created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS mailbox_recipient ON mailbox (to_user_id, to_device_id, seq);
`

// Store is the broker's SQLite-backed implementation of domain.Broker.
type Store struct {
	db      *sql.DB
	now     func() time.Time
	metrics *Metrics
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithMetrics attaches broker metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// Open opens or creates the database at path and applies the schema.
func Open(path string, opts ...Option) (*Store, error) {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// One writer keeps claims strictly serialised.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}
	s := &Store{db: db, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	jww.INFO.Printf("[BROKER] database ready at %s", path)
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "commit")
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := fromMillis(ms.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
