// Package sqlstore keeps the outbox and the handled-inbound ledger in a SQL
// database so outbound messages commit atomically with the handler's own state
// change. PostgreSQL (lib/pq) and SQLite (go-sqlite3) are supported.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/drblury/courier/internal/runtime/config"
	"github.com/drblury/courier/internal/runtime/envelope"
	"github.com/drblury/courier/internal/runtime/jsoncodec"
	"github.com/drblury/courier/internal/runtime/outbox"
)

// Dialect selects the SQL flavour of the store.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

func (d Dialect) String() string {
	if d == Postgres {
		return config.OutboxPostgres
	}
	return config.OutboxSQLite
}

// ParseDialect maps an outbox driver name to its dialect.
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case config.OutboxSQLite, "sqlite3":
		return SQLite, nil
	case config.OutboxPostgres, "postgresql", "pq":
		return Postgres, nil
	}
	return SQLite, fmt.Errorf("sqlstore: unknown driver %q", driver)
}

func (d Dialect) driverName() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite3"
}

// Store implements outbox.Store on database/sql.
type Store struct {
	db      *sql.DB
	dialect Dialect
	codec   *envelope.WireCodec
	now     func() time.Time

	// OnDecodeError observes pending rows that can no longer be decoded, for
	// example after their type was unregistered. Such rows are skipped.
	OnDecodeError func(id string, err error)
}

// New wraps an open database.
func New(db *sql.DB, dialect Dialect, codec *envelope.WireCodec) *Store {
	return &Store{db: db, dialect: dialect, codec: codec, now: time.Now}
}

// Open opens the database for driver and dsn.
func Open(driver, dsn string, codec *envelope.WireCodec) (*Store, error) {
	dialect, err := ParseDialect(driver)
	if err != nil {
		return nil, err
	}
	if dialect == SQLite && dsn != ":memory:" && !strings.Contains(dsn, "?") {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open(dialect.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s outbox: %w", dialect, err)
	}
	if dialect == SQLite {
		// SQLite serialises writers; one connection also keeps :memory: shared.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
	}
	return New(db, dialect, codec), nil
}

// DB returns the underlying database.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Dialect() Dialect { return s.dialect }

func (s *Store) Close() error { return s.db.Close() }

// Migrate creates the inbox and outbox tables when missing.
func (s *Store) Migrate(ctx context.Context) error {
	seq, blob := "INTEGER PRIMARY KEY AUTOINCREMENT", "BLOB"
	if s.dialect == Postgres {
		seq, blob = "BIGSERIAL PRIMARY KEY", "BYTEA"
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS courier_inbox (
			message_id TEXT PRIMARY KEY,
			handled_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS courier_outbox (
			seq ` + seq + `,
			message_id TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL,
			message_type TEXT NOT NULL,
			payload ` + blob + ` NOT NULL,
			metadata TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			sent_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_courier_outbox_pending ON courier_outbox (sent_at, seq)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate outbox schema: %w", err)
		}
	}
	return nil
}

// Begin opens a transaction and claims inbound in the inbox table. A message
// that was already claimed yields NoOp.
func (s *Store) Begin(ctx context.Context, inbound *envelope.Envelope) (outbox.Tx, outbox.Behavior, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, outbox.Regular, fmt.Errorf("begin outbox transaction: %w", err)
	}
	stx := &sqlTx{store: s, tx: tx}
	if inbound == nil {
		return stx, outbox.Regular, nil
	}

	res, err := tx.ExecContext(ctx, s.rebind(
		`INSERT INTO courier_inbox (message_id, handled_at) VALUES (?, ?) ON CONFLICT (message_id) DO NOTHING`),
		inbound.ID(), s.now().UTC())
	if err != nil {
		_ = tx.Rollback()
		return nil, outbox.Regular, fmt.Errorf("claim inbound %s: %w", inbound.ID(), err)
	}
	claimed, err := res.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return nil, outbox.Regular, fmt.Errorf("claim inbound %s: %w", inbound.ID(), err)
	}
	if claimed == 0 {
		return stx, outbox.NoOp, nil
	}
	return stx, outbox.Regular, nil
}

// MarkSent stamps the given messages as delivered.
func (s *Store) MarkSent(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, s.now().UTC())
	for _, id := range ids {
		args = append(args, id)
	}
	query := `UPDATE courier_outbox SET sent_at = ? WHERE sent_at IS NULL AND message_id IN (` +
		strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",") + `)`
	if _, err := s.db.ExecContext(ctx, s.rebind(query), args...); err != nil {
		return fmt.Errorf("mark outbox sent: %w", err)
	}
	return nil
}

// Pending returns undelivered messages in commit order. limit <= 0 reads all.
func (s *Store) Pending(ctx context.Context, limit int) ([]*envelope.Envelope, error) {
	query := `SELECT message_id, payload, metadata FROM courier_outbox WHERE sent_at IS NULL ORDER BY seq`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("read pending outbox: %w", err)
	}
	defer rows.Close()

	var out []*envelope.Envelope
	for rows.Next() {
		var (
			id       string
			payload  []byte
			metadata string
		)
		if err := rows.Scan(&id, &payload, &metadata); err != nil {
			return nil, fmt.Errorf("scan pending outbox: %w", err)
		}
		env, err := s.decode(id, payload, metadata)
		if err != nil {
			if s.OnDecodeError != nil {
				s.OnDecodeError(id, err)
			}
			continue
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

// PendingRow describes an undelivered message without decoding its payload.
type PendingRow struct {
	MessageID      string
	ConversationID string
	MessageType    string
	CreatedAt      time.Time
}

// PendingRows lists undelivered messages in commit order. Unlike Pending it
// needs no registered types. limit <= 0 reads all.
func (s *Store) PendingRows(ctx context.Context, limit int) ([]PendingRow, error) {
	query := `SELECT message_id, conversation_id, message_type, created_at FROM courier_outbox WHERE sent_at IS NULL ORDER BY seq`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list pending outbox: %w", err)
	}
	defer rows.Close()

	var out []PendingRow
	for rows.Next() {
		var row PendingRow
		if err := rows.Scan(&row.MessageID, &row.ConversationID, &row.MessageType, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pending outbox: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// PendingCount counts undelivered messages.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM courier_outbox WHERE sent_at IS NULL`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending outbox: %w", err)
	}
	return count, nil
}

// Purge deletes delivered messages sent before the cutoff and inbox rows
// handled before it. It returns the number of outbox rows removed.
func (s *Store) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM courier_outbox WHERE sent_at IS NOT NULL AND sent_at < ?`), before.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge outbox: %w", err)
	}
	removed, _ := res.RowsAffected()
	if _, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM courier_inbox WHERE handled_at < ?`), before.UTC()); err != nil {
		return removed, fmt.Errorf("purge inbox: %w", err)
	}
	return removed, nil
}

func (s *Store) encode(env *envelope.Envelope) (payload []byte, metadata string, err error) {
	msg, err := s.codec.Marshal(env)
	if err != nil {
		return nil, "", err
	}
	raw, err := jsoncodec.Marshal(msg.Metadata)
	if err != nil {
		return nil, "", fmt.Errorf("encode metadata of %s: %w", env.ID(), err)
	}
	return msg.Payload, string(raw), nil
}

func (s *Store) decode(id string, payload []byte, metadata string) (*envelope.Envelope, error) {
	msg := message.NewMessage(id, payload)
	if err := jsoncodec.Unmarshal([]byte(metadata), &msg.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata of %s: %w", id, err)
	}
	return s.codec.Unmarshal(msg)
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type sqlTx struct {
	store *Store
	tx    *sql.Tx
}

func (t *sqlTx) Commit(ctx context.Context, batch []*envelope.Envelope) error {
	s := t.store
	query := s.rebind(`INSERT INTO courier_outbox
		(message_id, conversation_id, message_type, payload, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	for _, env := range batch {
		payload, metadata, err := s.encode(env)
		if err != nil {
			return err
		}
		if _, err := t.tx.ExecContext(ctx, query,
			env.ID(), env.ConversationID(), env.ReflectedType(), payload, metadata, env.CreatedAt().UTC()); err != nil {
			return fmt.Errorf("store outbox message %s: %w", env.ID(), err)
		}
	}
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit outbox transaction: %w", err)
	}
	return nil
}

func (t *sqlTx) Rollback(context.Context) error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback outbox transaction: %w", err)
	}
	return nil
}

type txKey struct{}

// BindContext exposes the transaction to the handler through TxFromContext.
func (t *sqlTx) BindContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, txKey{}, t.tx)
}

// TxFromContext returns the transaction of the unit of work handling the
// current message, so the handler's writes commit together with its outbox.
func TxFromContext(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	return tx, ok
}

var (
	_ outbox.Store          = (*Store)(nil)
	_ outbox.Migrator       = (*Store)(nil)
	_ outbox.PendingCounter = (*Store)(nil)
	_ outbox.ContextBinder  = (*sqlTx)(nil)
)
