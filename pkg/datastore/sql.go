package datastore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/finnweber/chime/pkg/model"
)

const dbTimeLayout = "2006-01-02 15:04:05.999999999"

// DB is the subset of *sql.DB / *sql.Tx both provider kinds run on.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type baseProvider struct {
	DB
}

type nonTxProvider struct {
	baseProvider
}

type txProvider struct {
	baseProvider
	tx *sql.Tx
}

func (p *txProvider) Rollback() error { return p.tx.Rollback() }
func (p *txProvider) Commit() error   { return p.tx.Commit() }

// ProviderFactory provides database access for all Chime entities.
type ProviderFactory struct {
	db *sql.DB
}

var _ DataProviderFactory = (*ProviderFactory)(nil)

func (f *ProviderFactory) NonTx() DataStore {
	return &nonTxProvider{baseProvider{f.db}}
}

func (f *ProviderFactory) Tx(ctx context.Context) (DataStoreTx, error) {
	tx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &txProvider{baseProvider{tx}, tx}, nil
}

// Close closes the database connection.
func (f *ProviderFactory) Close() error {
	return f.db.Close()
}

// NewProviderFactory opens (or creates) a SQLite database and runs migrations.
func NewProviderFactory(dbPath string) (*ProviderFactory, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("datastore: open DB: %w", err)
	}

	ctx := context.Background()

	// WAL for better concurrent read performance; busy timeout to avoid
	// "database is locked" under concurrency.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("datastore: %s: %w", pragma, err)
		}
	}

	f := &ProviderFactory{db: db}
	if err := f.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: migrate: %w", err)
	}
	return f, nil
}

func (f *ProviderFactory) migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS users (
		id            TEXT PRIMARY KEY,
		username      TEXT NOT NULL UNIQUE CHECK(length(username) > 0 AND length(username) <= 32),
		display_name  TEXT NOT NULL DEFAULT '',
		password_hash BLOB NOT NULL,
		password_salt BLOB NOT NULL,
		created_at    TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id          TEXT PRIMARY KEY,
		sender_id   TEXT NOT NULL REFERENCES users(id),
		receiver_id TEXT NOT NULL REFERENCES users(id),
		content     TEXT NOT NULL,
		type        TEXT NOT NULL,
		file_name   TEXT NOT NULL DEFAULT '',
		file_size   INTEGER NOT NULL DEFAULT 0,
		is_read     INTEGER NOT NULL DEFAULT 0,
		created_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_pair
		ON messages(sender_id, receiver_id, created_at);

	CREATE TABLE IF NOT EXISTS credentials (
		id            TEXT PRIMARY KEY,
		user_id       TEXT NOT NULL REFERENCES users(id),
		active        INTEGER NOT NULL DEFAULT 1,
		last_activity TEXT NOT NULL,
		expires_at    TEXT NOT NULL,
		created_at    TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_credentials_user ON credentials(user_id);

	CREATE TABLE IF NOT EXISTS push_destinations (
		user_id    TEXT PRIMARY KEY REFERENCES users(id),
		token      TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	_, err := f.db.ExecContext(ctx, schema)
	return err
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(dbTimeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(dbTimeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ----- Users -----

func (p *baseProvider) CreateUser(user *model.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}
	_, err := p.ExecContext(context.Background(),
		`INSERT INTO users (id, username, display_name, password_hash, password_salt, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		user.ID, user.Username, user.DisplayName, user.PasswordHash, user.PasswordSalt, fmtTime(user.CreatedAt))
	if err != nil {
		return fmt.Errorf("datastore: create user: %w", err)
	}
	return nil
}

func (p *baseProvider) GetUserByUsername(username string) (*model.User, error) {
	return p.scanUser(`SELECT id, username, display_name, password_hash, password_salt, created_at
		FROM users WHERE username = ?`, username)
}

func (p *baseProvider) GetUserByID(id string) (*model.User, error) {
	return p.scanUser(`SELECT id, username, display_name, password_hash, password_salt, created_at
		FROM users WHERE id = ?`, id)
}

func (p *baseProvider) scanUser(query string, arg any) (*model.User, error) {
	var u model.User
	var created string
	err := p.QueryRowContext(context.Background(), query, arg).
		Scan(&u.ID, &u.Username, &u.DisplayName, &u.PasswordHash, &u.PasswordSalt, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get user: %w", err)
	}
	u.CreatedAt = parseTime(created)
	return &u, nil
}

// ----- Messages -----

func (p *baseProvider) CreateMessage(msg *model.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	_, err := p.ExecContext(context.Background(),
		`INSERT INTO messages (id, sender_id, receiver_id, content, type, file_name, file_size, is_read, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SenderID, msg.ReceiverID, msg.Content, string(msg.Type),
		msg.FileName, msg.FileSize, boolToInt(msg.IsRead), fmtTime(msg.CreatedAt))
	if err != nil {
		return fmt.Errorf("datastore: create message: %w", err)
	}
	return nil
}

func (p *baseProvider) ListMessagesBetween(a, b string, filters model.MessageFilters) ([]model.Message, error) {
	query := `SELECT id, sender_id, receiver_id, content, type, file_name, file_size, is_read, created_at
		FROM messages
		WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
		ORDER BY created_at ASC`
	args := []any{a, b, b, a}
	if filters.PageSize != nil {
		query += " LIMIT ?"
		args = append(args, *filters.PageSize)
		if filters.Offset != nil {
			query += " OFFSET ?"
			args = append(args, *filters.Offset)
		}
	}

	rows, err := p.QueryContext(context.Background(), query, args...)
	if err != nil {
		return nil, fmt.Errorf("datastore: list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []model.Message
	for rows.Next() {
		var m model.Message
		var mtype, created string
		var isRead int
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &mtype,
			&m.FileName, &m.FileSize, &isRead, &created); err != nil {
			return nil, fmt.Errorf("datastore: scan message: %w", err)
		}
		m.Type = model.MessageType(mtype)
		m.IsRead = isRead != 0
		m.CreatedAt = parseTime(created)
		result = append(result, m)
	}
	return result, rows.Err()
}

func (p *baseProvider) CountUnread(readerID, counterpartID string) (int64, error) {
	var n int64
	err := p.QueryRowContext(context.Background(),
		`SELECT COUNT(*) FROM messages WHERE receiver_id = ? AND sender_id = ? AND is_read = 0`,
		readerID, counterpartID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("datastore: count unread: %w", err)
	}
	return n, nil
}

func (p *baseProvider) MarkMessagesRead(readerID, counterpartID string) (int64, error) {
	res, err := p.ExecContext(context.Background(),
		`UPDATE messages SET is_read = 1 WHERE receiver_id = ? AND sender_id = ? AND is_read = 0`,
		readerID, counterpartID)
	if err != nil {
		return 0, fmt.Errorf("datastore: mark read: %w", err)
	}
	return res.RowsAffected()
}

func (p *baseProvider) PurgeMessages(a, b string) error {
	_, err := p.ExecContext(context.Background(),
		`DELETE FROM messages
		 WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)`,
		a, b, b, a)
	if err != nil {
		return fmt.Errorf("datastore: purge messages: %w", err)
	}
	return nil
}

// ----- Credentials -----

func (p *baseProvider) CreateCredential(cred *model.Credential) error {
	_, err := p.ExecContext(context.Background(),
		`INSERT INTO credentials (id, user_id, active, last_activity, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		cred.ID, cred.UserID, boolToInt(cred.Active),
		fmtTime(cred.LastActivity), fmtTime(cred.ExpiresAt), fmtTime(cred.CreatedAt))
	if err != nil {
		return fmt.Errorf("datastore: create credential: %w", err)
	}
	return nil
}

func (p *baseProvider) GetCredential(id string) (*model.Credential, error) {
	var c model.Credential
	var active int
	var lastActivity, expiresAt, createdAt string
	err := p.QueryRowContext(context.Background(),
		`SELECT id, user_id, active, last_activity, expires_at, created_at
		 FROM credentials WHERE id = ?`, id).
		Scan(&c.ID, &c.UserID, &active, &lastActivity, &expiresAt, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get credential: %w", err)
	}
	c.Active = active != 0
	c.LastActivity = parseTime(lastActivity)
	c.ExpiresAt = parseTime(expiresAt)
	c.CreatedAt = parseTime(createdAt)
	return &c, nil
}

func (p *baseProvider) TouchCredential(id string, at time.Time) error {
	_, err := p.ExecContext(context.Background(),
		`UPDATE credentials SET last_activity = ? WHERE id = ?`, fmtTime(at), id)
	if err != nil {
		return fmt.Errorf("datastore: touch credential: %w", err)
	}
	return nil
}

func (p *baseProvider) RevokeCredential(id string) error {
	_, err := p.ExecContext(context.Background(),
		`UPDATE credentials SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("datastore: revoke credential: %w", err)
	}
	return nil
}

// ----- Push destinations -----

func (p *baseProvider) GetPushDestination(userID string) (*model.PushDestination, error) {
	var d model.PushDestination
	var updated string
	err := p.QueryRowContext(context.Background(),
		`SELECT user_id, token, updated_at FROM push_destinations WHERE user_id = ?`, userID).
		Scan(&d.UserID, &d.Token, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get push destination: %w", err)
	}
	d.UpdatedAt = parseTime(updated)
	return &d, nil
}

func (p *baseProvider) SetPushDestination(userID, token string) error {
	_, err := p.ExecContext(context.Background(),
		`INSERT INTO push_destinations (user_id, token, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET token = excluded.token, updated_at = excluded.updated_at`,
		userID, token, fmtTime(time.Now()))
	if err != nil {
		return fmt.Errorf("datastore: set push destination: %w", err)
	}
	return nil
}

func (p *baseProvider) DeletePushDestination(userID string) error {
	_, err := p.ExecContext(context.Background(),
		`DELETE FROM push_destinations WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("datastore: delete push destination: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
