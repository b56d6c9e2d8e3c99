package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // pure-Go sqlite driver

	"github.com/Tyrowin/relaychat/internal/channel"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const messageColumns = `id, sender_id, recipient_id, group_id, content,
	attachment_name, attachment_type, attachment_data, created_at, is_read`

// SQLStore implements Store on SQLite or Postgres. Queries are written with
// "?" placeholders and rebound for Postgres.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// OpenSQL opens and pings a database, retrying the ping with exponential
// backoff until ctx is done.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if driver == DriverSQLite {
		// Each pooled connection to ":memory:" would be a separate database.
		db.SetMaxOpenConns(1)
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	err = backoff.Retry(func() error {
		return db.PingContext(ctx)
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return NewSQLStore(db, driver), nil
}

// NewSQLStore wraps an already opened database.
func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: db, driver: driver}
}

// Migrate creates the schema if it does not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	blob := "BLOB"
	if s.driver == DriverPostgres {
		blob = "BYTEA"
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL DEFAULT '',
			first_name TEXT NOT NULL DEFAULT '',
			last_name TEXT NOT NULL DEFAULT '',
			friend_code TEXT
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_friend_code ON users (friend_code)`,
		`CREATE TABLE IF NOT EXISTS friendships (
			user_id TEXT NOT NULL,
			friend_id TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (user_id, friend_id)
		)`,
		`CREATE TABLE IF NOT EXISTS chat_groups (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS group_members (
			group_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			PRIMARY KEY (group_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			sender_id TEXT NOT NULL,
			recipient_id TEXT,
			group_id TEXT,
			content TEXT NOT NULL DEFAULT '',
			attachment_name TEXT,
			attachment_type TEXT,
			attachment_data ` + blob + `,
			created_at BIGINT NOT NULL,
			is_read BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_group ON messages (group_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_direct ON messages (sender_id, recipient_id, created_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// rebind rewrites "?" placeholders to "$n" for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
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

func (s *SQLStore) AddUser(ctx context.Context, user User) error {
	if user.ID == "" {
		return fmt.Errorf("user id is required")
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO users (id, email, first_name, last_name, friend_code) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET email = excluded.email,
		 first_name = excluded.first_name, last_name = excluded.last_name,
		 friend_code = excluded.friend_code`),
		user.ID, user.Email, user.FirstName, user.LastName, nullable(user.FriendCode))
	if err != nil {
		return fmt.Errorf("add user: %w", err)
	}
	return nil
}

func (s *SQLStore) AddFriendship(ctx context.Context, a, b string) error {
	if a == "" || b == "" || a == b {
		return fmt.Errorf("friendship needs two distinct users")
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO friendships (user_id, friend_id, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (user_id, friend_id) DO NOTHING`),
		a, b, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("add friendship: %w", err)
	}
	return nil
}

func (s *SQLStore) AddGroup(ctx context.Context, id, name string, members []string) error {
	if id == "" {
		return fmt.Errorf("group id is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("add group: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.rebind(
		`INSERT INTO chat_groups (id, name) VALUES (?, ?) ON CONFLICT (id) DO NOTHING`),
		id, name); err != nil {
		return fmt.Errorf("add group: %w", err)
	}
	for _, m := range members {
		if _, err := tx.ExecContext(ctx, s.rebind(
			`INSERT INTO group_members (group_id, user_id) VALUES (?, ?)
			 ON CONFLICT (group_id, user_id) DO NOTHING`),
			id, m); err != nil {
			return fmt.Errorf("add group member %s: %w", m, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("add group: %w", err)
	}
	return nil
}

const userColumns = `id, email, first_name, last_name, COALESCE(friend_code, '')`

func (s *SQLStore) GetUser(ctx context.Context, id string) (*User, error) {
	return s.getUser(ctx, "get user", `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
}

func (s *SQLStore) UserByFriendCode(ctx context.Context, code string) (*User, error) {
	if code == "" {
		return nil, ErrNotFound
	}
	return s.getUser(ctx, "user by friend code", `SELECT `+userColumns+` FROM users WHERE friend_code = ?`, code)
}

func (s *SQLStore) getUser(ctx context.Context, op, query, arg string) (*User, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(query), arg)
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.FirstName, &u.LastName, &u.FriendCode); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &u, nil
}

func (s *SQLStore) IsFriend(ctx context.Context, a, b string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT COUNT(*) FROM friendships
		 WHERE (user_id = ? AND friend_id = ?) OR (user_id = ? AND friend_id = ?)`),
		a, b, b, a).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("is friend: %w", err)
	}
	return n > 0, nil
}

func (s *SQLStore) FriendsOf(ctx context.Context, userID string) ([]string, error) {
	return s.queryStrings(ctx, "friends of",
		`SELECT friend_id FROM friendships WHERE user_id = ?
		 UNION
		 SELECT user_id FROM friendships WHERE friend_id = ?
		 ORDER BY 1`, userID, userID)
}

func (s *SQLStore) IsGroupMember(ctx context.Context, userID, groupID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT COUNT(*) FROM group_members WHERE group_id = ? AND user_id = ?`),
		groupID, userID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("is group member: %w", err)
	}
	return n > 0, nil
}

func (s *SQLStore) GroupsOf(ctx context.Context, userID string) ([]string, error) {
	return s.queryStrings(ctx, "groups of",
		`SELECT group_id FROM group_members WHERE user_id = ? ORDER BY group_id`, userID)
}

func (s *SQLStore) queryStrings(ctx context.Context, op, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func (s *SQLStore) Persist(ctx context.Context, msg Message) (string, error) {
	if err := msg.validate(); err != nil {
		return "", err
	}
	if msg.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return "", fmt.Errorf("generate message id: %w", err)
		}
		msg.ID = id.String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	var name, ctype sql.NullString
	var data []byte
	if msg.Attachment != nil {
		name = sql.NullString{String: msg.Attachment.Filename, Valid: true}
		ctype = sql.NullString{String: msg.Attachment.ContentType, Valid: true}
		data = msg.Attachment.Data
	}

	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO messages (`+messageColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		msg.ID,
		msg.SenderID,
		nullable(msg.RecipientID),
		nullable(msg.GroupID),
		msg.Content,
		name,
		ctype,
		data,
		msg.Timestamp.UnixNano(),
		msg.IsRead,
	)
	if err != nil {
		return "", fmt.Errorf("persist message: %w", err)
	}
	return msg.ID, nil
}

func (s *SQLStore) Recent(ctx context.Context, ch channel.Name, limit int) ([]Message, error) {
	kind, id, err := channel.Parse(ch)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	var rows *sql.Rows
	switch kind {
	case channel.KindUser:
		rows, err = s.db.QueryContext(ctx, s.rebind(
			`SELECT `+messageColumns+` FROM messages
			 WHERE group_id IS NULL AND (sender_id = ? OR recipient_id = ?)
			 ORDER BY created_at DESC, id DESC LIMIT ?`), id, id, limit)
	default:
		rows, err = s.db.QueryContext(ctx, s.rebind(
			`SELECT `+messageColumns+` FROM messages
			 WHERE group_id = ?
			 ORDER BY created_at DESC, id DESC LIMIT ?`), id, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("recent messages: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`), id)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	return &m, nil
}

func (s *SQLStore) MarkRead(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE messages SET is_read = ? WHERE id = ?`), true, id)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (Message, error) {
	var (
		m                Message
		recipient, group sql.NullString
		attName, attType sql.NullString
		attData          []byte
		createdAt        int64
	)
	if err := row.Scan(
		&m.ID,
		&m.SenderID,
		&recipient,
		&group,
		&m.Content,
		&attName,
		&attType,
		&attData,
		&createdAt,
		&m.IsRead,
	); err != nil {
		return Message{}, err
	}
	m.RecipientID = recipient.String
	m.GroupID = group.String
	m.Timestamp = time.Unix(0, createdAt).UTC()
	if attName.Valid {
		m.Attachment = &Attachment{
			Filename:    attName.String,
			ContentType: attType.String,
			Data:        attData,
		}
	}
	return m, nil
}

func nullable(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
