package threadstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"

	DefaultSQLitePath = "chat_threads.db"
)

var ErrChatBound = errors.New("chat id already bound to a thread")

// Both dialects accept this schema. thread_id is the key; chat_id is unique so
// two chats can never share a thread and a chat never gets a second thread.
const schema = `
CREATE TABLE IF NOT EXISTS threads (
	thread_id  VARCHAR(191) NOT NULL PRIMARY KEY,
	chat_id    BIGINT NOT NULL UNIQUE,
	created_at VARCHAR(64) NOT NULL
)`

type Mapping struct {
	ChatID    int64     `db:"chat_id"`
	ThreadID  string    `db:"thread_id"`
	CreatedAt time.Time `db:"-"`
}

// Store persists chat_id -> thread_id bindings.
type Store struct {
	db    *sqlx.DB
	mu    sync.Mutex
	clock func() time.Time
}

// Open connects with driver "sqlite" (dsn is a file path) or "mysql" (dsn is a
// go-sql-driver DSN) and creates the table if it is missing.
func Open(driver, dsn string) (*Store, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if driver == "" {
		driver = DriverSQLite
	}
	switch driver {
	case DriverSQLite:
		if strings.TrimSpace(dsn) == "" {
			dsn = DefaultSQLitePath
		}
		if !strings.Contains(dsn, "?") {
			dsn += "?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)"
		}
	case DriverMySQL:
		if strings.TrimSpace(dsn) == "" {
			return nil, errors.New("mysql dsn is required")
		}
	default:
		return nil, fmt.Errorf("unsupported thread store driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db, clock: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Lookup returns the thread bound to chatID. ok is false when none is.
func (s *Store) Lookup(ctx context.Context, chatID int64) (threadID string, ok bool, err error) {
	err = s.db.GetContext(ctx, &threadID, "SELECT thread_id FROM threads WHERE chat_id = ?", chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup chat %d: %w", chatID, err)
	}
	return threadID, true, nil
}

// Bind records chatID -> threadID. If the chat is already bound, the existing
// thread is returned together with ErrChatBound.
func (s *Store) Bind(ctx context.Context, chatID int64, threadID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok, err := s.Lookup(ctx, chatID); err != nil {
		return "", err
	} else if ok {
		return existing, ErrChatBound
	}
	now := s.clock().UTC().Format(time.RFC3339Nano)
	_, insertErr := s.db.ExecContext(ctx,
		"INSERT INTO threads (thread_id, chat_id, created_at) VALUES (?, ?, ?)",
		threadID, chatID, now)
	if insertErr == nil {
		return threadID, nil
	}
	// Another process may have bound the chat between lookup and insert.
	if existing, ok, err := s.Lookup(ctx, chatID); err == nil && ok {
		return existing, ErrChatBound
	}
	return "", fmt.Errorf("bind chat %d: %w", chatID, insertErr)
}

func (s *Store) List(ctx context.Context) ([]Mapping, error) {
	rows, err := s.db.QueryxContext(ctx, "SELECT chat_id, thread_id, created_at FROM threads ORDER BY created_at, chat_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Mapping
	for rows.Next() {
		var m Mapping
		var createdAt string
		if err := rows.Scan(&m.ChatID, &m.ThreadID, &createdAt); err != nil {
			return nil, err
		}
		ts, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("chat %d: parse created_at %q: %w", m.ChatID, createdAt, err)
		}
		m.CreatedAt = ts
		out = append(out, m)
	}
	return out, rows.Err()
}
