// Package querylog records user messages to SQLite without ever blocking the
// request path. Entries go through a bounded queue drained by a single
// background writer; when the queue is full the entry is dropped and counted.
package querylog

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const queueSize = 10000

const schema = `
CREATE TABLE IF NOT EXISTS query_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	remote_addr TEXT NOT NULL,
	bot_name TEXT NOT NULL,
	message TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_query_log_time ON query_log(created_at);
`

type Entry struct {
	RemoteAddr string
	BotName    string
	Message    string
	CreatedAt  time.Time
}

type Logger struct {
	db      *sql.DB
	queue   chan Entry
	dropped atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

func Open(path string) (*Logger, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open query log: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init query log schema: %w", err)
	}

	l := &Logger{
		db:    db,
		queue: make(chan Entry, queueSize),
		done:  make(chan struct{}),
	}
	go l.drain()

	slog.Info("query log opened", "path", path)
	return l, nil
}

// Log queues an entry. Never blocks; drops (and counts) when the queue is full.
func (l *Logger) Log(remoteAddr, botName, message string) {
	select {
	case l.queue <- Entry{RemoteAddr: remoteAddr, BotName: botName, Message: message, CreatedAt: time.Now().UTC()}:
	default:
		l.dropped.Add(1)
	}
}

// Dropped reports how many entries were discarded because the queue was full.
func (l *Logger) Dropped() int64 {
	return l.dropped.Load()
}

func (l *Logger) drain() {
	defer close(l.done)
	for e := range l.queue {
		if _, err := l.db.Exec(
			`INSERT INTO query_log (remote_addr, bot_name, message, created_at) VALUES (?, ?, ?, ?)`,
			e.RemoteAddr, e.BotName, e.Message, e.CreatedAt,
		); err != nil {
			slog.Error("query log insert failed", "err", err)
		}
	}
}

// Close flushes queued entries and closes the database.
func (l *Logger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.queue)
		<-l.done
		err = l.db.Close()
	})
	return err
}

// Recent returns the most recent entries, newest first.
func (l *Logger) Recent(limit int) ([]Entry, error) {
	rows, err := l.db.Query(
		`SELECT remote_addr, bot_name, message, created_at FROM query_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query log recent: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.RemoteAddr, &e.BotName, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan query log row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
