package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "github.com/wetnet-beep/rassilka-tg/pkg/logx"
)

//go:embed schema.sql
var schemaSQL string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LoadChats(ctx context.Context) ([]ChatRow, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rs, err := s.db.QueryContext(ctx,
		`SELECT id, title, username, type, participants, added_ns, last_msg_ns, message_count, tags, active
		 FROM chats ORDER BY added_ns, id`)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	var out []ChatRow
	for rs.Next() {
		var (
			r        ChatRow
			username sql.NullString
			addedNS  int64
			lastNS   sql.NullInt64
			tags     string
			active   int
		)
		if err := rs.Scan(&r.ID, &r.Title, &username, &r.Type, &r.Participants, &addedNS, &lastNS, &r.MessageCount, &tags, &active); err != nil {
			return nil, err
		}
		r.Username = username.String
		r.Added = time.Unix(0, addedNS)
		if lastNS.Valid {
			t := time.Unix(0, lastNS.Int64)
			r.LastMessage = &t
		}
		if err := json.Unmarshal([]byte(tags), &r.Tags); err != nil {
			s.log.Warn("bad tags column", logx.Int64("chat_id", r.ID), logx.Err(err))
		}
		r.Active = active != 0
		out = append(out, r)
	}
	return out, rs.Err()
}

func (s *sqliteStore) SaveChats(ctx context.Context, rows ...ChatRow) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chats(id, title, username, type, participants, added_ns, last_msg_ns, message_count, tags, active)
		 VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   title=excluded.title, username=excluded.username, type=excluded.type,
		   participants=excluded.participants, last_msg_ns=excluded.last_msg_ns,
		   message_count=excluded.message_count, tags=excluded.tags, active=excluded.active`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range rows {
		tags := r.Tags
		if tags == nil {
			tags = []string{}
		}
		tb, err := json.Marshal(tags)
		if err != nil {
			return err
		}
		var last any
		if r.LastMessage != nil {
			last = r.LastMessage.UnixNano()
		}
		if _, err := stmt.ExecContext(ctx, r.ID, r.Title, nullStr(r.Username), r.Type, r.Participants,
			r.Added.UnixNano(), last, r.MessageCount, string(tb), boolInt(r.Active)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) AppendSend(ctx context.Context, e SendEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sends(at_ns, chat_id, campaign_id, ok, err) VALUES(?,?,?,?,?)`,
		e.At.UnixNano(), e.ChatID, nullStr(e.CampaignID), boolInt(e.OK), nullStr(e.Error),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneSends(pctx, time.Now().Add(-sendRetention))
		cancel()
	}
	return err
}

func (s *sqliteStore) CountSends(ctx context.Context, since time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sends WHERE ok = 1 AND at_ns >= ?`, since.UnixNano()).Scan(&n)
	return n, err
}

func (s *sqliteStore) pruneSends(ctx context.Context, cutoff time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sends WHERE at_ns < ?`, cutoff.UnixNano())
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
