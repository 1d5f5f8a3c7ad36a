package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	logx "github.com/wetnet-beep/rassilka-tg/pkg/logx"
)

var (
	chatsBucket = []byte("chats")
	sendsBucket = []byte("sends")
)

// boltStore keeps one JSON value per chat (key: big-endian id) and the send
// log keyed by big-endian unix nanos + sequence, so range scans by time use
// a cursor seek.
type boltStore struct {
	db  *bbolt.DB
	log logx.Logger
}

type boltChat struct {
	ID           int64      `json:"id"`
	Title        string     `json:"title"`
	Username     string     `json:"username,omitempty"`
	Type         string     `json:"type"`
	Participants int        `json:"participants"`
	Added        time.Time  `json:"added"`
	LastMessage  *time.Time `json:"last_message,omitempty"`
	MessageCount int        `json:"message_count"`
	Tags         []string   `json:"tags"`
	Active       bool       `json:"active"`
}

func openBolt(cfg Config, log logx.Logger) (Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(cfg.Path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(chatsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(sendsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &boltStore{db: db, log: log}, nil
}

func (s *boltStore) Close() error { return s.db.Close() }

func idKey(id int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(id))
	return k
}

func timeKey(t time.Time, seq uint64) []byte {
	k := make([]byte, 16)
	binary.BigEndian.PutUint64(k[:8], uint64(t.UnixNano()))
	binary.BigEndian.PutUint64(k[8:], seq)
	return k
}

func (s *boltStore) LoadChats(ctx context.Context) ([]ChatRow, error) {
	_ = ctx
	var out []ChatRow
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(chatsBucket).ForEach(func(k, v []byte) error {
			var bc boltChat
			if err := json.Unmarshal(v, &bc); err != nil {
				s.log.Warn("skipping undecodable chat", logx.Err(err))
				return nil
			}
			out = append(out, ChatRow(bc))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortRows(out)
	return out, nil
}

func (s *boltStore) SaveChats(ctx context.Context, rows ...ChatRow) error {
	_ = ctx
	if len(rows) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(chatsBucket)
		for _, r := range rows {
			if r.Tags == nil {
				r.Tags = []string{}
			}
			data, err := json.Marshal(boltChat(r))
			if err != nil {
				return err
			}
			if err := b.Put(idKey(r.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *boltStore) AppendSend(ctx context.Context, e SendEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sendsBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(sendRecord{At: e.At, ChatID: e.ChatID, CampaignID: e.CampaignID, OK: e.OK, Error: e.Error})
		if err != nil {
			return err
		}
		if err := b.Put(timeKey(e.At, seq), data); err != nil {
			return err
		}
		if seq%500 == 0 {
			pruneBolt(b, time.Now().Add(-sendRetention))
		}
		return nil
	})
}

func pruneBolt(b *bbolt.Bucket, cutoff time.Time) {
	end := timeKey(cutoff, 0)
	var stale [][]byte
	c := b.Cursor()
	for k, _ := c.First(); k != nil && bytes.Compare(k, end) < 0; k, _ = c.Next() {
		stale = append(stale, append([]byte(nil), k...))
	}
	for _, k := range stale {
		if err := b.Delete(k); err != nil {
			return
		}
	}
}

func (s *boltStore) CountSends(ctx context.Context, since time.Time) (int, error) {
	_ = ctx
	n := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(sendsBucket).Cursor()
		for k, v := c.Seek(timeKey(since, 0)); k != nil; k, v = c.Next() {
			var r sendRecord
			if err := json.Unmarshal(v, &r); err != nil {
				continue
			}
			if r.OK {
				n++
			}
		}
		return nil
	})
	return n, err
}
