package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	logx "github.com/wetnet-beep/rassilka-tg/pkg/logx"
)

// fileStore keeps the chat repository as one JSON document compatible with
// the legacy chats file, plus an append-only send log.
//
// Files:
//   - <path>                (JSON map keyed by decimal chat id)
//   - <prefix>.sends.jsonl  (append-only JSON Lines)
//
// The chat file is rewritten atomically (tmp + rename) on every save. The
// send log is periodically compacted to the retention window.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	chatsPath string
	chats     map[string]fileChat

	sendsPath  string
	sendsFile  *os.File
	sendWrites int
}

// fileChat mirrors the on-disk record. Timestamps are ISO-8601 strings;
// naive timestamps written by older tools are read as local time.
type fileChat struct {
	ID           int64    `json:"id"`
	Title        string   `json:"title"`
	Username     *string  `json:"username"`
	Type         string   `json:"type"`
	Participants int      `json:"participants"`
	Added        string   `json:"added"`
	LastMessage  *string  `json:"last_message"`
	MessageCount int      `json:"message_count"`
	Tags         []string `json:"tags"`
	// Active is nil in records that predate the field; those count as active.
	Active       *bool    `json:"active"`
}

type sendRecord struct {
	At         time.Time `json:"at"`
	ChatID     int64     `json:"chat_id"`
	CampaignID string    `json:"campaign_id,omitempty"`
	OK         bool      `json:"ok"`
	Error      string    `json:"error,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	chats := map[string]fileChat{}
	if err := loadChatFile(path, chats); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	sendsPath := prefix + ".sends.jsonl"
	sf, err := os.OpenFile(sendsPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:       log,
		chatsPath: path,
		chats:     chats,
		sendsPath: sendsPath,
		sendsFile: sf,
	}, nil
}

func loadChatFile(path string, out map[string]fileChat) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]fileChat
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendsFile == nil {
		return nil
	}
	err := s.sendsFile.Close()
	s.sendsFile = nil
	return err
}

func (s *fileStore) LoadChats(ctx context.Context) ([]ChatRow, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := make([]ChatRow, 0, len(s.chats))
	for key, fc := range s.chats {
		if fc.ID == 0 {
			id, err := strconv.ParseInt(key, 10, 64)
			if err != nil {
				s.log.Warn("skipping chat with bad key", logx.String("key", key))
				continue
			}
			fc.ID = id
		}
		rows = append(rows, fc.row())
	}
	sortRows(rows)
	return rows, nil
}

func (s *fileStore) SaveChats(ctx context.Context, rows ...ChatRow) error {
	_ = ctx
	if len(rows) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		s.chats[strconv.FormatInt(r.ID, 10)] = toFileChat(r)
	}
	return s.writeChatsLocked()
}

func (s *fileStore) writeChatsLocked() error {
	tmp := s.chatsPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s.chats); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.chatsPath)
}

func (s *fileStore) AppendSend(ctx context.Context, e SendEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendsFile == nil {
		return errors.New("send log closed")
	}
	rec := sendRecord{At: e.At, ChatID: e.ChatID, CampaignID: e.CampaignID, OK: e.OK, Error: e.Error}
	if err := json.NewEncoder(s.sendsFile).Encode(rec); err != nil {
		return err
	}
	s.sendWrites++
	if s.sendWrites%1000 == 0 {
		// Best-effort compact.
		if err := s.compactLocked(time.Now().Add(-sendRetention)); err != nil {
			s.log.Debug("send log compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) CountSends(ctx context.Context, since time.Time) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	err := scanSends(s.sendsPath, func(r sendRecord) {
		if r.OK && !r.At.Before(since) {
			n++
		}
	})
	return n, err
}

func scanSends(path string, fn func(sendRecord)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r sendRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		fn(r)
	}
	return sc.Err()
}

// compactLocked drops send log lines older than cutoff.
func (s *fileStore) compactLocked(cutoff time.Time) error {
	var keep []sendRecord
	if err := scanSends(s.sendsPath, func(r sendRecord) {
		if !r.At.Before(cutoff) {
			keep = append(keep, r)
		}
	}); err != nil {
		return err
	}

	tmp := s.sendsPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, r := range keep {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := s.sendsFile.Close(); err != nil {
		s.log.Debug("send log close failed", logx.Err(err))
	}
	if err := os.Rename(tmp, s.sendsPath); err != nil {
		return err
	}
	s.sendsFile, err = os.OpenFile(s.sendsPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	return err
}

const isoLayout = "2006-01-02T15:04:05.999999"

func parseISO(v string) time.Time {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t
	}
	if t, err := time.ParseInLocation(isoLayout, v, time.Local); err == nil {
		return t
	}
	return time.Time{}
}

func (fc fileChat) row() ChatRow {
	r := ChatRow{
		ID:           fc.ID,
		Title:        fc.Title,
		Type:         fc.Type,
		Participants: fc.Participants,
		Added:        parseISO(fc.Added),
		MessageCount: fc.MessageCount,
		Tags:         append([]string(nil), fc.Tags...),
		Active:       fc.Active == nil || *fc.Active,
	}
	if fc.Username != nil {
		r.Username = *fc.Username
	}
	if fc.LastMessage != nil {
		if t := parseISO(*fc.LastMessage); !t.IsZero() {
			r.LastMessage = &t
		}
	}
	return r
}

func toFileChat(r ChatRow) fileChat {
	fc := fileChat{
		ID:           r.ID,
		Title:        r.Title,
		Type:         r.Type,
		Participants: r.Participants,
		Added:        r.Added.Format(time.RFC3339Nano),
		MessageCount: r.MessageCount,
		Tags:         r.Tags,
		Active:       &r.Active,
	}
	if fc.Tags == nil {
		fc.Tags = []string{}
	}
	if r.Username != "" {
		u := r.Username
		fc.Username = &u
	}
	if r.LastMessage != nil {
		lm := r.LastMessage.Format(time.RFC3339Nano)
		fc.LastMessage = &lm
	}
	return fc
}
