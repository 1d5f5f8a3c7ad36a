// Package chats is the repository of broadcast targets. Category membership
// is derived from a record's kind and tags and kept in per-category indices.
package chats

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wetnet-beep/rassilka-tg/internal/storage"
	kit "github.com/wetnet-beep/rassilka-tg/internal/transport"
	logx "github.com/wetnet-beep/rassilka-tg/pkg/logx"
)

type Kind string

const (
	KindUser    Kind = "user"
	KindGroup   Kind = "group"
	KindChannel Kind = "channel"
	KindUnknown Kind = "unknown"
)

type Category string

const (
	CategoryAll       Category = "all"
	CategoryFavorites Category = "favorites"
	CategoryGroups    Category = "groups"
	CategoryChannels  Category = "channels"
	CategoryUsers     Category = "users"
	CategoryBlacklist Category = "blacklist"
)

// Categories lists every category in display order.
var Categories = []Category{CategoryAll, CategoryFavorites, CategoryGroups, CategoryChannels, CategoryUsers, CategoryBlacklist}

const (
	TagBlacklist = "blacklist"
	TagFavorite  = "favorite"
)

// ParseCategory maps a name to a category. Unknown names fall back to all.
func ParseCategory(s string) Category {
	switch c := Category(strings.ToLower(strings.TrimSpace(s))); c {
	case CategoryFavorites, CategoryGroups, CategoryChannels, CategoryUsers, CategoryBlacklist:
		return c
	case "favorite":
		return CategoryFavorites
	default:
		return CategoryAll
	}
}

// ParseKind maps a transport chat type ("private", "supergroup", ...) to a Kind.
func ParseKind(t string) Kind {
	t = strings.ToLower(strings.TrimSpace(t))
	switch {
	case t == "":
		return KindUnknown
	case strings.Contains(t, "channel"):
		return KindChannel
	case strings.Contains(t, "group") || strings.Contains(t, "chat"):
		return KindGroup
	case t == "private" || t == "user" || t == "bot":
		return KindUser
	default:
		return KindUnknown
	}
}

type Record struct {
	ID            int64
	Title         string
	Username      string
	Kind          Kind
	Participants  int
	Tags          map[string]struct{}
	Active        bool
	AddedAt       time.Time
	LastMessageAt *time.Time
	MessageCount  int
}

// HasTag reports whether the record carries tag (case-insensitive).
func (r Record) HasTag(tag string) bool {
	_, ok := r.Tags[strings.ToLower(tag)]
	return ok
}

// TagList returns the tags sorted.
func (r Record) TagList() []string {
	out := make([]string, 0, len(r.Tags))
	for t := range r.Tags {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Category returns the single derived category. Blacklist wins over
// favorites, which wins over the kind-derived category.
func (r Record) Category() Category {
	switch {
	case r.HasTag(TagBlacklist):
		return CategoryBlacklist
	case r.HasTag(TagFavorite) || r.HasTag("favorites"):
		return CategoryFavorites
	}
	switch r.Kind {
	case KindChannel:
		return CategoryChannels
	case KindGroup:
		return CategoryGroups
	default:
		return CategoryUsers
	}
}

// DisplayName is used for message personalization.
func (r Record) DisplayName() string {
	if s := strings.TrimSpace(r.Title); s != "" {
		return s
	}
	if r.Username != "" {
		return "@" + r.Username
	}
	return "friend"
}

func (r Record) clone() Record {
	c := r
	c.Tags = make(map[string]struct{}, len(r.Tags))
	for t := range r.Tags {
		c.Tags[t] = struct{}{}
	}
	if r.LastMessageAt != nil {
		t := *r.LastMessageAt
		c.LastMessageAt = &t
	}
	return c
}

// NewTags builds a tag set; tags are lower-cased and trimmed.
func NewTags(tags ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			out[t] = struct{}{}
		}
	}
	return out
}

type entry struct {
	rec Record
	seq uint64 // insertion order
	cat Category
}

type Option func(*Store)

// WithPersistence writes every mutation through to st.
func WithPersistence(st storage.Store) Option {
	return func(s *Store) { s.persist = st }
}

// WithClock overrides time.Now for MarkSent and AddedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is safe for concurrent use.
type Store struct {
	log     logx.Logger
	persist storage.Store
	now     func() time.Time

	mu    sync.RWMutex
	byID  map[int64]*entry
	index map[Category]map[int64]struct{}
	seq   uint64
}

func New(log logx.Logger, opts ...Option) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Store{
		log:   log,
		now:   time.Now,
		byID:  map[int64]*entry{},
		index: map[Category]map[int64]struct{}{},
	}
	for _, c := range Categories {
		s.index[c] = map[int64]struct{}{}
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Load upserts every persisted row without writing back.
func (s *Store) Load(ctx context.Context) (int, error) {
	if s.persist == nil {
		return 0, nil
	}
	rows, err := s.persist.LoadChats(ctx)
	if err != nil {
		return 0, &storage.PersistenceError{Op: "load chats", Err: err}
	}
	s.mu.Lock()
	for _, row := range rows {
		s.upsertLocked(fromRow(row))
	}
	s.mu.Unlock()
	return len(rows), nil
}

// AddOrUpdate upserts by id and recomputes the record's category.
func (s *Store) AddOrUpdate(rec Record) {
	s.mu.Lock()
	r := s.upsertLocked(rec)
	s.mu.Unlock()
	s.save(r)
}

// Import is a bulk AddOrUpdate.
func (s *Store) Import(batch []Record) {
	if len(batch) == 0 {
		return
	}
	saved := make([]Record, 0, len(batch))
	s.mu.Lock()
	for _, rec := range batch {
		saved = append(saved, s.upsertLocked(rec))
	}
	s.mu.Unlock()
	s.save(saved...)
}

// ImportFetched merges chats enumerated by the transport. Title, username,
// kind and participant count are refreshed; tags, activity and counters of
// known chats are kept. It returns how many chats were new.
func (s *Store) ImportFetched(infos []kit.ChatInfo) int {
	if len(infos) == 0 {
		return 0
	}
	added := 0
	saved := make([]Record, 0, len(infos))
	s.mu.Lock()
	for _, in := range infos {
		rec := Record{
			ID:           in.ID,
			Title:        in.Title,
			Username:     in.Username,
			Kind:         ParseKind(in.Type),
			Participants: in.Participants,
			Active:       true,
		}
		if e, ok := s.byID[in.ID]; ok {
			old := e.rec
			rec.Tags = old.Tags
			rec.Active = old.Active
			rec.AddedAt = old.AddedAt
			rec.LastMessageAt = old.LastMessageAt
			rec.MessageCount = old.MessageCount
		} else {
			added++
		}
		saved = append(saved, s.upsertLocked(rec))
	}
	s.mu.Unlock()
	s.save(saved...)
	return added
}

func (s *Store) upsertLocked(rec Record) Record {
	rec = rec.clone()
	if rec.Kind == "" {
		rec.Kind = KindUnknown
	}
	normalized := make(map[string]struct{}, len(rec.Tags))
	for t := range rec.Tags {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			normalized[t] = struct{}{}
		}
	}
	rec.Tags = normalized

	e, ok := s.byID[rec.ID]
	if !ok {
		s.seq++
		if rec.AddedAt.IsZero() {
			rec.AddedAt = s.now()
		}
		e = &entry{seq: s.seq}
		s.byID[rec.ID] = e
	} else {
		if rec.AddedAt.IsZero() {
			rec.AddedAt = e.rec.AddedAt
		}
		s.unindexLocked(e)
	}
	e.rec = rec
	s.indexLocked(e)
	return rec.clone()
}

func (s *Store) indexLocked(e *entry) {
	e.cat = e.rec.Category()
	s.index[e.cat][e.rec.ID] = struct{}{}
	if e.cat != CategoryBlacklist {
		s.index[CategoryAll][e.rec.ID] = struct{}{}
	}
}

func (s *Store) unindexLocked(e *entry) {
	delete(s.index[e.cat], e.rec.ID)
	delete(s.index[CategoryAll], e.rec.ID)
}

// SelectForBroadcast returns active, non-blacklisted ids of category in
// insertion order, truncated to limit (<= 0 means no limit).
func (s *Store) SelectForBroadcast(category Category, limit int) []int64 {
	category = ParseCategory(string(category))
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := s.index[category]
	picked := make([]*entry, 0, len(members))
	for id := range members {
		e := s.byID[id]
		if e == nil || !e.rec.Active || e.rec.HasTag(TagBlacklist) {
			continue
		}
		picked = append(picked, e)
	}
	sort.Slice(picked, func(i, j int) bool { return picked[i].seq < picked[j].seq })
	if limit > 0 && len(picked) > limit {
		picked = picked[:limit]
	}
	out := make([]int64, len(picked))
	for i, e := range picked {
		out[i] = e.rec.ID
	}
	return out
}

// MarkSent bumps the message counter and last-message time. Unknown ids are
// ignored.
func (s *Store) MarkSent(id int64) {
	s.mu.Lock()
	e, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	now := s.now()
	e.rec.MessageCount++
	e.rec.LastMessageAt = &now
	rec := e.rec.clone()
	s.mu.Unlock()
	s.save(rec)
}

// Tag adds tag to a record. It returns false for unknown ids.
func (s *Store) Tag(id int64, tag string) bool {
	return s.mutate(id, func(r *Record) {
		if t := strings.ToLower(strings.TrimSpace(tag)); t != "" {
			r.Tags[t] = struct{}{}
		}
	})
}

// Untag removes tag from a record. It returns false for unknown ids.
func (s *Store) Untag(id int64, tag string) bool {
	return s.mutate(id, func(r *Record) {
		delete(r.Tags, strings.ToLower(strings.TrimSpace(tag)))
	})
}

// SetActive toggles whether a record may be selected.
func (s *Store) SetActive(id int64, active bool) bool {
	return s.mutate(id, func(r *Record) { r.Active = active })
}

func (s *Store) mutate(id int64, fn func(*Record)) bool {
	s.mu.Lock()
	e, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	rec := e.rec.clone()
	fn(&rec)
	saved := s.upsertLocked(rec)
	s.mu.Unlock()
	s.save(saved)
	return true
}

func (s *Store) Get(id int64) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	if !ok {
		return Record{}, false
	}
	return e.rec.clone(), true
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// Counts returns the index size of every category.
func (s *Store) Counts() map[Category]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[Category]int, len(s.index))
	for c, m := range s.index {
		out[c] = len(m)
	}
	return out
}

// List returns up to limit records in insertion order (<= 0 means all).
func (s *Store) List(limit int) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]*entry, 0, len(s.byID))
	for _, e := range s.byID {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	out := make([]Record, len(all))
	for i, e := range all {
		out[i] = e.rec.clone()
	}
	return out
}

// save writes records through best effort; failures never reach callers.
func (s *Store) save(recs ...Record) {
	if s.persist == nil || len(recs) == 0 {
		return
	}
	rows := make([]storage.ChatRow, len(recs))
	for i, r := range recs {
		rows[i] = toRow(r)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.persist.SaveChats(ctx, rows...); err != nil {
		pe := &storage.PersistenceError{Op: "save chats", Err: err}
		s.log.Warn("chat persistence failed; continuing in memory", logx.Int("records", len(rows)), logx.Err(pe))
	}
}

func kindToType(k Kind) string {
	switch k {
	case KindUser:
		return "private"
	case KindGroup:
		return "group"
	case KindChannel:
		return "channel"
	default:
		return "unknown"
	}
}

func toRow(r Record) storage.ChatRow {
	return storage.ChatRow{
		ID:           r.ID,
		Title:        r.Title,
		Username:     r.Username,
		Type:         kindToType(r.Kind),
		Participants: r.Participants,
		Added:        r.AddedAt,
		LastMessage:  r.LastMessageAt,
		MessageCount: r.MessageCount,
		Tags:         r.TagList(),
		Active:       r.Active,
	}
}

func fromRow(row storage.ChatRow) Record {
	return Record{
		ID:            row.ID,
		Title:         row.Title,
		Username:      row.Username,
		Kind:          ParseKind(row.Type),
		Participants:  row.Participants,
		Tags:          NewTags(row.Tags...),
		Active:        row.Active,
		AddedAt:       row.Added,
		LastMessageAt: row.LastMessage,
		MessageCount:  row.MessageCount,
	}
}
