package storage

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON chat map + sends.jsonl next to it
//   - "sqlite": SQLite database file
//   - "bolt": bbolt key/value file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// ChatRow is the persisted form of a chat record. Categories are never
// stored; they are re-derived from Type and Tags on load.
type ChatRow struct {
	ID           int64
	Title        string
	Username     string
	Type         string
	Participants int
	Added        time.Time
	LastMessage  *time.Time
	MessageCount int
	Tags         []string
	Active       bool
}

// SendEntry is one line of the send log.
type SendEntry struct {
	At         time.Time
	ChatID     int64
	CampaignID string
	OK         bool
	Error      string
}

// PersistenceError reports a failed store read or write. Callers log it and
// keep running on in-memory state.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// sortRows orders rows by first appearance (Added, then id) so a reloaded
// store keeps a stable selection order.
func sortRows(rows []ChatRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if !a.Added.Equal(b.Added) {
			return a.Added.Before(b.Added)
		}
		return a.ID < b.ID
	})
}

// sendRetention bounds how long the send log keeps entries.
const sendRetention = 7 * 24 * time.Hour
