// Package storage persists the chat repository and the send log.
//
// It currently supports:
//   - Chat records (upsert + full load on start)
//   - Send log appends, used to restore rate-limit counters after a restart
package storage
