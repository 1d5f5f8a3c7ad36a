package transport

import (
	"context"
	"errors"
	"fmt"
)

// ChatInfo is what a transport knows about a chat it can deliver to.
// Type is the raw provider type name (e.g. "private", "group", "supergroup",
// "channel"); the chat store derives its own kind from it.
type ChatInfo struct {
	ID           int64
	Title        string
	Username     string
	Type         string
	Participants int
}

// Sender is the outbound capability consumed by the broadcast engine.
//
// Implementations must be safe to call from one goroutine at a time; the
// engine serializes Send calls by design.
type Sender interface {
	Connect(ctx context.Context) error
	FetchChats(ctx context.Context, limit int) ([]ChatInfo, error)
	Send(ctx context.Context, chatID int64, text string) error
	Disconnect(ctx context.Context) error
}

// ---- Inbound updates (operator commands) ----

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
}

type Update struct {
	Message *Message
}

// UpdateSource is implemented by transports that can also receive operator
// messages (the Telegram bot does; dry-run does not).
type UpdateSource interface {
	Updates() <-chan Update
}

// ---- Errors ----

// ErrNotConnected is returned by Send/FetchChats before Connect succeeded.
var ErrNotConnected = errors.New("transport not connected")

// ConnectionError reports a failed Connect. The engine never reconnects on
// its own; the caller decides whether to retry.
type ConnectionError struct {
	Transport string
	Err       error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: connect failed: %v", e.Transport, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SendError reports a failed delivery to one chat. Failed items are counted
// and discarded, never retried.
type SendError struct {
	ChatID int64
	Err    error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to chat %d: %v", e.ChatID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }
