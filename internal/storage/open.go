package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	logx "github.com/wetnet-beep/rassilka-tg/pkg/logx"
)

// Store is the persistence API used by the chat store and the broadcast
// worker.
type Store interface {
	LoadChats(ctx context.Context) ([]ChatRow, error)
	SaveChats(ctx context.Context, rows ...ChatRow) error
	AppendSend(ctx context.Context, e SendEntry) error
	// CountSends returns the number of successful sends at or after since.
	CountSends(ctx context.Context, since time.Time) (int, error)
	Close() error
}

type opener func(cfg Config, log logx.Logger) (Store, error)

// drivers maps every accepted driver name, aliases included.
var drivers = map[string]opener{
	"file":    openFile,
	"json":    openFile,
	"sqlite":  openSQLite,
	"sqlite3": openSQLite,
	"bolt":    openBolt,
	"bbolt":   openBolt,
}

// Open returns the configured store, or (nil, nil) when the driver is empty
// or "none".
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	open, ok := drivers[driver]
	if !ok {
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, &PersistenceError{Op: "open", Err: fmt.Errorf("storage.path is required for driver %s", driver)}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	st, err := open(cfg, log)
	if err != nil {
		return nil, &PersistenceError{Op: "open " + driver, Err: err}
	}
	log.Info("storage opened", logx.String("driver", driver), logx.String("path", cfg.Path))
	return st, nil
}
