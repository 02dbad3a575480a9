package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/amurg-ai/relay/internal/config"
)

// New creates a Store based on the configured storage driver.
func New(cfg config.StorageConfig) (Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		return NewPostgres(cfg.DSN)
	case config.DriverSQLite:
		return NewSQLite(cfg.DSN)
	case config.DriverNone, "":
		return Nop{}, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver: %q", cfg.Driver)
	}
}

// Nop discards every event. It is used when storage is disabled.
type Nop struct{}

func (Nop) LogEvent(context.Context, *Event) error {
	return nil
}

func (Nop) ListEvents(context.Context, Filter) ([]Event, error) {
	return nil, nil
}

func (Nop) PurgeOlderThan(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (Nop) Ping(context.Context) error {
	return nil
}

func (Nop) Close() error {
	return nil
}
