package store

import (
	"context"
	"fmt"
)

// DriverMemory selects the in-process store.
const DriverMemory = "memory"

// Open returns the store selected by driver. SQL stores are migrated before
// being returned.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "", DriverMemory:
		return NewMemoryStore(), nil
	case DriverSQLite, DriverPostgres:
		s, err := OpenSQL(ctx, driver, dsn)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
