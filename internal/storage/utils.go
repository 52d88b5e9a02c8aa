package storage

import (
	"fmt"

	"github.com/hherb/bmlibrarian-orchestrator/pkg/storage"
)

// InitStore opens a store for the configured driver. "sqlite" treats dsn as a
// file path; "postgres" as a connection string.
func InitStore(driver, dsn string) (storage.Store, error) {
	switch driver {
	case "sqlite", "":
		return NewSQLiteStore(dsn)
	case "postgres":
		return NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
