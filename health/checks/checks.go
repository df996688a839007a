// Package checks provides ready-made health.Checker implementations for
// the dependencies the supervisor cares about: the RepoDB connection and
// the storage root directory.
package checks

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/xarblu/portcache/health"
)

// DBChecker pings db and reports failure if it is unreachable.
func DBChecker(db *sql.DB) health.Checker {
	return health.CheckFunc(func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("repodb: %w", err)
		}
		return nil
	})
}

// StorageChecker reports failure if root does not exist or is not a
// directory.
func StorageChecker(root string) health.Checker {
	return health.CheckFunc(func(context.Context) error {
		fi, err := os.Stat(root)
		if err != nil {
			return fmt.Errorf("storage root: %w", err)
		}
		if !fi.IsDir() {
			return fmt.Errorf("storage root %q is not a directory", root)
		}
		return nil
	})
}
