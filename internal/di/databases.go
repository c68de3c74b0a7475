package di

import (
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/buntythecoder/trademaster-broker-gateway/internal/config"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/database"
)

// InitializeDatabases opens the three databases and applies schemas.
func InitializeDatabases(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container := &Container{}

	// connections.db - credentials and the order audit trail. Ledger
	// profile: losing a row here loses a broker link or an order record.
	connectionsDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "connections.db"),
		Profile: database.ProfileLedger,
		Name:    "connections",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize connections database: %w", err)
	}
	container.ConnectionsDB = connectionsDB

	// cache.db - TTL rows rebuilt from broker APIs. Cache profile trades
	// durability for speed.
	cacheDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "cache.db"),
		Profile: database.ProfileCache,
		Name:    "cache",
	})
	if err != nil {
		connectionsDB.Close()
		return nil, fmt.Errorf("failed to initialize cache database: %w", err)
	}
	container.CacheDB = cacheDB

	// history.db - portfolio snapshots, append-only. The cgo driver takes
	// the snapshot write volume.
	historyDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "history.db"),
		Profile: database.ProfileStandard,
		Name:    "history",
		Driver:  "sqlite3",
	})
	if err != nil {
		connectionsDB.Close()
		cacheDB.Close()
		return nil, fmt.Errorf("failed to initialize history database: %w", err)
	}
	container.HistoryDB = historyDB

	for _, db := range []*database.DB{connectionsDB, cacheDB, historyDB} {
		if err := db.Migrate(); err != nil {
			connectionsDB.Close()
			cacheDB.Close()
			historyDB.Close()
			return nil, fmt.Errorf("failed to apply schema to %s: %w", db.Name(), err)
		}
	}

	log.Info().Msg("All databases initialized and schemas applied")

	return container, nil
}
