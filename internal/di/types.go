// Package di wires the gateway's dependency graph.
//
// Wire() builds everything in dependency order: databases, then stores
// and core services, then scheduled jobs. The Container is the single
// source of truth for service instances and is handed to the HTTP
// server and to main for lifecycle management.
package di

import (
	"github.com/buntythecoder/trademaster-broker-gateway/internal/breaker"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/brokers"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/catalog"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/clientdata"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/connections"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/database"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/domain"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/fx"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/httppool"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/marketdata"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/metrics"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/oauth"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/orders"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/portfolio"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/ratelimit"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/reliability"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/snapshots"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/vault"
)

// Container holds every shared dependency of the running gateway.
type Container struct {
	// Databases. Connections and orders share the ledger-profile
	// database; caches are rebuildable and snapshots append-only.
	ConnectionsDB *database.DB
	CacheDB       *database.DB
	HistoryDB     *database.DB

	// Stores.
	ConnectionRepo *connections.Repository
	OrderRepo      *orders.Repository
	ClientData     *clientdata.Repository
	Snapshots      *snapshots.Store
	Catalog        *catalog.Catalog

	// Transport plumbing shared by every broker call.
	Registry *brokers.Registry
	Limiter  *ratelimit.Limiter
	Breakers *breaker.Set
	Pool     *httppool.Pool
	Metrics  *metrics.Metrics

	// Credential handling.
	Vault       *vault.Vault
	States      *oauth.StateStore
	Coordinator *oauth.Coordinator

	// Broker integration.
	Adapters map[domain.BrokerKind]domain.BrokerAdapter
	Manager  *connections.Manager

	// Market data.
	FX     *fx.Service
	Stream *marketdata.Stream // nil unless a stream URL is configured
	Oracle *marketdata.Oracle

	// User-facing services.
	Portfolio *portfolio.Service
	Orders    *orders.Router

	// Reliability.
	Backups      *reliability.BackupService
	CloudBackups *reliability.CloudBackupService // nil unless object storage is configured
}

// JobInstances exposes the scheduled jobs for manual triggering.
type JobInstances struct {
	Probe         *connections.ProbeJob
	FXRefresh     *fx.RefreshJob
	SnapshotPrune *snapshots.PruneJob
	CacheCleanup  *clientdata.CleanupJob
	StatePrune    *oauth.PruneJob
	DailyBackup   *reliability.DailyBackupJob
	WeeklyBackup  *reliability.WeeklyBackupJob
	Maintenance   *reliability.MaintenanceJob
	Vacuum        *reliability.VacuumJob
	CloudBackup   *reliability.CloudBackupJob // nil unless object storage is configured
}

// Databases returns the open databases keyed by name, for status
// reporting and maintenance jobs.
func (c *Container) Databases() map[string]*database.DB {
	return map[string]*database.DB{
		"connections": c.ConnectionsDB,
		"cache":       c.CacheDB,
		"history":     c.HistoryDB,
	}
}

// Close releases everything Wire opened, in reverse dependency order.
func (c *Container) Close() {
	if c.Stream != nil {
		_ = c.Stream.Stop()
	}
	for _, db := range []*database.DB{c.HistoryDB, c.CacheDB, c.ConnectionsDB} {
		if db != nil {
			db.Close()
		}
	}
}
