package di

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/buntythecoder/trademaster-broker-gateway/internal/aggregate"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/breaker"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/brokers"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/brokers/adapters"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/catalog"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/clientdata"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/config"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/connections"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/domain"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/fx"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/httppool"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/marketdata"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/metrics"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/normalize"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/oauth"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/orders"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/portfolio"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/ratelimit"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/reliability"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/snapshots"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/vault"
)

// InitializeServices builds stores and services on top of the open
// databases. Everything here is constructor injection; nothing starts
// background work yet.
func InitializeServices(container *Container, cfg *config.Config, log zerolog.Logger) error {
	// Stores.
	container.ConnectionRepo = connections.NewRepository(container.ConnectionsDB.Conn(), log)
	container.OrderRepo = orders.NewRepository(container.ConnectionsDB.Conn(), log)
	container.ClientData = clientdata.NewRepository(container.CacheDB.Conn())
	container.Snapshots = snapshots.NewStore(container.HistoryDB.Conn(), log)

	container.Catalog = catalog.New(container.CacheDB.Conn(), log)
	if err := container.Catalog.Load(); err != nil {
		return fmt.Errorf("failed to load asset catalog: %w", err)
	}

	// Transport plumbing. The metrics set observes every pooled call.
	container.Registry = brokers.NewRegistry()
	container.Breakers = breaker.NewSet(log)
	container.Limiter = ratelimit.New(container.Registry, log)
	container.Metrics = metrics.New(container.Breakers)
	container.Pool = httppool.New(container.Registry, container.Limiter, container.Breakers, container.Metrics, log)

	// Credential handling.
	v, err := vault.New(cfg.VaultMasterKey, log)
	if err != nil {
		return fmt.Errorf("failed to initialize vault: %w", err)
	}
	container.Vault = v

	container.States = oauth.NewStateStore(container.ConnectionsDB.Conn(), cfg.StateSecret(), log)

	apps, err := brokerApps(cfg)
	if err != nil {
		return err
	}
	container.Coordinator = oauth.NewCoordinator(container.Registry, container.Pool, container.States, apps, container.Metrics, log)

	// Broker integration.
	container.Adapters = adapters.NewSet(container.Pool, log)
	container.Manager = connections.NewManager(container.ConnectionRepo, container.Vault, container.Coordinator, container.Adapters, log)

	// Market data.
	container.FX = fx.NewService(cfg.FXBaseURL, container.ClientData, log)
	if cfg.MarketStreamURL != "" {
		container.Stream = marketdata.NewStream(cfg.MarketStreamURL, log)
	}
	container.Oracle = marketdata.NewOracle(container.ConnectionRepo, container.Manager, container.Pool, container.ClientData, container.Stream, log)

	// Portfolio pipeline.
	container.Portfolio = portfolio.NewService(
		container.Manager,
		portfolio.NewFetcher(container.Adapters, container.Manager, log),
		normalize.New(container.Catalog, log),
		aggregate.New(container.Oracle, container.Catalog, log),
		container.ClientData,
		container.Snapshots,
		container.Metrics,
		log,
	)
	// Connecting or disconnecting a broker makes the cached consolidation
	// stale immediately.
	container.Manager.OnChange(container.Portfolio.Invalidate)

	container.Orders = orders.NewRouter(
		container.Manager, container.Manager, container.Manager,
		container.Adapters, container.Registry, container.Oracle,
		container.OrderRepo, log,
	)

	// Reliability.
	container.Backups = reliability.NewBackupService(container.Databases(), cfg.BackupDir, log)
	if cfg.Backup != nil && cfg.Backup.Enabled() {
		s3, err := reliability.NewS3Client(context.Background(), reliability.S3Config{
			Endpoint:        cfg.Backup.Endpoint,
			Region:          cfg.Backup.Region,
			Bucket:          cfg.Backup.Bucket,
			AccessKeyID:     cfg.Backup.AccessKeyID,
			SecretAccessKey: cfg.Backup.SecretAccessKey,
		}, log)
		if err != nil {
			return fmt.Errorf("failed to initialize object storage client: %w", err)
		}
		container.CloudBackups = reliability.NewCloudBackupService(s3, container.Backups, cfg.DataDir, log)
	}

	log.Info().
		Int("brokers", len(apps)).
		Bool("market_stream", container.Stream != nil).
		Bool("cloud_backup", container.CloudBackups != nil).
		Msg("Services initialized")

	return nil
}

// brokerApps converts configured credentials into OAuth applications
// keyed by broker kind.
func brokerApps(cfg *config.Config) (map[domain.BrokerKind]oauth.AppCredentials, error) {
	apps := make(map[domain.BrokerKind]oauth.AppCredentials, len(cfg.Brokers))
	for name, creds := range cfg.Brokers {
		kind, err := domain.ParseBrokerKind(name)
		if err != nil {
			return nil, fmt.Errorf("failed to parse broker credentials: %w", err)
		}
		apps[kind] = oauth.AppCredentials{
			APIKey:      creds.APIKey,
			APISecret:   creds.APISecret,
			RedirectURL: creds.RedirectURL,
		}
	}
	return apps, nil
}
