package main

import (
	"fmt"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/klingon-exchange/klingon-wallet/internal/asset"
	"github.com/klingon-exchange/klingon-wallet/internal/backend"
	"github.com/klingon-exchange/klingon-wallet/internal/bitcoin"
	"github.com/klingon-exchange/klingon-wallet/internal/cache"
	"github.com/klingon-exchange/klingon-wallet/internal/chain"
	"github.com/klingon-exchange/klingon-wallet/internal/config"
	"github.com/klingon-exchange/klingon-wallet/internal/ethereum"
	"github.com/klingon-exchange/klingon-wallet/internal/orchestrator"
	"github.com/klingon-exchange/klingon-wallet/internal/payreq"
	"github.com/klingon-exchange/klingon-wallet/internal/provider"
	"github.com/klingon-exchange/klingon-wallet/internal/rates"
	"github.com/klingon-exchange/klingon-wallet/internal/solana"
	"github.com/klingon-exchange/klingon-wallet/internal/storage"
	"github.com/klingon-exchange/klingon-wallet/internal/vault"
	"github.com/klingon-exchange/klingon-wallet/pkg/logging"
)

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	dataDir  string
	testnet  bool
	logLevel string
}

// app is the wired wallet core for one command invocation.
type app struct {
	cfg      *config.Config
	log      *logging.Logger
	store    *storage.Storage
	vaults   *vault.Manager
	assets   *asset.Registry
	cache    *cache.Cache
	registry *prometheus.Registry
	orch     *orchestrator.Orchestrator
}

// loadConfig resolves the data directory and loads config.yaml. Testnet
// data lives in a subdirectory.
func loadConfig(flags *globalFlags) (*config.Config, error) {
	dataDir := flags.dataDir
	if flags.testnet {
		dataDir = filepath.Join(dataDir, "testnet")
	}

	cfg, err := config.Load(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if flags.testnet {
		cfg.Network = chain.Testnet
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	return cfg, nil
}

func setupLogging(cfg *config.Config) *logging.Logger {
	lc := logging.DefaultConfig()
	lc.Level = cfg.Logging.Level
	if cfg.Logging.File != "" {
		lc.File = config.ExpandPath(cfg.Logging.File)
	}
	log := logging.New(lc)
	logging.SetDefault(log)
	return log
}

// openVault opens the sqlite store and the sealed vault on top of it.
func openVault(cfg *config.Config) (*storage.Storage, *vault.Manager, error) {
	key, ok := config.VaultKey()
	if !ok {
		return nil, nil, fmt.Errorf("%s is not set", config.EnvVaultKey)
	}

	store, err := storage.New(&storage.Config{
		DataDir: cfg.DataDir,
		File:    filepath.Base(cfg.VaultPath()),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	secure := vault.NewSecureStore(store, []byte(key), vault.DefaultKDFParams)
	return store, vault.NewManager(secure), nil
}

func loadAssets(cfg *config.Config) (*asset.Registry, error) {
	if cfg.AssetsFile != "" {
		return asset.LoadFile(config.ExpandPath(cfg.AssetsFile), cfg.Network)
	}
	return asset.Default(cfg.Network)
}

// newProviders builds one provider per chain family from the configured
// endpoints.
func newProviders(cfg *config.Config) (*provider.Registry, error) {
	providers := provider.NewRegistry()

	idx := backend.New(cfg.Backend(chain.Bitcoin), cfg.Network)
	providers.MustRegister(bitcoin.NewProvider(bitcoin.NewService(idx, cfg.Network, cfg.Bitcoin.FallbackFeeRate)))

	providers.MustRegister(solana.NewProvider(solana.Dial(cfg.BackendURL(chain.Solana)), cfg.Network))

	gasPrice := ethereum.GweiToWei(cfg.Ethereum.DefaultGasPriceGwei)
	eth, err := ethereum.Dial(cfg.BackendURL(chain.Ethereum), cfg.EthereumChainID(), gasPrice)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ethereum node: %w", err)
	}
	providers.MustRegister(ethereum.NewProvider(eth, cfg.Network))

	return providers, nil
}

// newApp wires the wallet core. The refresher is started; callers stop it
// with close.
func newApp(flags *globalFlags) (*app, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	log := setupLogging(cfg)
	log.Debug("Config loaded", "path", config.ConfigPath(cfg.DataDir), "network", cfg.Network)

	assets, err := loadAssets(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load assets: %w", err)
	}

	store, vaults, err := openVault(cfg)
	if err != nil {
		return nil, err
	}

	providers, err := newProviders(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	files, err := cache.NewFileStore(cfg.CacheDir())
	if err != nil {
		store.Close()
		return nil, err
	}
	registry := prometheus.NewRegistry()
	metrics := cache.NewMetrics(registry)
	refresher := cache.NewRefresher(cache.RefresherConfig{
		Workers:   cfg.Cache.Workers,
		QueueSize: cfg.Cache.QueueSize,
		Timeout:   cfg.Cache.RefreshTimeout,
	}, metrics)
	c := cache.New(files, refresher, metrics, cfg.Cache.Lifetime)

	var opts []orchestrator.Option
	if cfg.Rates.Enabled {
		url := cfg.Rates.URL
		if url == "" {
			url = rates.DefaultURL
		}
		opts = append(opts, orchestrator.WithRates(rates.NewCached(rates.NewService(url), c, cfg.Rates.Fiat)))
	}

	refresher.Start()
	return &app{
		cfg:      cfg,
		log:      log,
		store:    store,
		vaults:   vaults,
		assets:   assets,
		cache:    c,
		registry: registry,
		orch:     orchestrator.New(vaults, assets, providers, c, opts...),
	}, nil
}

func (a *app) parser() *payreq.Parser {
	return payreq.NewParser(a.assets, a.cfg.Network)
}

// close stops the refresher, letting running jobs finish, and closes the
// store.
func (a *app) close() {
	r := a.cache.Refresher()
	r.Stop()
	r.Wait()
	if err := a.store.Close(); err != nil {
		a.log.Error("Error closing storage", "error", err)
	}
}
