package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/medrex/healthchain/internal/access"
	"github.com/medrex/healthchain/internal/api"
	"github.com/medrex/healthchain/internal/audit"
	"github.com/medrex/healthchain/internal/cache"
	"github.com/medrex/healthchain/internal/chain"
	"github.com/medrex/healthchain/internal/contract"
	"github.com/medrex/healthchain/internal/devledger"
	"github.com/medrex/healthchain/internal/registry"
	"github.com/medrex/healthchain/internal/vault"
	"github.com/medrex/healthchain/pkg/cipher"
	"github.com/medrex/healthchain/pkg/config"
	"github.com/medrex/healthchain/pkg/contentstore"
	"github.com/medrex/healthchain/pkg/database"
	"github.com/medrex/healthchain/pkg/logger"
	"github.com/medrex/healthchain/pkg/monitoring"
	"github.com/medrex/healthchain/pkg/retry"
	"github.com/medrex/healthchain/pkg/types"
)

const serviceName = "healthchain-agent"

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to a config file")
	issueFor := flag.String("issue-token", "", "print a session token for this address and exit")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	tokens := api.NewTokenValidator(cfg.JWT.SecretKey, cfg.JWT.Issuer, time.Duration(cfg.JWT.AccessTokenTTL)*time.Second)
	if *issueFor != "" {
		token, expiresAt, err := tokens.Issue(types.PrincipalID(*issueFor), "")
		if err != nil {
			log.Fatalf("Failed to issue token: %v", err)
		}
		fmt.Printf("%s\n# expires %s\n", token, expiresAt.Format(time.RFC3339))
		return
	}

	logger := logger.New(cfg.LogLevel)
	if err := run(cfg, tokens, logger); err != nil {
		logger.WithError(err).Fatal("Agent stopped with error")
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func run(cfg *config.Config, tokens *api.TokenValidator, logger *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metrics *monitoring.MetricsCollector
	if cfg.Monitoring.Enabled {
		metrics = monitoring.NewMetricsCollector(serviceName)
	}

	tracing := monitoring.NewNoopTracingManager()
	if cfg.Monitoring.TracingEnabled {
		tm, err := monitoring.NewTracingManager(&monitoring.TracingConfig{
			ServiceName:    serviceName,
			ServiceVersion: version,
			JaegerEndpoint: cfg.Monitoring.JaegerEndpoint,
			Environment:    cfg.Monitoring.Environment,
			SamplingRate:   cfg.Monitoring.SamplingRate,
		})
		if err != nil {
			return err
		}
		tracing = tm
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tracing.Shutdown(shutdownCtx)
		}()
	}

	health := monitoring.NewHealthManager(serviceName, version)

	ledger, err := devledger.Open(devledger.Options{
		DataDir:      cfg.Ledger.DataDir,
		InMemory:     cfg.Ledger.InMemory,
		BatchSize:    cfg.Ledger.BatchSize,
		BatchTimeout: cfg.Ledger.BatchTimeout(),
		Contract:     contract.New(contract.DefaultConfig()),
		Logger:       logger,
		Metrics:      metrics,
	})
	if err != nil {
		return err
	}
	defer ledger.Close()
	if err := ledger.VerifyChain(ctx); err != nil {
		return err
	}

	retryPolicy := retry.Policy{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		InitialInterval: time.Duration(cfg.Retry.InitialIntervalMs) * time.Millisecond,
		MaxInterval:     time.Duration(cfg.Retry.MaxIntervalMs) * time.Millisecond,
		Metrics:         metrics,
	}
	resubmit := retryPolicy
	resubmit.MaxAttempts = cfg.Ledger.MaxResubmits + 1

	client := chain.NewClient(ledger, chain.Options{
		SubmitTimeout: cfg.Ledger.SubmitTimeout(),
		Resubmit:      resubmit,
		Logger:        logger,
		Metrics:       metrics,
		Tracing:       tracing,
	})
	if err := initLedger(ctx, client, cfg, logger); err != nil {
		return err
	}
	health.RegisterChecker("ledger", monitoring.NewLedgerHealthChecker(client.Height, metrics))

	readCache, closeCache, err := openCache(ctx, cfg.Cache, logger, health)
	if err != nil {
		return err
	}
	defer closeCache()
	reader := cache.NewReader(readCache, metrics, logger)

	store, closeStore, err := openStore(ctx, cfg, logger, health)
	if err != nil {
		return err
	}
	defer closeStore()
	store = contentstore.Instrument(store, cfg.ContentStore.Backend, logger, metrics, tracing)

	keys, recordCipher, err := openKeys(cfg.Keys, logger)
	if err != nil {
		return err
	}

	reg := registry.New(client, reader, logger, cfg.Registry.MaxMetadataBytes)
	engine := access.NewEngine(client, access.Options{
		Policy:  access.PolicyFromConfig(cfg.Access),
		Reader:  reader,
		Logger:  logger,
		Metrics: metrics,
	})
	auditLog := audit.New(client, audit.Options{
		PageSize: cfg.Audit.PageSize,
		Logger:   logger,
		Metrics:  metrics,
	})
	v := vault.New(vault.Dependencies{
		Cipher:   recordCipher,
		Keys:     keys,
		Store:    store,
		Registry: reg,
		Access:   engine,
		Audit:    auditLog,
		Retry:    retryPolicy,
		Logger:   logger,
	})

	var limiter api.RateLimiter
	if cfg.Server.RateLimit > 0 {
		if rc, ok := readCache.(*cache.Redis); ok {
			limiter = rc.NewLimiter(cfg.Server.RateLimit, cfg.Server.RatePeriod())
		} else {
			local := api.NewTokenBucketLimiter(cfg.Server.RateLimit, cfg.Server.RatePeriod())
			local.StartPruning(ctx, time.Hour)
			limiter = local
		}
	}

	server := api.NewServer(api.Config{
		Addr:           cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port),
		ReadTimeout:    time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:    time.Duration(cfg.Server.IdleTimeout) * time.Second,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, api.Dependencies{
		Vault:    v,
		Registry: reg,
		Access:   engine,
		Audit:    auditLog,
		Tokens:   tokens,
		Limiter:  limiter,
		Health:   health,
		Metrics:  metrics,
		Tracing:  tracing,
		Logger:   logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down agent")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Agent stopped")
	return nil
}

// initLedger stores the ledger-side bounds on first start.
func initLedger(ctx context.Context, client *chain.Client, cfg *config.Config, logger *logger.Logger) error {
	maxSeconds := int64(cfg.Access.MaxDurationDays) * int64(24*time.Hour/time.Second)
	caller := types.PrincipalID("0x0000000000000000000000000000000000000000")
	_, err := client.Submit(ctx, caller, nil, contract.FnInitLedger,
		strconv.FormatInt(maxSeconds, 10), strconv.Itoa(cfg.Registry.MaxMetadataBytes))
	if types.TypeOf(err) == types.ErrorTypeConflict {
		logger.Debug("Ledger already initialized")
		return nil
	}
	return err
}

func openCache(ctx context.Context, cfg config.CacheConfig, logger *logger.Logger, health *monitoring.HealthManager) (cache.Cache, func(), error) {
	switch cfg.Backend {
	case config.CacheBackendRedis:
		rc, err := cache.NewRedis(ctx, cache.RedisOptions{
			Addr:     cfg.Host + ":" + strconv.Itoa(cfg.Port),
			Password: cfg.Password,
			DB:       cfg.DB,
			PoolSize: cfg.PoolSize,
			TTL:      cfg.TTL(),
			Prefix:   "healthchain:",
		})
		if err != nil {
			return nil, nil, err
		}
		health.RegisterOptional("redis", monitoring.NewCustomHealthChecker(func(ctx context.Context) monitoring.HealthCheck {
			if err := rc.Ping(ctx); err != nil {
				return monitoring.HealthCheck{Status: monitoring.HealthStatusUnhealthy, Message: err.Error()}
			}
			return monitoring.HealthCheck{Status: monitoring.HealthStatusHealthy}
		}))
		return rc, func() { rc.Close() }, nil
	case config.CacheBackendNone:
		return cache.Noop{}, func() {}, nil
	default:
		logger.WithField("ttl", cfg.TTL()).Debug("Using in-process read cache")
		return cache.NewMemory(cfg.TTL()), func() {}, nil
	}
}

func openStore(ctx context.Context, cfg *config.Config, logger *logger.Logger, health *monitoring.HealthManager) (contentstore.Store, func(), error) {
	cs := cfg.ContentStore
	switch cs.Backend {
	case config.StoreBackendIPFS:
		var opts []contentstore.IPFSOption
		if cs.IPFSProjectID != "" {
			opts = append(opts, contentstore.WithProjectCredentials(cs.IPFSProjectID, cs.IPFSProjectSecret))
		}
		return contentstore.NewIPFSStore(cs.IPFSAPIURL, cs.RequestTimeout(), opts...), func() {}, nil
	case config.StoreBackendS3:
		store, err := contentstore.NewS3StoreFromConfig(ctx, cs.S3Bucket, cs.S3Region, cs.S3Endpoint)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	case config.StoreBackendPostgres:
		db, err := database.NewConnection(ctx, &cfg.Database, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := db.CreateSchema(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		health.RegisterChecker("database", monitoring.NewDatabaseHealthChecker(db.DB))
		return contentstore.NewPostgresStore(db.DB), func() { db.Close() }, nil
	default:
		logger.Warn("Using in-memory content store; records are lost on restart")
		return contentstore.NewMemoryStore(), func() {}, nil
	}
}

func openKeys(cfg config.KeysConfig, logger *logger.Logger) (cipher.KeySource, *cipher.Cipher, error) {
	if cfg.Provider == config.KeyProviderVault {
		keys, err := cipher.NewVaultKeySource(cfg.VaultMount)
		if err != nil {
			return nil, nil, err
		}
		// Vault secrets are random bytes, so HKDF is enough to derive keys.
		argon := cipher.Argon2idDeriver{Params: cipher.DefaultArgon2Params()}
		return keys, cipher.New(cipher.HKDFDeriver{Info: "healthchain record key"}, argon), nil
	}

	keys := cipher.NewStaticKeySource()
	for address, passphrase := range cfg.StaticSecrets {
		principal, err := types.ParsePrincipal(address)
		if err != nil {
			return nil, nil, fmt.Errorf("keys.static_secrets: %w", err)
		}
		keys.Set(principal, []byte(passphrase))
	}
	if len(cfg.StaticSecrets) == 0 {
		logger.Warn("No static secrets configured; record writes will fail")
	}
	return keys, cipher.NewDefault(), nil
}
