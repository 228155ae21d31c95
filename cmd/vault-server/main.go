package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	awsConfig "github.com/ideacapital/vault-go/internal/aws"
	"github.com/ideacapital/vault-go/pkg/auth"
	"github.com/ideacapital/vault-go/pkg/chain"
	"github.com/ideacapital/vault-go/pkg/config"
	"github.com/ideacapital/vault-go/pkg/dividend"
	"github.com/ideacapital/vault-go/pkg/investment"
	"github.com/ideacapital/vault-go/pkg/logger"
	"github.com/ideacapital/vault-go/pkg/messaging"
	redisStream "github.com/ideacapital/vault-go/pkg/messaging/redis"
	"github.com/ideacapital/vault-go/pkg/persistence"
	"github.com/ideacapital/vault-go/pkg/persistence/badger"
	"github.com/ideacapital/vault-go/pkg/persistence/memory"
	"github.com/ideacapital/vault-go/pkg/persistence/postgres"
	redisPersistence "github.com/ideacapital/vault-go/pkg/persistence/redis"
	"github.com/ideacapital/vault-go/pkg/secrets"
	"github.com/ideacapital/vault-go/pkg/server"
	"github.com/ideacapital/vault-go/pkg/verifier"
	"github.com/ideacapital/vault-go/pkg/watcher"
)

func main() {
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "vault-server",
		Usage: "Investment verification and dividend vault",
		Description: `Verifies crowdsale investments on-chain and turns revenue events into
Merkle-committed dividend claims.

The server:
- verifies investment transactions submitted over HTTP or the investment.pending stream
- publishes confirmed investments to the investment.confirmed stream
- optionally watches the crowdsale contract for Investment events
- allocates revenue across fee recipients and token holders and serves claim proofs`,
		Version: "1.0.0",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Value:   8080,
				Usage:   "HTTP server port",
				EnvVars: []string{config.EnvVaultPort},
			},
			&cli.Uint64Flag{
				Name:     "chain-id",
				Aliases:  []string{"chain"},
				Usage:    fmt.Sprintf("Chain ID: %s", config.GetSupportedChainIDsString()),
				EnvVars:  []string{config.EnvVaultChainID},
				Required: true,
			},
			&cli.StringFlag{
				Name:    "rpc-url",
				Aliases: []string{"rpc"},
				Usage:   "JSON-RPC endpoint URL",
				Value:   "http://localhost:8545",
				EnvVars: []string{config.EnvVaultRPCURL},
			},
			&cli.Float64Flag{
				Name:    "rpc-rate-limit",
				Usage:   "Maximum RPC requests per second, 0 for unlimited",
				EnvVars: []string{config.EnvVaultRPCRateLimit},
			},
			&cli.StringFlag{
				Name:    "crowdsale-address",
				Usage:   "Crowdsale contract whose Investment events are accepted; optional on devnet only",
				EnvVars: []string{config.EnvVaultCrowdsaleAddress},
			},
			&cli.StringFlag{
				Name:    "invention-id",
				Usage:   "Invention sold by the watched crowdsale",
				EnvVars: []string{config.EnvVaultInventionID},
			},
			&cli.StringFlag{
				Name:    "amount-tolerance",
				Usage:   "Relative deviation accepted between on-chain and submitted amounts (default 0.01)",
				EnvVars: []string{config.EnvVaultAmountTolerance},
			},
			&cli.StringFlag{
				Name:    "rounding",
				Usage:   "Rounding mode for money: half_up or half_even",
				Value:   "half_up",
				EnvVars: []string{config.EnvVaultRounding},
			},
			&cli.StringFlag{
				Name:    "cors-origins",
				Usage:   "Comma separated list of allowed CORS origins",
				EnvVars: []string{config.EnvVaultCORSOrigins},
			},
			&cli.StringFlag{
				Name:    "persistence",
				Usage:   "Storage backend: memory, badger, redis or postgres",
				Value:   string(config.PersistenceMemory),
				EnvVars: []string{config.EnvVaultPersistence},
			},
			&cli.StringFlag{
				Name:    "data-path",
				Usage:   "Badger data directory",
				EnvVars: []string{config.EnvVaultDataPath},
			},
			&cli.StringFlag{
				Name:    "redis-address",
				Usage:   "Redis host:port for storage and messaging",
				EnvVars: []string{config.EnvVaultRedisAddress},
			},
			&cli.StringFlag{
				Name:    "redis-password",
				EnvVars: []string{config.EnvVaultRedisPassword},
			},
			&cli.IntFlag{
				Name:    "redis-db",
				EnvVars: []string{config.EnvVaultRedisDB},
			},
			&cli.StringFlag{
				Name:    "redis-key-prefix",
				EnvVars: []string{config.EnvVaultRedisKeyPrefix},
			},
			&cli.StringFlag{
				Name:    "postgres-url",
				Usage:   "postgres:// connection string",
				EnvVars: []string{config.EnvVaultPostgresURL},
			},
			&cli.BoolFlag{
				Name:    "messaging",
				Usage:   "Consume investment.pending and publish investment.confirmed on Redis Streams",
				EnvVars: []string{config.EnvVaultMessaging},
			},
			&cli.StringFlag{
				Name:    "consumer-name",
				Usage:   "Consumer name of this replica inside the stream group",
				EnvVars: []string{config.EnvVaultConsumerName},
			},
			&cli.IntFlag{
				Name:    "max-deliveries",
				Usage:   "Deliveries of a retried message before it moves to the dead-letter stream, 0 retries forever",
				EnvVars: []string{config.EnvVaultMaxDeliveries},
			},
			&cli.BoolFlag{
				Name:    "watcher",
				Usage:   "Watch the crowdsale contract for Investment events",
				EnvVars: []string{config.EnvVaultWatcher},
			},
			&cli.Uint64Flag{
				Name:    "watcher-start-block",
				EnvVars: []string{config.EnvVaultWatcherStartBlock},
			},
			&cli.DurationFlag{
				Name:    "watcher-interval",
				Value:   watcher.DefaultPollInterval,
				EnvVars: []string{config.EnvVaultWatcherInterval},
			},
			&cli.Uint64Flag{
				Name:    "confirmations",
				Usage:   "Blocks an event must be buried under, 0 selects the chain default",
				EnvVars: []string{config.EnvVaultConfirmations},
			},
			&cli.StringFlag{
				Name:    "shared-secret",
				Usage:   "HMAC secret for the X-Vault-Auth header",
				EnvVars: []string{config.EnvVaultSharedSecret},
			},
			&cli.StringFlag{
				Name:    "shared-secret-ciphertext",
				Usage:   "Base64 KMS ciphertext of the shared secret",
				EnvVars: []string{config.EnvVaultSharedSecretKMS},
			},
			&cli.StringFlag{
				Name:    "kms-key-id",
				EnvVars: []string{config.EnvVaultKMSKeyID},
			},
			&cli.StringFlag{
				Name:    "aws-region",
				EnvVars: []string{config.EnvVaultAWSRegion},
			},
			&cli.StringFlag{
				Name:    "aws-profile",
				EnvVars: []string{config.EnvVaultAWSProfile},
			},
			&cli.StringFlag{
				Name:    "oidc-jwks-url",
				EnvVars: []string{config.EnvVaultOIDCJWKSURL},
			},
			&cli.StringFlag{
				Name:    "oidc-issuer",
				EnvVars: []string{config.EnvVaultOIDCIssuer},
			},
			&cli.StringFlag{
				Name:    "oidc-audience",
				EnvVars: []string{config.EnvVaultOIDCAudience},
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Usage:   "Enable verbose logging",
				EnvVars: []string{config.EnvVaultDebug},
			},
		},
		Action: runVaultServer,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

func parseVaultConfig(c *cli.Context) *config.VaultConfig {
	return &config.VaultConfig{
		Port:               c.Int("port"),
		ChainID:            config.ChainId(c.Uint64("chain-id")),
		RpcUrl:             c.String("rpc-url"),
		RPCRateLimit:       c.Float64("rpc-rate-limit"),
		CrowdsaleAddress:   c.String("crowdsale-address"),
		InventionID:        c.String("invention-id"),
		AmountTolerance:    c.String("amount-tolerance"),
		Rounding:           c.String("rounding"),
		CORSAllowedOrigins: config.SplitOrigins(c.String("cors-origins")),
		Persistence: config.PersistenceConfig{
			Type:           config.PersistenceType(c.String("persistence")),
			DataPath:       c.String("data-path"),
			RedisAddress:   c.String("redis-address"),
			RedisPassword:  c.String("redis-password"),
			RedisDB:        c.Int("redis-db"),
			RedisKeyPrefix: c.String("redis-key-prefix"),
			PostgresURL:    c.String("postgres-url"),
		},
		Messaging: config.MessagingConfig{
			Enabled:       c.Bool("messaging"),
			ConsumerName:  c.String("consumer-name"),
			MaxDeliveries: c.Int("max-deliveries"),
		},
		Watcher: config.WatcherConfig{
			Enabled:           c.Bool("watcher"),
			StartBlock:        c.Uint64("watcher-start-block"),
			PollInterval:      c.Duration("watcher-interval"),
			ConfirmationDepth: c.Uint64("confirmations"),
		},
		Auth: config.AuthConfig{
			SharedSecret:           c.String("shared-secret"),
			SharedSecretCiphertext: c.String("shared-secret-ciphertext"),
			KMSKeyID:               c.String("kms-key-id"),
			AWSRegion:              c.String("aws-region"),
			AWSProfile:             c.String("aws-profile"),
			OIDCJWKSURL:            c.String("oidc-jwks-url"),
			OIDCIssuer:             c.String("oidc-issuer"),
			OIDCAudience:           c.String("oidc-audience"),
		},
		Debug: c.Bool("verbose"),
	}
}

func runVaultServer(c *cli.Context) error {
	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: c.Bool("verbose")})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = l.Sync() }()

	cfg := parseVaultConfig(c)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	l.Sugar().Infow("Using chain", "name", cfg.ChainName, "chain_id", cfg.ChainID)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := newPersistence(ctx, cfg, l)
	if err != nil {
		return fmt.Errorf("failed to open persistence: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			l.Sugar().Warnw("Failed to close persistence", "error", err)
		}
	}()

	client, err := chain.NewClient(ctx, &chain.ClientConfig{
		RPCURL:            cfg.RpcUrl,
		RequestsPerSecond: cfg.RPCRateLimit,
	}, l)
	if err != nil {
		return fmt.Errorf("failed to create chain client: %w", err)
	}
	defer client.Close()

	if remote, err := client.ChainID(ctx); err != nil {
		l.Sugar().Warnw("Could not confirm chain ID of RPC endpoint", "error", err)
	} else if remote != uint64(cfg.ChainID) {
		return fmt.Errorf("rpc endpoint serves chain %d, configured chain is %d", remote, cfg.ChainID)
	}

	v, err := verifier.NewVerifier(client, &verifier.Config{
		CrowdsaleAddress: cfg.CrowdsaleAddress,
		AmountTolerance:  cfg.AmountToleranceDecimal(),
	}, l)
	if err != nil {
		return fmt.Errorf("failed to create verifier: %w", err)
	}

	var publisher messaging.IPublisher
	var stream *redisStream.StreamTransport
	if cfg.Messaging.Enabled {
		rc, owned := redisClientFor(cfg, store)
		if owned {
			defer func() { _ = rc.Close() }()
		}
		stream = redisStream.NewStreamTransport(rc, &redisStream.StreamConfig{
			Consumer:      cfg.Messaging.ConsumerName,
			KeyPrefix:     cfg.Persistence.RedisKeyPrefix,
			MaxDeliveries: cfg.Messaging.MaxDeliveries,
		}, l)
		publisher = stream
	}

	investments := investment.NewService(store, v, publisher, nil, l)
	dividends := dividend.NewService(store, &dividend.Config{Rounding: cfg.RoundingMode()}, nil, l)

	authenticator, err := newAuthenticator(ctx, cfg, l)
	if err != nil {
		return fmt.Errorf("failed to configure auth: %w", err)
	}

	srv := server.NewServer(&server.Config{
		Port:               cfg.Port,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		Rounding:           cfg.RoundingMode(),
	}, investments, dividends, authenticator, l)

	var w *watcher.Watcher
	if cfg.Watcher.Enabled {
		w, err = watcher.NewWatcher(client, store, investments, &watcher.Config{
			ContractAddress:   cfg.CrowdsaleAddress,
			InventionID:       cfg.InventionID,
			ConfirmationDepth: cfg.Watcher.ConfirmationDepth,
			StartBlock:        cfg.Watcher.StartBlock,
			PollInterval:      cfg.Watcher.PollInterval,
		}, l)
		if err != nil {
			return fmt.Errorf("failed to create watcher: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })

	if stream != nil {
		g.Go(func() error {
			return stream.Subscribe(gctx, messaging.TopicInvestmentPending, investments.HandlePending)
		})
	}

	if w != nil {
		g.Go(func() error { return w.Run(gctx) })
	}

	l.Sugar().Infow("Vault server running",
		"port", cfg.Port,
		"persistence", cfg.Persistence.Type,
		"messaging", cfg.Messaging.Enabled,
		"watcher", cfg.Watcher.Enabled,
		"auth", authenticator.Enabled())

	if err := g.Wait(); err != nil {
		return err
	}
	l.Sugar().Infow("Vault server stopped")
	return nil
}

func newPersistence(ctx context.Context, cfg *config.VaultConfig, l *zap.Logger) (persistence.IVaultPersistence, error) {
	p := cfg.Persistence
	switch p.Type {
	case config.PersistenceBadger:
		return badger.NewBadgerPersistence(p.DataPath, l)
	case config.PersistenceRedis:
		return redisPersistence.NewRedisPersistence(&redisPersistence.RedisConfig{
			Address:   p.RedisAddress,
			Password:  p.RedisPassword,
			DB:        p.RedisDB,
			KeyPrefix: p.RedisKeyPrefix,
		}, l)
	case config.PersistencePostgres:
		return postgres.NewPostgresPersistence(ctx, &postgres.PostgresConfig{
			URL:           p.PostgresURL,
			RunMigrations: true,
		}, l)
	default:
		return memory.NewMemoryPersistence(l), nil
	}
}

// redisClientFor reuses the storage connection when storage is Redis. owned
// reports whether the caller has to close the returned client.
func redisClientFor(cfg *config.VaultConfig, store persistence.IVaultPersistence) (client *goredis.Client, owned bool) {
	if rp, ok := store.(*redisPersistence.RedisPersistence); ok {
		return rp.Client(), false
	}
	return goredis.NewClient(&goredis.Options{
		Addr:     cfg.Persistence.RedisAddress,
		Password: cfg.Persistence.RedisPassword,
		DB:       cfg.Persistence.RedisDB,
	}), true
}

func newAuthenticator(ctx context.Context, cfg *config.VaultConfig, l *zap.Logger) (*auth.Authenticator, error) {
	var source *secrets.KMSSecretSource
	if cfg.Auth.KMSKeyID != "" {
		awsCfg, err := awsConfig.LoadAWSConfig(ctx, cfg.Auth.AWSRegion, cfg.Auth.AWSProfile)
		if err != nil {
			return nil, err
		}
		if arn, err := awsConfig.GetCallerIdentity(ctx, awsCfg); err != nil {
			l.Sugar().Warnw("Could not resolve AWS caller identity", "error", err)
		} else {
			l.Sugar().Infow("Using AWS identity", "arn", arn)
		}
		source = secrets.NewKMSSecretSource(awsCfg, cfg.Auth.KMSKeyID, l)
	}

	secret, err := secrets.ResolveSharedSecret(ctx, cfg.Auth.SharedSecret, cfg.Auth.SharedSecretCiphertext, source)
	if err != nil {
		return nil, err
	}

	var tokens auth.ITokenVerifier
	if cfg.Auth.OIDCJWKSURL != "" {
		oidc, err := auth.NewOIDCVerifier(ctx, &auth.OIDCConfig{
			JWKSURL:  cfg.Auth.OIDCJWKSURL,
			Issuer:   cfg.Auth.OIDCIssuer,
			Audience: cfg.Auth.OIDCAudience,
		}, l)
		if err != nil {
			return nil, err
		}
		tokens = oidc
	}

	return auth.NewAuthenticator(&auth.Config{Secret: secret}, tokens, l), nil
}
