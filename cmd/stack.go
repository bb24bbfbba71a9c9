// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LeeDigitalWorks/zapoffload/pkg/cache"
	"github.com/LeeDigitalWorks/zapoffload/pkg/debug"
	"github.com/LeeDigitalWorks/zapoffload/pkg/env"
	"github.com/LeeDigitalWorks/zapoffload/pkg/lifecycle"
	"github.com/LeeDigitalWorks/zapoffload/pkg/logger"
	"github.com/LeeDigitalWorks/zapoffload/pkg/metadata"
	"github.com/LeeDigitalWorks/zapoffload/pkg/metadata/memory"
	metasql "github.com/LeeDigitalWorks/zapoffload/pkg/metadata/sql"
	"github.com/LeeDigitalWorks/zapoffload/pkg/profile"
	"github.com/LeeDigitalWorks/zapoffload/pkg/secrets"
	"github.com/LeeDigitalWorks/zapoffload/pkg/storage/local"
	"github.com/LeeDigitalWorks/zapoffload/pkg/utils"

	"github.com/spf13/pflag"
)

// StackOpts configures the components every command shares
type StackOpts struct {
	Site       string
	SitesRoot  string
	TempDir    string
	URLSegment string

	MetadataDriver string
	MetadataDSN    string
	DBMaxOpenConns int
	DBMaxIdleConns int

	SecretsDriver string
	Vault         secrets.VaultConfig

	CacheDriver     string
	CacheMaxEntries int
	Redis           cache.RedisConfig

	BackendTimeout time.Duration
}

func addStackFlags(f *pflag.FlagSet) {
	f.String("site", "", "Site name; local files live under <sites_root>/<site>")
	f.String("sites_root", "./sites", "Directory holding site directories")
	f.String("temp_dir", "", "Directory for transfer temp files (default <site>/private/tmp)")
	f.String("url_segment", lifecycle.DefaultURLSegment, "First path segment of delivery URLs")

	f.String("metadata_driver", string(metadata.DriverMemory), "Metadata store (memory, postgres, sqlite)")
	f.String("metadata_dsn", "", "Metadata store connection string")
	f.Int("db_max_open_conns", metasql.DefaultMaxOpenConns, "Maximum open database connections")
	f.Int("db_max_idle_conns", metasql.DefaultMaxIdleConns, "Maximum idle database connections")

	f.String("secrets_driver", "memory", "Secret store (memory, vault)")
	f.String("vault_addr", "", "Vault address (default VAULT_ADDR)")
	f.String("vault_token", "", "Vault token (default VAULT_TOKEN)")
	f.String("vault_mount", "secret", "Vault KV v2 mount path")
	f.String("vault_namespace", "", "Vault namespace")

	f.String("cache_driver", "memory", "Response cache (memory, redis)")
	f.Int("cache_max_entries", 10_000, "Maximum entries held by the memory cache")
	f.String("redis_addr", "localhost:6379", "Redis address for the response cache")
	f.String("redis_password", "", "Redis password")
	f.Int("redis_db", 0, "Redis database number")
	f.Int("redis_pool_size", 10, "Redis connection pool size")
	f.String("cache_key_prefix", "zapoffload:", "Prefix of Redis cache keys")

	f.Duration("backend_timeout", profile.DefaultTestTimeout, "Timeout of connection tests against storage backends")
}

func loadStackOpts(f *FlagLoader) StackOpts {
	return StackOpts{
		Site:           f.String("site"),
		SitesRoot:      f.String("sites_root"),
		TempDir:        f.String("temp_dir"),
		URLSegment:     f.String("url_segment"),
		MetadataDriver: f.String("metadata_driver"),
		MetadataDSN:    f.String("metadata_dsn"),
		DBMaxOpenConns: f.Int("db_max_open_conns"),
		DBMaxIdleConns: f.Int("db_max_idle_conns"),
		SecretsDriver:  f.String("secrets_driver"),
		Vault: secrets.VaultConfig{
			Address:   f.String("vault_addr"),
			Token:     f.String("vault_token"),
			MountPath: f.String("vault_mount"),
			Namespace: f.String("vault_namespace"),
		},
		CacheDriver:     f.String("cache_driver"),
		CacheMaxEntries: f.Int("cache_max_entries"),
		Redis: cache.RedisConfig{
			Addr:      f.String("redis_addr"),
			Password:  f.String("redis_password"),
			DB:        f.Int("redis_db"),
			PoolSize:  f.Int("redis_pool_size"),
			KeyPrefix: f.String("cache_key_prefix"),
		},
		BackendTimeout: f.Duration("backend_timeout"),
	}
}

// stack is the wired set of components behind every command
type stack struct {
	store    metadata.Store
	secrets  secrets.Store
	cache    cache.Store
	local    *local.Store
	profiles *profile.Manager
	records  *metadata.Service

	closers []func() error
}

func openStack(ctx context.Context, opts StackOpts) (*stack, error) {
	s := &stack{}
	ok := false
	defer func() {
		if !ok {
			s.Close()
		}
	}()

	var err error
	if s.store, err = openMetadata(ctx, opts); err != nil {
		return nil, err
	}
	s.closers = append(s.closers, s.store.Close)

	if s.secrets, err = openSecrets(opts); err != nil {
		return nil, err
	}
	if s.cache, err = s.openCache(opts); err != nil {
		return nil, err
	}

	if s.local, err = local.New(opts.SitesRoot, opts.Site, opts.TempDir); err != nil {
		return nil, fmt.Errorf("local storage: %w", err)
	}
	if err := utils.CheckWritableDir(s.local.Root()); err != nil {
		return nil, fmt.Errorf("local storage: %w", err)
	}

	s.profiles = profile.New(s.store, s.secrets, profile.WithTestTimeout(opts.BackendTimeout))
	s.closers = append(s.closers, s.profiles.Close)

	ctl := lifecycle.New(s.store, s.profiles, s.local, opts.Site,
		lifecycle.WithCache(s.cache),
		lifecycle.WithURLSegment(opts.URLSegment),
	)
	s.records = metadata.NewService(s.store, ctl)

	ok = true
	return s, nil
}

func openMetadata(ctx context.Context, opts StackOpts) (metadata.Store, error) {
	driver := metadata.Driver(opts.MetadataDriver)
	logger.Info().Str("driver", string(driver)).Str("dsn", maskDSN(opts.MetadataDSN)).Msg("initializing metadata store")

	cfg := metasql.Config{
		DSN:          opts.MetadataDSN,
		MaxOpenConns: opts.DBMaxOpenConns,
		MaxIdleConns: opts.DBMaxIdleConns,
	}
	var store *metasql.Store
	var err error
	switch driver {
	case metadata.DriverMemory:
		if env.IsProduction() {
			return nil, errors.New("the memory metadata store loses every record on restart and is refused in production")
		}
		logger.Warn().Msg("using the in-memory metadata store; records are lost on restart")
		return memory.New(), nil
	case metadata.DriverPostgres, metadata.DriverSQLite:
		if opts.MetadataDSN == "" {
			return nil, fmt.Errorf("--metadata_dsn required for %s driver", driver)
		}
		if driver == metadata.DriverPostgres {
			store, err = metasql.OpenPostgres(cfg)
		} else {
			store, err = metasql.OpenSQLite(cfg)
		}
	default:
		return nil, fmt.Errorf("unknown metadata driver: %s", driver)
	}
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("migrate metadata store: %w", err)
	}
	debug.AddReadyCheck("metadata", func(ctx context.Context) error {
		return store.DB().PingContext(ctx)
	})
	return store, nil
}

func openSecrets(opts StackOpts) (secrets.Store, error) {
	switch opts.SecretsDriver {
	case "memory":
		if env.IsProduction() {
			logger.Warn().Msg("using the in-memory secret store in production; credentials are lost on restart")
		}
		return secrets.NewMemory(), nil
	case "vault":
		v, err := secrets.NewVault(opts.Vault)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("mount", opts.Vault.MountPath).Msg("using Vault secret store")
		return v, nil
	default:
		return nil, fmt.Errorf("unknown secrets driver: %s", opts.SecretsDriver)
	}
}

func (s *stack) openCache(opts StackOpts) (cache.Store, error) {
	switch opts.CacheDriver {
	case "memory":
		c := cache.NewMemory(0, cache.WithMaxEntries(opts.CacheMaxEntries))
		s.closers = append(s.closers, func() error {
			c.Stop()
			return nil
		})
		return c, nil
	case "redis":
		c, err := cache.NewRedis(opts.Redis)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, c.Close)
		debug.AddReadyCheck("cache", c.Ping)
		logger.Info().Str("addr", opts.Redis.Addr).Msg("using Redis response cache")
		return c, nil
	default:
		return nil, fmt.Errorf("unknown cache driver: %s", opts.CacheDriver)
	}
}

// Close releases components in reverse order of creation
func (s *stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	return errors.Join(errs...)
}

func maskDSN(dsn string) string {
	if dsn == "" {
		return "(none)"
	}
	if len(dsn) > 20 {
		return dsn[:10] + "***" + dsn[len(dsn)-5:]
	}
	return "***"
}
