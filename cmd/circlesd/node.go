package main

import (
	"context"
	"database/sql"
	"net/http"

	"github.com/hashicorp/go-multierror"
	"github.com/nextcloud/circles-sub000/pkg/api"
	"github.com/nextcloud/circles-sub000/pkg/cache"
	"github.com/nextcloud/circles-sub000/pkg/config"
	"github.com/nextcloud/circles-sub000/pkg/federation"
	"github.com/nextcloud/circles-sub000/pkg/membership"
	"github.com/nextcloud/circles-sub000/pkg/observability"
	"github.com/nextcloud/circles-sub000/pkg/operations"
	"github.com/nextcloud/circles-sub000/pkg/queue"
	"github.com/nextcloud/circles-sub000/pkg/remote"
	"github.com/nextcloud/circles-sub000/pkg/signatory"
	"github.com/nextcloud/circles-sub000/pkg/store"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// node is one fully wired instance.
type node struct {
	cfg         *config.Config
	db          *sql.DB
	store       *store.Store
	cache       cache.Cache
	redis       *cache.Redis
	metrics     *observability.Provider
	signatory   *signatory.Signatory
	transport   *remote.Transport
	pool        *queue.Pool
	queue       *queue.Service
	memberships *membership.Service
	dispatcher  *federation.Dispatcher
}

// loadConfig loads configuration and sets up the global logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	observability.SetupLogging(cfg.LogLevel, cfg.LogFormat)
	return cfg, nil
}

// buildNode opens the store and wires every component. A nil pool leaves
// deliveries to the retry sweep, which is what one-shot commands want.
func buildNode(ctx context.Context, cfg *config.Config, withPool bool) (*node, error) {
	n := &node{cfg: cfg}
	wired := false
	defer func() {
		if !wired {
			_ = n.Close(context.Background())
		}
	}()

	var err error
	n.db, err = store.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	n.store, err = store.New(ctx, n.db, store.Dialect(cfg.DatabaseDriver))
	if err != nil {
		return nil, err
	}

	if cfg.RedisAddr != "" {
		n.redis = cache.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := n.redis.Ping(ctx); err != nil {
			return nil, errors.Wrapf(err, "redis %s", cfg.RedisAddr)
		}
		n.cache = n.redis
	} else {
		n.cache = cache.NewMemory()
	}

	obs := observability.DefaultConfig()
	obs.Enabled = cfg.OTelEnabled
	obs.OTLPEndpoint = cfg.OTelEndpoint
	obs.Instance = cfg.LocalInstance
	n.metrics, err = observability.New(ctx, obs)
	if err != nil {
		return nil, err
	}

	keyID := signatory.KeyIDFor(cfg.FrontalScheme, cfg.LocalInstance)
	key, err := signatory.LoadKey(cfg.KeyFile, keyID)
	if err != nil {
		return nil, errors.Wrap(err, "load signing key (run circlesd keygen first)")
	}
	n.signatory = signatory.New(signatory.Options{
		Instance:   cfg.LocalInstance,
		Aliases:    cfg.LocalAliases,
		Scheme:     cfg.FrontalScheme,
		Key:        key,
		Store:      n.store,
		HTTPClient: &http.Client{Timeout: cfg.RemoteTimeout},
	})
	n.transport = remote.New(remote.Options{
		Store:   n.store,
		Client:  n.signatory,
		Timeout: cfg.RemoteTimeout,
		Allowed: cfg.Networking.IsAllowed,
		Metrics: n.metrics,
	})

	if withPool {
		n.pool = queue.NewPool(cfg.Workers, cfg.QueueSize, false)
	}
	n.queue = queue.New(queue.Options{
		Store:         n.store,
		Transport:     n.transport,
		Pool:          n.pool,
		Metrics:       n.metrics,
		LocalInstance: cfg.LocalInstance,
		IsLocal:       cfg.IsLocal,
		StaleAge:      cfg.StaleWrapperAge,
	})

	var runner membership.Runner
	if n.pool != nil {
		runner = n.pool
	}
	n.memberships = membership.New(n.store, n.cache, runner)

	registry := federation.NewRegistry()
	operations.Register(registry, &operations.Deps{
		Store:         n.store,
		Memberships:   n.memberships,
		Directory:     operations.HashDirectory{Instance: cfg.LocalInstance},
		LocalInstance: cfg.LocalInstance,
		IsLocal:       cfg.IsLocal,
	})
	n.dispatcher = federation.New(federation.Options{
		Registry:      registry,
		Store:         n.store,
		Queue:         n.queue,
		Forwarder:     n.transport,
		Metrics:       n.metrics,
		LocalInstance: cfg.LocalInstance,
		IsLocal:       cfg.IsLocal,
	})

	log.Debug().Str("instance", cfg.LocalInstance).Strs("operations", registry.Names()).Msg("node wired")
	wired = true
	return n, nil
}

// server builds the inbound HTTP surface of the node.
func (n *node) server() *api.Server {
	var limiter api.Limiter = api.NewMemoryLimiter(n.cfg.InboundRPS, n.cfg.InboundBurst)
	if n.redis != nil {
		limiter = api.NewRedisLimiter(n.redis.Client(), n.cfg.InboundRPS, n.cfg.InboundBurst)
	}
	return api.NewServer(api.Options{
		Signer:     n.signatory,
		Dispatcher: n.dispatcher,
		Store:      n.store,
		IsLocal:    n.cfg.IsLocal,
		Limiter:    limiter,
		RPS:        n.cfg.InboundRPS,
		Cache:      n.cache,
	})
}

// Close drains the worker pool, then releases every resource.
func (n *node) Close(ctx context.Context) error {
	var result error
	if n.pool != nil {
		if err := n.pool.Close(ctx); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "drain worker pool"))
		}
	}
	if n.metrics != nil {
		if err := n.metrics.Shutdown(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if n.redis != nil {
		if err := n.redis.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if n.db != nil {
		if err := n.db.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}
