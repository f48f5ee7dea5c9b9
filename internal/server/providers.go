package server

import (
	"errors"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/google/wire"

	"github.com/zeusync/remoteserver/internal/core/admin"
	"github.com/zeusync/remoteserver/internal/core/loginproxy"
	"github.com/zeusync/remoteserver/internal/core/loginproxy/credentials"
	"github.com/zeusync/remoteserver/internal/core/loginproxy/sqlstore"
	"github.com/zeusync/remoteserver/internal/core/loginproxy/token"
	"github.com/zeusync/remoteserver/internal/core/maintenance"
	"github.com/zeusync/remoteserver/internal/core/observability/log"
	"github.com/zeusync/remoteserver/internal/core/observability/stats"
	"github.com/zeusync/remoteserver/internal/core/protocol/middlewares"
	"github.com/zeusync/remoteserver/internal/core/registry"
	"github.com/zeusync/remoteserver/internal/core/serialization"
)

// Version of the server reported to administrators.
const Version = "0.1.0"

func ProvideLogger(cfg Config) log.Log {
	return log.New(cfg.Level())
}

func ProvideServerInformation(cfg Config) admin.ServerInformation {
	info := admin.ServerInformation{
		ID:        uuid.New(),
		Name:      cfg.ServerName,
		Version:   Version,
		StartTime: time.Now(),
		TimeZone:  time.Local.String(),
	}
	if _, port, err := net.SplitHostPort(cfg.ListenAddr); err == nil {
		info.Port, _ = strconv.Atoi(port)
	}
	return info
}

// ProvideGate builds the serialization gate: a dry-run recorder, a
// whitelist, or no filtering at all. The cleanup stops a dry-run recorder.
func ProvideGate(cfg Config, logger log.Log) (serialization.Gate, func(), error) {
	gate, err := newGate(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if closer, ok := gate.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				logger.Error("Closing serialization gate failed", log.Error(err))
			}
		}
	}
	return gate, cleanup, nil
}

func newGate(cfg Config, logger log.Log) (serialization.Gate, error) {
	s := cfg.Serialization
	switch {
	case s.DryRun:
		opts := []serialization.DryRunOption{serialization.WithDryRunLogger(logger)}
		if s.FlushInterval > 0 {
			opts = append(opts, serialization.WithFlushInterval(s.FlushInterval))
		}
		gate, err := serialization.NewDryRun(s.DryRunFile, opts...)
		if err != nil {
			return nil, err
		}
		logger.Info("Serialization filter in dry-run mode", log.String("file", s.DryRunFile))
		return gate, nil
	case s.Whitelist != "":
		gate, err := serialization.LoadWhitelist(s.Whitelist)
		if err != nil {
			return nil, err
		}
		logger.Info("Serialization whitelist loaded",
			log.String("source", s.Whitelist),
			log.Int("entries", gate.Size()),
		)
		return gate, nil
	default:
		logger.Warn("No serialization filter configured, every registered type is accepted")
		return serialization.AllowAll{}, nil
	}
}

func ProvideCatalog(gate serialization.Gate) (*serialization.Catalog, error) {
	catalog := serialization.NewCatalog(gate)
	if err := RegisterTypes(catalog); err != nil {
		return nil, err
	}
	return catalog, nil
}

func ProvideMetrics() *middlewares.MetricsMiddleware {
	return middlewares.NewMetricsMiddleware()
}

func ProvideMiddlewares(cfg Config, metrics *middlewares.MetricsMiddleware, logger log.Log) *middlewares.Chain {
	chain := []middlewares.Middleware{middlewares.NewLoggingMiddleware(logger), metrics}
	if cfg.RateLimit.Messages > 0 {
		chain = append(chain, middlewares.NewRateLimitMiddleware(cfg.RateLimit.Messages, cfg.RateLimit.Window, logger))
	}
	return middlewares.NewChain(chain...)
}

// ProvideLoginChain registers the configured login proxies. The cleanup
// closes every registered proxy.
func ProvideLoginChain(cfg Config, logger log.Log) (*loginproxy.Chain, func(), error) {
	chain, err := newLoginChain(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := chain.Close(); err != nil {
			logger.Error("Closing login proxies failed", log.Error(err))
		}
	}
	return chain, cleanup, nil
}

func newLoginChain(cfg Config, logger log.Log) (*loginproxy.Chain, error) {
	chain := loginproxy.NewChain(logger)
	fail := func(err error) (*loginproxy.Chain, error) {
		return nil, errors.Join(err, chain.Close())
	}

	if c := cfg.Login.Credentials; c != nil {
		opts := []credentials.Option{credentials.WithLogger(logger)}
		if c.Watch {
			opts = append(opts, credentials.WithWatch())
		}
		proxy, err := credentials.New(c.ClientType, c.File, opts...)
		if err != nil {
			return fail(err)
		}
		if err = chain.Register(proxy); err != nil {
			return fail(errors.Join(err, proxy.Close()))
		}
	}
	if c := cfg.Login.Token; c != nil {
		proxy, err := token.New(token.Config{
			ClientType: c.ClientType,
			SigningKey: []byte(c.SigningKey),
			Issuer:     c.Issuer,
			Leeway:     c.Leeway,
		})
		if err != nil {
			return fail(err)
		}
		if err = chain.Register(proxy); err != nil {
			return fail(err)
		}
	}
	if c := cfg.Login.SQL; c != nil {
		proxy, err := sqlstore.Open(c.Driver, c.DSN, sqlstore.Config{ClientType: c.ClientType, Table: c.Table})
		if err != nil {
			return fail(err)
		}
		if err = chain.Register(proxy); err != nil {
			return fail(errors.Join(err, proxy.Close()))
		}
	}
	return chain, nil
}

func ProvideRequestCounter() *stats.RequestCounter {
	return stats.NewRequestCounter()
}

func ProvideCollector() *stats.Collector {
	return stats.NewCollector()
}

func ProvideRegistry(cfg Config, chain *loginproxy.Chain, mw *middlewares.Chain, requests *stats.RequestCounter, logger log.Log) (*registry.Registry[*ClientSession], error) {
	factory := &sessionFactory{middlewares: mw, logger: logger.With(log.String("component", "sessions"))}
	return registry.New[*ClientSession](factory, chain,
		registry.WithConnectionLimit(cfg.ConnectionLimit),
		registry.WithShardCount(cfg.ShardCount),
		registry.WithRequestCounter(requests),
		registry.WithLogger(logger),
	)
}

func ProvideReaper(cfg Config, sessions *registry.Registry[*ClientSession], logger log.Log) (*maintenance.Reaper, error) {
	policy := maintenance.TimeoutPolicy{
		Default:       cfg.IdleTimeout,
		PerClientType: cfg.ClientTypeIdleTimeouts,
	}
	return maintenance.NewReaper(sessions, policy, cfg.MaintenanceInterval, logger)
}

func ProvideAdmin(sessions *registry.Registry[*ClientSession], collector *stats.Collector, requests *stats.RequestCounter, info admin.ServerInformation, logger log.Log) *admin.Admin {
	return admin.New(sessions, collector, requests, info, logger)
}

func ProvideDispatcher(catalog *serialization.Catalog, mw *middlewares.Chain) (*Dispatcher, error) {
	return NewDispatcher(catalog, mw)
}

// ProviderSet builds a Server from a Config.
var ProviderSet = wire.NewSet(
	ProvideLogger,
	ProvideServerInformation,
	ProvideGate,
	ProvideCatalog,
	ProvideMetrics,
	ProvideMiddlewares,
	ProvideLoginChain,
	ProvideRequestCounter,
	ProvideCollector,
	ProvideRegistry,
	ProvideReaper,
	ProvideAdmin,
	ProvideDispatcher,
	NewServer,
)
