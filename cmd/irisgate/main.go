package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/irisgate/irisgate/internal/api"
	"github.com/irisgate/irisgate/internal/backend"
	"github.com/irisgate/irisgate/internal/config"
	"github.com/irisgate/irisgate/internal/health"
	"github.com/irisgate/irisgate/internal/iris"
	"github.com/irisgate/irisgate/internal/metrics"
	"github.com/irisgate/irisgate/internal/pool"
	"github.com/irisgate/irisgate/internal/proxy"
	"github.com/irisgate/irisgate/internal/translate"
)

const shutdownTimeout = 60 * time.Second

func main() {
	configPath := flag.String("config", "configs/irisgate.yaml", "path to configuration file")
	flag.Parse()

	slog.Info("irisgate starting...")

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	slog.Info("configuration loaded", "path", *configPath, "namespace", cfg.IRIS.Namespace)

	// Initialize components
	m := metrics.New()

	connector := &iris.SQLConnector{
		Driver: cfg.IRIS.Driver,
		DSN:    cfg.IRIS.DSN,
		Target: cfg.IRIS.Namespace,
	}

	p := pool.New(connector, pool.Config{
		Size:             cfg.Pool.Size,
		MaxOverflow:      cfg.Pool.MaxOverflow,
		AcquireTimeout:   cfg.Pool.AcquireTimeout,
		Recycle:          cfg.Pool.Recycle,
		IdleTimeout:      cfg.Pool.IdleTimeout,
		HealthInterval:   cfg.Pool.HealthInterval,
		FailureThreshold: cfg.Pool.FailureThreshold,
	})
	p.SetOnExhausted(m.PoolExhausted)

	// Periodic pool stats for Prometheus
	statsStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				st := p.Stats()
				m.UpdatePoolStats(st.Active, st.Idle, st.Waiting)
			case <-statsStop:
				return
			}
		}
	}()

	tr, err := translate.New(translate.Config{
		L2Func:        cfg.Vector.L2Function,
		CosineFunc:    cfg.Vector.CosineFunction,
		DotFunc:       cfg.Vector.DotFunction,
		VectorOID:     cfg.Vector.OID,
		ServerVersion: cfg.IRIS.ServerVersion,
		DatabaseName:  cfg.IRIS.Namespace,
		SchemaName:    cfg.IRIS.Schema,
	})
	if err != nil {
		slog.Error("failed to build translator", "err", err)
		os.Exit(1)
	}

	executor := &backend.Executor{
		VectorOID:     cfg.Vector.OID,
		CopyBatchRows: cfg.Limits.CopyBatchRows,
	}

	auth, err := buildAuthenticator(cfg, connector)
	if err != nil {
		slog.Error("failed to configure authentication", "err", err)
		os.Exit(1)
	}

	hc := health.NewChecker(p, m, cfg.Pool.HealthInterval, 3*time.Second, cfg.Pool.FailureThreshold)
	hc.Start()

	// Start proxy server
	gateway := proxy.NewServer(proxy.Options{
		ServerVersion:    cfg.IRIS.ServerVersion,
		Database:         cfg.IRIS.Namespace,
		Schema:           cfg.IRIS.Schema,
		AuthTimeout:      cfg.Timeouts.Auth,
		IdleTimeout:      cfg.Timeouts.Idle,
		StatementTimeout: cfg.Timeouts.Statement,
		MaxFrameBytes:    cfg.Limits.MaxFrameBytes,
		CopyHighWater:    cfg.Limits.CopyHighWater,
	}, tr, executor, p, auth, m)

	if err := gateway.Listen(cfg.Listen.Addr); err != nil {
		slog.Error("failed to start gateway listener", "err", err)
		os.Exit(1)
	}

	// Start admin API
	apiServer := api.NewServer(gateway, p, hc, m, cfg)
	if err := apiServer.Start(cfg.Listen.AdminPort); err != nil {
		slog.Error("failed to start admin API", "err", err)
		os.Exit(1)
	}

	// Set up config hot-reload for pool tunables and the static
	// credential list. Listen addresses, auth mode and session timeouts
	// need a restart.
	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		slog.Info("reloading configuration...")
		p.Retune(pool.Config{
			Size:             newCfg.Pool.Size,
			MaxOverflow:      newCfg.Pool.MaxOverflow,
			AcquireTimeout:   newCfg.Pool.AcquireTimeout,
			Recycle:          newCfg.Pool.Recycle,
			IdleTimeout:      newCfg.Pool.IdleTimeout,
			FailureThreshold: newCfg.Pool.FailureThreshold,
		})
		if store, ok := auth.(*proxy.ScramAuth); ok {
			if static, ok := store.Store.(*iris.StaticStore); ok {
				static.Replace(staticCredentials(newCfg))
				slog.Info("static credentials reloaded", "users", len(newCfg.Auth.Users))
			}
		}
	})
	if err != nil {
		slog.Warn("config hot-reload not available", "err", err)
	}

	slog.Info("irisgate ready",
		"addr", cfg.Listen.Addr,
		"admin_port", cfg.Listen.AdminPort,
		"auth_mode", cfg.Auth.Mode)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received signal, shutting down...", "signal", sig)

	// Graceful shutdown with timeout
	done := make(chan struct{})
	go func() {
		if configWatcher != nil {
			configWatcher.Stop()
		}
		apiServer.Stop()
		gateway.Stop(shutdownTimeout / 2)
		hc.Stop()
		close(statsStop)
		p.Close()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("irisgate stopped")
	case <-time.After(shutdownTimeout):
		slog.Error("shutdown timed out, forcing exit", "timeout", shutdownTimeout)
		os.Exit(1)
	}
}

func buildAuthenticator(cfg *config.Config, connector iris.Connector) (proxy.Authenticator, error) {
	switch cfg.Auth.Mode {
	case "trust":
		slog.Warn("trust authentication enabled, every user is accepted")
		return proxy.TrustAuth{}, nil
	case "oauth":
		return &proxy.OAuthAuth{
			Exchanger: proxy.NewTokenClient(cfg.Auth.TokenEndpoint),
		}, nil
	default:
		var store iris.CredentialStore
		if cfg.IRIS.CredentialQuery != "" {
			store = &iris.SQLStore{Connector: connector, Query: cfg.IRIS.CredentialQuery}
		} else {
			store = iris.NewStaticStore(staticCredentials(cfg))
		}
		return &proxy.ScramAuth{Store: store, Iterations: cfg.Auth.ScramIterations}, nil
	}
}

func staticCredentials(cfg *config.Config) map[string]iris.Credential {
	creds := make(map[string]iris.Credential, len(cfg.Auth.Users))
	for _, u := range cfg.Auth.Users {
		c := iris.Credential{Username: u.Username}
		if strings.HasPrefix(u.Secret, "SCRAM-SHA-256$") {
			c.Verifier = u.Secret
		} else {
			c.Password = u.Secret
		}
		creds[u.Username] = c
	}
	return creds
}
