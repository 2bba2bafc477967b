// Package agent provides a reusable CI relay that can be embedded into other
// Go applications: it consumes action messages, drives provider builds, and
// serves provider webhooks.
package agent

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/multierr"

	"github.com/lei/ci-relay/internal/api"
	"github.com/lei/ci-relay/internal/config"
	"github.com/lei/ci-relay/internal/consumer"
	"github.com/lei/ci-relay/internal/orchestrator"
	"github.com/lei/ci-relay/internal/provider"
	"github.com/lei/ci-relay/internal/provider/circleci"
	"github.com/lei/ci-relay/internal/provider/jenkins"
	"github.com/lei/ci-relay/internal/sink"
	"github.com/lei/ci-relay/pkg/logger"
)

// constructors maps provider kinds from configuration to their constructors
var constructors = map[string]provider.Constructor{
	jenkins.ProviderName:  jenkins.New,
	circleci.ProviderName: circleci.New,
}

// Agent represents a CI relay instance
type Agent struct {
	cfg      *config.Config
	registry *provider.Registry
	consumer *consumer.Consumer
	server   *http.Server
	logger   *logger.Logger
}

// New creates an Agent from configuration: logger, provider registry, sink
// client, orchestrator, consumer, and webhook server, wired in that order.
func New(cfg *config.Config) (*Agent, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	appLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)

	registry := provider.NewRegistry(appLogger)
	for _, pc := range cfg.Providers {
		ctor, ok := constructors[pc.Kind]
		if !ok {
			return nil, fmt.Errorf("unsupported provider kind: %s", pc.Kind)
		}
		if err := registry.Register(ctor, provider.Config(pc.Config)); err != nil {
			return nil, fmt.Errorf("register provider %s: %w", pc.Kind, err)
		}
	}
	if len(registry.Names()) == 0 {
		return nil, fmt.Errorf("no providers configured")
	}

	tokenManager := sink.NewTokenManager(
		cfg.Sink.URL,
		cfg.Sink.ClientID,
		cfg.Sink.ClientSecret,
		cfg.Sink.TokenRefreshMargin,
	)
	reporter := sink.NewClient(cfg.Sink.URL, tokenManager, appLogger)

	orch := orchestrator.New(registry, reporter, orchestrator.Options{
		DefaultProvider: cfg.Relay.DefaultProvider,
		EntityBlueprint: cfg.Relay.EntityBlueprint,
	}, appLogger)

	cons, err := consumer.New(consumer.Config{
		Brokers:            cfg.Kafka.Brokers,
		Topic:              cfg.Kafka.Topic,
		GroupID:            cfg.Kafka.GroupID,
		MaxConnectAttempts: cfg.Kafka.MaxConnectAttempts,
		ReconnectBaseDelay: cfg.Kafka.ReconnectBaseDelay,
	}, orch.HandleMessage, appLogger)
	if err != nil {
		return nil, fmt.Errorf("initialize consumer: %w", err)
	}

	handlers := api.NewHandlers(registry, reporter)
	loggingMiddleware := api.NewLoggingMiddleware(appLogger)
	router := api.NewRouter(handlers, loggingMiddleware)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Webhook.Port),
		Handler:      router,
		ReadTimeout:  cfg.Webhook.ReadTimeout,
		WriteTimeout: cfg.Webhook.WriteTimeout,
	}

	appLogger.Info("agent initialized",
		"providers", registry.Names(),
		"topic", cfg.Kafka.Topic,
		"webhook_port", cfg.Webhook.Port)

	return &Agent{
		cfg:      cfg,
		registry: registry,
		consumer: cons,
		server:   srv,
		logger:   appLogger,
	}, nil
}

// Start runs the consumer and the webhook server until the context is
// canceled or either fails fatally. Consumer reconnect exhaustion is fatal.
func (a *Agent) Start(ctx context.Context) error {
	errs := make(chan error, 2)

	go func() {
		a.logger.Info("starting webhook server", "port", a.cfg.Webhook.Port)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errs <- fmt.Errorf("webhook server: %w", err)
			return
		}
		errs <- nil
	}()

	go func() {
		a.logger.Info("starting action consumer", "topic", a.cfg.Kafka.Topic)
		errs <- a.consumer.Run(ctx)
	}()

	select {
	case err := <-errs:
		a.Close()
		return err

	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
		return a.Close()
	}
}

// Close stops accepting new work. In-flight orchestrations run to completion
// inside the consumer before its Run loop returns.
func (a *Agent) Close() error {
	var closeErr error

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		closeErr = multierr.Append(closeErr, fmt.Errorf("webhook server shutdown: %w", err))
	}

	a.consumer.Close()

	if closeErr != nil {
		return closeErr
	}
	a.logger.Info("agent stopped")
	return nil
}

// Registry exposes the provider registry for programmatic registration
func (a *Agent) Registry() *provider.Registry {
	return a.registry
}

// Handler returns the webhook http.Handler for embedding into an existing server
func (a *Agent) Handler() http.Handler {
	return a.server.Handler
}

// NewFromEnv creates an Agent from the config file named by CONFIG_FILE,
// defaulting to configs/relay.yaml
func NewFromEnv() (*Agent, error) {
	path := "configs/relay.yaml"
	if v, ok := os.LookupEnv("CONFIG_FILE"); ok {
		path = v
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return New(cfg)
}
