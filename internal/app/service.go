// Package app wires configuration, storage, integrations and the HTTP surface
// into a runnable service.
package app

import (
	"context"
	"net/http"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-faster/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/ukydev/fleet-assistance/internal/auth"
	"github.com/ukydev/fleet-assistance/internal/config"
	"github.com/ukydev/fleet-assistance/internal/credential"
	"github.com/ukydev/fleet-assistance/internal/db"
	"github.com/ukydev/fleet-assistance/internal/dispatch"
	"github.com/ukydev/fleet-assistance/internal/handlers"
	"github.com/ukydev/fleet-assistance/internal/integration"
	"github.com/ukydev/fleet-assistance/internal/logging"
	"github.com/ukydev/fleet-assistance/internal/metrics"
	"github.com/ukydev/fleet-assistance/internal/middleware"
	"github.com/ukydev/fleet-assistance/internal/routing"
	"github.com/ukydev/fleet-assistance/internal/sequence"
	"github.com/ukydev/fleet-assistance/internal/worklog"
)

const shutdownTimeout = 10 * time.Second

// Stores holds the persistence handles shared by the server and the CLI.
type Stores struct {
	Mongo       *db.Mongo
	Assistances *db.MongoAssistanceCollection
	Sequences   *sequence.Generator
	Worklog     *routing.SQLRouter
}

// OpenStores connects Mongo and the worklog database.
func OpenStores(ctx context.Context, cfg *config.Config, rec *metrics.Recorder, logger *log.Logger) (*Stores, error) {
	m, err := db.Open(ctx, db.Options{
		URI:            cfg.Mongo.URI,
		ReplicaURI:     cfg.Mongo.ReplicaURI,
		Database:       cfg.Mongo.Database,
		ConnectTimeout: cfg.Mongo.ConnectTimeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "open mongo")
	}

	policy := db.DefaultRetryPolicy()
	policy.Attempts = cfg.Mongo.RetryAttempts
	policy.CallTimeout = cfg.Mongo.CallTimeout

	storeLog := logging.Component(logger, "db")
	mongoRouter := routing.NewMongoRouter(m.Primary, m.Replica)
	counters := db.NewMongoSequenceCollection(m.Primary, policy, rec, storeLog)

	primary, err := worklog.Open(cfg.Worklog.Driver, cfg.Worklog.DSN)
	if err != nil {
		_ = m.Close(context.Background())
		return nil, err
	}
	replica := primary
	if cfg.Worklog.ReplicaDSN != "" {
		if replica, err = worklog.Open(cfg.Worklog.Driver, cfg.Worklog.ReplicaDSN); err != nil {
			_ = primary.Close()
			_ = m.Close(context.Background())
			return nil, errors.Wrap(err, "worklog replica")
		}
	}

	return &Stores{
		Mongo:       m,
		Assistances: db.NewMongoAssistanceCollection(mongoRouter, policy, rec, storeLog),
		Sequences:   sequence.NewGenerator(counters, rec, logging.Component(logger, "sequence")),
		Worklog:     routing.NewSQLRouter(primary, replica),
	}, nil
}

// Migrate creates the Mongo indexes and the worklog tables. Both steps are idempotent.
func (s *Stores) Migrate(ctx context.Context) error {
	if err := db.EnsureIndexes(ctx, s.Mongo.Primary); err != nil {
		return err
	}
	return worklog.Migrate(ctx, s.Worklog.Primary())
}

func (s *Stores) Close(ctx context.Context) error {
	werr := s.Worklog.Close()
	if err := s.Mongo.Close(ctx); err != nil {
		return err
	}
	return werr
}

// Integrations are the outbound collaborators. Nil members are disabled.
type Integrations struct {
	Assets    integration.AssetDirectory
	Ticketing integration.Ticketing
	Notifier  integration.Notifier
	mqtt      mqtt.Client
}

// BuildIntegrations creates one credential cache per enabled HTTP integration
// and connects the MQTT notifier when a broker is configured.
func BuildIntegrations(cfg *config.Config, rec *metrics.Recorder, logger *log.Logger) (*Integrations, error) {
	out := &Integrations{Notifier: integration.NopNotifier{}}

	if cfg.Assets.Enabled() {
		out.Assets = integration.NewAssetDirectoryClient(clientOptions("assets", cfg.Assets, rec, logger))
	}
	if cfg.Ticketing.Enabled() {
		out.Ticketing = integration.NewTicketingClient(clientOptions("ticketing", cfg.Ticketing, rec, logger))
	}

	if cfg.MQTT.Broker != "" {
		client, err := integration.ConnectMQTT(cfg.MQTT.Broker, cfg.MQTT.ClientID)
		if err != nil {
			return nil, err
		}
		out.mqtt = client
		out.Notifier = integration.NewMQTTNotifier(client, cfg.MQTT.TopicPrefix, logging.Component(logger, "notifier"))
	}
	return out, nil
}

func (i *Integrations) Close() {
	if i.mqtt != nil {
		i.mqtt.Disconnect(250)
	}
}

func clientOptions(source string, o config.IntegrationOptions, rec *metrics.Recorder, logger *log.Logger) integration.ClientOptions {
	entry := logging.Component(logger, source)
	opts := integration.ClientOptions{
		BaseURL:           o.BaseURL,
		RequestsPerSecond: o.RequestsPerSecond,
		Timeout:           o.Timeout,
		Logger:            entry,
	}
	if o.TokenURL != "" {
		issuer := &credential.ClientCredentialsIssuer{
			TokenURL:   o.TokenURL,
			HTTPClient: &http.Client{Timeout: o.Timeout},
		}
		opts.Tokens = credential.NewCache(issuer, credential.Options{
			Source:       source,
			ClientID:     o.ClientID,
			ClientSecret: o.ClientSecret,
			Margin:       o.SafetyMargin,
			Metrics:      rec,
			Logger:       entry,
		})
	}
	return opts
}

// NewHTTPHandler builds the routed HTTP surface over engine.
func NewHTTPHandler(cfg *config.Config, engine handlers.Engine, rec *metrics.Recorder, logger *log.Logger) (http.Handler, error) {
	tokens, err := auth.NewService(cfg.Server.JWTSecret, cfg.Server.JWTExpiry)
	if err != nil {
		return nil, err
	}
	opts := handlers.RouterOptions{
		Engine: engine,
		Auth:   middleware.NewAuthMiddleware(tokens),
		Logger: logging.Component(logger, "http"),
	}
	if cfg.Server.RateLimitRPS > 0 {
		opts.RateLimit = middleware.NewRateLimitMiddleware(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst, cfg.Server.TrustProxyHeaders)
	}
	if cfg.Metrics.Enabled {
		opts.Metrics = rec.Handler()
		opts.MetricsPath = cfg.Metrics.Path
	}
	return handlers.NewRouter(opts), nil
}

// Service is the assembled API server.
type Service struct {
	Engine       *dispatch.Service
	stores       *Stores
	integrations *Integrations
	server       *http.Server
	log          *log.Entry
}

// New connects every dependency and builds the HTTP server.
func New(ctx context.Context, cfg *config.Config, logger *log.Logger) (*Service, error) {
	if err := cfg.RequireJWTSecret(); err != nil {
		return nil, err
	}
	rec, err := metrics.New(prometheus.NewRegistry())
	if err != nil {
		return nil, errors.Wrap(err, "metrics")
	}

	stores, err := OpenStores(ctx, cfg, rec, logger)
	if err != nil {
		return nil, err
	}
	if err := stores.Migrate(ctx); err != nil {
		_ = stores.Close(context.Background())
		return nil, errors.Wrap(err, "migrate")
	}

	integrations, err := BuildIntegrations(cfg, rec, logger)
	if err != nil {
		_ = stores.Close(context.Background())
		return nil, err
	}

	engine := dispatch.NewService(dispatch.Deps{
		Store:     stores.Assistances,
		Worklog:   worklog.NewSQLStore(stores.Worklog),
		Sequences: stores.Sequences,
		Assets:    integrations.Assets,
		Ticketing: integrations.Ticketing,
		Notifier:  integrations.Notifier,
		Metrics:   rec,
		Logger:    logging.Component(logger, "dispatch"),
	})

	handler, err := NewHTTPHandler(cfg, engine, rec, logger)
	if err != nil {
		integrations.Close()
		_ = stores.Close(context.Background())
		return nil, err
	}

	return &Service{
		Engine:       engine,
		stores:       stores,
		integrations: integrations,
		server: &http.Server{
			Addr:         ":" + strconv.Itoa(cfg.Server.Port),
			Handler:      handler,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
		log: logging.Component(logger, "service"),
	}, nil
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Service) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", s.server.Addr).Info("HTTP server listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "http server")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.log.Info("Shutting down HTTP server")
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown")
	}
	return nil
}

// Close releases resources held by the service.
func (s *Service) Close() error {
	s.integrations.Close()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.stores.Close(ctx)
}
