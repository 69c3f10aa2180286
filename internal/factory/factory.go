package factory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"pairing-widget/internal/client"
	"pairing-widget/internal/config"
	"pairing-widget/internal/events"
	"pairing-widget/internal/flag"
	"pairing-widget/internal/handler"
	"pairing-widget/internal/notify"
	"pairing-widget/internal/pairing"
	"pairing-widget/internal/scheduler"
	"pairing-widget/internal/tls"
	"pairing-widget/internal/trust"
	"pairing-widget/internal/util"

	"go.uber.org/zap"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	logger     *zap.Logger
	clock      scheduler.Clock
	tlsManager *tls.TLSManager

	// Clients
	httpClient    *http.Client
	redisClient   *client.RedisClient
	kafkaProducer *client.KafkaProducer
	pairingClient *client.PairingClient
	trustClient   *client.TrustClient

	flags     flag.Store
	publisher events.Publisher
	notifier  notify.Notifier

	registry *handler.Registry

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory validates cfg and initializes every dependency it enables.
func NewFactory(cfg *config.Config) (*Factory, error) {
	logger := util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	f := &Factory{
		config:     cfg,
		logger:     logger,
		clock:      scheduler.Real(),
		httpClient: &http.Client{},
		closed:     make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		f.tlsManager = tls.NewTLSManager(cfg, logger)
	}

	if err := f.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}
	if err := f.initializeFlagStore(); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize flag store: %w", err)
	}
	f.initializeNotifiers()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.String("flag_store", cfg.Flag.Store),
		util.Bool("kafka_enabled", f.kafkaProducer != nil),
	)

	return f, nil
}

// initializeClients builds the pairing and trust API clients plus the
// optional Redis and Kafka connections.
func (f *Factory) initializeClients() error {
	cfg := f.config

	f.pairingClient = client.NewPairingClient(cfg.Pairing.BaseURL, f.httpClient, cfg.Pairing.RequestTimeout, f.logger)
	f.trustClient = client.NewTrustClient(cfg.Trust.BaseURL, f.httpClient, cfg.Pairing.RequestTimeout, f.logger)

	if cfg.Redis.URL != "" {
		redisClient, err := client.NewRedisClient(cfg, f.logger)
		if err != nil {
			if cfg.Flag.Store == config.FlagStoreRedis || cfg.IsProduction() {
				return fmt.Errorf("redis: %w", err)
			}
			util.Warn("Redis unavailable - proceeding without it", util.ErrorField(err))
		} else {
			f.redisClient = redisClient
		}
	}

	f.publisher = events.Noop{}
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := client.NewKafkaProducer(cfg, f.logger)
		if err != nil {
			util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
			f.publisher = events.NewKafkaPublisher(producer, "pairing-widget", f.logger)
		}
	}

	return nil
}

func (f *Factory) initializeFlagStore() error {
	cfg := f.config.Flag
	switch cfg.Store {
	case config.FlagStoreFile:
		store, err := flag.NewFileStore(cfg.Path, cfg.TTL)
		if err != nil {
			return err
		}
		f.flags = store
	case config.FlagStoreRedis:
		if f.redisClient == nil {
			return errors.New("redis client not initialized")
		}
		f.flags = flag.NewRedisStore(f.redisClient, cfg.TTL)
	default:
		f.flags = flag.NewMemoryStore(cfg.TTL)
	}
	return nil
}

// initializeNotifiers always logs confirmations and adds Telegram and mail
// when they are configured.
func (f *Factory) initializeNotifiers() {
	cfg := f.config
	sinks := notify.Multi{notify.NewLog(f.logger)}

	if cfg.Telegram.Token != "" {
		tg, err := notify.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID, "", f.httpClient)
		if err != nil {
			util.Warn("Telegram notifier disabled", util.ErrorField(err))
		} else {
			sinks = append(sinks, tg)
		}
	}

	if cfg.Mail.Host != "" && len(cfg.Mail.To) > 0 {
		mail, err := notify.NewMail(cfg.Mail.Host, cfg.Mail.Port, cfg.Mail.Username, cfg.Mail.Password, cfg.Mail.From, cfg.Mail.To)
		if err != nil {
			util.Warn("Mail notifier disabled", util.ErrorField(err))
		} else {
			sinks = append(sinks, mail)
		}
	}

	f.notifier = sinks
}

// NewController builds a pairing controller for one widget instance. opts
// are applied after the factory's own.
func (f *Factory) NewController(widgetID string, opts ...pairing.Option) *pairing.Controller {
	cfg := f.config.Pairing
	base := []pairing.Option{
		pairing.WithClock(f.clock),
		pairing.WithNotifier(f.notifier),
		pairing.WithFlagStore(f.flags),
		pairing.WithEvents(f.publisher),
		pairing.WithLogger(f.logger.With(util.String("widget_id", widgetID))),
	}
	return pairing.NewController(f.pairingClient, pairing.Config{
		WidgetID:       widgetID,
		DefaultTTL:     cfg.DefaultTTL,
		PollInterval:   cfg.PollInterval,
		MinTokenLength: cfg.MinTokenLength,
		RequestTimeout: cfg.RequestTimeout,
	}, append(base, opts...)...)
}

// NewTrustMonitor returns nil when neither the config nor the caller names
// a hostname.
func (f *Factory) NewTrustMonitor(hostname, subject string, opts ...trust.Option) *trust.Monitor {
	if f.config.Trust.Hostname != "" {
		hostname = f.config.Trust.Hostname
	}
	if hostname == "" {
		return nil
	}
	base := []trust.Option{
		trust.WithClock(f.clock),
		trust.WithFlagStore(f.flags),
		trust.WithEvents(f.publisher),
		trust.WithLogger(f.logger.With(util.String("subject", subject))),
	}
	return trust.NewMonitor(f.trustClient, trust.Config{
		Hostname:     hostname,
		Subject:      subject,
		PollInterval: f.config.Trust.PollInterval,
		Timeout:      f.config.Pairing.RequestTimeout,
	}, append(base, opts...)...)
}

// Registry returns the widget registry used by the HTTP host.
func (f *Factory) Registry() *handler.Registry {
	if f.registry == nil {
		f.registry = handler.NewRegistry(func(id, hostname string) *handler.Widget {
			return &handler.Widget{
				ID:         id,
				Controller: f.NewController(id),
				Trust:      f.NewTrustMonitor(hostname, id),
			}
		}, f.config.Server.WidgetShards, f.config.Server.WidgetIdleTimeout, f.clock, f.logger)
	}
	return f.registry
}

// Router builds the widget host's HTTP handler.
func (f *Factory) Router() http.Handler {
	widgetHandler := handler.NewWidgetHandler(f.Registry(), f.flags, f.config.Cookie, f.logger)
	return handler.NewRouter(widgetHandler, f.config, f.logger)
}

// ==============================
// Health Checks
// ==============================

func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	} else if f.config.Flag.Store == config.FlagStoreRedis {
		healthErrors["redis"] = fmt.Errorf("redis client not initialized")
	}

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	if f.flags == nil {
		healthErrors["flag_store"] = fmt.Errorf("flag store not initialized")
	}

	return healthErrors
}

// IsHealthy ignores Kafka; events are best effort.
func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	delete(healthErrors, "kafka")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.registry != nil {
			f.registry.CloseAll()
			util.Info("Widgets closed")
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) Logger() *zap.Logger {
	return f.logger
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) FlagStore() flag.Store {
	return f.flags
}

func (f *Factory) Notifier() notify.Notifier {
	return f.notifier
}
