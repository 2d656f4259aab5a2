package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	configpkg "github.com/drblury/topicplugins/internal/runtime/config"
	errspkg "github.com/drblury/topicplugins/internal/runtime/errors"
	"github.com/drblury/topicplugins/internal/runtime/execution"
	loggingpkg "github.com/drblury/topicplugins/internal/runtime/logging"
	"github.com/drblury/topicplugins/internal/runtime/services"
	"github.com/drblury/topicplugins/internal/runtime/settings"
	"github.com/drblury/topicplugins/transport"
)

// Registration is a topic registration supplied in code rather than
// through Config.Registrations.
type Registration struct {
	Topic        string
	Subscription string
	Plugins      []PluginRef
}

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to fall back to defaults.
type ServiceDependencies struct {
	// Source defaults to the process environment.
	Source settings.Source
	// VaultConnector is required for settings that hold secret references.
	VaultConnector settings.VaultConnector
	// Resolver replaces the resolver built from Source and VaultConnector.
	Resolver *settings.Resolver

	// Plugins resolves the plugin names in Config.Registrations.
	Plugins       *PluginRegistry
	Registrations []Registration

	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
	Hooks                     DispatchHooks

	// Transports defaults to transport.DefaultRegistry.
	Transports *transport.Registry
	// OrganizationServiceBuilder defaults to the Web API client.
	OrganizationServiceBuilder services.OrganizationServiceBuilder

	MetricsRegisterer prometheus.Registerer
	MetricsGatherer   prometheus.Gatherer

	// OnException receives every live pump failure after it is logged.
	OnException func(topic, subscription string, err error)
}

// Service owns the topic registrations of a process: it bootstraps
// secrets, connects the broker, runs every registration and keeps them
// alive until its context is cancelled.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	deps          ServiceDependencies
	resolver      *settings.Resolver
	ownsResolver  bool
	metrics       *Metrics
	orgs          services.OrganizationServiceFactory
	registrations []*TopicRegistration

	router     chi.Router
	httpServer *http.Server

	mu         sync.Mutex
	broker     *transport.Broker
	started    atomic.Bool
	exceptions atomic.Uint64
}

// NewService validates conf and builds every registration. Nothing is
// connected until Start.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}

	cfg := conf.WithDefaults()
	if err := cfg.ValidateSettings(); err != nil {
		return nil, err
	}
	if len(cfg.Registrations)+len(deps.Registrations) == 0 {
		return nil, errspkg.NewConfigValidationError(errspkg.ErrRegistrationRequired)
	}

	s := &Service{
		Conf:     &cfg,
		Logger:   log,
		deps:     deps,
		resolver: deps.Resolver,
		router:   chi.NewRouter(),
	}
	if s.deps.Transports == nil {
		s.deps.Transports = transport.DefaultRegistry
	}
	if s.deps.Plugins == nil {
		s.deps.Plugins = NewPluginRegistry()
	}

	if s.resolver == nil {
		source := deps.Source
		if source == nil {
			source = settings.EnvSource{}
		}
		resolver, err := settings.NewResolver(source, deps.VaultConnector, settings.WithLogger(log))
		if err != nil {
			return nil, err
		}
		s.resolver, s.ownsResolver = resolver, true
	}

	s.orgs = services.NewOrganizationServiceFactory(func(ctx context.Context) (string, error) {
		return s.resolver.Resolve(ctx, settings.SettingOrganizationConnection, nil)
	}, deps.OrganizationServiceBuilder)

	if cfg.MetricsEnabled {
		s.metrics = NewMetrics(deps.MetricsRegisterer)
		if err := s.metrics.Register(); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		s.metrics.WatchCache(s.resolver.CacheStats)
	}

	if err := s.buildRegistrations(); err != nil {
		return nil, err
	}
	s.routes()

	log.Info("Created broker runtime", loggingpkg.LogFields{
		"pubsub_system": cfg.PubSubSystem,
		"registrations": len(s.registrations),
		"config":        cfg.String(),
	})
	return s, nil
}

func (s *Service) buildRegistrations() error {
	var regs []MiddlewareRegistration
	if !s.deps.DisableDefaultMiddlewares {
		regs = append(regs, DefaultMiddlewares()...)
	}
	regs = append(regs, s.deps.Middlewares...)
	middlewares, err := s.buildMiddlewares(regs)
	if err != nil {
		return err
	}

	all := make([]Registration, 0, len(s.Conf.Registrations)+len(s.deps.Registrations))
	for _, rc := range s.Conf.Registrations {
		refs, err := s.deps.Plugins.Resolve(rc.Plugins...)
		if err != nil {
			return fmt.Errorf("registration %s/%s: %w", rc.Topic, rc.Subscription, err)
		}
		all = append(all, Registration{Topic: rc.Topic, Subscription: rc.Subscription, Plugins: refs})
	}
	all = append(all, s.deps.Registrations...)

	for _, reg := range all {
		chain, err := NewPluginChain(reg.Plugins, s.Logger, middlewares...)
		if err != nil {
			return fmt.Errorf("registration %s/%s: %w", reg.Topic, reg.Subscription, err)
		}
		tr, err := NewTopicRegistration(reg.Topic, reg.Subscription, chain, s.Logger, RegistrationOptions{
			Hooks:   s.deps.Hooks,
			Metrics: s.metrics,
			Lookup:  s.lookup,
		})
		if err != nil {
			return err
		}
		s.registrations = append(s.registrations, tr)
	}
	return nil
}

func (s *Service) lookup(ctx context.Context, exec *execution.Context) services.Lookup {
	logger := s.Logger.With(loggingpkg.LogFields(exec.LogFields()))
	return services.NewProvider(exec, services.NewTracingService(ctx, logger), s.orgs)
}

// Resolver returns the setting resolver, for plugins that need further
// settings or secrets.
func (s *Service) Resolver() *settings.Resolver { return s.resolver }

// Metrics is nil unless Config.MetricsEnabled is set.
func (s *Service) Metrics() *Metrics { return s.metrics }

// Registrations returns the registrations in configuration order.
func (s *Service) Registrations() []*TopicRegistration {
	out := make([]*TopicRegistration, len(s.registrations))
	copy(out, s.registrations)
	return out
}

// Exceptions returns the number of live failures seen so far.
func (s *Service) Exceptions() uint64 { return s.exceptions.Load() }

// Start initializes secrets and registrations, runs every registration and
// then blocks until ctx is cancelled. A registration failure closes every
// registration and is returned. Start may be called once.
func (s *Service) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errspkg.ErrInvalidState
	}

	if err := s.initialize(ctx); err != nil {
		s.shutdown()
		return err
	}
	s.startHTTPServer()

	if err := s.runRegistrations(ctx); err != nil {
		s.shutdown()
		return err
	}

	s.keepAlive(ctx)
	s.shutdown()
	return nil
}

func (s *Service) initialize(ctx context.Context) error {
	expiry := s.Conf.DefaultSecretExpiry
	if expiry <= 0 {
		var err error
		expiry, err = s.resolver.ResolveDuration(ctx, settings.SettingDefaultCacheTimeSpan, settings.DefaultSecretExpiry)
		if err != nil {
			return err
		}
	}

	if err := s.resolver.InitializeSecretsFromSettings(ctx, s.Conf.ClientIDSetting, s.Conf.ThumbprintSetting, &expiry); err != nil {
		s.Logger.Error("Failed to initialize secrets", err, nil)
		return err
	}

	connection, err := s.resolver.Resolve(ctx, s.Conf.BrokerConnectionSetting, nil)
	if err != nil {
		if !s.Conf.BrokerConnectionOptional || !errors.Is(err, errspkg.ErrConfigurationMissing) {
			s.Logger.Error("Failed to resolve broker connection", err, loggingpkg.LogFields{"setting": s.Conf.BrokerConnectionSetting})
			return err
		}
		connection = ""
	}

	wmLogger := loggingpkg.NewWatermillAdapter(s.Logger)
	tr, err := s.deps.Transports.Build(ctx, transport.WithConnectionString(s.Conf, connection), wmLogger)
	if err != nil {
		return err
	}
	caps := s.deps.Transports.Capabilities(s.Conf.PubSubSystem)
	for _, warning := range caps.Warnings() {
		s.Logger.Info("Transport limitation", loggingpkg.LogFields{"transport": caps.Name, "warning": warning})
	}

	broker := transport.NewBroker(tr, caps, wmLogger, transport.BrokerOptions{
		DeadLetterSuffix: s.Conf.DeadLetterSuffix,
		PollTimeout:      s.Conf.PollTimeout,
		ShutdownTimeout:  s.Conf.ShutdownTimeout,
	})
	s.mu.Lock()
	s.broker = broker
	s.mu.Unlock()

	for _, reg := range s.registrations {
		if err := reg.Initialize(ctx, broker); err != nil {
			s.Logger.Error("Failed to initialize registration", err, loggingpkg.LogFields{
				"topic":        reg.Topic(),
				"subscription": reg.Subscription(),
			})
			return err
		}
	}
	return nil
}

func (s *Service) runRegistrations(ctx context.Context) error {
	opts := func(reg *TopicRegistration) RunOptions {
		return RunOptions{
			MaxConcurrent:      s.Conf.MaxConcurrent,
			LockRenewalTimeout: s.Conf.LockRenewalTimeout,
			MaxDeliveryCount:   s.Conf.MaxDeliveryCount,
			OnError:            func(err error) { s.onException(reg, err) },
		}
	}

	// Run keeps ctx for the live pump, so the group must not cancel it.
	var g errgroup.Group
	for _, reg := range s.registrations {
		g.Go(func() error {
			err := reg.Run(ctx, opts(reg))
			if cancelled(ctx, err) {
				// stopped while draining; not a registration failure
				return nil
			}
			if err != nil {
				s.Logger.Error("Registration failed", err, loggingpkg.LogFields{
					"topic":        reg.Topic(),
					"subscription": reg.Subscription(),
				})
			}
			return err
		})
	}

	return g.Wait()
}

// cancelled reports whether err is ctx's own cancellation.
func cancelled(ctx context.Context, err error) bool {
	return err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err())
}

func (s *Service) onException(reg *TopicRegistration, err error) {
	s.exceptions.Add(1)
	s.Logger.Error("Message exception received", err, loggingpkg.LogFields{
		"topic":        reg.Topic(),
		"subscription": reg.Subscription(),
	})
	if s.deps.OnException != nil {
		s.deps.OnException(reg.Topic(), reg.Subscription(), err)
	}
}

func (s *Service) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(s.Conf.LivenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Logger.Info("Broker runtime is alive", loggingpkg.LogFields{
				"registrations": len(s.registrations),
				"exceptions":    s.exceptions.Load(),
			})
		}
	}
}

// shutdown closes every registration, then the broker and HTTP server.
func (s *Service) shutdown() {
	for _, reg := range s.registrations {
		if err := reg.Close(); err != nil {
			s.Logger.Error("Failed to close registration", err, loggingpkg.LogFields{
				"topic":        reg.Topic(),
				"subscription": reg.Subscription(),
			})
		}
	}

	s.mu.Lock()
	broker := s.broker
	s.broker = nil
	s.mu.Unlock()
	if broker != nil {
		if err := broker.Close(); err != nil {
			s.Logger.Error("Failed to close broker", err, nil)
		}
	}

	s.stopHTTPServer()
	if s.ownsResolver {
		s.resolver.Shutdown()
	}
	s.Logger.Info("Broker runtime stopped", nil)
}
