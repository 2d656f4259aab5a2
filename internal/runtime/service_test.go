package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/topicplugins/internal/runtime/config"
	errspkg "github.com/drblury/topicplugins/internal/runtime/errors"
	"github.com/drblury/topicplugins/internal/runtime/execution"
	"github.com/drblury/topicplugins/internal/runtime/jsoncodec"
	"github.com/drblury/topicplugins/internal/runtime/services"
	"github.com/drblury/topicplugins/internal/runtime/settings"
	"github.com/drblury/topicplugins/transport"
	"github.com/drblury/topicplugins/transport/channel"
)

const (
	brokerSecret = "https://vault.example/secrets/broker"
	orgSecret    = "https://vault.example/secrets/org"
)

// channelHarness registers a channel transport that exposes the built
// transport, so tests can seed and publish messages.
type channelHarness struct {
	mu       sync.Mutex
	tr       transport.Transport
	built    chan struct{}
	seedDead []string
	t        *testing.T
}

func newChannelHarness(t *testing.T, seedDead ...string) (*channelHarness, *transport.Registry) {
	h := &channelHarness{built: make(chan struct{}), seedDead: seedDead, t: t}
	reg := transport.NewRegistry()
	reg.RegisterWithCapabilities(channel.TransportName, h.build, channel.Capabilities())
	return h, reg
}

func (h *channelHarness) build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	tr, err := channel.Build(ctx, cfg, logger)
	if err != nil {
		return tr, err
	}
	for _, id := range h.seedDead {
		if err := tr.Publisher.Publish(transport.DeadLetterTopic("crm", "plugins", ""), newMessage(h.t, id, "account")); err != nil {
			return tr, err
		}
	}
	h.mu.Lock()
	h.tr = tr
	h.mu.Unlock()
	close(h.built)
	return tr, nil
}

func (h *channelHarness) publish(t *testing.T, topic, id string) {
	select {
	case <-h.built:
	case <-time.After(2 * time.Second):
		t.Fatal("transport was never built")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	require.NoError(t, h.tr.Publisher.Publish(topic, newMessage(t, id, "account")))
}

func newTestSource() settings.MapSource {
	return settings.MapSource{
		settings.SettingClientID:               "client-id",
		settings.SettingCertificateThumbprint:  "thumbprint",
		settings.SettingBrokerConnection:       brokerSecret,
		settings.SettingOrganizationConnection: orgSecret,
	}
}

func newTestVault() *settings.MemoryVault {
	return settings.NewMemoryVault(map[string]string{
		brokerSecret: "Endpoint=sb://broker.example/",
		orgSecret:    "Url=https://org.example;AuthType=OAuth",
	})
}

func newTestConfig() *configpkg.Config {
	return &configpkg.Config{
		PubSubSystem:     "channel",
		PollTimeout:      50 * time.Millisecond,
		LivenessInterval: 20 * time.Millisecond,
		ShutdownTimeout:  time.Second,
	}
}

type stubOrganizationService struct {
	services.OrganizationService
}

func TestServiceRunsRegistrations(t *testing.T) {
	harness, registry := newChannelHarness(t, "dead-1", "dead-2", "dead-3")
	vault := newTestVault()

	var builtMu sync.Mutex
	var builtURLs []string
	orgBuilder := func(_ context.Context, conn services.ConnectionString, _ *uuid.UUID) (services.OrganizationService, error) {
		builtMu.Lock()
		builtURLs = append(builtURLs, conn.URL)
		builtMu.Unlock()
		return stubOrganizationService{}, nil
	}

	rec := &recorder{}
	usesOrganization := PluginFunc(func(ctx context.Context, _ *execution.Context, lookup services.Lookup) error {
		factory, err := services.OrganizationFactory(lookup)
		if err != nil {
			return err
		}
		_, err = factory.CreateOrganizationService(ctx, nil)
		return err
	})

	plugins := NewPluginRegistry()
	require.NoError(t, plugins.Register("recorder", rec))
	require.NoError(t, plugins.Register("organization", usesOrganization))

	conf := newTestConfig()
	conf.MetricsEnabled = true
	conf.Registrations = []configpkg.RegistrationConfig{
		{Topic: "crm", Subscription: "plugins", Plugins: []string{"recorder", "organization"}},
	}

	var exceptions []error
	var exceptionsMu sync.Mutex
	svc, err := NewService(conf, newTestLogger(), ServiceDependencies{
		Source:                     newTestSource(),
		VaultConnector:             vault,
		Plugins:                    plugins,
		Transports:                 registry,
		OrganizationServiceBuilder: orgBuilder,
		MetricsRegisterer:          prometheus.NewRegistry(),
		OnException: func(_, _ string, err error) {
			exceptionsMu.Lock()
			exceptions = append(exceptions, err)
			exceptionsMu.Unlock()
		},
	})
	require.NoError(t, err)
	require.NotNil(t, svc.Metrics())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()

	harness.publish(t, "crm", "live-1")
	harness.publish(t, "crm", "live-2")

	reg := svc.Registrations()[0]
	require.Eventually(t, func() bool { return reg.Stats().Completed == 2 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"dead-1", "dead-2", "dead-3", "live-1", "live-2"}, rec.Seen())
	assert.Equal(t, uint64(3), reg.Stats().DeadLetterDrained)
	assert.Equal(t, StateLivePumping, reg.State())

	assert.Equal(t, []settings.Credential{{ClientID: "client-id", Thumbprint: "thumbprint"}}, vault.Connections())
	assert.Equal(t, 1, vault.Fetches(orgSecret), "organization secret is cached across dispatches")
	assert.Equal(t, 1, vault.Fetches(brokerSecret))
	builtMu.Lock()
	assert.Len(t, builtURLs, 5)
	assert.Equal(t, "https://org.example", builtURLs[0])
	builtMu.Unlock()

	assert.ErrorIs(t, svc.Start(ctx), errspkg.ErrInvalidState)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("service did not stop")
	}
	assert.Equal(t, StateClosed, reg.State())
	exceptionsMu.Lock()
	assert.Empty(t, exceptions)
	exceptionsMu.Unlock()
}

func TestServiceSharedSecretFetchedOnce(t *testing.T) {
	_, registry := newChannelHarness(t)
	vault := newTestVault()
	source := newTestSource()
	source[settings.SettingOrganizationConnection] = brokerSecret
	vault.Set(brokerSecret, "Url=https://org.example")

	svc, err := NewService(newTestConfig(), newTestLogger(), ServiceDependencies{
		Source:         source,
		VaultConnector: vault,
		Transports:     registry,
		Registrations:  []Registration{{Topic: "crm", Subscription: "plugins"}},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()

	require.Eventually(t, func() bool { return svc.Registrations()[0].State() == StateLivePumping }, 3*time.Second, 10*time.Millisecond)
	_, err = svc.Resolver().Resolve(ctx, settings.SettingOrganizationConnection, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, vault.Fetches(brokerSecret))

	cancel()
	require.NoError(t, <-done)
}

func TestServiceStartFailsWithoutCredentials(t *testing.T) {
	_, registry := newChannelHarness(t)
	source := newTestSource()
	delete(source, settings.SettingClientID)

	svc, err := NewService(newTestConfig(), newTestLogger(), ServiceDependencies{
		Source:         source,
		VaultConnector: newTestVault(),
		Transports:     registry,
		Registrations:  []Registration{{Topic: "crm", Subscription: "plugins"}},
	})
	require.NoError(t, err)

	err = svc.Start(context.Background())
	assert.ErrorIs(t, err, errspkg.ErrConfigurationMissing)
	assert.Equal(t, StateClosed, svc.Registrations()[0].State())
}

func TestServiceBrokerConnection(t *testing.T) {
	source := newTestSource()
	delete(source, settings.SettingBrokerConnection)

	start := func(optional bool) error {
		_, registry := newChannelHarness(t)
		conf := newTestConfig()
		conf.BrokerConnectionOptional = optional
		svc, err := NewService(conf, newTestLogger(), ServiceDependencies{
			Source:         source,
			VaultConnector: newTestVault(),
			Transports:     registry,
			Registrations:  []Registration{{Topic: "crm", Subscription: "plugins"}},
		})
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		return svc.Start(ctx)
	}

	assert.ErrorIs(t, start(false), errspkg.ErrConfigurationMissing)
	assert.NoError(t, start(true))
}

func TestServiceStopsWhenDeadLetterFails(t *testing.T) {
	_, registry := newChannelHarness(t, "dead-1")
	boom := errors.New("boom")
	failing := PluginFunc(func(context.Context, *execution.Context, services.Lookup) error { return boom })

	svc, err := NewService(newTestConfig(), newTestLogger(), ServiceDependencies{
		Source:         newTestSource(),
		VaultConnector: newTestVault(),
		Transports:     registry,
		Registrations: []Registration{
			{Topic: "crm", Subscription: "plugins", Plugins: []PluginRef{{Name: "failing", Plugin: failing}}},
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err = svc.Start(ctx)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateClosed, svc.Registrations()[0].State())
}

func TestServiceKeepsDeadLetterFailureAfterCancellation(t *testing.T) {
	_, registry := newChannelHarness(t, "dead-1")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	boom := errors.New("boom")
	failing := PluginFunc(func(context.Context, *execution.Context, services.Lookup) error {
		cancel()
		return boom
	})

	svc, err := NewService(newTestConfig(), newTestLogger(), ServiceDependencies{
		Source:         newTestSource(),
		VaultConnector: newTestVault(),
		Transports:     registry,
		Registrations: []Registration{
			{Topic: "crm", Subscription: "plugins", Plugins: []PluginRef{{Name: "failing", Plugin: failing}}},
		},
	})
	require.NoError(t, err)

	err = svc.Start(ctx)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, context.Canceled)
}

func TestCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	assert.False(t, cancelled(ctx, context.Canceled), "ctx still live")
	cancel()
	assert.True(t, cancelled(ctx, context.Canceled))
	assert.True(t, cancelled(ctx, fmt.Errorf("receive: %w", context.Canceled)))
	assert.False(t, cancelled(ctx, errors.New("boom")))
	assert.False(t, cancelled(ctx, nil))
}

func TestNewServiceValidates(t *testing.T) {
	deps := ServiceDependencies{Source: newTestSource()}

	_, err := NewService(nil, newTestLogger(), deps)
	assert.ErrorIs(t, err, errspkg.ErrConfigRequired)

	_, err = NewService(newTestConfig(), nil, deps)
	assert.ErrorIs(t, err, errspkg.ErrLoggerRequired)

	_, err = NewService(newTestConfig(), newTestLogger(), deps)
	assert.ErrorIs(t, err, errspkg.ErrRegistrationRequired)

	conf := newTestConfig()
	conf.Registrations = []configpkg.RegistrationConfig{{Topic: "crm", Subscription: "plugins", Plugins: []string{"missing"}}}
	_, err = NewService(conf, newTestLogger(), deps)
	assert.ErrorIs(t, err, errspkg.ErrPluginRequired)

	conf = newTestConfig()
	conf.PollTimeout = -time.Second
	_, err = NewService(conf, newTestLogger(), ServiceDependencies{
		Source:        newTestSource(),
		Registrations: []Registration{{Topic: "crm", Subscription: "plugins"}},
	})
	var cve errspkg.ConfigValidationError
	assert.ErrorAs(t, err, &cve)
}

func TestServiceHTTPHandlers(t *testing.T) {
	svc, err := NewService(newTestConfig(), newTestLogger(), ServiceDependencies{
		Source: newTestSource(),
		Registrations: []Registration{
			{Topic: "crm", Subscription: "plugins"},
			{Topic: "crm", Subscription: "audit"},
			{Topic: "billing", Subscription: "plugins"},
		},
	})
	require.NoError(t, err)
	svc.RegisterHTTPHandler("/custom", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	health := get("/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, health.Code)
	var body healthResponse
	require.NoError(t, jsoncodec.Unmarshal(health.Body.Bytes(), &body))
	assert.Equal(t, "unavailable", body.Status)
	assert.Len(t, body.Registrations, 3)

	byTopic := get("/registrations/crm")
	assert.Equal(t, http.StatusOK, byTopic.Code)
	var stats []RegistrationStats
	require.NoError(t, jsoncodec.Unmarshal(byTopic.Body.Bytes(), &stats))
	require.Len(t, stats, 2)
	assert.Equal(t, "uninitialized", stats[0].State)

	assert.Equal(t, http.StatusNotFound, get("/registrations/unknown").Code)
	assert.Equal(t, http.StatusOK, get("/registrations").Code)
	assert.Equal(t, http.StatusTeapot, get("/custom").Code)
	assert.Equal(t, http.StatusNotFound, get("/metrics").Code, "metrics are disabled")
}

func TestServiceServesMetrics(t *testing.T) {
	conf := newTestConfig()
	conf.MetricsEnabled = true
	registry := prometheus.NewRegistry()

	svc, err := NewService(conf, newTestLogger(), ServiceDependencies{
		Source:            newTestSource(),
		MetricsRegisterer: registry,
		Registrations:     []Registration{{Topic: "crm", Subscription: "plugins"}},
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "topicplugins_registration_state")
	assert.Contains(t, rec.Body.String(), "topicplugins_secret_cache_hits_total")
}
