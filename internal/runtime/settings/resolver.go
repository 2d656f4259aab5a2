// Package settings resolves named configuration values, following secret
// references into a vault. Raw values and secrets are memoised in a shared
// memo.Cache; secrets are keyed by reference so two settings pointing at the
// same secret cost one vault call per cache epoch.
package settings

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	errspkg "github.com/drblury/topicplugins/internal/runtime/errors"
	"github.com/drblury/topicplugins/internal/runtime/logging"
	"github.com/drblury/topicplugins/internal/runtime/memo"
)

const (
	settingKeyPrefix = "setting:"
	secretKeyPrefix  = "secret:"
)

// Resolver is safe for concurrent use.
type Resolver struct {
	source    Source
	connector VaultConnector
	cache     *memo.Cache[string]
	logger    logging.ServiceLogger

	mu                sync.RWMutex
	client            VaultClient
	defaultExpiry     *time.Duration
	clientIDSetting   string
	thumbprintSetting string
}

type ResolverOption func(*Resolver)

func WithLogger(logger logging.ServiceLogger) ResolverOption {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithCache shares an existing cache instead of allocating one.
func WithCache(cache *memo.Cache[string]) ResolverOption {
	return func(r *Resolver) {
		if cache != nil {
			r.cache = cache
		}
	}
}

// NewResolver builds a resolver over source. connector may be nil when no
// secret references are expected; InitializeSecrets then fails.
func NewResolver(source Source, connector VaultConnector, opts ...ResolverOption) (*Resolver, error) {
	if source == nil {
		return nil, errspkg.ErrSourceRequired
	}
	r := &Resolver{
		source:    source,
		connector: connector,
		logger:    logging.NewNopServiceLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cache == nil {
		r.cache = memo.New[string]()
	}
	return r, nil
}

// Resolve returns the value of the named setting. When the raw value is a
// secret reference the secret is fetched from the vault and cached for
// overrideExpiry, else the default expiry given at initialization, else
// until the next Reset.
func (r *Resolver) Resolve(ctx context.Context, name string, overrideExpiry *time.Duration) (string, error) {
	raw, err := r.cache.GetOrCreate(ctx, settingKeyPrefix+name, func(ctx context.Context) (string, error) {
		v, ok, err := r.source.GetRaw(ctx, name)
		if err != nil {
			return "", fmt.Errorf("topicplugins: read setting %s: %w", name, err)
		}
		if !ok {
			return "", &errspkg.ConfigurationMissingError{Setting: name}
		}
		return v, nil
	}, memo.Never)
	if err != nil {
		return "", err
	}

	ref, ok := ParseSecretReference(raw)
	if !ok {
		return raw, nil
	}
	return r.resolveSecret(ctx, ref, overrideExpiry)
}

// ResolveDuration resolves a setting holding a Go duration string. An absent
// setting yields fallback.
func (r *Resolver) ResolveDuration(ctx context.Context, name string, fallback time.Duration) (time.Duration, error) {
	v, err := r.Resolve(ctx, name, nil)
	if errors.Is(err, errspkg.ErrConfigurationMissing) {
		return fallback, nil
	}
	if err != nil {
		return 0, err
	}
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("topicplugins: setting %s: %w", name, err)
	}
	return d, nil
}

func (r *Resolver) resolveSecret(ctx context.Context, ref SecretReference, overrideExpiry *time.Duration) (string, error) {
	r.mu.RLock()
	client, defaultExpiry := r.client, r.defaultExpiry
	r.mu.RUnlock()

	if client == nil {
		return "", errspkg.ErrSecretsNotInitialized
	}

	expiry := overrideExpiry
	if expiry == nil {
		expiry = defaultExpiry
	}
	expiresAt := memo.Never
	if expiry != nil && *expiry > 0 {
		expiresAt = r.cache.Now().Add(*expiry)
	}

	return r.cache.GetOrCreate(ctx, secretKeyPrefix+ref.Raw, func(ctx context.Context) (string, error) {
		r.logger.Debug("Fetching secret from vault", logging.LogFields{
			"reference": ref.Raw,
			"kind":      ref.Kind.String(),
		})
		v, err := client.FetchSecret(ctx, ref.Raw)
		if err == nil {
			return v, nil
		}
		var vaultErr *errspkg.VaultError
		if !errors.As(err, &vaultErr) {
			err = errspkg.NewVaultError(ref.Raw, errspkg.VaultUnavailable, err)
		}
		r.logger.Error("Failed to fetch secret", err, logging.LogFields{"reference": ref.Raw})
		return "", err
	}, expiresAt)
}

// InitializeSecrets authenticates against the vault. defaultExpiry applies
// to secrets resolved without an explicit override.
func (r *Resolver) InitializeSecrets(ctx context.Context, cred Credential, defaultExpiry *time.Duration) error {
	if r.connector == nil {
		return errspkg.NewVaultError("", errspkg.VaultUnavailable, errors.New("no vault connector configured"))
	}
	client, err := r.connector.Connect(ctx, cred)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.client = client
	r.defaultExpiry = copyDuration(defaultExpiry)
	r.mu.Unlock()

	r.logger.Info("Vault secrets initialized", logging.LogFields{"client_id": cred.ClientID})
	return nil
}

// InitializeSecretsFromSettings reads the credential from two named settings
// and remembers the names so Reset can re-authenticate.
func (r *Resolver) InitializeSecretsFromSettings(ctx context.Context, clientIDSetting, thumbprintSetting string, defaultExpiry *time.Duration) error {
	r.mu.Lock()
	r.clientIDSetting = clientIDSetting
	r.thumbprintSetting = thumbprintSetting
	r.mu.Unlock()

	clientID, err := r.requireSetting(ctx, clientIDSetting)
	if err != nil {
		return err
	}
	thumbprint, err := r.requireSetting(ctx, thumbprintSetting)
	if err != nil {
		return err
	}
	return r.InitializeSecrets(ctx, Credential{ClientID: clientID, Thumbprint: thumbprint}, defaultExpiry)
}

func (r *Resolver) requireSetting(ctx context.Context, name string) (string, error) {
	v, err := r.Resolve(ctx, name, nil)
	if err != nil {
		return "", err
	}
	if v == "" {
		return "", &errspkg.ConfigurationMissingError{Setting: name}
	}
	return v, nil
}

// Reset clears every cached setting and secret. When the credential was
// supplied by setting name, initialization is re-run against the current
// configuration.
func (r *Resolver) Reset(ctx context.Context) error {
	r.cache.Reset()

	r.mu.RLock()
	clientIDSetting, thumbprintSetting := r.clientIDSetting, r.thumbprintSetting
	defaultExpiry := copyDuration(r.defaultExpiry)
	r.mu.RUnlock()

	if clientIDSetting == "" || thumbprintSetting == "" {
		return nil
	}
	return r.InitializeSecretsFromSettings(ctx, clientIDSetting, thumbprintSetting, defaultExpiry)
}

// Shutdown releases the cache; later lookups fail with memo.ErrCacheClosed.
func (r *Resolver) Shutdown() {
	r.cache.Shutdown()
}

// CacheStats exposes the underlying cache counters.
func (r *Resolver) CacheStats() memo.Stats {
	return r.cache.Stats()
}

func copyDuration(d *time.Duration) *time.Duration {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}
