package settings

import (
	"context"
	"sync"

	errspkg "github.com/drblury/topicplugins/internal/runtime/errors"
)

// Credential authenticates the process against the vault: a client
// identifier plus certificate thumbprint, or an equivalent key pair.
type Credential struct {
	ClientID   string
	Thumbprint string
}

// Redacted hides the key material for logging.
func (c Credential) Redacted() string {
	if c.Thumbprint == "" {
		return c.ClientID
	}
	return c.ClientID + ":***"
}

// VaultClient fetches secret values by reference. Failures should be
// reported as *errors.VaultError; anything else is treated as unavailable.
type VaultClient interface {
	FetchSecret(ctx context.Context, reference string) (string, error)
}

// VaultConnector authenticates once and yields a client.
type VaultConnector interface {
	Connect(ctx context.Context, cred Credential) (VaultClient, error)
}

// VaultConnectorFunc adapts a function to VaultConnector.
type VaultConnectorFunc func(ctx context.Context, cred Credential) (VaultClient, error)

func (f VaultConnectorFunc) Connect(ctx context.Context, cred Credential) (VaultClient, error) {
	return f(ctx, cred)
}

// MemoryVault is an in-process vault. It acts as its own connector and
// counts fetches per reference.
type MemoryVault struct {
	mu          sync.Mutex
	secrets     map[string]string
	failures    map[string]error
	fetches     map[string]int
	credentials []Credential
	// Expected, when set, makes Connect reject any other credential.
	Expected *Credential
}

func NewMemoryVault(secrets map[string]string) *MemoryVault {
	v := &MemoryVault{
		secrets:  make(map[string]string, len(secrets)),
		failures: make(map[string]error),
		fetches:  make(map[string]int),
	}
	for k, s := range secrets {
		v.secrets[k] = s
	}
	return v
}

func (v *MemoryVault) Connect(_ context.Context, cred Credential) (VaultClient, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.Expected != nil && *v.Expected != cred {
		return nil, errspkg.NewVaultError("", errspkg.VaultUnauthorized, nil)
	}
	v.credentials = append(v.credentials, cred)
	return v, nil
}

func (v *MemoryVault) FetchSecret(ctx context.Context, reference string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errspkg.NewVaultError(reference, errspkg.VaultUnavailable, err)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.fetches[reference]++
	if err, ok := v.failures[reference]; ok {
		return "", err
	}
	s, ok := v.secrets[reference]
	if !ok {
		return "", errspkg.NewVaultError(reference, errspkg.VaultSecretNotFound, nil)
	}
	return s, nil
}

// Set stores or rotates a secret.
func (v *MemoryVault) Set(reference, value string) {
	v.mu.Lock()
	v.secrets[reference] = value
	delete(v.failures, reference)
	v.mu.Unlock()
}

// Fail makes every fetch of reference return err until Set is called.
func (v *MemoryVault) Fail(reference string, err error) {
	v.mu.Lock()
	v.failures[reference] = err
	v.mu.Unlock()
}

// Fetches reports how often reference was fetched.
func (v *MemoryVault) Fetches(reference string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.fetches[reference]
}

// Connections lists the credentials Connect accepted, oldest first.
func (v *MemoryVault) Connections() []Credential {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]Credential(nil), v.credentials...)
}
