package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrConfigRequired       = sterrors.New("topicplugins: configuration is required")
	ErrLoggerRequired       = sterrors.New("topicplugins: logger is required")
	ErrRegistrationRequired = sterrors.New("topicplugins: at least one topic registration is required")
	ErrTopicRequired        = sterrors.New("topicplugins: topic path is required")
	ErrSubscriptionRequired = sterrors.New("topicplugins: subscription name is required")
	ErrPluginRequired       = sterrors.New("topicplugins: plugin is required")
	ErrPluginNameRequired   = sterrors.New("topicplugins: plugin name is required")
	ErrOpenerRequired       = sterrors.New("topicplugins: subscription opener is required")
	ErrSourceRequired       = sterrors.New("topicplugins: configuration source is required")

	ErrConfigurationMissing  = sterrors.New("topicplugins: configuration setting is missing")
	ErrSecretsNotInitialized = sterrors.New("topicplugins: InitializeSecrets must be called to retrieve secrets")

	ErrVaultUnavailable    = sterrors.New("topicplugins: vault unavailable")
	ErrVaultUnauthorized   = sterrors.New("topicplugins: vault access not authorized")
	ErrVaultSecretNotFound = sterrors.New("topicplugins: vault secret not found")

	ErrPluginExecutionFailed        = sterrors.New("topicplugins: plugin execution failed")
	ErrMessageDeserializationFailed = sterrors.New("topicplugins: message deserialization failed")
	ErrTransport                    = sterrors.New("topicplugins: transport error")
	ErrUnsupportedCapability        = sterrors.New("topicplugins: unsupported capability")

	ErrRegistrationClosed = sterrors.New("topicplugins: registration is closed")
	ErrInvalidState       = sterrors.New("topicplugins: invalid registration state")
)

// ConfigValidationError wraps the aggregated result of Config.Validate.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "topicplugins: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError returns nil for a nil err.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// ConfigurationMissingError names the setting that could not be found.
type ConfigurationMissingError struct {
	Setting string
}

func (e *ConfigurationMissingError) Error() string {
	return fmt.Sprintf("topicplugins: missing configuration for '%s'", e.Setting)
}

func (e *ConfigurationMissingError) Is(target error) bool {
	return target == ErrConfigurationMissing
}

// VaultErrorKind classifies a failed secret lookup.
type VaultErrorKind int

const (
	VaultUnavailable VaultErrorKind = iota
	VaultUnauthorized
	VaultSecretNotFound
)

func (k VaultErrorKind) String() string {
	switch k {
	case VaultUnauthorized:
		return "unauthorized"
	case VaultSecretNotFound:
		return "not_found"
	default:
		return "unavailable"
	}
}

func (k VaultErrorKind) sentinel() error {
	switch k {
	case VaultUnauthorized:
		return ErrVaultUnauthorized
	case VaultSecretNotFound:
		return ErrVaultSecretNotFound
	default:
		return ErrVaultUnavailable
	}
}

// VaultError reports a secret reference that could not be resolved.
type VaultError struct {
	Reference string
	Kind      VaultErrorKind
	Err       error
}

func NewVaultError(reference string, kind VaultErrorKind, err error) *VaultError {
	return &VaultError{Reference: reference, Kind: kind, Err: err}
}

func (e *VaultError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("topicplugins: vault %s for %q", e.Kind, e.Reference)
	}
	return fmt.Sprintf("topicplugins: vault %s for %q: %v", e.Kind, e.Reference, e.Err)
}

func (e *VaultError) Unwrap() error { return e.Err }

func (e *VaultError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// PluginExecutionError carries the identity of the plugin that failed.
type PluginExecutionError struct {
	Plugin string
	Err    error
}

func (e *PluginExecutionError) Error() string {
	return fmt.Sprintf("topicplugins: plugin %s failed: %v", e.Plugin, e.Err)
}

func (e *PluginExecutionError) Unwrap() error { return e.Err }

func (e *PluginExecutionError) Is(target error) bool {
	return target == ErrPluginExecutionFailed
}

// DeserializationError wraps a payload that could not be decoded into an
// execution context.
type DeserializationError struct {
	MessageID string
	Err       error
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("topicplugins: cannot decode message %s: %v", e.MessageID, e.Err)
}

func (e *DeserializationError) Unwrap() error { return e.Err }

func (e *DeserializationError) Is(target error) bool {
	return target == ErrMessageDeserializationFailed
}

// TransportError wraps broker connectivity failures.
type TransportError struct {
	Op    string
	Topic string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("topicplugins: %s %s: %v", e.Op, e.Topic, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// UnsupportedCapabilityError is returned by a service lookup for a kind it
// cannot provide.
type UnsupportedCapabilityError struct {
	Kind string
}

func (e *UnsupportedCapabilityError) Error() string {
	return fmt.Sprintf("topicplugins: the requested capability, %s is not available with this service lookup", e.Kind)
}

func (e *UnsupportedCapabilityError) Is(target error) bool {
	return target == ErrUnsupportedCapability
}
