package topicplugins

import (
	runtimepkg "github.com/drblury/topicplugins/internal/runtime"
	configpkg "github.com/drblury/topicplugins/internal/runtime/config"
	errspkg "github.com/drblury/topicplugins/internal/runtime/errors"
	"github.com/drblury/topicplugins/internal/runtime/execution"
	idspkg "github.com/drblury/topicplugins/internal/runtime/ids"
	jsoncodec "github.com/drblury/topicplugins/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/topicplugins/internal/runtime/logging"
	metadatapkg "github.com/drblury/topicplugins/internal/runtime/metadata"
	"github.com/drblury/topicplugins/internal/runtime/services"
	"github.com/drblury/topicplugins/internal/runtime/settings"
	"github.com/drblury/topicplugins/internal/runtime/settings/awsvault"
	"github.com/drblury/topicplugins/transport"
	_ "github.com/drblury/topicplugins/transport/transports"
)

type (
	Config              = configpkg.Config
	RegistrationConfig  = configpkg.RegistrationConfig
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	Registration        = runtimepkg.Registration

	Plugin         = runtimepkg.Plugin
	PluginFunc     = runtimepkg.PluginFunc
	PluginRef      = runtimepkg.PluginRef
	PluginRegistry = runtimepkg.PluginRegistry
	PluginChain    = runtimepkg.PluginChain

	TopicRegistration = runtimepkg.TopicRegistration
	RegistrationState = runtimepkg.State
	RegistrationStats = runtimepkg.RegistrationStats
	RunOptions        = runtimepkg.RunOptions

	PluginMiddleware       = runtimepkg.PluginMiddleware
	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration

	DispatchInfo  = runtimepkg.DispatchInfo
	DispatchHooks = runtimepkg.DispatchHooks
	Metrics       = runtimepkg.Metrics

	ExecutionContext       = execution.Context
	ExecutionContextFields = execution.Fields

	Lookup                     = services.Lookup
	TracingService             = services.TracingService
	OrganizationService        = services.OrganizationService
	OrganizationServiceFactory = services.OrganizationServiceFactory
	OrganizationServiceBuilder = services.OrganizationServiceBuilder
	ConnectionString           = services.ConnectionString

	SettingsSource     = settings.Source
	MapSource          = settings.MapSource
	EnvSource          = settings.EnvSource
	FileSource         = settings.FileSource
	ChainSource        = settings.ChainSource
	SettingsResolver   = settings.Resolver
	Credential         = settings.Credential
	VaultClient        = settings.VaultClient
	VaultConnector     = settings.VaultConnector
	VaultConnectorFunc = settings.VaultConnectorFunc
	MemoryVault        = settings.MemoryVault
	SecretReference    = settings.SecretReference
	AWSVaultConnector  = awsvault.Connector

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConfigValidationError      = errspkg.ConfigValidationError
	ConfigurationMissingError  = errspkg.ConfigurationMissingError
	VaultError                 = errspkg.VaultError
	PluginExecutionError       = errspkg.PluginExecutionError
	DeserializationError       = errspkg.DeserializationError
	TransportError             = errspkg.TransportError
	UnsupportedCapabilityError = errspkg.UnsupportedCapabilityError

	TransportBuilder      = transport.Builder
	TransportConfig       = transport.Config
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities
	StaticTransportConfig = transport.StaticConfig
)

const (
	StateUninitialized      = runtimepkg.StateUninitialized
	StateDrainingDeadLetter = runtimepkg.StateDrainingDeadLetter
	StateLivePumping        = runtimepkg.StateLivePumping
	StateClosed             = runtimepkg.StateClosed
	StateFaulted            = runtimepkg.StateFaulted

	SettingClientID               = settings.SettingClientID
	SettingCertificateThumbprint  = settings.SettingCertificateThumbprint
	SettingDefaultCacheTimeSpan   = settings.SettingDefaultCacheTimeSpan
	SettingBrokerConnection       = settings.SettingBrokerConnection
	SettingOrganizationConnection = settings.SettingOrganizationConnection

	ContentTypeJSON         = execution.ContentTypeJSON
	ContentTypeProtobuf     = execution.ContentTypeProtobuf
	ContentTypeProtobufJSON = execution.ContentTypeProtobufJSON

	MetadataKeyCorrelationID  = metadatapkg.KeyCorrelationID
	MetadataKeyContentType    = metadatapkg.KeyContentType
	MetadataKeySequenceNumber = metadatapkg.KeySequenceNumber

	DefaultSecretExpiry = settings.DefaultSecretExpiry
)

var (
	NewService          = runtimepkg.NewService
	NewPluginRegistry   = runtimepkg.NewPluginRegistry
	NewPluginChain      = runtimepkg.NewPluginChain
	NewMetrics          = runtimepkg.NewMetrics
	LoadConfig          = configpkg.LoadFile
	ParseConfig         = configpkg.Parse
	ValidateConfig      = configpkg.ValidateConfig
	DefaultMiddlewares  = runtimepkg.DefaultMiddlewares
	TracerMiddleware    = runtimepkg.TracerMiddleware
	MetricsMiddleware   = runtimepkg.MetricsMiddleware
	RecovererMiddleware = runtimepkg.RecovererMiddleware
	IsPanic             = runtimepkg.IsPanic
	LoggingHooks        = runtimepkg.LoggingHooks
	AlertingHooks       = runtimepkg.AlertingHooks

	NewExecutionContext    = execution.New
	DecodeExecutionContext = execution.Decode
	EncodeExecutionContext = execution.Encode

	ExecutionContextFrom          = services.ExecutionContext
	TracingFrom                   = services.Tracing
	OrganizationFactoryFrom       = services.OrganizationFactory
	NewWebAPIBuilder              = services.NewWebAPIBuilder
	ParseOrganizationConnection   = services.ParseConnectionString
	NewOrganizationServiceFactory = services.NewOrganizationServiceFactory

	NewSettingsResolver      = settings.NewResolver
	WithResolverLogger       = settings.WithLogger
	NewMemoryVault           = settings.NewMemoryVault
	ParseSecretReference     = settings.ParseSecretReference
	IsSecretReference        = settings.IsSecretReference
	DefaultTransportRegistry = transport.DefaultRegistry

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal

	ErrConfigRequired        = errspkg.ErrConfigRequired
	ErrLoggerRequired        = errspkg.ErrLoggerRequired
	ErrRegistrationRequired  = errspkg.ErrRegistrationRequired
	ErrTopicRequired         = errspkg.ErrTopicRequired
	ErrSubscriptionRequired  = errspkg.ErrSubscriptionRequired
	ErrPluginRequired        = errspkg.ErrPluginRequired
	ErrConfigurationMissing  = errspkg.ErrConfigurationMissing
	ErrSecretsNotInitialized = errspkg.ErrSecretsNotInitialized
	ErrVaultUnavailable      = errspkg.ErrVaultUnavailable
	ErrVaultUnauthorized     = errspkg.ErrVaultUnauthorized
	ErrVaultSecretNotFound   = errspkg.ErrVaultSecretNotFound
	ErrPluginExecutionFailed = errspkg.ErrPluginExecutionFailed
	ErrDeserializationFailed = errspkg.ErrMessageDeserializationFailed
	ErrTransport             = errspkg.ErrTransport
	ErrUnsupportedCapability = errspkg.ErrUnsupportedCapability
	ErrRegistrationClosed    = errspkg.ErrRegistrationClosed
	ErrInvalidState          = errspkg.ErrInvalidState

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewNopServiceLogger       = loggingpkg.NewNopServiceLogger

	NewMetadata = metadatapkg.New
	CreateULID  = idspkg.CreateULID
)
