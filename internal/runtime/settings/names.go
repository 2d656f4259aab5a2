package settings

import "time"

// Well-known setting names.
const (
	SettingClientID               = "App.Auth.ServicePrincipalId"
	SettingCertificateThumbprint  = "App.Auth.CertificateThumbprint"
	SettingDefaultCacheTimeSpan   = "App.Cache.DefaultTimeSpan"
	SettingBrokerConnection       = "Microsoft.ServiceBus.ConnectionString"
	SettingOrganizationConnection = "Microsoft.DynamicsCrm.ConnectionString"
)

// DefaultSecretExpiry is how long a resolved secret stays cached when
// App.Cache.DefaultTimeSpan is not configured.
const DefaultSecretExpiry = 20 * time.Minute
