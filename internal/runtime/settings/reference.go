package settings

import (
	"net/url"
	"strings"
)

// ReferenceKind tells which vault addressing scheme a secret reference uses.
type ReferenceKind int

const (
	ReferenceVaultURL ReferenceKind = iota + 1
	ReferenceARN
)

func (k ReferenceKind) String() string {
	switch k {
	case ReferenceVaultURL:
		return "vault_url"
	case ReferenceARN:
		return "arn"
	default:
		return "literal"
	}
}

// SecretReference is a parsed pointer to a vault-held secret.
type SecretReference struct {
	Raw  string
	Kind ReferenceKind
	// Host is the vault host for URL references, the region for ARNs.
	Host    string
	Name    string
	Version string
}

// IsSecretReference reports whether value points at a vault entry rather
// than being a literal.
func IsSecretReference(value string) bool {
	_, ok := ParseSecretReference(value)
	return ok
}

// ParseSecretReference recognises
//
//	https://<vault-host>/secrets/<name>[/<version>]
//	arn:<partition>:secretsmanager:<region>:<account>:secret:<id>
func ParseSecretReference(value string) (SecretReference, bool) {
	value = strings.TrimSpace(value)
	switch {
	case strings.HasPrefix(value, "https://"):
		return parseVaultURL(value)
	case strings.HasPrefix(value, "arn:"):
		return parseARN(value)
	}
	return SecretReference{}, false
}

func parseVaultURL(value string) (SecretReference, bool) {
	u, err := url.Parse(value)
	if err != nil || u.Host == "" || u.RawQuery != "" || u.Fragment != "" {
		return SecretReference{}, false
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) < 2 || len(segments) > 3 || segments[0] != "secrets" || segments[1] == "" {
		return SecretReference{}, false
	}
	ref := SecretReference{Raw: value, Kind: ReferenceVaultURL, Host: u.Host, Name: segments[1]}
	if len(segments) == 3 {
		if segments[2] == "" {
			return SecretReference{}, false
		}
		ref.Version = segments[2]
	}
	return ref, true
}

func parseARN(value string) (SecretReference, bool) {
	parts := strings.SplitN(value, ":", 7)
	if len(parts) != 7 || parts[1] == "" || parts[2] != "secretsmanager" || parts[5] != "secret" || parts[6] == "" {
		return SecretReference{}, false
	}
	return SecretReference{Raw: value, Kind: ReferenceARN, Host: parts[3], Name: parts[6]}, true
}
