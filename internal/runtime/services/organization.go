package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// OrganizationService performs entity operations against the organization.
type OrganizationService interface {
	Create(ctx context.Context, entitySet string, attributes map[string]any) (uuid.UUID, error)
	Retrieve(ctx context.Context, entitySet string, id uuid.UUID, columns ...string) (map[string]any, error)
	Update(ctx context.Context, entitySet string, id uuid.UUID, attributes map[string]any) error
	Delete(ctx context.Context, entitySet string, id uuid.UUID) error
}

// OrganizationServiceFactory creates organization services, optionally
// impersonating userID.
type OrganizationServiceFactory interface {
	CreateOrganizationService(ctx context.Context, userID *uuid.UUID) (OrganizationService, error)
}

// OrganizationServiceBuilder turns a parsed connection into a service.
type OrganizationServiceBuilder func(ctx context.Context, conn ConnectionString, userID *uuid.UUID) (OrganizationService, error)

// ConnectionStringFunc yields the raw organization connection string. It is
// called for every CreateOrganizationService, so rotated secrets are
// picked up once the resolver cache lets them through.
type ConnectionStringFunc func(ctx context.Context) (string, error)

type organizationFactory struct {
	connection ConnectionStringFunc
	build      OrganizationServiceBuilder
}

// NewOrganizationServiceFactory binds builder to the connection produced by
// connection. A nil builder uses the Web API client.
func NewOrganizationServiceFactory(connection ConnectionStringFunc, builder OrganizationServiceBuilder) OrganizationServiceFactory {
	if builder == nil {
		builder = NewWebAPIBuilder(nil)
	}
	return &organizationFactory{connection: connection, build: builder}
}

func (f *organizationFactory) CreateOrganizationService(ctx context.Context, userID *uuid.UUID) (OrganizationService, error) {
	if f.connection == nil {
		return nil, errors.New("topicplugins: organization connection is not configured")
	}
	raw, err := f.connection(ctx)
	if err != nil {
		return nil, err
	}
	conn, err := ParseConnectionString(raw)
	if err != nil {
		return nil, err
	}
	return f.build(ctx, conn, userID)
}

// ConnectionString is a parsed `Key=Value; Key=Value` organization
// connection string. Keys are matched case-insensitively.
type ConnectionString struct {
	URL      string
	AuthType string
	Username string
	Password string
	Token    string
	Values   map[string]string
}

var urlKeys = []string{"url", "serviceuri", "service uri", "server"}

// ParseConnectionString accepts values optionally wrapped in single or
// double quotes. A Url (or ServiceUri / Server) entry is required.
func ParseConnectionString(raw string) (ConnectionString, error) {
	cs := ConnectionString{Values: map[string]string{}}
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return ConnectionString{}, fmt.Errorf("topicplugins: malformed connection string segment %q", part)
		}
		cs.Values[strings.ToLower(strings.TrimSpace(key))] = unquote(strings.TrimSpace(value))
	}

	for _, k := range urlKeys {
		if v := cs.Values[k]; v != "" {
			cs.URL = strings.TrimRight(v, "/")
			break
		}
	}
	if cs.URL == "" {
		return ConnectionString{}, errors.New("topicplugins: connection string has no Url")
	}
	cs.AuthType = cs.Values["authtype"]
	cs.Username = firstNonEmpty(cs.Values["username"], cs.Values["user id"])
	cs.Password = cs.Values["password"]
	cs.Token = firstNonEmpty(cs.Values["token"], cs.Values["accesstoken"])
	return cs, nil
}

func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '\'' || v[0] == '"') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
