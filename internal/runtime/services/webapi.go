package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/drblury/topicplugins/internal/runtime/jsoncodec"
)

const webAPIPath = "/api/data/v9.2/"

// NewWebAPIBuilder returns a builder for organization services speaking the
// OData Web API. A nil client gets a two minute timeout.
func NewWebAPIBuilder(client *http.Client) OrganizationServiceBuilder {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	return func(_ context.Context, conn ConnectionString, userID *uuid.UUID) (OrganizationService, error) {
		base, err := url.Parse(conn.URL + webAPIPath)
		if err != nil {
			return nil, fmt.Errorf("topicplugins: organization url: %w", err)
		}
		return &webAPIService{base: base, client: client, conn: conn, callerID: userID}, nil
	}
}

type webAPIService struct {
	base     *url.URL
	client   *http.Client
	conn     ConnectionString
	callerID *uuid.UUID
}

// WebAPIError carries a non-success response.
type WebAPIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *WebAPIError) Error() string {
	return fmt.Sprintf("topicplugins: organization %s %s: %d %s", e.Method, e.Path, e.StatusCode, e.Body)
}

func (s *webAPIService) Create(ctx context.Context, entitySet string, attributes map[string]any) (uuid.UUID, error) {
	resp, err := s.do(ctx, http.MethodPost, entitySet, nil, attributes)
	if err != nil {
		return uuid.Nil, err
	}
	defer resp.Body.Close()
	return entityIDFromHeader(resp.Header.Get("OData-EntityId"))
}

func (s *webAPIService) Retrieve(ctx context.Context, entitySet string, id uuid.UUID, columns ...string) (map[string]any, error) {
	var query url.Values
	if len(columns) > 0 {
		query = url.Values{"$select": {strings.Join(columns, ",")}}
	}
	resp, err := s.do(ctx, http.MethodGet, entityPath(entitySet, id), query, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := jsoncodec.Decode(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("topicplugins: decode %s: %w", entitySet, err)
	}
	return out, nil
}

func (s *webAPIService) Update(ctx context.Context, entitySet string, id uuid.UUID, attributes map[string]any) error {
	resp, err := s.do(ctx, http.MethodPatch, entityPath(entitySet, id), nil, attributes)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

func (s *webAPIService) Delete(ctx context.Context, entitySet string, id uuid.UUID) error {
	resp, err := s.do(ctx, http.MethodDelete, entityPath(entitySet, id), nil, nil)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

func (s *webAPIService) do(ctx context.Context, method, path string, query url.Values, body map[string]any) (*http.Response, error) {
	target := s.base.JoinPath(path)
	if query != nil {
		target.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := jsoncodec.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("OData-MaxVersion", "4.0")
	req.Header.Set("OData-Version", "4.0")
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	if s.callerID != nil {
		req.Header.Set("MSCRMCallerID", s.callerID.String())
	}
	switch {
	case s.conn.Token != "":
		req.Header.Set("Authorization", "Bearer "+s.conn.Token)
	case s.conn.Username != "":
		req.SetBasicAuth(s.conn.Username, s.conn.Password)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &WebAPIError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	return resp, nil
}

func entityPath(entitySet string, id uuid.UUID) string {
	return fmt.Sprintf("%s(%s)", entitySet, id)
}

// entityIDFromHeader extracts the GUID from
// https://org.example.com/api/data/v9.2/accounts(00000000-0000-0000-0000-000000000000)
func entityIDFromHeader(header string) (uuid.UUID, error) {
	open := strings.LastIndex(header, "(")
	end := strings.LastIndex(header, ")")
	if open < 0 || end <= open {
		return uuid.Nil, fmt.Errorf("topicplugins: no entity id in %q", header)
	}
	return uuid.Parse(header[open+1 : end])
}
