// Package awsvault backs the settings resolver with AWS Secrets Manager.
package awsvault

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/aws/smithy-go"

	errspkg "github.com/drblury/topicplugins/internal/runtime/errors"
	"github.com/drblury/topicplugins/internal/runtime/settings"
)

// SecretsAPI is the slice of the Secrets Manager client the vault uses.
type SecretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// DefaultConfigLoader allows overriding the AWS config loader for testing.
var DefaultConfigLoader = awsconfig.LoadDefaultConfig

// ClientFactory allows overriding client creation for testing.
var ClientFactory = func(cfg aws.Config, optFns ...func(*secretsmanager.Options)) SecretsAPI {
	return secretsmanager.NewFromConfig(cfg, optFns...)
}

// Connector authenticates with static credentials taken from the
// settings.Credential: ClientID is the access key id and Thumbprint the
// secret access key.
type Connector struct {
	Region string
	// Endpoint overrides the service URL (LocalStack).
	Endpoint string
}

func (c Connector) Connect(ctx context.Context, cred settings.Credential) (settings.VaultClient, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if c.Region != "" {
		opts = append(opts, awsconfig.WithRegion(c.Region))
	}
	if cred.ClientID != "" && cred.Thumbprint != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(staticCredentials(cred)))
	}

	cfg, err := DefaultConfigLoader(ctx, opts...)
	if err != nil {
		return nil, errspkg.NewVaultError("", errspkg.VaultUnavailable, fmt.Errorf("load aws config: %w", err))
	}
	if c.Region != "" {
		cfg.Region = c.Region
	}

	var clientOpts []func(*secretsmanager.Options)
	if c.Endpoint != "" {
		endpoint := c.Endpoint
		clientOpts = append(clientOpts, func(o *secretsmanager.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	return &Client{api: ClientFactory(cfg, clientOpts...)}, nil
}

func staticCredentials(cred settings.Credential) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     cred.ClientID,
			SecretAccessKey: cred.Thumbprint,
			Source:          "topicplugins",
		}, nil
	})
}

// Client resolves secret references through Secrets Manager. Both ARN and
// vault URL references are accepted; a URL maps to the secret named by its
// path and its optional version segment to VersionId.
type Client struct {
	api SecretsAPI
}

// NewClient wraps an existing Secrets Manager API.
func NewClient(api SecretsAPI) *Client {
	return &Client{api: api}
}

func (c *Client) FetchSecret(ctx context.Context, reference string) (string, error) {
	input, err := inputFor(reference)
	if err != nil {
		return "", errspkg.NewVaultError(reference, errspkg.VaultSecretNotFound, err)
	}

	out, err := c.api.GetSecretValue(ctx, input)
	if err != nil {
		return "", errspkg.NewVaultError(reference, classify(err), err)
	}
	if out.SecretString != nil {
		return *out.SecretString, nil
	}
	if out.SecretBinary != nil {
		return string(out.SecretBinary), nil
	}
	return "", errspkg.NewVaultError(reference, errspkg.VaultSecretNotFound, errors.New("secret has no value"))
}

func inputFor(reference string) (*secretsmanager.GetSecretValueInput, error) {
	ref, ok := settings.ParseSecretReference(reference)
	if !ok {
		return nil, fmt.Errorf("%q is not a secret reference", reference)
	}
	if ref.Kind == settings.ReferenceARN {
		return &secretsmanager.GetSecretValueInput{SecretId: aws.String(ref.Raw)}, nil
	}
	input := &secretsmanager.GetSecretValueInput{SecretId: aws.String(ref.Name)}
	if ref.Version != "" {
		input.VersionId = aws.String(ref.Version)
	}
	return input, nil
}

func classify(err error) errspkg.VaultErrorKind {
	var notFound *types.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return errspkg.VaultSecretNotFound
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ResourceNotFoundException":
			return errspkg.VaultSecretNotFound
		case "AccessDeniedException", "UnrecognizedClientException", "InvalidSignatureException",
			"ExpiredTokenException", "DecryptionFailure":
			return errspkg.VaultUnauthorized
		}
	}
	return errspkg.VaultUnavailable
}
