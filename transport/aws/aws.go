// Package aws provides an AWS SNS/SQS transport. Topics are SNS topics and
// each subscription owns an SQS queue named <topic>-<subscription>.
package aws

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	smithyendpoints "github.com/aws/smithy-go/endpoints"

	"github.com/drblury/topicplugins/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "aws"

const (
	localstackAccountID = "000000000000"
	awsAccountIDLength  = 12
)

// DefaultConfigLoader allows overriding the AWS config loader for testing.
var DefaultConfigLoader = awsconfig.LoadDefaultConfig

// TopicResolverFactory allows overriding the topic resolver creation for testing.
var TopicResolverFactory = sns.NewGenerateArnTopicResolver

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return sns.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return sns.NewSubscriber(cfg, sqsCfg, logger)
}

// Register adds the AWS transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.AWSCapabilities)
}

// Build creates an SNS/SQS transport. The broker connection string is not
// used; credentials and region come from the AWS settings.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	endpoint, err := EndpointURL(cfg)
	if err != nil {
		return transport.Transport{}, err
	}

	awsCfg, err := loadConfig(ctx, cfg, endpoint, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	accountID, region := ResolveAccountAndRegion(cfg, awsCfg.Region)
	logger.Info("Created AWS config", watermill.LogFields{
		"account_id":      accountID,
		"region":          region,
		"custom_endpoint": endpoint != nil,
	})

	topicResolver, err := TopicResolverFactory(accountID, region)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("create SNS topic resolver: %w", err)
	}

	snsOpts, sqsOpts := endpointOptions(endpoint)

	publisher, err := PublisherFactory(sns.PublisherConfig{
		AWSConfig:     awsCfg,
		OptFns:        snsOpts,
		TopicResolver: topicResolver,
		Marshaler:     sns.DefaultMarshalerUnmarshaler{},
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher: publisher,
		NewSubscriber: func(subscription string) (message.Subscriber, error) {
			return SubscriberFactory(
				sns.SubscriberConfig{
					AWSConfig:            awsCfg,
					OptFns:               snsOpts,
					TopicResolver:        topicResolver,
					GenerateSqsQueueName: QueueNameGenerator(subscription),
				},
				sqs.SubscriberConfig{
					AWSConfig: awsCfg,
					OptFns:    sqsOpts,
				},
				logger,
			)
		},
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.AWSCapabilities
}

// QueueNameGenerator names the SQS queue of a subscription after the SNS
// topic it follows.
func QueueNameGenerator(subscription string) func(context.Context, sns.TopicArn) (string, error) {
	return func(_ context.Context, topicArn sns.TopicArn) (string, error) {
		topic, err := sns.ExtractTopicNameFromTopicArn(topicArn)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s-%s", topic, subscription), nil
	}
}

func loadConfig(ctx context.Context, cfg transport.Config, endpoint *url.URL, logger watermill.LoggerAdapter) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error

	region := cfg.GetAWSRegion()
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if key, secret := cfg.GetAWSAccessKeyID(), cfg.GetAWSSecretAccessKey(); key != "" && secret != "" {
		logger.Debug("Using static AWS credentials from config", nil)
		opts = append(opts, awsconfig.WithCredentialsProvider(staticCredentials(key, secret)))
	}
	if endpoint != nil {
		opts = append(opts, awsconfig.WithBaseEndpoint(endpoint.String()))
	}

	awsCfg, err := DefaultConfigLoader(ctx, opts...)
	if err != nil {
		logger.Error("Failed to load AWS default config", err, watermill.LogFields{"requested_region": region})
		return aws.Config{}, err
	}
	// the loader may ignore options when stubbed
	if region != "" {
		awsCfg.Region = region
	}
	return awsCfg, nil
}

func endpointOptions(endpoint *url.URL) ([]func(*amazonsns.Options), []func(*amazonsqs.Options)) {
	if endpoint == nil {
		return nil, nil
	}
	override := smithyendpoints.Endpoint{URI: *endpoint}
	return []func(*amazonsns.Options){
			amazonsns.WithEndpointResolverV2(sns.OverrideEndpointResolver{Endpoint: override}),
		}, []func(*amazonsqs.Options){
			amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{Endpoint: override}),
		}
}

// ResolveAccountAndRegion returns the account and region used to build
// topic ARNs. A custom endpoint (LocalStack) without a valid account ID
// falls back to LocalStack's fixed account.
func ResolveAccountAndRegion(cfg transport.Config, fallbackRegion string) (string, string) {
	accountID := strings.Trim(cfg.GetAWSAccountID(), "\"' ")
	region := cfg.GetAWSRegion()
	if region == "" {
		region = fallbackRegion
	}

	if cfg.GetAWSEndpoint() != "" && len(accountID) != awsAccountIDLength {
		accountID = localstackAccountID
	}
	return accountID, region
}

// EndpointURL parses the custom endpoint, if any.
func EndpointURL(cfg transport.Config) (*url.URL, error) {
	raw := cfg.GetAWSEndpoint()
	if raw == "" {
		return nil, nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse AWS endpoint: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("AWS endpoint %q must be an absolute URL", raw)
	}
	return parsed, nil
}

func staticCredentials(accessKeyID, secretAccessKey string) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     accessKeyID,
			SecretAccessKey: secretAccessKey,
			Source:          "topicplugins",
		}, nil
	})
}
