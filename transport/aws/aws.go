// Package aws publishes fired events to SNS topics; subscribers read them
// back through per-topic SQS queues. LocalStack is supported through
// AWSEndpoint.
package aws

import (
	"context"
	"errors"
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

	"github.com/drblury/rfbridge/transport"
)

// TransportName is the SinkSystem value for SNS/SQS.
const TransportName = "aws"

// QueueSuffix is appended to the topic name to name the SQS queue.
const QueueSuffix = "-rfbridge"

const (
	localstackAccountID = "000000000000"
	awsAccountIDLength  = 12
)

// DefaultConfigLoader allows overriding the AWS config loader for testing.
var DefaultConfigLoader = awsconfig.LoadDefaultConfig

// Constructors below are swapped in tests so no AWS endpoint is contacted.
var TopicResolverFactory = sns.NewGenerateArnTopicResolver

var PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return sns.NewPublisher(cfg, logger)
}

var SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return sns.NewSubscriber(cfg, sqsCfg, logger)
}

func init() {
	Register()
}

// Register adds the aws transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.AWSCapabilities)
}

// Build creates a new AWS SNS/SQS transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	if cfg.GetAWSRegion() == "" {
		return transport.Transport{}, errors.New("aws: region is required")
	}

	target, err := resolve(ctx, cfg, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	logger.Info("Resolved AWS sink target", watermill.LogFields{
		"region":          target.region,
		"account_id":      target.accountID,
		"custom_endpoint": target.endpoint != nil,
	})

	resolver, err := target.topicResolver()
	if err != nil {
		return transport.Transport{}, err
	}

	publisher, err := PublisherFactory(sns.PublisherConfig{
		AWSConfig:     target.aws,
		OptFns:        target.snsOptions(),
		TopicResolver: resolver,
		Marshaler:     sns.DefaultMarshalerUnmarshaler{},
	}, logger)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("aws: publisher: %w", err)
	}

	subscriber, err := SubscriberFactory(
		sns.SubscriberConfig{
			AWSConfig:            target.aws,
			OptFns:               target.snsOptions(),
			TopicResolver:        resolver,
			GenerateSqsQueueName: QueueName,
		},
		sqs.SubscriberConfig{
			AWSConfig: target.aws,
			OptFns:    target.sqsOptions(),
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, fmt.Errorf("aws: subscriber: %w", err)
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

func Capabilities() transport.Capabilities {
	return transport.AWSCapabilities
}

// TopicName maps a sink topic onto the SNS naming rules: letters, digits,
// hyphens and underscores.
func TopicName(topic string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, topic)
}

// QueueName names the SQS queue subscribed to snsTopic.
func QueueName(ctx context.Context, snsTopic sns.TopicArn) (string, error) {
	topic, err := sns.ExtractTopicNameFromTopicArn(snsTopic)
	if err != nil {
		return "", err
	}
	return string(topic) + QueueSuffix, nil
}

// topicNameResolver applies TopicName before resolving the ARN.
type topicNameResolver struct {
	inner sns.TopicResolver
}

func (r topicNameResolver) ResolveTopic(ctx context.Context, topic string) (sns.TopicArn, error) {
	return r.inner.ResolveTopic(ctx, TopicName(topic))
}

type target struct {
	aws       aws.Config
	accountID string
	region    string
	endpoint  *url.URL
}

func resolve(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (target, error) {
	endpoint, err := endpointURL(cfg.GetAWSEndpoint())
	if err != nil {
		return target{}, err
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.GetAWSRegion())}
	if accessKey, secretKey := cfg.GetAWSAccessKeyID(), cfg.GetAWSSecretAccessKey(); accessKey != "" && secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(staticCredentials(accessKey, secretKey)))
	}

	awsCfg, err := DefaultConfigLoader(ctx, opts...)
	if err != nil {
		logger.Error("Failed to load AWS config", err, watermill.LogFields{"region": cfg.GetAWSRegion()})
		return target{}, fmt.Errorf("aws: load config: %w", err)
	}
	awsCfg.Region = cfg.GetAWSRegion()

	return target{
		aws:       awsCfg,
		accountID: accountID(cfg.GetAWSAccountID(), endpoint != nil, logger),
		region:    awsCfg.Region,
		endpoint:  endpoint,
	}, nil
}

// accountID falls back to the LocalStack account when a custom endpoint is
// used without a well-formed account id.
func accountID(raw string, customEndpoint bool, logger watermill.LoggerAdapter) string {
	id := strings.Trim(raw, "\"' ")
	if !customEndpoint || len(id) == awsAccountIDLength {
		return id
	}
	logger.Info("Using LocalStack account id", watermill.LogFields{"configured": id})
	return localstackAccountID
}

func (t target) topicResolver() (sns.TopicResolver, error) {
	inner, err := TopicResolverFactory(t.accountID, t.region)
	if err != nil {
		return nil, fmt.Errorf("aws: topic resolver: %w", err)
	}
	return topicNameResolver{inner: inner}, nil
}

func (t target) snsOptions() []func(*amazonsns.Options) {
	if t.endpoint == nil {
		return nil
	}
	return []func(*amazonsns.Options){
		amazonsns.WithEndpointResolverV2(sns.OverrideEndpointResolver{
			Endpoint: smithyendpoints.Endpoint{URI: *t.endpoint},
		}),
	}
}

func (t target) sqsOptions() []func(*amazonsqs.Options) {
	if t.endpoint == nil {
		return nil
	}
	return []func(*amazonsqs.Options){
		amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{
			Endpoint: smithyendpoints.Endpoint{URI: *t.endpoint},
		}),
	}
}

func endpointURL(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("aws: endpoint: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("aws: endpoint %q must be an absolute URL", raw)
	}
	return parsed, nil
}

func staticCredentials(accessKeyID, secretAccessKey string) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     accessKeyID,
			SecretAccessKey: secretAccessKey,
			Source:          "rfbridge-config",
		}, nil
	})
}
