package config

import (
	"context"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/api/option"

	"github.com/GoCodeAlone/imagemanifest/objectstore"
)

// AWSConfig resolves AWS settings from the storage section. Static keys
// win over a profile; a role is assumed on top of whichever base
// credentials apply. The SDK keeps building its own HTTP client, so
// settings such as AWS_CA_BUNDLE still apply; requests are traced on top.
func (c *Config) AWSConfig(ctx context.Context) (aws.Config, error) {
	s := c.Storage
	var opts []func(*awsconfig.LoadOptions) error
	if s.Region != "" {
		opts = append(opts, awsconfig.WithRegion(s.Region))
	}
	switch {
	case s.AccessKeyID != "":
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.AccessKeyID, s.SecretAccessKey, s.SessionToken),
		))
	case s.Profile != "":
		opts = append(opts, awsconfig.WithSharedConfigProfile(s.Profile))
	}

	base, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	base.HTTPClient = tracedHTTPClient{next: otelhttp.NewTransport(roundTripFunc(base.HTTPClient.Do))}
	if s.RoleARN == "" {
		return base, nil
	}
	provider := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(base), s.RoleARN, func(o *stscreds.AssumeRoleOptions) {
		o.RoleSessionName = "imagemanifest"
	})
	base.Credentials = aws.NewCredentialsCache(provider)
	return base, nil
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// tracedHTTPClient sends SDK requests through an otelhttp transport that
// wraps the client the SDK resolved.
type tracedHTTPClient struct {
	next http.RoundTripper
}

func (c tracedHTTPClient) Do(r *http.Request) (*http.Response, error) {
	return c.next.RoundTrip(r)
}

// NewS3Client builds an S3 client, honouring custom endpoints and path
// style addressing for S3-compatible stores such as MinIO.
func (c *Config) NewS3Client(awsCfg aws.Config) *s3.Client {
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if c.Storage.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.Storage.Endpoint)
		}
		o.UsePathStyle = c.Storage.PathStyle
	})
}

// NewSQSClient builds an SQS client for the configured queue.
func (c *Config) NewSQSClient(awsCfg aws.Config) *sqs.Client {
	return sqs.NewFromConfig(awsCfg)
}

// NewSTSClient builds an STS client, used to report the caller identity.
func (c *Config) NewSTSClient(awsCfg aws.Config) *sts.Client {
	return sts.NewFromConfig(awsCfg)
}

// NewStore opens the configured object store. The returned close function
// releases backend resources and is never nil.
func (c *Config) NewStore(ctx context.Context) (objectstore.Store, func() error, error) {
	noop := func() error { return nil }
	bucket := c.Manifest.Bucket

	switch c.Storage.Backend {
	case BackendS3:
		awsCfg, err := c.AWSConfig(ctx)
		if err != nil {
			return nil, nil, err
		}
		return objectstore.NewS3Store(c.NewS3Client(awsCfg), bucket), noop, nil

	case BackendGCS:
		var opts []option.ClientOption
		if c.Storage.CredentialsFile != "" {
			opts = append(opts, option.WithAuthCredentialsFile(option.ServiceAccount, c.Storage.CredentialsFile))
		}
		store, err := objectstore.NewGCSStore(ctx, bucket, opts...)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil

	case BackendAzure:
		store, err := objectstore.NewAzureStore(c.Storage.ConnectionString, bucket)
		if err != nil {
			return nil, nil, err
		}
		return store, noop, nil

	case BackendLocal:
		store, err := objectstore.NewLocalStore(c.Storage.Root)
		if err != nil {
			return nil, nil, err
		}
		return store, noop, nil

	case BackendMemory:
		return objectstore.NewMemoryStore(), noop, nil
	}
	return nil, nil, fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
}

// NewRedisClient connects to the dedupe Redis and checks it answers. It
// returns nil when dedupe is disabled.
func (c *Config) NewRedisClient(ctx context.Context) (*redis.Client, error) {
	if c.Dedupe.RedisURL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(c.Dedupe.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid dedupe redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}
