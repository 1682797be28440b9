package s3bmi

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/objectfs/pvfs2client/internal/circuit"
)

// newAWSConfig loads the SDK's default credential chain, scoped to cfg's
// region and retry budget.
func newAWSConfig(ctx context.Context, cfg *Config) (aws.Config, error) {
	return config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithRetryMaxAttempts(cfg.MaxRetries),
	)
}

// newS3ClientFactory returns a pool factory closed over the loaded AWS
// config and cfg's endpoint/path-style overrides, for LocalStack and other
// S3-compatible test endpoints.
func newS3ClientFactory(awsCfg aws.Config, cfg *Config) func() (*s3.Client, error) {
	return func() (*s3.Client, error) {
		return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
			}
			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}
		}), nil
	}
}

// newBreaker builds the circuit breaker guarding this adapter's S3 calls,
// so a server endpoint that starts erroring stops being hammered the same
// way a failing BMI peer would trip the transport layer's own backoff.
// DeleteObject and cargoship's multipart uploads run outside the breaker.
func newBreaker(name string) *circuit.CircuitBreaker {
	return circuit.NewCircuitBreaker(name, circuit.Config{
		MaxRequests: 1,
	})
}

func requireBucket(cfg *Config) error {
	if cfg == nil || cfg.Bucket == "" {
		return fmt.Errorf("s3bmi: bucket name cannot be empty")
	}
	return nil
}
