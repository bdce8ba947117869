package common

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
)

// ProfileConfig is a resolved AWS profile with its SDK configuration and
// initialised service clients. It backs the s3 checkpoint store, the
// cloudwatch sink and run metrics.
type ProfileConfig struct {
	// ProfileName is the name from ~/.aws/config or "default".
	ProfileName string

	// AccountID is the resolved AWS account ID for this profile (via STS).
	AccountID string

	// CallerARN is the identity the credentials resolve to.
	CallerARN string

	// Region is the region every client is scoped to.
	Region string

	// Config is the fully loaded AWS SDK v2 configuration.
	Config aws.Config

	// Clients holds initialised service clients for Region.
	Clients *ClientSet
}

// AWSClientProvider loads AWS configuration for the collector.
//
// Implementations must use the AWS SDK v2 only. Never call the aws CLI.
type AWSClientProvider interface {
	// LoadProfile returns a ProfileConfig for the named profile. An empty
	// profile uses the default credential chain; an empty region uses the
	// profile's region, falling back to us-east-1.
	LoadProfile(ctx context.Context, profile, region string) (*ProfileConfig, error)
}
