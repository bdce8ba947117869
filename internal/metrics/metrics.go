// Package metrics publishes per-source collection metrics.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"github.com/pankaj-dahiya-devops/sandfly-collector/internal/models"
)

// Metric names published for every source run.
const (
	MetricHostsEmitted   = "HostsEmitted"
	MetricResultsEmitted = "ResultsEmitted"
	MetricCursorAdvance  = "CursorAdvance"
	MetricRunFailed      = "RunFailed"

	// DimensionSource carries the configured source name.
	DimensionSource = "Source"
)

// Publisher records the outcome of one source run.
type Publisher interface {
	PublishSource(ctx context.Context, r models.SourceReport) error
}

// Nop discards every report.
type Nop struct{}

// PublishSource implements Publisher.
func (Nop) PublishSource(context.Context, models.SourceReport) error { return nil }

// CloudWatchAPI is the subset of CloudWatch operations used by the publisher.
type CloudWatchAPI interface {
	PutMetricData(
		ctx context.Context,
		params *cloudwatch.PutMetricDataInput,
		optFns ...func(*cloudwatch.Options),
	) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatch publishes source reports as custom metrics under Namespace.
type CloudWatch struct {
	Client    CloudWatchAPI
	Namespace string
}

// NewCloudWatch returns a publisher writing to namespace.
func NewCloudWatch(client CloudWatchAPI, namespace string) *CloudWatch {
	return &CloudWatch{Client: client, Namespace: namespace}
}

// PublishSource sends the four run metrics for r in one PutMetricData call.
func (c *CloudWatch) PublishSource(ctx context.Context, r models.SourceReport) error {
	ts := r.StartedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	failed := 0.0
	if r.Status == models.SourceStatusFailed {
		failed = 1
	}
	dims := []cwtypes.Dimension{{Name: aws.String(DimensionSource), Value: aws.String(r.Source)}}
	datum := func(name string, v float64) cwtypes.MetricDatum {
		return cwtypes.MetricDatum{
			MetricName: aws.String(name),
			Dimensions: dims,
			Timestamp:  aws.Time(ts),
			Unit:       cwtypes.StandardUnitCount,
			Value:      aws.Float64(v),
		}
	}

	_, err := c.Client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(c.Namespace),
		MetricData: []cwtypes.MetricDatum{
			datum(MetricHostsEmitted, float64(r.HostsEmitted)),
			datum(MetricResultsEmitted, float64(r.ResultsEmitted)),
			datum(MetricCursorAdvance, float64(r.CursorAdvance())),
			datum(MetricRunFailed, failed),
		},
	})
	if err != nil {
		return fmt.Errorf("put metric data for source %s: %w", r.Source, err)
	}
	return nil
}
