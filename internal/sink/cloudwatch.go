package sink

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	cwltypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
)

// PutLogEvents limits.
const (
	maxBatchEvents = 10000
	maxBatchBytes  = 1048576
	// per-event overhead counted against maxBatchBytes
	eventOverhead = 26
)

// CloudWatchLogsAPI is the subset of the CloudWatch Logs client used by
// CloudWatchLogs.
type CloudWatchLogsAPI interface {
	CreateLogGroup(ctx context.Context, params *cloudwatchlogs.CreateLogGroupInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogGroupOutput, error)
	CreateLogStream(ctx context.Context, params *cloudwatchlogs.CreateLogStreamInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogStreamOutput, error)
	PutLogEvents(ctx context.Context, params *cloudwatchlogs.PutLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutLogEventsOutput, error)
}

// CloudWatchLogs buffers events and ships them to one log stream.
type CloudWatchLogs struct {
	client CloudWatchLogsAPI
	group  string
	stream string

	mu      sync.Mutex
	pending []cwltypes.InputLogEvent
	bytes   int
}

// NewCloudWatchLogs ensures the log group and stream exist and returns a
// sink writing to them.
func NewCloudWatchLogs(ctx context.Context, client CloudWatchLogsAPI, group, stream string) (*CloudWatchLogs, error) {
	_, err := client.CreateLogGroup(ctx, &cloudwatchlogs.CreateLogGroupInput{LogGroupName: aws.String(group)})
	if err != nil && !alreadyExists(err) {
		return nil, fmt.Errorf("create log group %s: %w", group, err)
	}
	_, err = client.CreateLogStream(ctx, &cloudwatchlogs.CreateLogStreamInput{
		LogGroupName:  aws.String(group),
		LogStreamName: aws.String(stream),
	})
	if err != nil && !alreadyExists(err) {
		return nil, fmt.Errorf("create log stream %s/%s: %w", group, stream, err)
	}
	return &CloudWatchLogs{client: client, group: group, stream: stream}, nil
}

func alreadyExists(err error) bool {
	var exists *cwltypes.ResourceAlreadyExistsException
	return errors.As(err, &exists)
}

func (s *CloudWatchLogs) Emit(ctx context.Context, ev Event) error {
	line, err := marshalEvent(ev)
	if err != nil {
		return err
	}
	size := len(line) + eventOverhead

	s.mu.Lock()
	full := len(s.pending) >= maxBatchEvents || s.bytes+size > maxBatchBytes
	s.mu.Unlock()
	if full {
		if err := s.Flush(ctx); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, cwltypes.InputLogEvent{
		Message:   aws.String(string(line)),
		Timestamp: aws.Int64(ev.Time.UnixMilli()),
	})
	s.bytes += size
	return nil
}

// Flush sends every buffered event. On failure the batch stays buffered so
// a later Flush can resend it.
func (s *CloudWatchLogs) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}

	batch := append([]cwltypes.InputLogEvent(nil), s.pending...)
	// PutLogEvents requires chronological order within a batch
	sort.SliceStable(batch, func(i, j int) bool {
		return aws.ToInt64(batch[i].Timestamp) < aws.ToInt64(batch[j].Timestamp)
	})

	out, err := s.client.PutLogEvents(ctx, &cloudwatchlogs.PutLogEventsInput{
		LogGroupName:  aws.String(s.group),
		LogStreamName: aws.String(s.stream),
		LogEvents:     batch,
	})
	if err != nil {
		return fmt.Errorf("put log events to %s/%s: %w", s.group, s.stream, err)
	}
	if out != nil && out.RejectedLogEventsInfo != nil {
		return fmt.Errorf("put log events to %s/%s: %d events rejected", s.group, s.stream, rejectedCount(out.RejectedLogEventsInfo, len(batch)))
	}

	s.pending = nil
	s.bytes = 0
	return nil
}

func (s *CloudWatchLogs) Close() error {
	return s.Flush(context.Background())
}

func rejectedCount(info *cwltypes.RejectedLogEventsInfo, total int) int {
	n := 0
	if info.TooOldLogEventEndIndex != nil {
		n += int(*info.TooOldLogEventEndIndex)
	}
	if info.TooNewLogEventStartIndex != nil {
		n += total - int(*info.TooNewLogEventStartIndex)
	}
	if info.ExpiredLogEventEndIndex != nil && int(*info.ExpiredLogEventEndIndex) > n {
		n = int(*info.ExpiredLogEventEndIndex)
	}
	return n
}
