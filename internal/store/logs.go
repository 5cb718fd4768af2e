package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	cwltypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/chainguard-dev/clog"

	"github.com/clawster/clawster/internal/awsx"
)

// LogsAPI is the slice of the CloudWatch Logs client the store uses.
type LogsAPI interface {
	CreateLogGroup(ctx context.Context, params *cloudwatchlogs.CreateLogGroupInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogGroupOutput, error)
	DeleteLogGroup(ctx context.Context, params *cloudwatchlogs.DeleteLogGroupInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.DeleteLogGroupOutput, error)
	FilterLogEvents(ctx context.Context, params *cloudwatchlogs.FilterLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.FilterLogEventsOutput, error)
}

// LogStore manages per-bot log groups and reads back formatted lines.
type LogStore struct {
	client LogsAPI
}

func NewLogStore(client LogsAPI) *LogStore {
	return &LogStore{client: client}
}

// EnsureGroup creates the log group if absent.
func (s *LogStore) EnsureGroup(ctx context.Context, group, botName string) error {
	log := clog.FromContext(ctx).With("log_group", group)

	_, err := s.client.CreateLogGroup(ctx, &cloudwatchlogs.CreateLogGroupInput{
		LogGroupName: aws.String(group),
		Tags: map[string]string{
			"clawster:managed": "true",
			"clawster:bot":     botName,
		},
	})
	if err != nil {
		if awsx.IsAlreadyExists(err) {
			log.Debug("log group already exists")
			return nil
		}
		return fmt.Errorf("creating log group: %w", err)
	}
	log.Info("created log group")
	return nil
}

// DeleteGroup removes the log group. A missing group is already deleted.
func (s *LogStore) DeleteGroup(ctx context.Context, group string) error {
	log := clog.FromContext(ctx).With("log_group", group)

	_, err := s.client.DeleteLogGroup(ctx, &cloudwatchlogs.DeleteLogGroupInput{
		LogGroupName: aws.String(group),
	})
	if err != nil {
		if awsx.IsNotFound(err) {
			log.Debug("log group already gone")
			return nil
		}
		return fmt.Errorf("deleting log group: %w", err)
	}
	log.Info("deleted log group")
	return nil
}

// Tail returns up to lines formatted log lines from the group, oldest first
// so the newest line is last. since bounds the read when non-zero.
func (s *LogStore) Tail(ctx context.Context, group string, lines int, since time.Time) ([]string, error) {
	input := &cloudwatchlogs.FilterLogEventsInput{
		LogGroupName: aws.String(group),
	}
	if !since.IsZero() {
		input.StartTime = aws.Int64(since.UnixMilli())
	}

	// FilterLogEvents pages oldest-first, so the tail sits on the last page:
	// walk every page keeping only a window of the newest events.
	var events []cwltypes.FilteredLogEvent
	for {
		result, err := s.client.FilterLogEvents(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("reading log events: %w", err)
		}
		events = append(events, result.Events...)
		if len(events) > lines {
			events = events[len(events)-lines:]
		}
		if result.NextToken == nil {
			break
		}
		input.NextToken = result.NextToken
	}

	sort.SliceStable(events, func(i, j int) bool {
		return aws.ToInt64(events[i].Timestamp) < aws.ToInt64(events[j].Timestamp)
	})

	formatted := make([]string, 0, len(events))
	for _, ev := range events {
		ts := time.UnixMilli(aws.ToInt64(ev.Timestamp)).UTC().Format(time.RFC3339)
		formatted = append(formatted, fmt.Sprintf("%s %s", ts, aws.ToString(ev.Message)))
	}
	return formatted, nil
}
