package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	cwltypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockLogsClient is a mock implementation of the CloudWatch Logs client
// slice.
type mockLogsClient struct {
	createLogGroupFunc  func(ctx context.Context, params *cloudwatchlogs.CreateLogGroupInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogGroupOutput, error)
	deleteLogGroupFunc  func(ctx context.Context, params *cloudwatchlogs.DeleteLogGroupInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.DeleteLogGroupOutput, error)
	filterLogEventsFunc func(ctx context.Context, params *cloudwatchlogs.FilterLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.FilterLogEventsOutput, error)

	operations []string
}

func (m *mockLogsClient) CreateLogGroup(ctx context.Context, params *cloudwatchlogs.CreateLogGroupInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogGroupOutput, error) {
	m.operations = append(m.operations, "CreateLogGroup")
	if m.createLogGroupFunc != nil {
		return m.createLogGroupFunc(ctx, params, optFns...)
	}
	return &cloudwatchlogs.CreateLogGroupOutput{}, nil
}

func (m *mockLogsClient) DeleteLogGroup(ctx context.Context, params *cloudwatchlogs.DeleteLogGroupInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.DeleteLogGroupOutput, error) {
	m.operations = append(m.operations, "DeleteLogGroup")
	if m.deleteLogGroupFunc != nil {
		return m.deleteLogGroupFunc(ctx, params, optFns...)
	}
	return &cloudwatchlogs.DeleteLogGroupOutput{}, nil
}

func (m *mockLogsClient) FilterLogEvents(ctx context.Context, params *cloudwatchlogs.FilterLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.FilterLogEventsOutput, error) {
	m.operations = append(m.operations, "FilterLogEvents")
	if m.filterLogEventsFunc != nil {
		return m.filterLogEventsFunc(ctx, params, optFns...)
	}
	return &cloudwatchlogs.FilterLogEventsOutput{}, nil
}

func TestEnsureGroupToleratesExisting(t *testing.T) {
	mock := &mockLogsClient{}
	mock.createLogGroupFunc = func(_ context.Context, _ *cloudwatchlogs.CreateLogGroupInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogGroupOutput, error) {
		return nil, apiErr("ResourceAlreadyExistsException")
	}
	s := NewLogStore(mock)

	assert.NoError(t, s.EnsureGroup(context.Background(), "/clawster/my-bot", "my-bot"))
}

func TestEnsureGroupAppliesTags(t *testing.T) {
	mock := &mockLogsClient{}
	var created *cloudwatchlogs.CreateLogGroupInput
	mock.createLogGroupFunc = func(_ context.Context, params *cloudwatchlogs.CreateLogGroupInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogGroupOutput, error) {
		created = params
		return &cloudwatchlogs.CreateLogGroupOutput{}, nil
	}
	s := NewLogStore(mock)

	require.NoError(t, s.EnsureGroup(context.Background(), "/clawster/my-bot", "my-bot"))
	require.NotNil(t, created)
	assert.Equal(t, "true", created.Tags["clawster:managed"])
	assert.Equal(t, "my-bot", created.Tags["clawster:bot"])
}

func TestDeleteGroupToleratesMissing(t *testing.T) {
	mock := &mockLogsClient{}
	mock.deleteLogGroupFunc = func(_ context.Context, _ *cloudwatchlogs.DeleteLogGroupInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.DeleteLogGroupOutput, error) {
		return nil, apiErr("ResourceNotFoundException")
	}
	s := NewLogStore(mock)

	assert.NoError(t, s.DeleteGroup(context.Background(), "/clawster/my-bot"))
}

func TestTailFormatsAndOrders(t *testing.T) {
	mock := &mockLogsClient{}
	mock.filterLogEventsFunc = func(_ context.Context, _ *cloudwatchlogs.FilterLogEventsInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.FilterLogEventsOutput, error) {
		// Out of order on purpose.
		return &cloudwatchlogs.FilterLogEventsOutput{Events: []cwltypes.FilteredLogEvent{
			{Timestamp: aws.Int64(time.Date(2026, 8, 28, 10, 0, 2, 0, time.UTC).UnixMilli()), Message: aws.String("third")},
			{Timestamp: aws.Int64(time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC).UnixMilli()), Message: aws.String("first")},
			{Timestamp: aws.Int64(time.Date(2026, 8, 28, 10, 0, 1, 0, time.UTC).UnixMilli()), Message: aws.String("second")},
		}}, nil
	}
	s := NewLogStore(mock)

	lines, err := s.Tail(context.Background(), "/clawster/my-bot", 3, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"2026-08-28T10:00:00Z first",
		"2026-08-28T10:00:01Z second",
		"2026-08-28T10:00:02Z third",
	}, lines)
}

func TestTailKeepsNewestAcrossPages(t *testing.T) {
	// CloudWatch pages oldest-first, so the tail only appears once every
	// page has been walked. 250 events over three pages, window of 100.
	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	page := func(from, to int) []cwltypes.FilteredLogEvent {
		var events []cwltypes.FilteredLogEvent
		for i := from; i <= to; i++ {
			events = append(events, cwltypes.FilteredLogEvent{
				Timestamp: aws.Int64(base.Add(time.Duration(i) * time.Second).UnixMilli()),
				Message:   aws.String(fmt.Sprintf("event-%d", i)),
			})
		}
		return events
	}

	mock := &mockLogsClient{}
	mock.filterLogEventsFunc = func(_ context.Context, params *cloudwatchlogs.FilterLogEventsInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.FilterLogEventsOutput, error) {
		switch aws.ToString(params.NextToken) {
		case "":
			return &cloudwatchlogs.FilterLogEventsOutput{Events: page(1, 100), NextToken: aws.String("p2")}, nil
		case "p2":
			return &cloudwatchlogs.FilterLogEventsOutput{Events: page(101, 200), NextToken: aws.String("p3")}, nil
		case "p3":
			return &cloudwatchlogs.FilterLogEventsOutput{Events: page(201, 250)}, nil
		default:
			t.Fatalf("unexpected next token %q", aws.ToString(params.NextToken))
			return nil, nil
		}
	}
	s := NewLogStore(mock)

	lines, err := s.Tail(context.Background(), "/clawster/my-bot", 100, time.Time{})
	require.NoError(t, err)
	require.Len(t, lines, 100)
	assert.Contains(t, lines[0], "event-151")
	assert.Contains(t, lines[99], "event-250")
	assert.Equal(t, 3, len(mock.operations))
}

func TestTailBoundsReadWithSince(t *testing.T) {
	mock := &mockLogsClient{}
	since := time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)
	mock.filterLogEventsFunc = func(_ context.Context, params *cloudwatchlogs.FilterLogEventsInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.FilterLogEventsOutput, error) {
		assert.Equal(t, since.UnixMilli(), aws.ToInt64(params.StartTime))
		return &cloudwatchlogs.FilterLogEventsOutput{}, nil
	}
	s := NewLogStore(mock)

	lines, err := s.Tail(context.Background(), "/clawster/my-bot", 100, since)
	require.NoError(t, err)
	assert.Empty(t, lines)
}
