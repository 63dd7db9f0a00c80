package sqs

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/archon-research/liquidator/internal/testutil"
)

// mockSQS implements sqsAPI for testing.
type mockSQS struct {
	receiveFn func(ctx context.Context, params *sqs.ReceiveMessageInput) (*sqs.ReceiveMessageOutput, error)
	deleteErr error
	received  []*sqs.ReceiveMessageInput
	deleted   []string
}

func (m *mockSQS) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	m.received = append(m.received, params)
	if m.receiveFn != nil {
		return m.receiveFn(ctx, params)
	}
	return &sqs.ReceiveMessageOutput{}, nil
}

func (m *mockSQS) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	if m.deleteErr != nil {
		return nil, m.deleteErr
	}
	m.deleted = append(m.deleted, aws.ToString(params.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func message(id, body string) types.Message {
	return types.Message{
		MessageId:     aws.String(id),
		ReceiptHandle: aws.String("rh-" + id),
		Body:          aws.String(body),
	}
}

func returning(msgs ...types.Message) func(context.Context, *sqs.ReceiveMessageInput) (*sqs.ReceiveMessageOutput, error) {
	return func(context.Context, *sqs.ReceiveMessageInput) (*sqs.ReceiveMessageOutput, error) {
		return &sqs.ReceiveMessageOutput{Messages: msgs}, nil
	}
}

const (
	posA = `{"address":"0xA","collaterals":[{"denom":"weth","amount":"2"}],"debts":[{"denom":"usdc","amount":"100"}]}`
	posB = `{"address":"0xB","collaterals":[{"denom":"wbtc","amount":"1"}],"debts":[{"denom":"dai","amount":"7"}]}`
)

func TestNewConsumer_RequiresQueueURL(t *testing.T) {
	if _, err := newConsumer(&mockSQS{}, Config{}, nil); err == nil {
		t.Fatal("expected error for missing queue URL")
	}
}

func TestReceiveMessages_ClampsAndSkipsIncomplete(t *testing.T) {
	api := &mockSQS{receiveFn: returning(
		message("1", posA),
		types.Message{MessageId: aws.String("2")},
	)}
	c, err := newConsumer(api, Config{QueueURL: "https://sqs/q", WaitTimeSeconds: 60, VisibilityTimeout: 30}, testutil.DiscardLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msgs, err := c.ReceiveMessages(context.Background(), 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 1 || msgs[0].MessageID != "1" {
		t.Errorf("expected only the complete message, got %+v", msgs)
	}

	in := api.received[0]
	if in.MaxNumberOfMessages != 10 {
		t.Errorf("expected batch clamped to 10, got %d", in.MaxNumberOfMessages)
	}
	if in.WaitTimeSeconds != 20 {
		t.Errorf("expected wait clamped to 20, got %d", in.WaitTimeSeconds)
	}
	if in.VisibilityTimeout != 30 {
		t.Errorf("expected visibility timeout 30, got %d", in.VisibilityTimeout)
	}
}

func TestPositionSource_DecodesAndDeletes(t *testing.T) {
	api := &mockSQS{receiveFn: returning(
		message("1", posA),
		message("2", "["+posB+","+posA+"]"),
	)}
	c, _ := newConsumer(api, Config{QueueURL: "q"}, testutil.DiscardLogger())
	src := NewPositionSource(c, 0, testutil.DiscardLogger())

	positions, err := src.FetchUnhealthyPositions(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(positions) != 3 || positions[0].Address != "0xA" || positions[1].Address != "0xB" {
		t.Errorf("unexpected positions %+v", positions)
	}
	if len(api.deleted) != 2 {
		t.Errorf("expected both messages deleted, got %v", api.deleted)
	}
}

func TestPositionSource_LeavesMalformedMessages(t *testing.T) {
	api := &mockSQS{receiveFn: returning(
		message("1", "nope"),
		message("2", posB),
	)}
	c, _ := newConsumer(api, Config{QueueURL: "q"}, testutil.DiscardLogger())
	src := NewPositionSource(c, 5, testutil.DiscardLogger())

	positions, err := src.FetchUnhealthyPositions(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(positions) != 1 || positions[0].Address != "0xB" {
		t.Errorf("unexpected positions %+v", positions)
	}
	if len(api.deleted) != 1 || api.deleted[0] != "rh-2" {
		t.Errorf("malformed message must not be deleted, got %v", api.deleted)
	}
	if api.received[0].MaxNumberOfMessages != 5 {
		t.Errorf("expected receive of 5, got %d", api.received[0].MaxNumberOfMessages)
	}
}

func TestPositionSource_SkipsUndeletedMessages(t *testing.T) {
	api := &mockSQS{receiveFn: returning(message("1", posA)), deleteErr: errors.New("access denied")}
	c, _ := newConsumer(api, Config{QueueURL: "q"}, testutil.DiscardLogger())
	src := NewPositionSource(c, 0, testutil.DiscardLogger())

	positions, err := src.FetchUnhealthyPositions(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(positions) != 0 {
		t.Errorf("positions of an unacknowledged message must not be liquidated, got %d", len(positions))
	}
}

func TestPositionSource_ReceiveError(t *testing.T) {
	api := &mockSQS{receiveFn: func(context.Context, *sqs.ReceiveMessageInput) (*sqs.ReceiveMessageOutput, error) {
		return nil, errors.New("throttled")
	}}
	c, _ := newConsumer(api, Config{QueueURL: "q"}, testutil.DiscardLogger())
	src := NewPositionSource(c, 0, testutil.DiscardLogger())

	if _, err := src.FetchUnhealthyPositions(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
