package main

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"

	"github.com/wolfman30/clinic-booking-platform/cmd/mainconfig"
	appconfig "github.com/wolfman30/clinic-booking-platform/internal/config"
	"github.com/wolfman30/clinic-booking-platform/internal/events"
	"github.com/wolfman30/clinic-booking-platform/pkg/logging"
)

type recordingSQS struct {
	sent int
}

func (r *recordingSQS) SendMessage(_ context.Context, _ *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	r.sent++
	return &sqs.SendMessageOutput{}, nil
}

func openStack(t *testing.T, cfg *appconfig.Config, logger *logging.Logger) *mainconfig.Stack {
	t.Helper()
	stack, err := mainconfig.Open(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("open stack: %v", err)
	}
	t.Cleanup(stack.Close)
	return stack
}

func TestSetupAssetsDisabledWithoutBucket(t *testing.T) {
	logger := logging.New("error")
	stack := openStack(t, &appconfig.Config{}, logger)
	if h := setupAssets(&appconfig.Config{}, nil, stack, logger); h != nil {
		t.Fatalf("expected nil handler without a bucket")
	}
}

func TestSetupDeliveryRoutesToSQS(t *testing.T) {
	logger := logging.New("error")
	cfg := &appconfig.Config{EventsQueueURL: "http://localhost:4566/000000000000/clinic-events"}
	stack := openStack(t, cfg, logger)
	client := &recordingSQS{}

	handler := setupDelivery(cfg, client, stack, logger)
	entry := events.OutboxEntry{
		ID:        uuid.New(),
		Aggregate: "appointment:service:a1",
		Type:      events.TypeAppointmentStatusChanged,
		Payload:   json.RawMessage(`{"to":"confirmed"}`),
	}
	if err := handler.Handle(context.Background(), entry); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if client.sent != 1 {
		t.Fatalf("expected 1 SQS message, got %d", client.sent)
	}
}

func TestSetupDeliverySkipsCashRefunds(t *testing.T) {
	mr := miniredis.RunT(t)
	logger := logging.New("error")
	cfg := &appconfig.Config{LockBackend: "redis", RedisAddr: mr.Addr(), RefundVelocityMax: 3}
	stack := openStack(t, cfg, logger)
	client := &recordingSQS{}

	handler := setupDelivery(cfg, client, stack, logger)
	entry := events.OutboxEntry{
		ID:      uuid.New(),
		Type:    events.TypeRefundRequested,
		Payload: json.RawMessage(`{"variant":"service","appointment_id":"a1","provider_id":"cash","amount_cents":399}`),
	}
	if err := handler.Handle(context.Background(), entry); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if client.sent != 0 {
		t.Fatalf("refund intents must not reach SQS")
	}
}
