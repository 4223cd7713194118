package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/opexdev/backoffice/libs/kafka"
	"github.com/opexdev/backoffice/services/accountant/internal/model"
)

const (
	DefaultTransferTopic = "wallet.transfer.requests"
	transferEventType    = "wallet.transfer.request"
)

type TransferMessage struct {
	kafka.Envelope
	model.TransferRequest
}

// KafkaWalletClient hands transfers to the wallet subsystem over Kafka. The
// wallet deduplicates on IdempotencyRef, so resending an action is safe.
type KafkaWalletClient struct {
	producer kafka.Publisher
	topic    string
	timeout  time.Duration
}

func NewKafkaWalletClient(producer kafka.Publisher, topic string, timeout time.Duration) *KafkaWalletClient {
	if topic == "" {
		topic = DefaultTransferTopic
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &KafkaWalletClient{
		producer: producer,
		topic:    topic,
		timeout:  timeout,
	}
}

func (c *KafkaWalletClient) Transfer(ctx context.Context, req model.TransferRequest) error {
	if c.producer == nil {
		return fmt.Errorf("kafka producer not configured")
	}
	eventID := kafka.DeterministicEventID(transferEventType, req.IdempotencyRef)
	env, err := kafka.NewEnvelopeWithID(eventID, transferEventType, 1, req.Ouid)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if _, _, err := c.producer.PublishJSON(ctx, c.topic, req.SourceUUID, TransferMessage{Envelope: env, TransferRequest: req}); err != nil {
		return fmt.Errorf("publish transfer %s: %w", req.IdempotencyRef, err)
	}
	return nil
}
