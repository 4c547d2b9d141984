package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"gatewaycredits/pkg/logging"
)

// Credit event types emitted by the ledger engine.
const (
	TypeTopupCredited = "topup_credited"
	TypeChargeFailed  = "charge_failed"
	TypeRefundApplied = "refund_applied"
	TypeBalanceLow    = "balance_low"
)

// CreditEvent is the JSON payload published for every balance-affecting
// action. Consumers include the analytics pipeline and the notification
// service.
type CreditEvent struct {
	Type         string    `json:"type"`
	TeamID       string    `json:"team_id"`
	RefType      string    `json:"ref_type,omitempty"`
	RefID        string    `json:"ref_id,omitempty"`
	AmountNanos  int64     `json:"amount_nanos,omitempty"`
	BalanceNanos int64     `json:"balance_nanos,omitempty"`
	FeeNanos     int64     `json:"fee_nanos,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Source       string    `json:"source"`
}

// Producer publishes credit events to Kafka.
type Producer struct {
	client *kgo.Client
	logger logging.Logger
	topic  string
}

// NewProducer creates a Kafka producer for credit events.
func NewProducer(brokers []string, topic string, logger logging.Logger) (*Producer, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID("bursar"),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(10 * time.Millisecond),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Producer{
		client: client,
		logger: logger,
		topic:  topic,
	}, nil
}

// Emit publishes a single credit event, keyed by team for partition affinity.
func (p *Producer) Emit(ctx context.Context, event CreditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	event.Source = "bursar"

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal credit event: %w", err)
	}

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(event.TeamID),
		Value: value,
	}

	produceCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := p.client.ProduceSync(produceCtx, record).FirstErr(); err != nil {
		return fmt.Errorf("failed to produce credit event: %w", err)
	}

	return nil
}

// Client exposes the underlying kgo client for health checks.
func (p *Producer) Client() *kgo.Client {
	return p.client
}

func (p *Producer) Close() {
	p.client.Close()
}
