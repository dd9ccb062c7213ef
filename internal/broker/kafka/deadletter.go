package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"locstream/internal/deadletter"
)

// DeadLetterSink writes letters to a separate topic. The original record key
// is kept so letters for one driver stay together.
type DeadLetterSink struct {
	topic       string
	produceSync func(context.Context, *kgo.Record) (*kgo.Record, error)
}

// NewDeadLetterSink shares the broker's producer client. That client
// partitions manually, so letters always land on partition 0.
func NewDeadLetterSink(b *Broker, topic string) (*DeadLetterSink, error) {
	if topic == "" {
		return nil, errors.New("kafka dead letter topic is required")
	}
	return &DeadLetterSink{topic: topic, produceSync: b.produceSync}, nil
}

func (s *DeadLetterSink) Send(ctx context.Context, l deadletter.Letter) error {
	at := l.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	rec := &kgo.Record{
		Topic:     s.topic,
		Key:       l.Key,
		Value:     l.Raw,
		Partition: 0,
		Timestamp: at,
		Headers: []kgo.RecordHeader{
			{Key: "error", Value: []byte(l.Reason())},
			{Key: "partition", Value: []byte(strconv.FormatUint(uint64(l.Partition), 10))},
			{Key: "offset", Value: []byte(strconv.FormatInt(l.Offset, 10))},
		},
	}
	if _, err := s.produceSync(ctx, rec); err != nil {
		return fmt.Errorf("dead letter partition=%d offset=%d: %w", l.Partition, l.Offset, err)
	}
	return nil
}

func isTopicExists(err error) bool {
	return errors.Is(err, kerr.TopicAlreadyExists)
}
