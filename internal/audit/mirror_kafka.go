package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaConfig configura el mirror de auditoría.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	ClientID     string
	EnsureTopic  bool
	Partitions   int32
	Replication  int16
	WriteTimeout time.Duration
}

// KafkaMirror publica cada record en un topic (key = key_id, acks=all).
// ProduceSync: Append vuelve cuando el broker confirmó.
type KafkaMirror struct {
	cl      *kgo.Client
	timeout time.Duration
}

func NewKafkaMirror(ctx context.Context, cfg KafkaConfig) (*KafkaMirror, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("audit: kafka mirror requires brokers and topic")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "signer-audit"
	}
	cl, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchMaxBytes(1<<20),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	if cfg.EnsureTopic {
		if err := ensureTopic(ctx, cl, cfg); err != nil {
			cl.Close()
			return nil, err
		}
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &KafkaMirror{cl: cl, timeout: cfg.WriteTimeout}, nil
}

func ensureTopic(ctx context.Context, cl *kgo.Client, cfg KafkaConfig) error {
	if cfg.Partitions <= 0 {
		cfg.Partitions = 1
	}
	if cfg.Replication <= 0 {
		cfg.Replication = 1
	}
	resp, err := kadm.NewClient(cl).CreateTopic(ctx, cfg.Partitions, cfg.Replication, nil, cfg.Topic)
	if err != nil {
		return fmt.Errorf("kafka create topic: %w", err)
	}
	if resp.Err != nil && !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
		return fmt.Errorf("kafka create topic %s: %w", cfg.Topic, resp.Err)
	}
	return nil
}

func (k *KafkaMirror) Append(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return k.cl.ProduceSync(ctx, &kgo.Record{
		Key:   []byte(rec.KeyID),
		Value: data,
		Headers: []kgo.RecordHeader{
			{Key: "request_id", Value: []byte(rec.RequestID)},
			{Key: "decision", Value: []byte(rec.Decision)},
		},
	}).FirstErr()
}

func (k *KafkaMirror) Close() { k.cl.Close() }
