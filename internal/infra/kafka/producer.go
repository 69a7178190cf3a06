package kafka

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/xuthority/identity-service/internal/infra/config"
)

// Producer wraps a Sarama producer. In sync mode every send waits for the broker ack so
// callers learn about delivery failures; async mode is fire-and-forget.
type Producer struct {
	async   sarama.AsyncProducer
	sync    sarama.SyncProducer
	logger  *zap.Logger
	cfg     config.KafkaSettings
	errChan chan error
	done    chan struct{}
}

// NewProducer initializes a Kafka producer in the mode selected by cfg.Async.
func NewProducer(cfg config.KafkaSettings, logger *zap.Logger) (*Producer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are not configured")
	}

	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_5_0_0

	saramaConfig.Producer.Compression = sarama.CompressionSnappy
	saramaConfig.Producer.Retry.Max = 3
	saramaConfig.Producer.Return.Errors = true

	saramaConfig.Metadata.Retry.Max = 3
	saramaConfig.Metadata.Retry.Backoff = 250 * time.Millisecond

	p := &Producer{
		logger:  logger,
		cfg:     cfg,
		errChan: make(chan error, 256),
		done:    make(chan struct{}),
	}

	if cfg.Async {
		saramaConfig.Producer.RequiredAcks = sarama.WaitForLocal
		saramaConfig.Producer.Flush.Frequency = 100 * time.Millisecond
		saramaConfig.Producer.Flush.Messages = 100
		saramaConfig.Producer.Return.Successes = false

		producer, err := sarama.NewAsyncProducer(cfg.Brokers, saramaConfig)
		if err != nil {
			return nil, fmt.Errorf("create kafka producer: %w", err)
		}
		p.async = producer
		go p.handleErrors()
	} else {
		saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
		saramaConfig.Producer.Idempotent = true
		saramaConfig.Net.MaxOpenRequests = 1
		saramaConfig.Producer.Return.Successes = true

		producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
		if err != nil {
			return nil, fmt.Errorf("create kafka producer: %w", err)
		}
		p.sync = producer
	}

	logger.Info("Kafka producer initialized",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic_prefix", cfg.TopicPrefix),
		zap.Bool("async", cfg.Async),
	)

	return p, nil
}

// handleErrors monitors the async Errors channel and logs producer errors
func (p *Producer) handleErrors() {
	for {
		select {
		case err, ok := <-p.async.Errors():
			if !ok {
				return
			}
			if err != nil {
				p.logger.Error("Kafka producer error",
					zap.Error(err.Err),
					zap.String("topic", err.Msg.Topic),
				)
				select {
				case p.errChan <- err.Err:
				default:
					p.logger.Warn("Error channel full, dropping error")
				}
			}
		case <-p.done:
			return
		}
	}
}

// Send delivers a message. In sync mode it returns the broker error, in async mode only
// enqueue failures.
func (p *Producer) Send(ctx context.Context, msg *sarama.ProducerMessage) error {
	if p.sync != nil {
		if _, _, err := p.sync.SendMessage(msg); err != nil {
			return fmt.Errorf("send to %s: %w", msg.Topic, err)
		}
		return nil
	}
	if p.async == nil {
		return fmt.Errorf("kafka producer not initialized")
	}

	select {
	case p.async.Input() <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Errors returns the async error channel for external monitoring
func (p *Producer) Errors() <-chan error {
	return p.errChan
}

// Close gracefully closes the producer and waits for pending messages
func (p *Producer) Close() error {
	p.logger.Info("Closing Kafka producer")
	close(p.done)

	var err error
	switch {
	case p.sync != nil:
		err = p.sync.Close()
	case p.async != nil:
		err = p.async.Close()
	}
	if err != nil {
		return fmt.Errorf("close kafka producer: %w", err)
	}
	return nil
}

// TopicName returns the full topic name with prefix
func (p *Producer) TopicName(topic string) string {
	if p.cfg.TopicPrefix == "" {
		return topic
	}

	prefix := p.cfg.TopicPrefix + "."
	if strings.HasPrefix(topic, prefix) {
		return topic
	}

	return prefix + topic
}
