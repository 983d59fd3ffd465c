package events

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/IBM/sarama"
)

// KafkaSink writes events to a topic through an async producer, keyed by run
// id so a run's events stay ordered within a partition. Events are dropped
// when the producer's input buffer is full.
type KafkaSink struct {
	producer sarama.AsyncProducer
	topic    string
	logger   *slog.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

func NewKafkaSink(producer sarama.AsyncProducer, topic string, logger *slog.Logger) *KafkaSink {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &KafkaSink{producer: producer, topic: topic, logger: logger}
	s.wg.Add(1)
	go s.drainErrors()
	return s
}

// NewKafkaProducer builds an async producer that reports errors but not
// successes.
func NewKafkaProducer(brokers []string, clientID string) (sarama.AsyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Return.Successes = false
	cfg.Producer.Return.Errors = true
	return sarama.NewAsyncProducer(brokers, cfg)
}

func (s *KafkaSink) drainErrors() {
	defer s.wg.Done()
	for perr := range s.producer.Errors() {
		s.logger.Warn("kafka event delivery failed", "topic", s.topic, "error", perr.Err)
	}
}

func (s *KafkaSink) Emit(_ context.Context, event Event) {
	data, err := event.Marshal()
	if err != nil {
		s.logger.Warn("encode event", "event", string(event.Type), "error", err)
		return
	}
	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(event.RunID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(event.Type)},
		},
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.producer.Input() <- msg:
	default:
		s.logger.Warn("kafka event dropped", "event", string(event.Type), "run_id", event.RunID)
	}
}

// Close flushes buffered events and stops the producer.
func (s *KafkaSink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		err = s.producer.Close()
		s.wg.Wait()
	})
	return err
}
