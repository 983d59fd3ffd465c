package events

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/animus-labs/blockflow/internal/platform/env"
)

const (
	SinkLog   = "log"
	SinkNATS  = "nats"
	SinkKafka = "kafka"
)

type Config struct {
	Sinks         []string
	NATSURL       string
	SubjectPrefix string
	KafkaBrokers  []string
	KafkaTopic    string
	ClientID      string
}

func ConfigFromEnv() (Config, error) {
	cfg := Config{
		Sinks:         env.Strings("EVENT_SINKS", []string{SinkLog}),
		NATSURL:       env.String("NATS_URL", "nats://127.0.0.1:4222"),
		SubjectPrefix: env.String("EVENT_SUBJECT_PREFIX", "blockflow.events"),
		KafkaBrokers:  env.Strings("KAFKA_BROKERS", []string{"127.0.0.1:9092"}),
		KafkaTopic:    env.String("KAFKA_EVENTS_TOPIC", "blockflow.events"),
		ClientID:      env.String("EVENT_CLIENT_ID", "blockflow"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	for _, s := range c.Sinks {
		switch strings.ToLower(s) {
		case SinkLog:
		case SinkNATS:
			if strings.TrimSpace(c.NATSURL) == "" {
				return errors.New("NATS_URL is required for the nats sink")
			}
		case SinkKafka:
			if len(c.KafkaBrokers) == 0 || strings.TrimSpace(c.KafkaTopic) == "" {
				return errors.New("KAFKA_BROKERS and KAFKA_EVENTS_TOPIC are required for the kafka sink")
			}
		case "none":
		default:
			return fmt.Errorf("unknown event sink %q", s)
		}
	}
	return nil
}

// Open connects every configured sink. The returned close function releases
// the backends in reverse order.
func Open(cfg Config, logger *slog.Logger) (Sink, func() error, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	var (
		sinks   Multi
		closers []func() error
	)
	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	for _, name := range cfg.Sinks {
		switch strings.ToLower(name) {
		case SinkLog:
			sinks = append(sinks, NewLogSink(logger))
		case SinkNATS:
			conn, err := ConnectNATS(cfg.NATSURL, cfg.ClientID, logger)
			if err != nil {
				_ = closeAll()
				return nil, nil, fmt.Errorf("connect nats: %w", err)
			}
			closers = append(closers, func() error { return conn.Drain() })
			sinks = append(sinks, NewNATSSink(conn, cfg.SubjectPrefix, logger))
		case SinkKafka:
			producer, err := NewKafkaProducer(cfg.KafkaBrokers, cfg.ClientID)
			if err != nil {
				_ = closeAll()
				return nil, nil, fmt.Errorf("kafka producer: %w", err)
			}
			sink := NewKafkaSink(producer, cfg.KafkaTopic, logger)
			closers = append(closers, sink.Close)
			sinks = append(sinks, sink)
		}
	}
	if len(sinks) == 0 {
		return Nop{}, closeAll, nil
	}
	return sinks, closeAll, nil
}
