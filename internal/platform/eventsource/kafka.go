package eventsource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/rxsync/rxsync/internal/domain/patient"
)

type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
	// Workers caps concurrent handler calls in a KafkaSource.
	Workers int
	// MaxInFlight caps fetched but uncommitted messages.
	MaxInFlight int
	IdleTTL     time.Duration
}

func (c KafkaConfig) withDefaults() KafkaConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 4096
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = time.Minute
	}
	return c
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher relays envelopes to a topic keyed by identity, so one
// identity's events land on one partition in order. Its Handle method is a
// Handler for a JournalSource.
type KafkaPublisher struct {
	writer messageWriter
}

func NewKafkaPublisher(cfg KafkaConfig) *KafkaPublisher {
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}}
}

func (p *KafkaPublisher) Handle(ctx context.Context, env patient.Envelope) error {
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(env.ID.String()),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(env.Event.Type())},
		},
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// KafkaSource consumes relayed envelopes with a consumer group. Messages are
// handed to per-identity lanes, so a failing identity does not hold back the
// others on its partition. An offset is committed once it and every earlier
// offset of its partition were accepted; until then the message is presented
// again with the same backoff as the journal source.
type KafkaSource struct {
	reader   messageReader
	lanes    *lanes
	inflight chan struct{}
	logger   zerolog.Logger

	mu      sync.Mutex
	pending map[int][]*tracked
}

// tracked is a fetched message awaiting commit.
type tracked struct {
	msg  kafka.Message
	done bool
}

func NewKafkaSource(cfg KafkaConfig, handler Handler, redelivery RedeliveryConfig, logger zerolog.Logger) *KafkaSource {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		Topic:          cfg.Topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
	})
	return newKafkaSource(reader, cfg, handler, redelivery, logger)
}

func newKafkaSource(reader messageReader, cfg KafkaConfig, handler Handler, redelivery RedeliveryConfig, logger zerolog.Logger) *KafkaSource {
	cfg = cfg.withDefaults()
	logger = logger.With().Str("component", "kafka-source").Logger()
	return &KafkaSource{
		reader:   reader,
		lanes:    newLanes(handler, cfg.Workers, redelivery.withDefaults(), cfg.IdleTTL, logger),
		inflight: make(chan struct{}, cfg.MaxInFlight),
		logger:   logger,
		pending:  make(map[int][]*tracked),
	}
}

// Run blocks until ctx ends.
func (s *KafkaSource) Run(ctx context.Context) error {
	defer s.reader.Close()
	defer s.lanes.wait()
	for {
		select {
		case s.inflight <- struct{}{}:
		case <-ctx.Done():
			return nil
		}
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			<-s.inflight
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}
		t := s.track(msg)

		var env patient.Envelope
		if err := json.Unmarshal(msg.Value, &env); err != nil {
			// An undecodable message can never succeed; skip it.
			s.logger.Error().Err(err).Int("partition", msg.Partition).Int64("offset", msg.Offset).Msg("dropping malformed message")
			s.complete(ctx, t)
			continue
		}
		s.lanes.sweep()
		s.lanes.offer(ctx, job{env: env, done: func(ctx context.Context) { s.complete(ctx, t) }}, nil)
	}
}

func (s *KafkaSource) track(msg kafka.Message) *tracked {
	t := &tracked{msg: msg}
	s.mu.Lock()
	s.pending[msg.Partition] = append(s.pending[msg.Partition], t)
	s.mu.Unlock()
	return t
}

// complete marks t accepted and commits the longest accepted prefix of its
// partition. Commits are serialized so a partition's offset never moves back.
func (s *KafkaSource) complete(ctx context.Context, t *tracked) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.done = true
	q := s.pending[t.msg.Partition]
	n := 0
	for n < len(q) && q[n].done {
		n++
	}
	if n == 0 {
		return
	}
	last := q[n-1].msg
	s.pending[t.msg.Partition] = q[n:]
	for i := 0; i < n; i++ {
		<-s.inflight
	}
	if err := s.reader.CommitMessages(ctx, last); err != nil && ctx.Err() == nil {
		// Uncommitted messages are presented again after a restart.
		s.logger.Error().Err(err).Int("partition", last.Partition).Int64("offset", last.Offset).Msg("commit failed")
	}
}
