package eventsource

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/rxsync/rxsync/internal/domain/patient"
)

// fakeTopic is an in-memory stand-in for one topic and consumer group.
type fakeTopic struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	next      int
	committed []int64
	closed    bool
}

func (f *fakeTopic) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		m.Offset = int64(len(f.msgs))
		f.msgs = append(f.msgs, m)
	}
	return nil
}

func (f *fakeTopic) FetchMessage(ctx context.Context) (kafka.Message, error) {
	for {
		f.mu.Lock()
		if f.next < len(f.msgs) {
			m := f.msgs[f.next]
			f.next++
			f.mu.Unlock()
			return m, nil
		}
		f.mu.Unlock()
		select {
		case <-ctx.Done():
			return kafka.Message{}, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (f *fakeTopic) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeTopic) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTopic) commits() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.committed...)
}

func TestKafkaPublisher_KeysByIdentity(t *testing.T) {
	topic := &fakeTopic{}
	pub := &KafkaPublisher{writer: topic}
	rec := patient.Record{FirstName: "Ada"}.WithID(idA)

	err := pub.Handle(context.Background(), patient.Envelope{ID: idA, Seq: 1, Position: 9, Event: patient.Created{Record: rec}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(topic.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(topic.msgs))
	}
	m := topic.msgs[0]
	if string(m.Key) != "101-a" {
		t.Errorf("unexpected key %q", m.Key)
	}
	var env patient.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := env.Event.(patient.Created); !ok || env.Seq != 1 || env.Position != 9 {
		t.Errorf("unexpected envelope %+v", env)
	}
}

func TestKafkaSource_CommitsAfterHandlerSucceeds(t *testing.T) {
	topic := &fakeTopic{}
	pub := &KafkaPublisher{writer: topic}
	ctx := context.Background()
	rec := patient.Record{FirstName: "Ada"}.WithID(idA)
	pub.Handle(ctx, patient.Envelope{ID: idA, Seq: 1, Event: patient.Created{Record: rec}})
	pub.Handle(ctx, patient.Envelope{ID: idA, Seq: 2, Event: patient.Updated{Record: rec}})

	var (
		mu    sync.Mutex
		calls []int64
		fails = 2
	)
	handler := func(_ context.Context, env patient.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, env.Seq)
		if env.Seq == 1 && fails > 0 {
			fails--
			return errors.New("central unavailable")
		}
		return nil
	}

	src := newKafkaSource(topic, KafkaConfig{}, handler, fastRedelivery, zerolog.Nop())
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- src.Run(runCtx) }()

	waitFor(t, func() bool { return len(topic.commits()) == 2 })
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []int64{1, 1, 1, 2}
	if len(calls) != len(want) {
		t.Fatalf("expected calls %v, got %v", want, calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("expected calls %v, got %v", want, calls)
		}
	}
	if c := topic.commits(); c[0] != 0 || c[1] != 1 {
		t.Errorf("unexpected commit order %v", c)
	}
	if !topic.closed {
		t.Error("reader not closed")
	}
}

func TestKafkaSource_SkipsMalformed(t *testing.T) {
	topic := &fakeTopic{}
	topic.WriteMessages(context.Background(), kafka.Message{Value: []byte("not json")})

	called := false
	src := newKafkaSource(topic, KafkaConfig{}, func(context.Context, patient.Envelope) error {
		called = true
		return nil
	}, fastRedelivery, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()
	waitFor(t, func() bool { return len(topic.commits()) == 1 })
	cancel()
	<-done

	if called {
		t.Error("handler called for malformed message")
	}
}

func TestKafkaSource_FailingIdentityDoesNotBlockPartition(t *testing.T) {
	topic := &fakeTopic{}
	pub := &KafkaPublisher{writer: topic}
	ctx := context.Background()
	pub.Handle(ctx, patient.Envelope{ID: idA, Seq: 1, Event: patient.Created{Record: patient.Record{FirstName: "Ada"}.WithID(idA)}})
	pub.Handle(ctx, patient.Envelope{ID: idB, Seq: 1, Event: patient.Created{Record: patient.Record{FirstName: "Bo"}.WithID(idB)}})

	var (
		mu        sync.Mutex
		delivered []patient.ID
	)
	handler := func(_ context.Context, env patient.Envelope) error {
		if env.ID == idA {
			return errors.New("central rejected update")
		}
		mu.Lock()
		delivered = append(delivered, env.ID)
		mu.Unlock()
		return nil
	}

	src := newKafkaSource(topic, KafkaConfig{Workers: 1}, handler, fastRedelivery, zerolog.Nop())
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- src.Run(runCtx) }()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 1
	})
	// Offset 1 is accepted but offset 0 is not, so nothing may be committed.
	time.Sleep(20 * time.Millisecond)
	if c := topic.commits(); len(c) != 0 {
		t.Errorf("committed past an unaccepted offset: %v", c)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}
