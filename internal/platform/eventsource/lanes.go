package eventsource

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rxsync/rxsync/internal/domain/patient"
)

// job is one envelope and what to do once the handler accepted it.
type job struct {
	env  patient.Envelope
	done func(ctx context.Context)
}

type lane struct {
	handed    int64
	queue     []job
	running   bool
	idleSince time.Time
}

// lanes runs one goroutine per identity that has queued work. An identity whose
// envelope keeps failing holds back only its own later envelopes. At most
// limit handler calls run at once; a lane waiting out a redelivery delay does
// not hold a slot.
//
// offer and sweep must be called from a single goroutine.
type lanes struct {
	handler    Handler
	redelivery RedeliveryConfig
	idleTTL    time.Duration
	logger     zerolog.Logger
	sem        chan struct{}
	now        func() time.Time

	mu        sync.Mutex
	active    map[patient.ID]*lane
	lastSweep time.Time
	wg        sync.WaitGroup
}

func newLanes(handler Handler, limit int, redelivery RedeliveryConfig, idleTTL time.Duration, logger zerolog.Logger) *lanes {
	return &lanes{
		handler:    handler,
		redelivery: redelivery,
		idleTTL:    idleTTL,
		logger:     logger,
		sem:        make(chan struct{}, limit),
		now:        time.Now,
		active:     make(map[patient.ID]*lane),
	}
}

// offer queues j behind the identity's earlier envelopes. When seed is set, an
// envelope at or below the identity's highest handed seq is dropped and false
// is returned; seed supplies that seq for an identity without a lane.
func (l *lanes) offer(ctx context.Context, j job, seed func(context.Context, patient.ID) (int64, error)) (bool, error) {
	id := j.env.ID
	l.mu.Lock()
	ln, ok := l.active[id]
	l.mu.Unlock()
	if !ok {
		var start int64
		if seed != nil {
			var err error
			if start, err = seed(ctx, id); err != nil {
				return false, err
			}
		}
		if seed != nil && j.env.Seq <= start {
			return false, nil
		}
		ln = &lane{handed: start}
		l.mu.Lock()
		l.active[id] = ln
		l.mu.Unlock()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if seed != nil && j.env.Seq <= ln.handed {
		return false, nil
	}
	ln.queue = append(ln.queue, j)
	ln.handed = j.env.Seq
	if !ln.running {
		ln.running = true
		l.wg.Add(1)
		go l.drain(ctx, ln)
	}
	return true, nil
}

func (l *lanes) drain(ctx context.Context, ln *lane) {
	defer l.wg.Done()
	for {
		l.mu.Lock()
		if len(ln.queue) == 0 || ctx.Err() != nil {
			ln.running = false
			ln.idleSince = l.now()
			l.mu.Unlock()
			return
		}
		j := ln.queue[0]
		l.mu.Unlock()

		attempts, err := redeliver(ctx, j.env, l.call, l.redelivery, l.logger)
		if err != nil {
			continue
		}
		j.done(ctx)
		if attempts > 1 {
			l.logger.Info().Str("id", j.env.ID.String()).Int64("seq", j.env.Seq).Int("attempts", attempts).Msg("redelivered")
		}

		l.mu.Lock()
		ln.queue[0] = job{}
		ln.queue = ln.queue[1:]
		if len(ln.queue) == 0 {
			ln.queue = nil
		}
		l.mu.Unlock()
	}
}

func (l *lanes) call(ctx context.Context, env patient.Envelope) error {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-l.sem }()
	return l.handler(ctx, env)
}

// sweep forgets identities that have been idle for idleTTL. It runs at most
// once per idleTTL.
func (l *lanes) sweep() {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.lastSweep) < l.idleTTL {
		return
	}
	l.lastSweep = now
	for id, ln := range l.active {
		if !ln.running && len(ln.queue) == 0 && now.Sub(ln.idleSince) >= l.idleTTL {
			delete(l.active, id)
		}
	}
}

func (l *lanes) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.active)
}

// wait blocks until every lane goroutine has returned.
func (l *lanes) wait() {
	l.wg.Wait()
}
