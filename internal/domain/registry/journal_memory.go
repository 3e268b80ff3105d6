package registry

import (
	"context"
	"sync"
	"time"
)

// MemoryJournal is a thread-safe, in-memory Journal.
type MemoryJournal struct {
	mu     sync.RWMutex
	states map[string]State
	now    func() time.Time
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{
		states: make(map[string]State),
		now:    time.Now,
	}
}

func (j *MemoryJournal) Load(_ context.Context, id string) (State, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.states[id], nil
}

func (j *MemoryJournal) Append(_ context.Context, id string, expectedSeq int64, ev Event) (Envelope, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	st := j.states[id]
	if st.Seq != expectedSeq {
		return Envelope{}, ErrConcurrentUpdate
	}
	st = st.Apply(ev)
	st.Seq++
	env := Envelope{PharmacyID: id, Seq: st.Seq, Event: ev, RecordedAt: j.now().UTC()}
	j.states[id] = st
	return env, nil
}
