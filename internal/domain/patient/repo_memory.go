package patient

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryJournal is a thread-safe, in-memory Journal.
type MemoryJournal struct {
	mu       sync.RWMutex
	states   map[ID]State
	log      []Envelope
	position int64
	now      func() time.Time
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{
		states: make(map[ID]State),
		now:    time.Now,
	}
}

func (j *MemoryJournal) Load(_ context.Context, id ID) (State, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.states[id], nil
}

func (j *MemoryJournal) Append(_ context.Context, id ID, expectedSeq int64, events []Event) ([]Envelope, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	st := j.states[id]
	if st.Seq != expectedSeq {
		return nil, ErrConcurrentUpdate
	}

	at := j.now().UTC()
	out := make([]Envelope, 0, len(events))
	for _, ev := range events {
		st = st.Apply(ev)
		st.Seq++
		j.position++
		env := Envelope{ID: id, Seq: st.Seq, Position: j.position, Event: ev, RecordedAt: at}
		j.log = append(j.log, env)
		out = append(out, env)
	}
	j.states[id] = st
	return out, nil
}

func (j *MemoryJournal) ReadFrom(_ context.Context, after int64, limit int) ([]Envelope, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	start := sort.Search(len(j.log), func(i int) bool { return j.log[i].Position > after })
	end := len(j.log)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	out := make([]Envelope, end-start)
	copy(out, j.log[start:end])
	return out, nil
}

// Len returns the number of journaled envelopes.
func (j *MemoryJournal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.log)
}
