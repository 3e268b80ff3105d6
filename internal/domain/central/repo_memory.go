package central

import (
	"context"
	"sync"

	"github.com/rxsync/rxsync/internal/domain/patient"
)

type memoryEntry struct {
	record   patient.Record
	expunged bool
}

type MemoryRepository struct {
	mu      sync.RWMutex
	records map[patient.ID]*memoryEntry
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[patient.ID]*memoryEntry)}
}

func (r *MemoryRepository) Insert(_ context.Context, rec patient.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.records[rec.ID()]; ok {
		if e.expunged {
			return ErrExpunged
		}
		return ErrAlreadyExists
	}
	r.records[rec.ID()] = &memoryEntry{record: rec}
	return nil
}

func (r *MemoryRepository) Replace(_ context.Context, rec patient.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.records[rec.ID()]
	if !ok {
		return ErrNotFound
	}
	if e.expunged {
		return ErrExpunged
	}
	e.record = rec
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id patient.ID) (patient.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.records[id]
	if !ok {
		return patient.Record{}, ErrNotFound
	}
	if e.expunged {
		return patient.Record{}, ErrExpunged
	}
	return e.record, nil
}

func (r *MemoryRepository) Expunge(_ context.Context, id patient.ID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.records[id]
	if !ok {
		return false, ErrNotFound
	}
	if e.expunged {
		return true, nil
	}
	e.record = patient.Record{}
	e.expunged = true
	return false, nil
}
