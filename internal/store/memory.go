package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"media-transcript-pipeline/internal/models"
)

// MemoryStore keeps job records in process memory. It suits tests and single-process runs only.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]models.JobRecord
	audit   map[string][]models.AuditEntry
	now     func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]models.JobRecord),
		audit:   make(map[string][]models.AuditEntry),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) Create(_ context.Context, id string, status models.JobStatus, meta models.JobMetadata) error {
	now := m.now()
	rec, err := newRecord(id, status, meta, now)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, id)
	}
	m.records[id] = rec
	m.audit[id] = append(m.audit[id], models.AuditEntry{JobID: id, Event: "created", Detail: string(status), Recorded: now})
	return nil
}

func (m *MemoryStore) Update(_ context.Context, id string, upd models.JobUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	now := m.now()
	if err := applyUpdate(&rec, upd, now); err != nil {
		return err
	}
	m.records[id] = rec
	m.audit[id] = append(m.audit[id], auditFor(id, upd, now))
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (models.JobRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return models.JobRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cloneRecord(rec), nil
}

func (m *MemoryStore) History(_ context.Context, id string) ([]models.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.records[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	out := make([]models.AuditEntry, len(m.audit[id]))
	copy(out, m.audit[id])
	return out, nil
}

// Len reports how many records exist.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func cloneRecord(rec models.JobRecord) models.JobRecord {
	rec.ArtifactPaths = nonNil(rec.ArtifactPaths)
	rec.FileNames = nonNil(rec.FileNames)
	if rec.Error != nil {
		rec.Error = models.StringPtr(*rec.Error)
	}
	if rec.Result != nil {
		r := *rec.Result
		rec.Result = &r
	}
	return rec
}
