package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a map-backed DeliveryStore for tests and local development.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*DeliveryRecord
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*DeliveryRecord)}
}

// Create implements DeliveryStore.
func (s *MemoryStore) Create(_ context.Context, rec *DeliveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.MessageID]; exists {
		return nil
	}

	clone := *rec
	now := time.Now().UTC()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = now
	s.records[rec.MessageID] = &clone
	return nil
}

// SetStatus implements DeliveryStore.
func (s *MemoryStore) SetStatus(_ context.Context, messageID string, status RecordStatus, attempts int, reason, providerMessageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[messageID]
	if !ok {
		return ErrNotFound
	}

	rec.Status = status
	rec.Attempts = attempts
	if reason != "" {
		rec.Reason = reason
	}
	if providerMessageID != "" {
		rec.ProviderMessageID = providerMessageID
	}
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// Get implements DeliveryStore.
func (s *MemoryStore) Get(_ context.Context, messageID string) (*DeliveryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[messageID]
	if !ok {
		return nil, ErrNotFound
	}

	clone := *rec
	return &clone, nil
}

// Ping implements DeliveryStore; the in-memory store is always reachable.
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}
