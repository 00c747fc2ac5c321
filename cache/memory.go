package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"grokghibli/models"
	"grokghibli/observability"
)

type entry struct {
	value   []byte
	expires time.Time
}

// MemoryStore is an in-process Store. Entries expire after the TTL.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration
	now     func() time.Time
	metrics *observability.Metrics
}

// NewMemoryStore creates an in-process store with the given TTL
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]entry),
		ttl:     ttl,
		now:     time.Now,
		metrics: observability.GetMetrics(),
	}
}

func (s *MemoryStore) set(key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(value))
	copy(buf, value)
	s.entries[key] = entry{value: buf, expires: s.now().Add(s.ttl)}
}

func (s *MemoryStore) get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if !s.now().Before(e.expires) {
		delete(s.entries, key)
		return nil, false
	}
	buf := make([]byte, len(e.value))
	copy(buf, e.value)
	return buf, true
}

func (s *MemoryStore) del(keys ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.entries, k)
	}
}

// SaveStatus stores the task status
func (s *MemoryStore) SaveStatus(ctx context.Context, task *models.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	s.set(statusKey(task.ID), data)
	s.metrics.RecordCacheOperation("save_status", "memory")
	return nil
}

// GetStatus loads the task status
func (s *MemoryStore) GetStatus(ctx context.Context, id string) (*models.Task, error) {
	s.metrics.RecordCacheOperation("get_status", "memory")
	data, ok := s.get(statusKey(id))
	if !ok {
		return nil, nil
	}
	var task models.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	return &task, nil
}

// UpdateProgress sets the progress of a stored task
func (s *MemoryStore) UpdateProgress(ctx context.Context, id string, progress int) (bool, error) {
	task, err := s.GetStatus(ctx, id)
	if err != nil || task == nil {
		return false, err
	}
	task.Progress = progress
	return true, s.SaveStatus(ctx, task)
}

// SaveImage stores the result image
func (s *MemoryStore) SaveImage(ctx context.Context, id string, image []byte) error {
	s.set(imageKey(id), image)
	s.metrics.RecordCacheOperation("save_image", "memory")
	return nil
}

// GetImage loads the result image
func (s *MemoryStore) GetImage(ctx context.Context, id string) ([]byte, error) {
	s.metrics.RecordCacheOperation("get_image", "memory")
	data, ok := s.get(imageKey(id))
	if !ok {
		return nil, nil
	}
	return data, nil
}

// Delete removes the task status and image
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.del(statusKey(id), imageKey(id))
	s.metrics.RecordCacheOperation("delete", "memory")
	return nil
}

// Sweep drops expired entries and returns how many were removed
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for k, e := range s.entries {
		if !now.Before(e.expires) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// RunSweeper sweeps expired entries every interval until ctx is done
func (s *MemoryStore) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				observability.Debug("swept expired task cache entries", "count", n)
			}
		}
	}
}

// Len returns the number of stored entries, including expired ones not yet swept
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Health always succeeds for the in-process store
func (s *MemoryStore) Health(ctx context.Context) error {
	return nil
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}
