package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/coreos-dash/coreos-client/internal/model"
)

// Memory is an in-process Store. Nothing survives a restart.
type Memory struct {
	mu     sync.RWMutex
	kv     map[string]string
	events []model.SecurityEvent
	ids    map[string]struct{}
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		kv:  make(map[string]string),
		ids: make(map[string]struct{}),
	}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.kv[key]
	return v, ok, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[key] = value
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kv, key)
	return nil
}

func (m *Memory) DeletePrefix(_ context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.kv {
		if strings.HasPrefix(k, prefix) {
			delete(m.kv, k)
			n++
		}
	}
	return n, nil
}

func (m *Memory) InsertEvents(_ context.Context, events []model.SecurityEvent) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range events {
		if _, dup := m.ids[e.ID]; dup {
			continue
		}
		m.ids[e.ID] = struct{}{}
		m.events = append(m.events, e)
		n++
	}
	return n, nil
}

func (m *Memory) ListEvents(_ context.Context, limit int) ([]model.SecurityEvent, error) {
	m.mu.RLock()
	out := make([]model.SecurityEvent, 0, len(m.events))
	for i := len(m.events) - 1; i >= 0; i-- {
		out = append(out, m.events[i])
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
