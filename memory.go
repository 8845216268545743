package grower

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/maxbolgarin/errm"
)

type memoryKey struct {
	user    UserID
	chatKey string
}

// MemoryStorage is a [GrowthStorage] that keeps records in process memory.
// It is used when database is disabled and in tests, records are lost on restart.
type MemoryStorage struct {
	records map[memoryKey]int64
	mu      sync.RWMutex
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		records: make(map[memoryKey]int64),
	}
}

// CreateOrGrow implements [GrowthStorage].
func (m *MemoryStorage) CreateOrGrow(ctx context.Context, user UserID, chatKey string, delta int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, errm.Wrap(err, "context")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := memoryKey{user: user, chatKey: chatKey}
	m.records[key] += delta

	return m.records[key], nil
}

// Length implements [GrowthStorage].
func (m *MemoryStorage) Length(ctx context.Context, user UserID, chatKey string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, errm.Wrap(err, "context")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	length, found := m.records[memoryKey{user: user, chatKey: chatKey}]
	if !found {
		return 0, ErrNotFound
	}
	return length, nil
}

// PersonalStats implements [GrowthStorage].
func (m *MemoryStorage) PersonalStats(ctx context.Context, user UserID) (PersonalStats, error) {
	if err := ctx.Err(); err != nil {
		return PersonalStats{}, errm.Wrap(err, "context")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats PersonalStats
	for key, length := range m.records {
		if key.user != user {
			continue
		}
		stats.Chats++
		stats.TotalLength += length
		if stats.Chats == 1 || length > stats.MaxLength {
			stats.MaxLength = length
		}
	}

	return stats, nil
}

// Top implements [GrowthStorage].
func (m *MemoryStorage) Top(ctx context.Context, chatKey string, limit int) ([]GrowthRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, errm.Wrap(err, "context")
	}

	m.mu.RLock()
	var out []GrowthRecord
	for key, length := range m.records {
		if key.chatKey == chatKey {
			out = append(out, GrowthRecord{UserID: key.user, ChatKey: chatKey, Length: length})
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b GrowthRecord) int {
		if c := cmp.Compare(b.Length, a.Length); c != 0 {
			return c
		}
		return cmp.Compare(a.UserID, b.UserID)
	})
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

// MergeChats implements [GrowthStorage].
func (m *MemoryStorage) MergeChats(ctx context.Context, fromKey, toKey string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, errm.Wrap(err, "context")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var moved int64
	for key, length := range m.records {
		if key.chatKey != fromKey {
			continue
		}
		m.records[memoryKey{user: key.user, chatKey: toKey}] += length
		delete(m.records, key)
		moved++
	}

	return moved, nil
}

// Close implements [GrowthStorage].
func (m *MemoryStorage) Close(context.Context) error {
	return nil
}
