package grower

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestStats(t *testing.T, db GrowthStorage, opts ...func(*Options)) *Stats {
	t.Helper()
	stats, err := NewStats(db, append([]func(*Options){WithLogger(noopLogger{})}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(stats.Close)
	return stats
}

func TestStatsGet(t *testing.T) {
	ctx := context.Background()
	db, err := NewSQLite(ctx, filepath.Join(t.TempDir(), "grower.db"), noopLogger{})
	require.NoError(t, err)
	defer db.Close(ctx)

	ledger := newTestLedger(t, db)
	stats := newTestStats(t, db)

	ps, err := stats.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, PersonalStats{}, ps)

	_, err = ledger.CreateOrGrow(ctx, 1, ChatByID(100), 10)
	require.NoError(t, err)

	ps, err = stats.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, PersonalStats{Chats: 1, MaxLength: 10, TotalLength: 10}, ps)

	_, err = ledger.CreateOrGrow(ctx, 1, ChatByID(200), 4)
	require.NoError(t, err)
	_, err = ledger.CreateOrGrow(ctx, 1, ChatByInstance("xyz"), 7)
	require.NoError(t, err)

	ps, err = stats.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, PersonalStats{Chats: 3, MaxLength: 10, TotalLength: 21}, ps)

	_, err = stats.Get(ctx, 0)
	assert.ErrorIs(t, err, ErrEmptyUserID)
}

func TestStatsGetStorageError(t *testing.T) {
	dbErr := errors.New("timeout")
	db := new(MockGrowthStorage)
	db.On("PersonalStats", mock.Anything, UserID(1)).Return(PersonalStats{}, dbErr)

	registry := prometheus.NewRegistry()
	stats := newTestStats(t, db, WithMetrics(MetricsConfig{Registry: registry}))

	_, err := stats.Get(context.Background(), 1)

	var storageErr *StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, MetricsOpPersonalStats, storageErr.Op)
	assert.ErrorIs(t, err, dbErr)

	assert.Equal(t, 1.0, testutil.ToFloat64(stats.metrics.queriesTotal.WithLabelValues(MetricsOpPersonalStats)))
	assert.Equal(t, 1.0, testutil.ToFloat64(stats.metrics.errorsTotal.WithLabelValues(MetricsOpPersonalStats)))
}

func TestStatsGetMany(t *testing.T) {
	ctx := context.Background()
	db := NewMemoryStorage()
	ledger := newTestLedger(t, db)
	stats := newTestStats(t, db, WithStatsWorkers(4))

	var users []UserID
	for i := 1; i <= 20; i++ {
		u := UserID(i)
		users = append(users, u)
		for c := 1; c <= i%3+1; c++ {
			_, err := ledger.CreateOrGrow(ctx, u, ChatByID(int64(c)), int64(i*c))
			require.NoError(t, err)
		}
	}
	users = append(users, 1, 2, 999)

	out, err := stats.GetMany(ctx, users)
	require.NoError(t, err)
	require.Len(t, out, 21)

	for i := 1; i <= 20; i++ {
		chats := int64(i%3 + 1)
		var total int64
		for c := int64(1); c <= chats; c++ {
			total += int64(i) * c
		}
		assert.Equal(t, PersonalStats{Chats: chats, MaxLength: int64(i) * chats, TotalLength: total}, out[UserID(i)], fmt.Sprint(i))
	}
	assert.Equal(t, PersonalStats{}, out[999])
}

func TestStatsGetManyError(t *testing.T) {
	db := new(MockGrowthStorage)
	db.On("PersonalStats", mock.Anything, UserID(1)).Return(PersonalStats{Chats: 1}, nil)
	db.On("PersonalStats", mock.Anything, UserID(2)).Return(PersonalStats{}, errors.New("boom"))

	stats := newTestStats(t, db)

	out, err := stats.GetMany(context.Background(), []UserID{1, 2})
	assert.Error(t, err)
	assert.Nil(t, out)

	out, err = stats.GetMany(context.Background(), []UserID{0})
	assert.Error(t, err)
	assert.Nil(t, out)
}

func TestStatsTop(t *testing.T) {
	ctx := context.Background()
	db := NewMemoryStorage()
	ledger := newTestLedger(t, db)
	stats := newTestStats(t, db, WithTopLimit(2))
	chat := ChatByID(10)

	for user, delta := range map[UserID]int64{1: 5, 2: 15, 3: 10} {
		_, err := ledger.CreateOrGrow(ctx, user, chat, delta)
		require.NoError(t, err)
	}

	top, err := stats.Top(ctx, chat, 0)
	require.NoError(t, err)
	assert.Equal(t, []GrowthRecord{
		{UserID: 2, ChatKey: "id:10", Length: 15},
		{UserID: 3, ChatKey: "id:10", Length: 10},
	}, top)

	top, err = stats.Top(ctx, chat, 10)
	require.NoError(t, err)
	assert.Len(t, top, 3)

	ref, err := top[0].Chat()
	require.NoError(t, err)
	assert.Equal(t, chat, ref)

	_, err = stats.Top(ctx, ChatRef{}, 10)
	assert.ErrorIs(t, err, ErrEmptyChat)
}

func TestStatsTopPassesDefaultLimit(t *testing.T) {
	db := new(MockGrowthStorage)
	db.On("Top", mock.Anything, "inst:abc", 7).Return([]GrowthRecord(nil), nil).Once()

	stats := newTestStats(t, db, WithTopLimit(7))

	top, err := stats.Top(context.Background(), ChatByInstance("abc"), -1)
	require.NoError(t, err)
	assert.Empty(t, top)

	db.AssertExpectations(t)
}
