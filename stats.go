package grower

import (
	"context"
	"sync"
	"time"

	"github.com/maxbolgarin/abstract"
	"github.com/maxbolgarin/errm"
	"github.com/maxbolgarin/lang"
	"github.com/panjf2000/ants/v2"
)

// Stats is a read-only view over the growth records.
// It queries the storage on every call, there is no aggregation cache,
// so results always include growth committed before the call.
type Stats struct {
	db      GrowthStorage
	pool    *ants.Pool
	log     Logger
	metrics *statsMetrics

	queryTimeout time.Duration
	topLimit     int
}

// NewStats creates a new [Stats] on top of the storage.
func NewStats(db GrowthStorage, optsFuncs ...func(*Options)) (*Stats, error) {
	opts := prepareOpts(optsFuncs...)

	pool, err := ants.NewPool(opts.StatsWorkers)
	if err != nil {
		return nil, errm.Wrap(err, "new pool")
	}

	return &Stats{
		db:      db,
		pool:    pool,
		log:     opts.Logger,
		metrics: newStatsMetrics(opts.Metrics),

		queryTimeout: opts.QueryTimeout,
		topLimit:     opts.TopLimit,
	}, nil
}

// Get returns personal stats of the user. Unknown user has all fields equal to zero.
func (s *Stats) Get(ctx context.Context, user UserID) (PersonalStats, error) {
	if user == 0 {
		return PersonalStats{}, ErrEmptyUserID
	}

	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	tm := abstract.StartTimer()
	stats, err := s.db.PersonalStats(ctx, user)
	s.metrics.observeCall(MetricsOpPersonalStats, tm.ElapsedTime(), err)
	if err != nil {
		s.log.Error("cannot get personal stats", "error", err, "user_id", user)
		return PersonalStats{}, newStorageError(MetricsOpPersonalStats, err)
	}

	return stats, nil
}

// GetMany returns personal stats of every provided user.
// It fails if stats of at least one user cannot be obtained.
func (s *Stats) GetMany(ctx context.Context, users []UserID) (map[UserID]PersonalStats, error) {
	var (
		out     = make(map[UserID]PersonalStats, len(users))
		seen    = make(map[UserID]struct{}, len(users))
		mu      sync.Mutex
		wg      sync.WaitGroup
		errList = errm.NewSafeList()
	)

	for _, u := range users {
		if _, found := seen[u]; found {
			continue
		}
		seen[u] = struct{}{}

		wg.Add(1)
		err := s.pool.Submit(func() {
			defer wg.Done()

			stats, err := s.Get(ctx, u)
			if err != nil {
				errList.Wrap(err, "get", "user_id", u)
				return
			}

			mu.Lock()
			out[u] = stats
			mu.Unlock()
		})
		if err != nil {
			wg.Done()
			errList.Wrap(err, "submit", "user_id", u)
		}
	}

	wg.Wait()

	if errList.NotEmpty() {
		return nil, errList.Err()
	}

	return out, nil
}

// Top returns the leaderboard of the chat. Non-positive limit means the default one.
func (s *Stats) Top(ctx context.Context, chat ChatRef, limit int) ([]GrowthRecord, error) {
	if chat.IsEmpty() {
		return nil, ErrEmptyChat
	}
	limit = lang.If(limit > 0, limit, s.topLimit)

	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	tm := abstract.StartTimer()
	records, err := s.db.Top(ctx, chat.Key(), limit)
	s.metrics.observeCall(MetricsOpTop, tm.ElapsedTime(), err)
	if err != nil {
		s.log.Error("cannot get top", "error", err, "chat", chat.String(), "limit", limit)
		return nil, newStorageError(MetricsOpTop, err)
	}

	return records, nil
}

// Close releases the worker pool.
func (s *Stats) Close() {
	s.pool.Release()
}
