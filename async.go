package grower

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxbolgarin/contem"
	"github.com/maxbolgarin/errm"
	"github.com/maxbolgarin/gorder"
)

const defaultDrainTimeout = 30 * time.Second

// ErrGrowerClosed is returned when growth is queued after [AsyncGrower.Shutdown].
var ErrGrowerClosed = errm.New("async grower is closed")

// GrowthCallback receives the result of an asynchronous growth.
type GrowthCallback func(length int64, err error)

// AsyncGrower queues growth operations so handlers don't wait for storage IO.
// Operations for the same (user, chat) pair run one by one in push order,
// operations for different pairs run in parallel. Failed operations are not retried:
// a timed out upsert may have been committed and a retry would apply the delta twice.
type AsyncGrower struct {
	ledger *Ledger
	queue  *gorder.Gorder[string]

	closed       atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
}

// NewAsyncGrower creates a queue with the provided number of workers.
// Queued growths are applied before [AsyncGrower.Shutdown] returns. Shutdown is also
// registered in ctx, but if the storage is closed on ctx shutdown too, call Shutdown
// explicitly before closing the storage.
func NewAsyncGrower(ctx contem.Context, ledger *Ledger, workers int, log Logger) *AsyncGrower {
	// queue lifetime is controlled by Shutdown, ctx cancellation must not drop tasks
	q := gorder.NewWithOptions[string](context.WithoutCancel(ctx), gorder.Options{
		Workers:         workers,
		Log:             prepareLogger(log, false, false),
		ThrowOnShutdown: false,
	})

	a := &AsyncGrower{
		ledger: ledger,
		queue:  q,
	}
	ctx.Add(func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultDrainTimeout)
		defer cancel()
		return a.Shutdown(ctx)
	})

	return a
}

// Grow validates input and queues a growth of the user in the chat.
// Callback is optional and is called from a worker goroutine.
func (a *AsyncGrower) Grow(user UserID, chat ChatRef, delta int64, callback GrowthCallback) error {
	if err := validateGrowth(user, chat, delta); err != nil {
		return err
	}
	if a.closed.Load() {
		return ErrGrowerClosed
	}

	a.queue.Push(growthQueueName(user, chat), "grow", func(ctx context.Context) error {
		length, err := a.ledger.CreateOrGrow(context.WithoutCancel(ctx), user, chat, delta)
		if callback != nil {
			callback(length, err)
		}
		// error is already logged and reported, returning it would make the queue retry
		return nil
	})

	return nil
}

// Shutdown stops accepting growths and waits until queued ones are applied or ctx is done.
// It is safe to call it more than once, later calls return the first result.
func (a *AsyncGrower) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		a.closed.Store(true)
		if err := a.queue.Shutdown(ctx); err != nil {
			a.shutdownErr = errm.Wrap(err, "shutdown queue")
		}
	})
	return a.shutdownErr
}

func growthQueueName(user UserID, chat ChatRef) string {
	return strconv.FormatInt(int64(user), 10) + "|" + chat.Key()
}
