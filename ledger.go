package grower

import (
	"context"
	"fmt"
	"time"

	"github.com/maxbolgarin/abstract"
	"github.com/maxbolgarin/errm"
	tele "gopkg.in/telebot.v4"
)

var (
	// ErrNotFound is returned when a growth record is not found.
	ErrNotFound = errm.New("not found")
	// ErrEmptyUserID is returned when user ID is zero.
	ErrEmptyUserID = errm.New("empty user id")
	// ErrEmptyChat is returned when chat reference is empty.
	ErrEmptyChat = errm.New("empty chat")
	// ErrNegativeDelta is returned when growth delta is negative.
	ErrNegativeDelta = errm.New("negative growth delta")
)

// UserID is a Telegram user ID.
type UserID int64

// GrowthRecord is an accumulated length of a user in a chat.
type GrowthRecord struct {
	UserID  UserID `bson:"uid" json:"uid" db:"uid"`
	ChatKey string `bson:"chat_key" json:"chat_key" db:"chat_key"`
	Length  int64  `bson:"length" json:"length" db:"length"`
}

// Chat returns a reference to the chat of the record.
func (r GrowthRecord) Chat() (ChatRef, error) {
	return ParseChatKey(r.ChatKey)
}

// PersonalStats is an aggregate over all growth records of a user.
type PersonalStats struct {
	// Chats is the number of chats where user has a record.
	Chats int64 `bson:"chats" json:"chats" db:"chats"`
	// MaxLength is the maximum length across all chats.
	MaxLength int64 `bson:"max_length" json:"max_length" db:"max_length"`
	// TotalLength is the sum of lengths across all chats.
	TotalLength int64 `bson:"total_length" json:"total_length" db:"total_length"`
}

// GrowthStorage is a durable storage of growth records.
// CreateOrGrow must be atomic for the same (user, chat) pair: implementations rely on
// a native upsert of the store, not on locks of the caller.
type GrowthStorage interface {
	// CreateOrGrow creates a record with length=delta or increments an existing one.
	// It returns the new length.
	CreateOrGrow(ctx context.Context, user UserID, chatKey string, delta int64) (int64, error)
	// Length returns the length of the user in the chat or ErrNotFound.
	Length(ctx context.Context, user UserID, chatKey string) (int64, error)
	// PersonalStats aggregates all records of the user. It returns zeros for unknown users.
	PersonalStats(ctx context.Context, user UserID) (PersonalStats, error)
	// Top returns up to limit records of the chat ordered by length desc, user asc.
	Top(ctx context.Context, chatKey string, limit int) ([]GrowthRecord, error)
	// MergeChats adds lengths of every record under fromKey to the records of the same
	// users under toKey and deletes the fromKey records. It returns the number of moved records.
	MergeChats(ctx context.Context, fromKey, toKey string) (int64, error)
	// Close releases storage resources.
	Close(ctx context.Context) error
}

// StorageError is returned when the storage fails to serve a request.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func newStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// Ledger records growth of users in chats.
type Ledger struct {
	db      GrowthStorage
	log     Logger
	metrics *ledgerMetrics

	queryTimeout time.Duration
	mergeChats   bool
}

// NewLedger creates a new [Ledger] on top of the storage.
func NewLedger(db GrowthStorage, optsFuncs ...func(*Options)) *Ledger {
	opts := prepareOpts(optsFuncs...)
	return &Ledger{
		db:      db,
		log:     opts.Logger,
		metrics: newLedgerMetrics(opts.Metrics),

		queryTimeout: opts.QueryTimeout,
		mergeChats:   opts.ChatsMerging,
	}
}

// CreateOrGrow adds delta to the length of the user in the chat, creating the record if needed.
// It returns the new length. Negative deltas are rejected, zero delta creates an empty record.
// Storage failures are returned as [*StorageError].
func (l *Ledger) CreateOrGrow(ctx context.Context, user UserID, chat ChatRef, delta int64) (int64, error) {
	if err := validateGrowth(user, chat, delta); err != nil {
		return 0, err
	}

	ctx, cancel := withQueryTimeout(ctx, l.queryTimeout)
	defer cancel()

	tm := abstract.StartTimer()
	length, err := l.db.CreateOrGrow(ctx, user, chat.Key(), delta)
	l.metrics.observeCall(MetricsOpCreateOrGrow, tm.ElapsedTime(), err)
	if err != nil {
		l.log.Error("cannot grow", "error", err, "user_id", user, "chat", chat.String(), "delta", delta)
		return 0, newStorageError(MetricsOpCreateOrGrow, err)
	}
	l.metrics.observeGrowth(delta)

	l.log.Debug("grown", "user_id", user, "chat", chat.String(), "delta", delta, "length", length)

	return length, nil
}

// Length returns the current length of the user in the chat.
// It returns zero without error if the user has never grown in the chat.
func (l *Ledger) Length(ctx context.Context, user UserID, chat ChatRef) (int64, error) {
	if err := validateGrowth(user, chat, 0); err != nil {
		return 0, err
	}

	ctx, cancel := withQueryTimeout(ctx, l.queryTimeout)
	defer cancel()

	tm := abstract.StartTimer()
	length, err := l.db.Length(ctx, user, chat.Key())
	switch {
	case errm.Is(err, ErrNotFound):
		l.metrics.observeCall(MetricsOpLength, tm.ElapsedTime(), nil)
		return 0, nil
	case err != nil:
		l.metrics.observeCall(MetricsOpLength, tm.ElapsedTime(), err)
		return 0, newStorageError(MetricsOpLength, err)
	}
	l.metrics.observeCall(MetricsOpLength, tm.ElapsedTime(), nil)

	return length, nil
}

// MergeChats moves growth recorded under the chat instance into the chat with the ID.
// Users that have records under both get the sum of lengths in a single record.
// It returns the number of moved records.
func (l *Ledger) MergeChats(ctx context.Context, instance string, chatID int64) (int64, error) {
	if instance == "" || chatID == 0 {
		return 0, ErrEmptyChat
	}
	from, to := ChatByInstance(instance), ChatByID(chatID)

	ctx, cancel := withQueryTimeout(ctx, l.queryTimeout)
	defer cancel()

	tm := abstract.StartTimer()
	moved, err := l.db.MergeChats(ctx, from.Key(), to.Key())
	l.metrics.observeCall(MetricsOpMergeChats, tm.ElapsedTime(), err)
	if err != nil {
		l.log.Error("cannot merge chats", "error", err, "from", from.String(), "to", to.String())
		return 0, newStorageError(MetricsOpMergeChats, err)
	}

	l.log.Info("chats merged", "from", from.String(), "to", to.String(), "records", moved)

	return moved, nil
}

// ChatFromUpdate extracts the chat of the update and resolves it through aliases.
// If chats merging is enabled and the update reveals a new alias, records stored under
// the chat instance are merged into the chat ID. A failed merge forgets the alias,
// so the next update with both values retries it.
func (l *Ledger) ChatFromUpdate(ctx context.Context, aliases *ChatAliases, upd *tele.Update) (ChatRef, error) {
	ref, learned := aliases.fromUpdate(upd)
	if !learned || !l.mergeChats {
		return ref, nil
	}

	if _, err := l.MergeChats(ctx, ref.Instance, ref.ID); err != nil {
		aliases.forget(ref.Instance)
		return ref, err
	}

	return ref, nil
}

func validateGrowth(user UserID, chat ChatRef, delta int64) error {
	switch {
	case user == 0:
		return ErrEmptyUserID
	case chat.IsEmpty():
		return ErrEmptyChat
	case delta < 0:
		return ErrNegativeDelta
	}
	return nil
}

func withQueryTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
