package grower

import (
	"strconv"
	"strings"
	"time"

	"github.com/maxbolgarin/errm"
	"github.com/maxbolgarin/lang"
	"github.com/maypok86/otter"
	tele "gopkg.in/telebot.v4"
)

const (
	chatIDKeyPrefix       = "id:"
	chatInstanceKeyPrefix = "inst:"

	defaultAliasesCapacity = 100_000
	defaultAliasesTTL      = 7 * 24 * time.Hour
)

// ChatRef points to a chat either by its Telegram ID or by a chat instance.
// Chat instance is an opaque string Telegram sends in callbacks from inline messages,
// where the chat ID is not available.
type ChatRef struct {
	ID       int64
	Instance string
}

// ChatByID returns a reference to the chat with the provided ID.
func ChatByID(id int64) ChatRef {
	return ChatRef{ID: id}
}

// ChatByInstance returns a reference to the chat with the provided chat instance.
func ChatByInstance(instance string) ChatRef {
	return ChatRef{Instance: instance}
}

// IsEmpty returns true if the reference points nowhere.
func (c ChatRef) IsEmpty() bool {
	return c.ID == 0 && c.Instance == ""
}

// Key returns the storage key of the chat. ID takes precedence over instance.
func (c ChatRef) Key() string {
	switch {
	case c.ID != 0:
		return chatIDKeyPrefix + strconv.FormatInt(c.ID, 10)
	case c.Instance != "":
		return chatInstanceKeyPrefix + c.Instance
	default:
		return ""
	}
}

func (c ChatRef) String() string {
	return lang.Check(c.Key(), "[EMPTY]")
}

// ParseChatKey converts a storage key back into [ChatRef].
func ParseChatKey(key string) (ChatRef, error) {
	switch {
	case strings.HasPrefix(key, chatIDKeyPrefix):
		id, err := strconv.ParseInt(strings.TrimPrefix(key, chatIDKeyPrefix), 10, 64)
		if err != nil {
			return ChatRef{}, errm.Wrap(err, "parse chat id")
		}
		return ChatByID(id), nil
	case strings.HasPrefix(key, chatInstanceKeyPrefix):
		return ChatByInstance(strings.TrimPrefix(key, chatInstanceKeyPrefix)), nil
	default:
		return ChatRef{}, errm.New("unknown chat key format")
	}
}

// ChatRefFromUpdate extracts the chat of the update.
// It returns an empty reference for updates without a chat (e.g. inline queries).
func ChatRefFromUpdate(upd *tele.Update) ChatRef {
	switch {
	case upd == nil:
		return ChatRef{}
	case upd.Callback != nil:
		ref := ChatByInstance(upd.Callback.ChatInstance)
		if msg := upd.Callback.Message; msg != nil && msg.Chat != nil {
			ref.ID = msg.Chat.ID
		}
		return ref
	case upd.Message != nil && upd.Message.Chat != nil:
		return ChatByID(upd.Message.Chat.ID)
	case upd.EditedMessage != nil && upd.EditedMessage.Chat != nil:
		return ChatByID(upd.EditedMessage.Chat.ID)
	case upd.MyChatMember != nil && upd.MyChatMember.Chat != nil:
		return ChatByID(upd.MyChatMember.Chat.ID)
	default:
		return ChatRef{}
	}
}

// ChatAliases remembers which chat ID stands behind a chat instance.
// A mapping never changes once learned. Aliases live in memory only, after restart
// instance-only references are stored under their instance key until learned again,
// [Ledger.ChatFromUpdate] merges such records when chats merging is enabled.
type ChatAliases struct {
	cache otter.Cache[string, int64]
}

// NewChatAliases creates an aliases cache. Zero capacity and TTL mean defaults.
func NewChatAliases(capacity int, ttl time.Duration) (*ChatAliases, error) {
	capacity = lang.Check(capacity, defaultAliasesCapacity)
	c, err := otter.MustBuilder[string, int64](capacity).
		WithTTL(lang.Check(ttl, defaultAliasesTTL)).
		Build()
	if err != nil {
		return nil, errm.Wrap(err, "build aliases cache")
	}
	return &ChatAliases{cache: c}, nil
}

// Learn stores a link between the chat instance and the chat ID.
// It returns false if the instance is already known or the pair is incomplete.
func (a *ChatAliases) Learn(instance string, chatID int64) bool {
	if instance == "" || chatID == 0 {
		return false
	}
	return a.cache.SetIfAbsent(instance, chatID)
}

// Resolve replaces a known chat instance with the chat ID.
func (a *ChatAliases) Resolve(ref ChatRef) ChatRef {
	if ref.ID != 0 || ref.Instance == "" {
		return ref
	}
	if id, found := a.cache.Get(ref.Instance); found {
		ref.ID = id
	}
	return ref
}

// FromUpdate extracts the chat of the update, learning and resolving aliases on the way.
// Use [Ledger.ChatFromUpdate] to merge growth recorded before an alias was learned.
func (a *ChatAliases) FromUpdate(upd *tele.Update) ChatRef {
	ref, _ := a.fromUpdate(upd)
	return ref
}

func (a *ChatAliases) fromUpdate(upd *tele.Update) (ChatRef, bool) {
	ref := ChatRefFromUpdate(upd)
	if ref.ID != 0 {
		return ref, a.Learn(ref.Instance, ref.ID)
	}
	return a.Resolve(ref), false
}

func (a *ChatAliases) forget(instance string) {
	a.cache.Delete(instance)
}

// Len returns the number of known aliases.
func (a *ChatAliases) Len() int {
	return a.cache.Size()
}

// Close stops background goroutines of the cache.
func (a *ChatAliases) Close() {
	a.cache.Close()
}
