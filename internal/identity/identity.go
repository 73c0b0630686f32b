// Package identity maps chat transport user ids to task owners.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kalambet/remindme/internal/storage"
)

// ErrUnknownOwner is returned when a chat id is not linked to any user.
var ErrUnknownOwner = errors.New("unknown owner")

// DefaultCacheSize bounds the chat id -> owner cache.
const DefaultCacheSize = 1024

// Store is the user persistence the Resolver reads and writes.
type Store interface {
	GetUserByChatID(chatID string) (storage.User, error)
	CreateUser(u storage.User) (int64, error)
}

// Resolver looks up owners by chat id. Hits are cached; misses are not, so
// a user linked later is found on the next message.
type Resolver struct {
	store Store
	cache *lru.Cache[string, int64]
	mu    sync.Mutex
}

// NewResolver creates a Resolver. A cacheSize <= 0 uses DefaultCacheSize.
func NewResolver(store Store, cacheSize int) (*Resolver, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, int64](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating owner cache: %w", err)
	}
	return &Resolver{store: store, cache: cache}, nil
}

// ResolveOwner returns the owner id linked to chatID.
func (r *Resolver) ResolveOwner(_ context.Context, chatID string) (int64, error) {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return 0, ErrUnknownOwner
	}
	if id, ok := r.cache.Get(chatID); ok {
		return id, nil
	}
	u, err := r.store.GetUserByChatID(chatID)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, ErrUnknownOwner
	}
	if err != nil {
		return 0, fmt.Errorf("looking up chat %s: %w", chatID, err)
	}
	r.cache.Add(chatID, u.ID)
	return u.ID, nil
}

// Register links chatID to a new user, or returns the existing owner if the
// chat is already linked. timezone may be empty.
func (r *Resolver) Register(ctx context.Context, chatID, name, timezone string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, err := r.ResolveOwner(ctx, chatID)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, ErrUnknownOwner) {
		return 0, err
	}
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return 0, errors.New("chat id is required")
	}
	if timezone != "" {
		if _, err := time.LoadLocation(timezone); err != nil {
			return 0, fmt.Errorf("timezone %q: %w", timezone, err)
		}
	}

	id, err = r.store.CreateUser(storage.User{ChatID: chatID, Name: name, Timezone: timezone})
	if err != nil {
		return 0, fmt.Errorf("registering chat %s: %w", chatID, err)
	}
	r.cache.Add(chatID, id)
	return id, nil
}
