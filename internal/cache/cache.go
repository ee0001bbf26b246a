// Package cache tracks which scopes need a new matching pass.
//
// A key is stale when something that can change the outcome of a pass has
// happened since the last pass finished. Keys never seen before are stale, so
// the first pass in a fresh process always runs.
package cache

import (
	"context"
	"sync"
	"time"

	"golang-bankmatch-service/internal/models"
	"golang-bankmatch-service/pkg/errors"
)

// Kind names one reason a scope may need recomputation.
type Kind string

const (
	KindRuleApply         Kind = "rule-apply"
	KindLedgerMatch       Kind = "ledger-match"
	KindDepositMatch      Kind = "deposit-match"
	KindTransactionIntake Kind = "transaction-intake"
)

// AllKinds lists every kind a pass clears.
var AllKinds = []Kind{KindRuleApply, KindLedgerMatch, KindDepositMatch, KindTransactionIntake}

// Key identifies one staleness flag.
type Key struct {
	Kind  Kind
	Scope string
}

func (k Key) String() string { return string(k.Kind) + "/" + k.Scope }

// Cache stores staleness flags.
type Cache interface {
	MarkStale(ctx context.Context, key Key) error
	IsStale(ctx context.Context, key Key) (bool, error)
	ClearStale(ctx context.Context, key Key) error
}

// KeysFor returns every key of scope.
func KeysFor(scope string) []Key {
	keys := make([]Key, len(AllKinds))
	for i, k := range AllKinds {
		keys[i] = Key{Kind: k, Scope: scope}
	}
	return keys
}

// MarkScope marks the given kinds of scope stale. With no kinds, every kind
// is marked.
func MarkScope(ctx context.Context, c Cache, scope string, kinds ...Kind) error {
	if len(kinds) == 0 {
		kinds = AllKinds
	}
	for _, k := range kinds {
		if err := c.MarkStale(ctx, Key{Kind: k, Scope: scope}); err != nil {
			return err
		}
	}
	return nil
}

// AnyStale reports whether any key of scope is stale.
func AnyStale(ctx context.Context, c Cache, scope string) (bool, error) {
	for _, key := range KeysFor(scope) {
		stale, err := c.IsStale(ctx, key)
		if err != nil {
			return false, err
		}
		if stale {
			return true, nil
		}
	}
	return false, nil
}

// ClearScope clears every key of scope.
func ClearScope(ctx context.Context, c Cache, scope string) error {
	for _, key := range KeysFor(scope) {
		if err := c.ClearStale(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// MemoryCache keeps flags in process memory.
type MemoryCache struct {
	mu    sync.RWMutex
	flags map[Key]bool
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{flags: make(map[Key]bool)}
}

func (c *MemoryCache) MarkStale(_ context.Context, key Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flags[key] = true
	return nil
}

func (c *MemoryCache) IsStale(_ context.Context, key Key) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stale, seen := c.flags[key]
	return stale || !seen, nil
}

func (c *MemoryCache) ClearStale(_ context.Context, key Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flags[key] = false
	return nil
}

// FlagStore is the persistence PersistentCache needs.
type FlagStore interface {
	GetCacheFlag(ctx context.Context, kind, scope string) (*models.CacheFlag, error)
	PutCacheFlag(ctx context.Context, flag *models.CacheFlag) error
}

// PersistentCache keeps flags in the database so that a restarted process
// does not redo passes for scopes that were already clean.
type PersistentCache struct {
	store FlagStore
}

func NewPersistentCache(store FlagStore) *PersistentCache {
	return &PersistentCache{store: store}
}

func (c *PersistentCache) MarkStale(ctx context.Context, key Key) error {
	return c.put(ctx, key, true)
}

func (c *PersistentCache) ClearStale(ctx context.Context, key Key) error {
	return c.put(ctx, key, false)
}

func (c *PersistentCache) IsStale(ctx context.Context, key Key) (bool, error) {
	flag, err := c.store.GetCacheFlag(ctx, string(key.Kind), key.Scope)
	if errors.IsNotFound(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return flag.Stale, nil
}

func (c *PersistentCache) put(ctx context.Context, key Key, stale bool) error {
	return c.store.PutCacheFlag(ctx, &models.CacheFlag{
		Kind:      string(key.Kind),
		Scope:     key.Scope,
		Stale:     stale,
		UpdatedAt: time.Now().UTC(),
	})
}
