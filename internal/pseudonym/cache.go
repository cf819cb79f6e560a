// Package pseudonym resolves per-(group, user) anonymous display names with
// TTL caching, offline fallback generation, and background reconciliation.
package pseudonym

import (
	"context"
	"sync"
	"time"

	"github.com/murmurapp/murmur/internal/store"
	"go.uber.org/zap"
)

const (
	// Entries older than this are stale in both tiers.
	defaultTTL = 24 * time.Hour
	// Bound on a remote issuance call.
	defaultIssueTimeout = 3 * time.Second
)

// Issuer obtains authoritative pseudonyms from the backend.
type Issuer interface {
	IssuePseudonym(ctx context.Context, groupID, userID string) (string, error)
	// SyncPseudonym publishes a locally generated name so other devices
	// converge on it.
	SyncPseudonym(ctx context.Context, groupID, userID, pseudonym string) error
}

type entry struct {
	name      string
	fetchedAt time.Time
}

// Cache resolves pseudonyms. Resolve never fails: resolution falls through
// memory, the durable store, the backend, and finally local generation.
type Cache struct {
	db     *store.DB
	issuer Issuer
	logger *zap.Logger

	ttl          time.Duration
	issueTimeout time.Duration

	mu       sync.Mutex
	entries  map[string]entry
	inflight map[string]struct{} // per-key refresh dedup
}

// NewCache creates a pseudonym cache.
func NewCache(db *store.DB, issuer Issuer, logger *zap.Logger) *Cache {
	return &Cache{
		db:           db,
		issuer:       issuer,
		logger:       logger,
		ttl:          defaultTTL,
		issueTimeout: defaultIssueTimeout,
		entries:      make(map[string]entry),
		inflight:     make(map[string]struct{}),
	}
}

// Resolve returns the pseudonym for a (group, user) pair. Stale in-memory
// entries are served immediately while a background refresh runs at most
// once per key.
func (c *Cache) Resolve(ctx context.Context, groupID, userID string) string {
	key := groupID + "\x00" + userID
	now := time.Now()

	c.mu.Lock()
	cached, hasMem := c.entries[key]
	c.mu.Unlock()

	if hasMem && now.Sub(cached.fetchedAt) < c.ttl {
		return cached.name
	}

	// Durable tier; entries are promoted to memory. A stale stored name is
	// still served: it may be backend-issued, and a blocking re-issue that
	// fails would clobber it with a generated one.
	if stored, err := c.db.GetPseudonym(groupID, userID); err == nil && stored != nil {
		fetchedAt := time.UnixMilli(stored.FetchedAt)
		c.put(key, stored.Pseudonym, fetchedAt)
		if now.Sub(fetchedAt) >= c.ttl {
			c.refreshAsync(key, groupID, userID)
		}
		return stored.Pseudonym
	}

	if hasMem {
		// Stale-while-revalidate: serve what we have, refresh behind it.
		c.refreshAsync(key, groupID, userID)
		return cached.name
	}

	return c.fetchOrGenerate(ctx, key, groupID, userID)
}

// fetchOrGenerate calls the backend with a bounded timeout and falls back to
// deterministic local generation on any failure.
func (c *Cache) fetchOrGenerate(ctx context.Context, key, groupID, userID string) string {
	issueCtx, cancel := context.WithTimeout(ctx, c.issueTimeout)
	defer cancel()

	name, err := c.issuer.IssuePseudonym(issueCtx, groupID, userID)
	if err == nil && name != "" {
		c.persist(key, groupID, userID, name)
		return name
	}

	name = generate(groupID, userID)
	c.logger.Info("pseudonym generated locally",
		zap.String("group_id", groupID), zap.String("user_id", userID), zap.Error(err))
	c.persist(key, groupID, userID, name)

	// Publish the generated name so other devices resolve the same one.
	// Failures are swallowed.
	go func() {
		syncCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.issuer.SyncPseudonym(syncCtx, groupID, userID, name); err != nil {
			c.logger.Debug("pseudonym sync failed", zap.String("group_id", groupID), zap.Error(err))
		}
	}()
	return name
}

// refreshAsync starts at most one background refresh per key.
func (c *Cache) refreshAsync(key, groupID, userID string) {
	c.mu.Lock()
	if _, busy := c.inflight[key]; busy {
		c.mu.Unlock()
		return
	}
	c.inflight[key] = struct{}{}
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.inflight, key)
			c.mu.Unlock()
		}()

		issueCtx, cancel := context.WithTimeout(context.Background(), c.issueTimeout)
		defer cancel()
		name, err := c.issuer.IssuePseudonym(issueCtx, groupID, userID)
		if err != nil || name == "" {
			// Keep serving the stale entry; the next stale read retries.
			c.logger.Debug("pseudonym refresh failed", zap.String("group_id", groupID), zap.Error(err))
			return
		}
		c.persist(key, groupID, userID, name)
	}()
}

func (c *Cache) persist(key, groupID, userID, name string) {
	now := time.Now()
	c.put(key, name, now)
	if err := c.db.PutPseudonym(&store.PseudonymEntry{
		GroupID:   groupID,
		UserID:    userID,
		Pseudonym: name,
		FetchedAt: now.UnixMilli(),
	}); err != nil {
		c.logger.Warn("pseudonym persist failed", zap.String("group_id", groupID), zap.Error(err))
	}
}

func (c *Cache) put(key, name string, fetchedAt time.Time) {
	c.mu.Lock()
	c.entries[key] = entry{name: name, fetchedAt: fetchedAt}
	c.mu.Unlock()
}
