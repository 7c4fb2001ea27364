package credential

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Provider obtains a new credential, typically through federation.
type Provider interface {
	RequestCredential(ctx context.Context) (*Credential, error)
}

// Mode selects how a Cache obtains credentials. It is either Static or Federated.
type Mode interface {
	isMode()
}

// Static serves a fixed credential. A nil Credential means anonymous access.
type Static struct {
	Credential *Credential
}

func (Static) isMode() {}

// Federated exchanges identity tokens for temporary credentials.
type Federated struct {
	// Provider performs the exchange.
	Provider Provider

	// Tokens supplies the identity token; it is renewed before every exchange.
	Tokens TokenSource

	// Identity scopes the cache slot.
	Identity Identity

	// Store persists credentials for the session. Defaults to a MemoryStore.
	Store Store
}

func (Federated) isMode() {}

// Cache hands out credentials, renewing federated ones when they age out.
//
// Concurrent renewals for the same Identity are coalesced: callers arriving
// while a renewal is in flight wait for it and receive the same credential.
// A renewal that straddles Clear or Invalidate is discarded and re-run, so a
// credential acquired for the previous scope is never stored or handed out.
type Cache struct {
	mode   Mode
	logger *zap.Logger
	now    func() time.Time
	flight singleflight.Group

	// mu orders store writes against scope changes; gen counts the changes.
	mu  sync.Mutex
	gen uint64
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCache returns a Cache for the given mode.
func NewCache(mode Mode, opts ...Option) (*Cache, error) {
	switch m := mode.(type) {
	case Static:
		if m.Credential != nil {
			if err := m.Credential.Validate(); err != nil {
				return nil, &ConfigurationError{Op: "NewCache", Message: err.Error()}
			}
			m.Credential = m.Credential.Clone()
			mode = m
		}
	case Federated:
		if m.Provider == nil {
			return nil, &ConfigurationError{Op: "NewCache", Message: "federation requires a provider"}
		}
		if m.Tokens == nil {
			return nil, &ConfigurationError{Op: "NewCache", Message: "federation requires an identity token source"}
		}
		if m.Store == nil {
			m.Store = NewMemoryStore()
			mode = m
		}
	default:
		return nil, &ConfigurationError{Op: "NewCache", Message: fmt.Sprintf("unsupported mode %T", mode)}
	}

	c := &Cache{mode: mode, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Federated reports whether the cache renews credentials through federation.
func (c *Cache) Federated() bool {
	_, ok := c.mode.(Federated)
	return ok
}

// Key returns the cache slot key, or "" for static credentials.
func (c *Cache) Key() string {
	if f, ok := c.mode.(Federated); ok {
		return f.Identity.Key()
	}
	return ""
}

// GetCredential returns the current credential. It returns nil for anonymous access.
//
// With forceRenew, federated credentials are re-acquired regardless of freshness.
// Requesting renewal of a static credential is a ConfigurationError.
func (c *Cache) GetCredential(ctx context.Context, forceRenew bool) (*Credential, error) {
	switch m := c.mode.(type) {
	case Static:
		if forceRenew {
			return nil, &ConfigurationError{Op: "GetCredential", Message: "static credentials cannot be renewed"}
		}
		return m.Credential.Clone(), nil
	case Federated:
		return c.federated(ctx, m, forceRenew)
	default:
		return nil, &ConfigurationError{Op: "GetCredential", Message: fmt.Sprintf("unsupported mode %T", c.mode)}
	}
}

// Invalidate drops the cached credential so the next call renews it.
// Invalidating a static credential is a ConfigurationError.
func (c *Cache) Invalidate(context.Context) error {
	f, ok := c.mode.(Federated)
	if !ok {
		return &ConfigurationError{Op: "Invalidate", Message: "static credentials cannot be invalidated"}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	return f.Store.Delete(f.Identity.Key())
}

// Clear removes every credential held by the session store. It is the response
// to a context switch, such as a change in the user's accessible projects.
// Static caches hold nothing and return nil.
func (c *Cache) Clear(context.Context) error {
	f, ok := c.mode.(Federated)
	if !ok {
		return nil
	}
	c.logger.Debug("Clearing cached storage credentials")
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	return f.Store.Clear()
}

func (c *Cache) federated(ctx context.Context, f Federated, forceRenew bool) (*Credential, error) {
	key := f.Identity.Key()

	if !forceRenew {
		if cred := c.loadFresh(f, key); cred != nil {
			return cred, nil
		}
	}

	flightKey := key
	if forceRenew {
		flightKey += "#force"
	}

	// The renewal outlives any single caller's cancellation because other callers may share it.
	ch := c.flight.DoChan(flightKey, func() (any, error) {
		if !forceRenew {
			if cred := c.loadFresh(f, key); cred != nil {
				return cred, nil
			}
		}
		rctx := context.WithoutCancel(ctx)
		for {
			cred, stale, err := c.renew(rctx, f, key)
			if !stale {
				return cred, err
			}
			c.logger.Debug("Discarding storage credential renewed across a cache clear", zap.String("key", key))
		}
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Credential).Clone(), nil
	}
}

func (c *Cache) loadFresh(f Federated, key string) *Credential {
	cred, err := f.Store.Load(key)
	if err != nil {
		c.logger.Warn("Failed to load cached storage credential", zap.Error(err))
		return nil
	}
	if cred == nil || !cred.FreshAt(c.now()) {
		return nil
	}
	return cred
}

// renew acquires and stores a new credential. stale is true when the cache was
// cleared or invalidated while the exchange ran; the credential is then dropped.
func (c *Cache) renew(ctx context.Context, f Federated, key string) (cred *Credential, stale bool, err error) {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()

	// The identity token bounds the federation window, so refresh it first.
	if err := f.Tokens.RenewTokens(ctx); err != nil {
		return nil, false, fmt.Errorf("renew identity token: %w", err)
	}

	cred, err = f.Provider.RequestCredential(ctx)
	if err != nil {
		return nil, false, err
	}
	if err := cred.Validate(); err != nil {
		return nil, false, err
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return nil, true, nil
	}
	if err := f.Store.Save(key, cred); err != nil {
		c.logger.Warn("Failed to store storage credential", zap.String("key", key), zap.Error(err))
	}
	c.mu.Unlock()

	c.logger.Info("Renewed storage credential",
		zap.String("key", key),
		zap.Time("expiration", cred.Expiration),
		zap.Duration("ttl", cred.TTL()))

	return cred, false, nil
}
