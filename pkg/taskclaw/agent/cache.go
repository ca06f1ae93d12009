package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jholhewres/taskclaw/pkg/taskclaw/skills"
)

// Handle is the live agent of one user. It is owned by the Cache.
type Handle struct {
	UserID      string
	Fingerprint string
	Skills      []string
	CreatedAt   time.Time

	instance Instance
}

// Invoke runs one request on the handle's instance.
func (h *Handle) Invoke(ctx context.Context, req Request) (*Response, error) {
	return h.instance.Invoke(ctx, req)
}

// Cache maps user id to a live Handle. Construction is single-flight per
// user and snapshot: concurrent callers share one build.
type Cache struct {
	runtime   Runtime
	workspace func(userID string) string
	logger    *slog.Logger

	mu      sync.Mutex
	handles map[string]*Handle
	group   singleflight.Group
	builds  int
}

// NewCache creates a cache. workspace maps a user id to its workspace dir.
func NewCache(runtime Runtime, workspace func(userID string) string, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		runtime:   runtime,
		workspace: workspace,
		logger:    logger.With("component", "agent-cache"),
		handles:   make(map[string]*Handle),
	}
}

// GetOrCreate returns the user's handle if its fingerprint matches snap,
// otherwise builds a new one and disposes of the old.
func (c *Cache) GetOrCreate(ctx context.Context, userID string, snap *skills.Snapshot) (*Handle, error) {
	if h := c.lookup(userID, snap.Fingerprint); h != nil {
		return h, nil
	}

	v, err, shared := c.group.Do(userID+"\x00"+snap.Fingerprint, func() (any, error) {
		if h := c.lookup(userID, snap.Fingerprint); h != nil {
			return h, nil
		}
		return c.build(ctx, userID, snap)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.Debug("shared handle construction", "user_id", userID)
	}
	return v.(*Handle), nil
}

func (c *Cache) lookup(userID, fingerprint string) *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h := c.handles[userID]; h != nil && h.Fingerprint == fingerprint {
		return h
	}
	return nil
}

func (c *Cache) build(ctx context.Context, userID string, snap *skills.Snapshot) (*Handle, error) {
	binding := Binding{
		UserID:  userID,
		WorkDir: c.workspace(userID),
		Env:     snap.Env(),
		Skills:  append([]string(nil), snap.Skills...),
	}
	inst, err := c.runtime.Start(ctx, binding)
	if err != nil {
		return nil, fmt.Errorf("starting %s agent for %s: %w", c.runtime.Name(), userID, err)
	}

	h := &Handle{
		UserID:      userID,
		Fingerprint: snap.Fingerprint,
		Skills:      binding.Skills,
		CreatedAt:   time.Now(),
		instance:    inst,
	}

	c.mu.Lock()
	old := c.handles[userID]
	c.handles[userID] = h
	c.builds++
	c.mu.Unlock()

	if old != nil {
		c.dispose(old, "snapshot changed")
	}
	c.logger.Info("agent handle created", "user_id", userID, "skills", len(binding.Skills))
	return h, nil
}

// Invalidate drops the user's handle. The next GetOrCreate rebuilds it.
func (c *Cache) Invalidate(userID string, reason string) {
	c.mu.Lock()
	old := c.handles[userID]
	delete(c.handles, userID)
	c.mu.Unlock()

	if old != nil {
		c.dispose(old, reason)
	}
}

// Len returns the number of live handles.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handles)
}

// Builds returns how many handles have been constructed.
func (c *Cache) Builds() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.builds
}

// Close disposes of every handle.
func (c *Cache) Close() {
	c.mu.Lock()
	all := c.handles
	c.handles = make(map[string]*Handle)
	c.mu.Unlock()

	for _, h := range all {
		c.dispose(h, "shutdown")
	}
}

func (c *Cache) dispose(h *Handle, reason string) {
	if err := h.instance.Close(); err != nil {
		c.logger.Warn("closing agent handle", "user_id", h.UserID, "error", err)
	}
	c.logger.Debug("agent handle disposed", "user_id", h.UserID, "reason", reason)
}
