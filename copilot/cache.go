package copilot

import (
	"sync"
	"time"
)

// maxCachedHistoryMessages caps the per-user in-memory message list.
const maxCachedHistoryMessages = 6

// CooldownCache tracks the last handled message time per key
// (user or guild ID), enforcing a minimum interval between messages.
type CooldownCache struct {
	mu       sync.Mutex
	lastSeen map[string]time.Time
	interval time.Duration
}

func NewCooldownCache(interval time.Duration) *CooldownCache {
	return &CooldownCache{
		lastSeen: map[string]time.Time{},
		interval: interval,
	}
}

// Check reports whether the key is currently cooling down, and the
// time remaining if so.
func (c *CooldownCache) Check(key string) (bool, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	last, ok := c.lastSeen[key]
	if !ok {
		return false, 0
	}
	elapsed := time.Since(last)
	if elapsed >= c.interval {
		return false, 0
	}
	return true, c.interval - elapsed
}

// Update records the key as seen now.
func (c *CooldownCache) Update(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeen[key] = time.Now()
}

// Reset discards all cooldown state.
func (c *CooldownCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeen = map[string]time.Time{}
}

// CachedMessage is one entry in a user's in-memory history.
type CachedMessage struct {
	Role    string
	Content string
}

// HistoryCache holds short per-user message lists in memory, used to
// carry immediate back-and-forth between messages without a database
// round trip. Entries are capped at maxCachedHistoryMessages, oldest
// dropped first.
type HistoryCache struct {
	mu       sync.Mutex
	messages map[string][]CachedMessage
}

func NewHistoryCache() *HistoryCache {
	return &HistoryCache{messages: map[string][]CachedMessage{}}
}

// Get returns a copy of the cached messages for the user.
func (h *HistoryCache) Get(userID string) []CachedMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	cached := h.messages[userID]
	if len(cached) == 0 {
		return nil
	}
	out := make([]CachedMessage, len(cached))
	copy(out, cached)
	return out
}

// Append adds messages to the user's cached history, trimming to the
// cap.
func (h *HistoryCache) Append(userID string, messages ...CachedMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	updated := append(h.messages[userID], messages...)
	if len(updated) > maxCachedHistoryMessages {
		updated = updated[len(updated)-maxCachedHistoryMessages:]
	}
	h.messages[userID] = updated
}

// Reset discards all cached history.
func (h *HistoryCache) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = map[string][]CachedMessage{}
}
