package agent

import (
	"context"
	"sort"
	"sync"

	"github.com/rahul/stepwise/internal/store"
)

// ConversationCache keeps conversation states in memory and writes the
// whole map through to the repository on every change.
type ConversationCache struct {
	repo   *store.Repository
	mu     sync.Mutex
	states map[string]store.ConversationState
}

func NewConversationCache(repo *store.Repository) *ConversationCache {
	return &ConversationCache{repo: repo, states: make(map[string]store.ConversationState)}
}

// Hydrate replaces the cache with what is persisted.
func (c *ConversationCache) Hydrate(ctx context.Context) error {
	states, err := c.repo.ConversationStates(ctx)
	if err != nil {
		return err
	}
	if states == nil {
		states = make(map[string]store.ConversationState)
	}
	c.mu.Lock()
	c.states = states
	c.mu.Unlock()
	return nil
}

func (c *ConversationCache) Get(id string) (store.ConversationState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.states[id]
	if ok {
		s.Messages = append([]store.Message(nil), s.Messages...)
	}
	return s, ok
}

// Save stamps and persists s. The cache changes only once the write
// succeeded.
func (c *ConversationCache) Save(ctx context.Context, s store.ConversationState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s.UpdatedAt = c.repo.Now()
	next := c.clone()
	next[s.ID] = s
	if err := c.repo.SaveConversationStates(ctx, next); err != nil {
		return err
	}
	c.states = next
	return nil
}

// Delete removes the conversation. Unknown ids are ignored.
func (c *ConversationCache) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.states[id]; !ok {
		return nil
	}
	next := c.clone()
	delete(next, id)
	if err := c.repo.SaveConversationStates(ctx, next); err != nil {
		return err
	}
	c.states = next
	return nil
}

// Active lists conversations with an execution in flight on tabID, oldest
// first. An empty tabID matches every tab.
func (c *ConversationCache) Active(tabID string) []store.ConversationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []store.ConversationState
	for _, s := range c.states {
		if s.IsActive && (tabID == "" || s.TabID == tabID) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out
}

func (c *ConversationCache) clone() map[string]store.ConversationState {
	next := make(map[string]store.ConversationState, len(c.states)+1)
	for k, v := range c.states {
		next[k] = v
	}
	return next
}
