package agent

import (
	"context"
	"time"

	"github.com/rahul/stepwise/internal/executor"
	"github.com/rahul/stepwise/internal/observability"
	"github.com/rahul/stepwise/internal/store"
)

// UI is whatever surface displays a conversation to the user.
type UI interface {
	Restore(ctx context.Context, state store.ConversationState) error
}

// Resumer redisplays conversations that were mid-execution when their tab
// finished loading a new document.
type Resumer struct {
	convs    *ConversationCache
	ui       UI
	logger   *observability.Logger
	attempts int
	interval time.Duration
}

func NewResumer(convs *ConversationCache, ui UI, logger *observability.Logger) *Resumer {
	return &Resumer{
		convs:    convs,
		ui:       ui,
		logger:   observability.OrNop(logger),
		attempts: 5,
		interval: time.Second,
	}
}

// WithRetry overrides the restore attempts and spacing.
func (r *Resumer) WithRetry(attempts int, interval time.Duration) *Resumer {
	if attempts > 0 {
		r.attempts = attempts
	}
	if interval >= 0 {
		r.interval = interval
	}
	return r
}

// OnTabLoaded restores every active conversation owned by tabID and
// returns the ids it restored.
func (r *Resumer) OnTabLoaded(ctx context.Context, tabID string) []string {
	var restored []string
	for _, state := range r.convs.Active(tabID) {
		if r.restore(ctx, state) {
			restored = append(restored, state.ID)
		}
	}
	return restored
}

func (r *Resumer) restore(ctx context.Context, state store.ConversationState) bool {
	for attempt := 1; attempt <= r.attempts; attempt++ {
		err := r.ui.Restore(ctx, state)
		if err == nil {
			r.logger.LogConversation(state.ID, string(state.Phase), "restored")
			return true
		}
		r.logger.Warnf("restore conversation %s (attempt %d/%d): %v", state.ID, attempt, r.attempts, err)
		if attempt < r.attempts && executor.Sleep(ctx, r.interval) != nil {
			return false
		}
	}
	return false
}
