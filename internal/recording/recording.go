// Package recording owns the per-tab recording buffers. The in-memory map
// is a process-scoped cache: Hydrate loads it at startup and every mutation
// writes the whole map back through the repository.
package recording

import (
	"context"
	"strings"
	"sync"

	"github.com/rahul/stepwise/internal/fault"
	"github.com/rahul/stepwise/internal/observability"
	"github.com/rahul/stepwise/internal/store"
)

type Manager struct {
	repo    *store.Repository
	logger  *observability.Logger
	mu      sync.Mutex
	buffers map[string]store.RecordingBuffer
}

func NewManager(repo *store.Repository, logger *observability.Logger) *Manager {
	return &Manager{
		repo:    repo,
		logger:  observability.OrNop(logger),
		buffers: make(map[string]store.RecordingBuffer),
	}
}

// Hydrate replaces the cache with the persisted buffers.
func (m *Manager) Hydrate(ctx context.Context) error {
	buffers, err := m.repo.RecordingBuffers(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buffers = buffers
	if m.buffers == nil {
		m.buffers = make(map[string]store.RecordingBuffer)
	}
	return nil
}

// Start begins a user recording on tabID. An existing user buffer is kept
// and reused; a buffer owned by the agent is never taken over.
func (m *Manager) Start(ctx context.Context, tabID string) (store.RecordingBuffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if buf, ok := m.buffers[tabID]; ok {
		if buf.Source != store.SourceUser {
			return store.RecordingBuffer{}, fault.New(fault.RecordingActive, "tab %s is already recording for the assistant", tabID)
		}
		return buf, nil
	}
	buf := store.RecordingBuffer{TabID: tabID, Source: store.SourceUser, Steps: []store.Step{}, StartedAt: m.repo.Now()}
	if err := m.put(ctx, buf); err != nil {
		return store.RecordingBuffer{}, err
	}
	m.logger.LogRecording(tabID, "start", 0)
	return buf, nil
}

// Open creates a fresh buffer for an agent execution. It refuses when the
// tab already has a buffer of either kind.
func (m *Manager) Open(ctx context.Context, tabID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.buffers[tabID]; ok {
		return fault.New(fault.RecordingActive, "tab %s is already recording; stop or discard it first", tabID)
	}
	buf := store.RecordingBuffer{TabID: tabID, Source: store.SourceAgent, Steps: []store.Step{}, StartedAt: m.repo.Now()}
	if err := m.put(ctx, buf); err != nil {
		return err
	}
	m.logger.LogRecording(tabID, "open", 0)
	return nil
}

// Active reports whether tabID has a buffer.
func (m *Manager) Active(tabID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.buffers[tabID]
	return ok
}

// Tabs lists the tabs with a buffer.
func (m *Manager) Tabs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.buffers))
	for id := range m.buffers {
		out = append(out, id)
	}
	return out
}

// Append adds step to the tab's buffer and persists it. In a user
// recording an input step directly following an input on the same element
// replaces it, so typing produces one step carrying the final value.
func (m *Manager) Append(ctx context.Context, tabID string, step store.Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf, ok := m.buffers[tabID]
	if !ok {
		return fault.New(fault.NotRecording, "tab %s is not recording", tabID)
	}
	steps := append([]store.Step(nil), buf.Steps...)
	if n := len(steps); n > 0 && buf.Source == store.SourceUser && coalesces(steps[n-1], step) {
		step.ID = steps[n-1].ID
		steps[n-1] = step
	} else {
		steps = append(steps, step)
	}
	buf.Steps = steps
	return m.put(ctx, buf)
}

// Replace overwrites the step at index i, used to annotate an executed step.
func (m *Manager) Replace(ctx context.Context, tabID string, i int, step store.Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf, ok := m.buffers[tabID]
	if !ok {
		return fault.New(fault.NotRecording, "tab %s is not recording", tabID)
	}
	if i < 0 || i >= len(buf.Steps) {
		return fault.New(fault.NotFound, "step %d not in buffer", i)
	}
	steps := append([]store.Step(nil), buf.Steps...)
	steps[i] = step
	buf.Steps = steps
	return m.put(ctx, buf)
}

func coalesces(prev, next store.Step) bool {
	if prev.Type != store.StepInput || next.Type != store.StepInput {
		return false
	}
	if prev.Locator == nil || next.Locator == nil {
		return false
	}
	return prev.Locator.Primary != "" && prev.Locator.Primary == next.Locator.Primary
}

// Steps returns a copy of the buffered steps.
func (m *Manager) Steps(tabID string) ([]store.Step, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf, ok := m.buffers[tabID]
	if !ok {
		return nil, false
	}
	return append([]store.Step(nil), buf.Steps...), true
}

// Stop flushes the buffer into a new task named name and destroys it.
// The buffer is only removed once the task is saved.
func (m *Manager) Stop(ctx context.Context, tabID, name string) (*store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf, ok := m.buffers[tabID]
	if !ok {
		return nil, fault.New(fault.NotRecording, "tab %s is not recording", tabID)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = "Recording " + m.repo.Now().Format("2006-01-02 15:04")
	}
	task := &store.Task{Name: name, Steps: append([]store.Step(nil), buf.Steps...)}
	if err := m.repo.SaveTask(ctx, task); err != nil {
		return nil, err
	}
	if err := m.drop(ctx, tabID); err != nil {
		return task, err
	}
	m.logger.LogRecording(tabID, "stop", len(task.Steps))
	return task, nil
}

// Discard destroys the buffer without saving. Discarding a tab that is not
// recording is not an error.
func (m *Manager) Discard(ctx context.Context, tabID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buffers[tabID]; !ok {
		return nil
	}
	if err := m.drop(ctx, tabID); err != nil {
		return err
	}
	m.logger.LogRecording(tabID, "discard", 0)
	return nil
}

// put and drop persist first and only then update the cache, so a storage
// failure leaves both unchanged. Callers hold m.mu.
func (m *Manager) put(ctx context.Context, buf store.RecordingBuffer) error {
	next := m.clone()
	next[buf.TabID] = buf
	if err := m.repo.SaveRecordingBuffers(ctx, next); err != nil {
		return err
	}
	m.buffers = next
	return nil
}

func (m *Manager) drop(ctx context.Context, tabID string) error {
	next := m.clone()
	delete(next, tabID)
	if err := m.repo.SaveRecordingBuffers(ctx, next); err != nil {
		return err
	}
	m.buffers = next
	return nil
}

func (m *Manager) clone() map[string]store.RecordingBuffer {
	next := make(map[string]store.RecordingBuffer, len(m.buffers)+1)
	for k, v := range m.buffers {
		next[k] = v
	}
	return next
}
