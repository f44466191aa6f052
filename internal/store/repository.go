package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rahul/stepwise/internal/fault"
)

const (
	keyTasks              = "tasks"
	keyFlows              = "flows"
	keyTriggers           = "triggers"
	keyLogs               = "logs"
	keyLLMSettings        = "llmSettings"
	keyRecordingBuffers   = "recordingBuffers"
	keyConversationStates = "conversationStates"
)

const defaultMaxLogs = 200

// Repository exposes the persisted collections. Every mutation reads the
// whole list for its key, edits it and writes it back: two concurrent
// writers to the same list can lose an update, last writer wins.
type Repository struct {
	kv      KV
	maxLogs int
	now     func() time.Time
}

type Option func(*Repository)

// WithMaxLogs caps the number of retained run logs; oldest are dropped.
func WithMaxLogs(n int) Option {
	return func(r *Repository) {
		if n > 0 {
			r.maxLogs = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

func NewRepository(kv KV, opts ...Option) *Repository {
	r := &Repository{kv: kv, maxLogs: defaultMaxLogs, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Now exposes the repository clock so collaborators stamp records
// consistently.
func (r *Repository) Now() time.Time {
	return r.now()
}

func load[T any](ctx context.Context, kv KV, key string, fallback T) (T, error) {
	out := fallback
	if _, err := kv.Get(ctx, key, &out); err != nil {
		return fallback, err
	}
	return out, nil
}

// ---- tasks ----

func (r *Repository) Tasks(ctx context.Context) ([]Task, error) {
	return load(ctx, r.kv, keyTasks, []Task{})
}

func (r *Repository) Task(ctx context.Context, id string) (*Task, error) {
	tasks, err := r.Tasks(ctx)
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		if tasks[i].ID == id {
			return &tasks[i], nil
		}
	}
	return nil, fault.New(fault.NotFound, "task %s not found", id)
}

// SaveTask inserts or replaces t by id, assigning an id and timestamps when
// missing.
func (r *Repository) SaveTask(ctx context.Context, t *Task) error {
	tasks, err := r.Tasks(ctx)
	if err != nil {
		return err
	}
	now := r.now()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	for i := range t.Steps {
		if t.Steps[i].ID == "" {
			t.Steps[i].ID = uuid.NewString()
		}
	}
	tasks = upsert(tasks, *t, func(x Task) string { return x.ID })
	return r.kv.Set(ctx, keyTasks, tasks)
}

// DeleteTask removes the task. Flows that reference it are left alone.
func (r *Repository) DeleteTask(ctx context.Context, id string) error {
	tasks, err := r.Tasks(ctx)
	if err != nil {
		return err
	}
	kept, removed := remove(tasks, func(x Task) bool { return x.ID == id })
	if !removed {
		return fault.New(fault.NotFound, "task %s not found", id)
	}
	return r.kv.Set(ctx, keyTasks, kept)
}

// ---- flows ----

func (r *Repository) Flows(ctx context.Context) ([]Flow, error) {
	return load(ctx, r.kv, keyFlows, []Flow{})
}

func (r *Repository) Flow(ctx context.Context, id string) (*Flow, error) {
	flows, err := r.Flows(ctx)
	if err != nil {
		return nil, err
	}
	for i := range flows {
		if flows[i].ID == id {
			return &flows[i], nil
		}
	}
	return nil, fault.New(fault.NotFound, "flow %s not found", id)
}

// FlowByName finds a flow by exact id or, failing that, by name.
func (r *Repository) FlowByName(ctx context.Context, ref string) (*Flow, error) {
	flows, err := r.Flows(ctx)
	if err != nil {
		return nil, err
	}
	for i := range flows {
		if flows[i].ID == ref {
			return &flows[i], nil
		}
	}
	for i := range flows {
		if flows[i].Name == ref {
			return &flows[i], nil
		}
	}
	return nil, fault.New(fault.NotFound, "flow %s not found", ref)
}

func (r *Repository) SaveFlow(ctx context.Context, f *Flow) error {
	flows, err := r.Flows(ctx)
	if err != nil {
		return err
	}
	now := r.now()
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now
	flows = upsert(flows, *f, func(x Flow) string { return x.ID })
	return r.kv.Set(ctx, keyFlows, flows)
}

// DeleteFlow removes the flow and every trigger bound to it.
func (r *Repository) DeleteFlow(ctx context.Context, id string) error {
	flows, err := r.Flows(ctx)
	if err != nil {
		return err
	}
	kept, removed := remove(flows, func(x Flow) bool { return x.ID == id })
	if !removed {
		return fault.New(fault.NotFound, "flow %s not found", id)
	}
	if err := r.kv.Set(ctx, keyFlows, kept); err != nil {
		return err
	}

	triggers, err := r.Triggers(ctx)
	if err != nil {
		return err
	}
	remaining, cascaded := remove(triggers, func(x Trigger) bool { return x.FlowID == id })
	if !cascaded {
		return nil
	}
	return r.kv.Set(ctx, keyTriggers, remaining)
}

// ---- triggers ----

func (r *Repository) Triggers(ctx context.Context) ([]Trigger, error) {
	return load(ctx, r.kv, keyTriggers, []Trigger{})
}

func (r *Repository) SaveTrigger(ctx context.Context, t *Trigger) error {
	triggers, err := r.Triggers(ctx)
	if err != nil {
		return err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	triggers = upsert(triggers, *t, func(x Trigger) string { return x.ID })
	return r.kv.Set(ctx, keyTriggers, triggers)
}

func (r *Repository) DeleteTrigger(ctx context.Context, id string) error {
	triggers, err := r.Triggers(ctx)
	if err != nil {
		return err
	}
	kept, removed := remove(triggers, func(x Trigger) bool { return x.ID == id })
	if !removed {
		return fault.New(fault.NotFound, "trigger %s not found", id)
	}
	return r.kv.Set(ctx, keyTriggers, kept)
}

// ---- run logs ----

func (r *Repository) Logs(ctx context.Context) ([]FlowRunLog, error) {
	return load(ctx, r.kv, keyLogs, []FlowRunLog{})
}

// SaveLog inserts or replaces l by id and trims the oldest entries beyond
// the retention cap.
func (r *Repository) SaveLog(ctx context.Context, l *FlowRunLog) error {
	logs, err := r.Logs(ctx)
	if err != nil {
		return err
	}
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	logs = upsert(logs, *l, func(x FlowRunLog) string { return x.ID })
	if len(logs) > r.maxLogs {
		logs = logs[len(logs)-r.maxLogs:]
	}
	return r.kv.Set(ctx, keyLogs, logs)
}

func (r *Repository) ClearLogs(ctx context.Context) error {
	return r.kv.Set(ctx, keyLogs, []FlowRunLog{})
}

// ---- settings ----

// LLMSettings returns the persisted settings, or nil when none were saved.
func (r *Repository) LLMSettings(ctx context.Context) (*LLMSettings, error) {
	var s LLMSettings
	found, err := r.kv.Get(ctx, keyLLMSettings, &s)
	if err != nil || !found {
		return nil, err
	}
	return &s, nil
}

func (r *Repository) SaveLLMSettings(ctx context.Context, s LLMSettings) error {
	return r.kv.Set(ctx, keyLLMSettings, s)
}

// ---- transient state ----

func (r *Repository) RecordingBuffers(ctx context.Context) (map[string]RecordingBuffer, error) {
	return load(ctx, r.kv, keyRecordingBuffers, map[string]RecordingBuffer{})
}

func (r *Repository) SaveRecordingBuffers(ctx context.Context, buffers map[string]RecordingBuffer) error {
	return r.kv.Set(ctx, keyRecordingBuffers, buffers)
}

func (r *Repository) ConversationStates(ctx context.Context) (map[string]ConversationState, error) {
	return load(ctx, r.kv, keyConversationStates, map[string]ConversationState{})
}

func (r *Repository) SaveConversationStates(ctx context.Context, states map[string]ConversationState) error {
	return r.kv.Set(ctx, keyConversationStates, states)
}

func upsert[T any](items []T, item T, id func(T) string) []T {
	key := id(item)
	for i := range items {
		if id(items[i]) == key {
			items[i] = item
			return items
		}
	}
	return append(items, item)
}

func remove[T any](items []T, match func(T) bool) ([]T, bool) {
	kept := items[:0:0]
	removed := false
	for _, it := range items {
		if match(it) {
			removed = true
			continue
		}
		kept = append(kept, it)
	}
	return kept, removed
}
