package recording

import (
	"context"
	"errors"
	"testing"

	"github.com/rahul/stepwise/internal/fault"
	"github.com/rahul/stepwise/internal/locator"
	"github.com/rahul/stepwise/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T) (*Manager, *store.Repository) {
	t.Helper()
	repo := store.NewRepository(store.NewMemoryKV())
	return NewManager(repo, nil), repo
}

func click(sel string) store.Step {
	return store.Step{ID: "c-" + sel, Type: store.StepClick, Locator: &locator.Locator{Primary: sel}}
}

func input(sel, value string) store.Step {
	return store.Step{ID: "i-" + value, Type: store.StepInput, Value: value, Locator: &locator.Locator{Primary: sel}}
}

func TestStartStopFlushesIntoTask(t *testing.T) {
	ctx := context.Background()
	m, repo := newManager(t)

	_, err := m.Start(ctx, "tab-1")
	require.NoError(t, err)
	require.NoError(t, m.Append(ctx, "tab-1", click("#a")))
	require.NoError(t, m.Append(ctx, "tab-1", click("#b")))

	task, err := m.Stop(ctx, "tab-1", "  checkout ")
	require.NoError(t, err)
	assert.Equal(t, "checkout", task.Name)
	require.Len(t, task.Steps, 2)
	assert.False(t, m.Active("tab-1"))

	saved, err := repo.Task(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, saved.Steps, 2)

	buffers, err := repo.RecordingBuffers(ctx)
	require.NoError(t, err)
	assert.Empty(t, buffers)
}

func TestStartReusesExistingUserBuffer(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)

	_, err := m.Start(ctx, "tab-1")
	require.NoError(t, err)
	require.NoError(t, m.Append(ctx, "tab-1", click("#a")))

	buf, err := m.Start(ctx, "tab-1")
	require.NoError(t, err)
	assert.Len(t, buf.Steps, 1, "second start must not reset the buffer")
}

func TestOpenRejectsWhenRecording(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)

	_, err := m.Start(ctx, "tab-1")
	require.NoError(t, err)
	err = m.Open(ctx, "tab-1")
	assert.True(t, fault.Is(err, fault.RecordingActive))

	require.NoError(t, m.Open(ctx, "tab-2"))
	_, err = m.Start(ctx, "tab-2")
	assert.True(t, fault.Is(err, fault.RecordingActive))
}

func TestAppendWithoutBuffer(t *testing.T) {
	m, _ := newManager(t)
	err := m.Append(context.Background(), "nope", click("#a"))
	assert.True(t, fault.Is(err, fault.NotRecording))

	_, err = m.Stop(context.Background(), "nope", "x")
	assert.True(t, fault.Is(err, fault.NotRecording))
}

func TestInputCoalescing(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)
	_, err := m.Start(ctx, "tab-1")
	require.NoError(t, err)

	for _, s := range []store.Step{
		input("#q", "s"), input("#q", "sh"), input("#q", "shoes"),
		click("#go"),
		input("#q", "hats"),
		input("#other", "x"),
	} {
		require.NoError(t, m.Append(ctx, "tab-1", s))
	}

	steps, ok := m.Steps("tab-1")
	require.True(t, ok)
	require.Len(t, steps, 4)
	assert.Equal(t, "shoes", steps[0].Value)
	assert.Equal(t, "i-s", steps[0].ID, "coalesced step keeps the first id")
	assert.Equal(t, "hats", steps[2].Value)
	assert.Equal(t, "#other", steps[3].Locator.Primary)
}

func TestHydrateRestoresBuffers(t *testing.T) {
	ctx := context.Background()
	repo := store.NewRepository(store.NewMemoryKV())
	first := NewManager(repo, nil)
	_, err := first.Start(ctx, "tab-9")
	require.NoError(t, err)
	require.NoError(t, first.Append(ctx, "tab-9", click("#a")))

	second := NewManager(repo, nil)
	assert.False(t, second.Active("tab-9"))
	require.NoError(t, second.Hydrate(ctx))
	steps, ok := second.Steps("tab-9")
	require.True(t, ok)
	assert.Len(t, steps, 1)
	assert.Equal(t, []string{"tab-9"}, second.Tabs())
}

func TestDiscard(t *testing.T) {
	ctx := context.Background()
	m, repo := newManager(t)
	require.NoError(t, m.Discard(ctx, "tab-1"))

	_, err := m.Start(ctx, "tab-1")
	require.NoError(t, err)
	require.NoError(t, m.Append(ctx, "tab-1", click("#a")))
	require.NoError(t, m.Discard(ctx, "tab-1"))

	assert.False(t, m.Active("tab-1"))
	tasks, err := repo.Tasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestReplaceAnnotatesStep(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)
	require.NoError(t, m.Open(ctx, "tab-1"))
	require.NoError(t, m.Append(ctx, "tab-1", click("#a")))

	steps, _ := m.Steps("tab-1")
	s := steps[0]
	s.Annotate(store.MetaFailed, true)
	require.NoError(t, m.Replace(ctx, "tab-1", 0, s))
	assert.True(t, fault.Is(m.Replace(ctx, "tab-1", 3, s), fault.NotFound))

	steps, _ = m.Steps("tab-1")
	assert.Equal(t, true, steps[0].Metadata[store.MetaFailed])
}

type failingKV struct{ *store.MemoryKV }

func (failingKV) Set(context.Context, string, any) error {
	return fault.Wrap(fault.StorageError, errors.New("read-only"), "write")
}

func TestStorageFailureLeavesCacheUntouched(t *testing.T) {
	m := NewManager(store.NewRepository(failingKV{store.NewMemoryKV()}), nil)
	_, err := m.Start(context.Background(), "tab-1")
	assert.True(t, fault.Is(err, fault.StorageError))
	assert.False(t, m.Active("tab-1"))
}

func TestAgentBuffersKeepEveryInput(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)
	require.NoError(t, m.Open(ctx, "tab-1"))
	require.NoError(t, m.Append(ctx, "tab-1", input("#q", "a")))
	require.NoError(t, m.Append(ctx, "tab-1", input("#q", "b")))

	steps, _ := m.Steps("tab-1")
	assert.Len(t, steps, 2)
}
