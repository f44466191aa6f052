package app

import (
	"context"
	"testing"

	"github.com/rahul/stepwise/internal/fault"
	"github.com/rahul/stepwise/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedFlow(t *testing.T, s *Service) (*store.Task, *store.Flow) {
	t.Helper()
	ctx := context.Background()
	task := &store.Task{Name: "wait", Steps: []store.Step{{ID: "w", Type: store.StepWait, WaitBeforeMs: 1}}}
	require.NoError(t, s.Repository().SaveTask(ctx, task))
	f, err := s.CreateFlow(ctx, "daily", []string{"wait"}, nil)
	require.NoError(t, err)
	return task, f
}

func TestDeleteFlowRemovesItsTriggers(t *testing.T) {
	ctx := context.Background()
	s, _ := newService(t, Options{}, nil)
	_, f := seedFlow(t, s)
	_, err := s.AddTrigger(ctx, "daily", store.TriggerShortcut, "go")
	require.NoError(t, err)
	_, err = s.AddTrigger(ctx, "daily", store.TriggerURL, "example.com")
	require.NoError(t, err)

	deleted, err := s.DeleteFlow(ctx, "daily")
	require.NoError(t, err)
	assert.Equal(t, f.ID, deleted.ID)

	triggers, err := s.Triggers(ctx)
	require.NoError(t, err)
	assert.Empty(t, triggers)
	_, err = s.DeleteFlow(ctx, "daily")
	assert.True(t, fault.Is(err, fault.NotFound))
}

func TestDisabledFlowIsSkippedByTriggers(t *testing.T) {
	ctx := context.Background()
	s, _ := newService(t, Options{}, nil)
	_, err := s.OpenTab(ctx, "https://example.com/")
	require.NoError(t, err)
	seedFlow(t, s)
	_, err = s.AddTrigger(ctx, "daily", store.TriggerShortcut, "go")
	require.NoError(t, err)

	f, err := s.SetFlowEnabled(ctx, "daily", false)
	require.NoError(t, err)
	assert.False(t, f.Enabled)
	started, err := s.RunShortcut(ctx, "go")
	require.NoError(t, err)
	assert.Empty(t, started)

	_, err = s.SetFlowEnabled(ctx, "daily", true)
	require.NoError(t, err)
	started, err = s.RunShortcut(ctx, "go")
	require.NoError(t, err)
	assert.Len(t, started, 1)
	s.Runner().Wait()
}

func TestTriggerToggleAndDelete(t *testing.T) {
	ctx := context.Background()
	s, _ := newService(t, Options{}, nil)
	_, err := s.OpenTab(ctx, "https://example.com/")
	require.NoError(t, err)
	seedFlow(t, s)
	tr, err := s.AddTrigger(ctx, "daily", store.TriggerShortcut, "go")
	require.NoError(t, err)

	off, err := s.SetTriggerEnabled(ctx, "1", false)
	require.NoError(t, err)
	assert.Equal(t, tr.ID, off.ID)
	started, err := s.RunShortcut(ctx, "go")
	require.NoError(t, err)
	assert.Empty(t, started)

	_, err = s.SetTriggerEnabled(ctx, tr.ID, true)
	require.NoError(t, err)
	triggers, err := s.Triggers(ctx)
	require.NoError(t, err)
	require.Len(t, triggers, 1)
	assert.True(t, triggers[0].Enabled)

	_, err = s.DeleteTrigger(ctx, "2")
	assert.True(t, fault.Is(err, fault.NotFound))
	_, err = s.DeleteTrigger(ctx, "1")
	require.NoError(t, err)
	triggers, err = s.Triggers(ctx)
	require.NoError(t, err)
	assert.Empty(t, triggers)
}

func TestDeleteTaskLeavesFlowReference(t *testing.T) {
	ctx := context.Background()
	s, _ := newService(t, Options{}, nil)
	_, err := s.OpenTab(ctx, "https://example.com/")
	require.NoError(t, err)
	task, _ := seedFlow(t, s)

	deleted, err := s.DeleteTask(ctx, "wait")
	require.NoError(t, err)
	assert.Equal(t, task.ID, deleted.ID)
	tasks, err := s.Tasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	// the flow still runs; the missing task contributes no steps
	log, err := s.RunFlow(ctx, "daily")
	require.NoError(t, err)
	assert.Equal(t, store.StatusSuccess, log.Status)
	assert.Empty(t, log.Steps)
}

func TestSetLLMSettings(t *testing.T) {
	ctx := context.Background()
	s, _ := newService(t, Options{}, nil)

	err := s.SetLLMSettings(ctx, store.LLMSettings{Enabled: true, Provider: "gemini", Model: "x", APIKey: "k"})
	assert.True(t, fault.Is(err, fault.LlmDisabled))
	err = s.SetLLMSettings(ctx, store.LLMSettings{Enabled: true, Provider: "openai", Model: "gpt-4o"})
	assert.True(t, fault.Is(err, fault.LlmUnauthorized))

	require.NoError(t, s.SetLLMSettings(ctx, store.LLMSettings{Enabled: true, Provider: " Ollama ", Model: "llama3"}))
	current, err := s.LLMSettings(ctx)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, "ollama", current.Provider)
	assert.True(t, current.Enabled)

	// disabling needs no key or provider checks
	require.NoError(t, s.SetLLMSettings(ctx, store.LLMSettings{Provider: "whatever"}))
	current, err = s.LLMSettings(ctx)
	require.NoError(t, err)
	assert.False(t, current.Enabled)
}

func TestTabsSwitchAndNavigate(t *testing.T) {
	ctx := context.Background()
	s, b := newService(t, Options{}, nil)
	first, err := s.OpenTab(ctx, "https://a.test/")
	require.NoError(t, err)
	second, err := s.OpenTab(ctx, "https://b.test/")
	require.NoError(t, err)

	tabs, err := s.Tabs(ctx)
	require.NoError(t, err)
	require.Len(t, tabs, 2)
	assert.Equal(t, "https://a.test/", tabs[0].URL)
	assert.False(t, tabs[0].Active)
	assert.True(t, tabs[1].Active)

	id, err := s.SwitchTab(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, first, id)
	_, err = s.SwitchTab(ctx, "9")
	assert.True(t, fault.Is(err, fault.NoActiveTab))

	id, err = s.Navigate(ctx, "https://c.test/")
	require.NoError(t, err)
	assert.Equal(t, first, id)
	url, err := b.page(first).URL(ctx)
	require.NoError(t, err)
	assert.Equal(t, "https://c.test/", url)

	url, err = b.page(second).URL(ctx)
	require.NoError(t, err)
	assert.Equal(t, "https://b.test/", url)
}
