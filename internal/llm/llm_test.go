package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/rahul/stepwise/internal/fault"
	"github.com/rahul/stepwise/internal/pagedom"
	"github.com/rahul/stepwise/internal/store"
	"github.com/rahul/stepwise/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"
)

func TestParseStepsWrappedAndBare(t *testing.T) {
	wrapped := "Sure:\n```json\n{\"steps\": [{\"type\": \"click\", \"selector\": \"#buy\"}, {\"type\": \"input\", \"selector\": \"#qty\", \"value\": 2}]}\n```"
	steps, err := ParseSteps(wrapped)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, store.StepClick, steps[0].Type)
	assert.Equal(t, "#buy", steps[0].Locator.Primary)
	assert.Equal(t, "2", steps[1].Value)

	bare := `[{"type":"wait","waitBeforeMs":1200},{"type":"run-custom-script","script":"window.scrollTo(0, 0)"}]`
	steps, err = ParseSteps(bare)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Nil(t, steps[0].Locator)
	assert.Equal(t, 1200, steps[0].WaitBeforeMs)
	assert.Equal(t, "window.scrollTo(0, 0)", steps[1].Metadata[store.MetaScript])
}

func TestParseStepsRepairsSloppyJSON(t *testing.T) {
	steps, err := ParseSteps(`{"steps": [{"type": "click", "selector": "#go",},]}`)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "#go", steps[0].Locator.Primary)
}

func TestParseStepsMalformed(t *testing.T) {
	for _, raw := range []string{"I cannot help with that.", `{"steps": []}`} {
		_, err := ParseSteps(raw)
		assert.True(t, fault.Is(err, fault.MalformedLlmOutput), raw)
	}
}

func TestExtractAction(t *testing.T) {
	t.Run("execute with prose", func(t *testing.T) {
		text := "I'll open the cart.\n```json\n{\"action\":\"execute\",\"steps\":[{\"type\":\"click\",\"selector\":\"a.cart\"}]}\n```"
		action, prose, err := ExtractAction(text)
		require.NoError(t, err)
		require.NotNil(t, action)
		assert.Equal(t, ActionExecute, action.Kind)
		assert.Len(t, action.Steps, 1)
		assert.Equal(t, "I'll open the cart.", prose)
	})

	t.Run("report inline", func(t *testing.T) {
		action, _, err := ExtractAction(`{"action": "report", "content": "3 items, $42 total"}`)
		require.NoError(t, err)
		require.NotNil(t, action)
		assert.Equal(t, ActionReport, action.Kind)
		assert.Equal(t, "3 items, $42 total", action.Content)
	})

	t.Run("plain reply", func(t *testing.T) {
		action, prose, err := ExtractAction("Hello! What should I do?")
		require.NoError(t, err)
		assert.Nil(t, action)
		assert.Equal(t, "Hello! What should I do?", prose)
	})

	t.Run("braces inside strings", func(t *testing.T) {
		action, _, err := ExtractAction(`{"action":"report","content":"use {curly} and \"quotes\""} trailing`)
		require.NoError(t, err)
		require.NotNil(t, action)
		assert.Equal(t, `use {curly} and "quotes"`, action.Content)
	})

	t.Run("brackets in prose", func(t *testing.T) {
		text := "Plan [2 steps] {roughly}:\n{\"action\":\"execute\",\"steps\":[{\"type\":\"input\",\"selector\":\"#q\",\"value\":\"go\"},{\"type\":\"click\",\"selector\":\"#s\"}]}"
		action, prose, err := ExtractAction(text)
		require.NoError(t, err)
		require.NotNil(t, action)
		assert.Equal(t, ActionExecute, action.Kind)
		assert.Len(t, action.Steps, 2)
		assert.Equal(t, "Plan [2 steps] {roughly}:", prose)
	})

	t.Run("unknown action", func(t *testing.T) {
		action, _, err := ExtractAction(`{"action":"dance"}`)
		require.NoError(t, err)
		assert.Nil(t, action)
	})
}

func TestConverseSendsHistoryAndPage(t *testing.T) {
	model := testutil.NewScriptedModel("Done.\n```json\n{\"action\":\"execute\",\"steps\":[{\"type\":\"click\",\"selector\":\"#go\"}]}\n```")
	c := NewClient(model, nil, nil)

	history := []store.Message{
		{Role: store.RoleUser, Content: "hi"},
		{Role: store.RoleAssistant, Content: "hello"},
	}
	dom := pagedom.DomInfo{URL: "https://a.test/", Title: "A", Clickable: []pagedom.Element{{Tag: "button", Selector: "#go"}}}
	reply, err := c.Converse(context.Background(), "conv-1", "press go", history, "https://a.test/", dom)
	require.NoError(t, err)

	require.NotNil(t, reply.Action)
	assert.Equal(t, "Done.", reply.Text)

	req := model.Requests()[0]
	require.Len(t, req, 4)
	assert.Equal(t, schema.ChatMessageTypeSystem, req[0].Role)
	assert.Equal(t, schema.ChatMessageTypeHuman, req[1].Role)
	assert.Equal(t, schema.ChatMessageTypeAI, req[2].Role)
	last := model.LastUserText(0)
	assert.Contains(t, last, "Current URL: https://a.test/")
	assert.Contains(t, last, `"selector":"#go"`)
	assert.Contains(t, last, "press go")
}

func TestConverseDegradesOnMalformedFragment(t *testing.T) {
	model := testutil.NewScriptedModel("Here you go {")
	reply, err := NewClient(model, nil, nil).Converse(context.Background(), "c", "x", nil, "u", pagedom.DomInfo{})
	require.NoError(t, err)
	assert.Nil(t, reply.Action)
	assert.Equal(t, "Here you go {", reply.Text)
}

func TestProviderErrorsAreClassified(t *testing.T) {
	model := testutil.NewScriptedModel()
	model.Err = errors.New("API returned unexpected status code: 401: Incorrect API key provided")
	_, err := NewClient(model, nil, nil).GenerateSteps(context.Background(), "x", "u", pagedom.DomInfo{})
	assert.True(t, fault.Is(err, fault.LlmUnauthorized))

	model.Err = errors.New("connection reset")
	_, err = NewClient(model, nil, nil).Report(context.Background(), "c", "x", pagedom.PageContent{})
	assert.Equal(t, fault.ExecutionError, fault.CodeOf(err))
}

func TestCheckPreconditions(t *testing.T) {
	assert.True(t, fault.Is(Check(nil), fault.LlmDisabled))
	assert.True(t, fault.Is(Check(&store.LLMSettings{Enabled: false, APIKey: "k"}), fault.LlmDisabled))
	assert.True(t, fault.Is(Check(&store.LLMSettings{Enabled: true, Provider: "openai"}), fault.LlmUnauthorized))
	assert.NoError(t, Check(&store.LLMSettings{Enabled: true, Provider: "ollama"}))
	assert.NoError(t, Check(&store.LLMSettings{Enabled: true, Provider: "openai", APIKey: "k"}))
}

func TestSourcePrefersPersistedSettings(t *testing.T) {
	ctx := context.Background()
	repo := store.NewRepository(store.NewMemoryKV())
	fallback := &store.LLMSettings{Enabled: true, Provider: "openai", APIKey: "from-config"}

	var seen []string
	src := NewSource(repo, fallback, nil, nil).WithModelFactory(func(s *store.LLMSettings) (llms.Model, error) {
		seen = append(seen, s.APIKey)
		return testutil.NewScriptedModel(), nil
	})

	_, err := src.Client(ctx)
	require.NoError(t, err)
	require.NoError(t, repo.SaveLLMSettings(ctx, store.LLMSettings{Enabled: true, Provider: "openai", APIKey: "from-store"}))
	_, err = src.Client(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"from-config", "from-store"}, seen)

	require.NoError(t, repo.SaveLLMSettings(ctx, store.LLMSettings{Enabled: false}))
	_, err = src.Client(ctx)
	assert.True(t, fault.Is(err, fault.LlmDisabled))
}
