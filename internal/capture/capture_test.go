package capture

import (
	"errors"
	"testing"

	"github.com/rahul/stepwise/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const page = `<html><head></head><body><form id="f"><input name="q" class="search"><button id="go">Go</button></form></body></html>`

type collect struct {
	tabs  []string
	steps []store.Step
	err   error
}

func (c *collect) Append(tabID string, step store.Step) error {
	if c.err != nil {
		return c.err
	}
	c.tabs = append(c.tabs, tabID)
	c.steps = append(c.steps, step)
	return nil
}

func TestIdleDropsEvents(t *testing.T) {
	sink := &collect{}
	c := New("tab-1", sink)

	ok, err := c.Handle(RawEvent{Type: "click", XPath: "/html[1]/body[1]/form[1]/button[1]", HTML: page})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, sink.steps)
	assert.EqualValues(t, 1, c.Dropped())
}

func TestStateTransitions(t *testing.T) {
	c := New("tab-1", &collect{})
	assert.Equal(t, Idle, c.State())
	assert.True(t, c.Start())
	assert.False(t, c.Start())
	assert.Equal(t, Recording, c.State())
	assert.True(t, c.Stop())
	assert.False(t, c.Stop())
	assert.Equal(t, "idle", c.State().String())
}

func TestRecordingEmitsSteps(t *testing.T) {
	sink := &collect{}
	c := New("tab-1", sink)
	c.Start()

	events := []RawEvent{
		{Type: "click", XPath: "/html[1]/body[1]/form[1]/button[1]", URL: "https://a.test/", HTML: page},
		{Type: "change", XPath: "/html[1]/body[1]/form[1]/input[1]", Value: "shoes", URL: "https://a.test/", HTML: page},
		{Type: "submit", XPath: "/html[1]/body[1]/form[1]", URL: "https://a.test/", HTML: page},
		{Type: "keydown", XPath: "/html[1]/body[1]", HTML: page},
	}
	for _, ev := range events {
		_, err := c.Handle(ev)
		require.NoError(t, err)
	}

	require.Len(t, sink.steps, 3)
	assert.Equal(t, []string{"tab-1", "tab-1", "tab-1"}, sink.tabs)

	click := sink.steps[0]
	assert.Equal(t, store.StepClick, click.Type)
	assert.Equal(t, "#go", click.Locator.Primary)
	assert.Equal(t, "/html[1]/body[1]/form[1]/button[1]", click.Locator.Fallback)
	assert.Equal(t, "BUTTON", click.Metadata[store.MetaTagName])
	assert.Equal(t, "https://a.test/", click.URLHint)
	assert.NotEmpty(t, click.ID)
	assert.Empty(t, click.Value)

	input := sink.steps[1]
	assert.Equal(t, store.StepInput, input.Type)
	assert.Equal(t, "shoes", input.Value)
	assert.Equal(t, "form input.search", input.Locator.Primary)

	assert.Equal(t, store.StepSubmit, sink.steps[2].Type)
	assert.Equal(t, "#f", sink.steps[2].Locator.Primary)
}

func TestUnknownTargetIsSkipped(t *testing.T) {
	sink := &collect{}
	c := New("tab-1", sink)
	c.Start()

	ok, err := c.Handle(RawEvent{Type: "click", XPath: "/html[1]/body[1]/div[4]", HTML: page})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSinkErrorPropagates(t *testing.T) {
	c := New("tab-1", &collect{err: errors.New("disk full")})
	c.Start()

	_, err := c.Handle(RawEvent{Type: "click", XPath: "/html[1]/body[1]/form[1]/button[1]", HTML: page})
	assert.EqualError(t, err, "disk full")
}

func TestParseRawEvent(t *testing.T) {
	ev, err := ParseRawEvent(`{"type":"input","xpath":"/html[1]","value":"x","url":"u","html":"<p>"}`)
	require.NoError(t, err)
	assert.Equal(t, RawEvent{Type: "input", XPath: "/html[1]", Value: "x", URL: "u", HTML: "<p>"}, ev)

	_, err = ParseRawEvent(`not json`)
	assert.Error(t, err)
}
