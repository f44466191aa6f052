package browser

import (
	"context"
	"testing"

	"github.com/chromedp/cdproto/runtime"
	"github.com/rahul/stepwise/internal/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestElementScriptsQuoteArguments(t *testing.T) {
	xp := `/html[1]/body[1]/div[@title="a'b"]`
	script := inputScript(xp, "line\n\"quoted\"")
	assert.Contains(t, script, `document.evaluate("/html[1]/body[1]/div[@title=\"a'b\"]"`)
	assert.Contains(t, script, `node.value = "line\n\"quoted\"";`)
	assert.Contains(t, script, "new Event('input'")
	assert.Contains(t, script, "new Event('change'")

	assert.Contains(t, clickScript("/html[1]"), "node.click();")
	assert.Contains(t, submitScript("/html[1]", true), "node.submit();")
	dispatch := submitScript("/html[1]", false)
	assert.Contains(t, dispatch, "cancelable: true")
	assert.NotContains(t, dispatch, "node.submit()")
}

func TestDecodeEvaluation(t *testing.T) {
	v, err := decodeEvaluation(&runtime.RemoteObject{Value: []byte(`{"n":2}`)}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": float64(2)}, v)

	v, err = decodeEvaluation(&runtime.RemoteObject{Type: "undefined"}, nil)
	require.NoError(t, err)
	assert.Nil(t, v)

	_, err = decodeEvaluation(nil, &runtime.ExceptionDetails{
		Text:      "Uncaught",
		Exception: &runtime.RemoteObject{Description: "ReferenceError: foo is not defined"},
	})
	assert.True(t, fault.Is(err, fault.ExecutionError))
	assert.Contains(t, err.Error(), "ReferenceError")
}

func TestManagerWithoutTabs(t *testing.T) {
	m := NewManager(Config{Headless: true}, nil)
	defer m.Close()

	_, err := m.ActiveTab(context.Background())
	assert.True(t, fault.Is(err, fault.NoActiveTab))
	_, err = m.Tab(context.Background(), "missing")
	assert.True(t, fault.Is(err, fault.NoActiveTab))
	assert.Empty(t, m.TabIDs())
	m.CloseTab("missing")
}

func TestClosingRootTabKeepsBrowser(t *testing.T) {
	m := NewManager(Config{Headless: true}, nil)
	var rootCancelled, childCancelled, browserCancelled bool
	m.browserCtx = context.Background()
	m.browserCancel = func() { browserCancelled = true }
	m.tabs["root"] = &Tab{id: "root", ctx: context.Background(), cancel: func() { rootCancelled = true }, root: true}
	m.tabs["child"] = &Tab{id: "child", ctx: context.Background(), cancel: func() { childCancelled = true }}
	m.active = "root"

	m.CloseTab("root")
	assert.False(t, rootCancelled)
	assert.False(t, browserCancelled)
	assert.Equal(t, []string{"child"}, m.TabIDs())
	_, err := m.ActiveTab(context.Background())
	assert.True(t, fault.Is(err, fault.NoActiveTab))

	m.CloseTab("child")
	assert.True(t, childCancelled)

	m.Close()
	assert.True(t, browserCancelled)
	assert.Nil(t, m.browserCtx)
}
