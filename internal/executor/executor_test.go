package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rahul/stepwise/internal/fault"
	"github.com/rahul/stepwise/internal/governance"
	"github.com/rahul/stepwise/internal/locator"
	"github.com/rahul/stepwise/internal/store"
	"github.com/rahul/stepwise/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const formPage = `<html><body>
<form id="login"><input id="user" name="user"><button id="go" type="submit">Go</button></form>
</body></html>`

func fastExecutor(policy governance.PolicyEngine) *Executor {
	return New(Config{Attempts: 3, Interval: time.Millisecond, DefaultWait: time.Millisecond}, policy)
}

func TestClickResolvesAndActs(t *testing.T) {
	page := testutil.NewFakePage("https://a.test/", formPage)
	exec := fastExecutor(nil)

	res := exec.Execute(context.Background(), store.Step{
		ID: "s1", Type: store.StepClick, Locator: &locator.Locator{Primary: "#go"},
	}, page)

	require.True(t, res.Success, res.Error)
	actions := page.Actions()
	require.Len(t, actions, 1)
	assert.Equal(t, "click", actions[0].Kind)
	assert.Equal(t, "/html[1]/body[1]/form[1]/button[1]", actions[0].XPath)
}

func TestInputCarriesValue(t *testing.T) {
	page := testutil.NewFakePage("https://a.test/", formPage)
	res := fastExecutor(nil).Execute(context.Background(), store.Step{
		ID: "s1", Type: store.StepInput, Value: "alice", Locator: &locator.Locator{Primary: "#user"},
	}, page)

	require.True(t, res.Success)
	assert.Equal(t, []testutil.Action{{Kind: "input", XPath: "/html[1]/body[1]/form[1]/input[1]", Value: "alice"}}, page.Actions())
}

func TestSubmitDistinguishesForms(t *testing.T) {
	page := testutil.NewFakePage("https://a.test/", formPage)
	exec := fastExecutor(nil)
	ctx := context.Background()

	require.True(t, exec.Execute(ctx, store.Step{Type: store.StepSubmit, Locator: &locator.Locator{Primary: "#login"}}, page).Success)
	require.True(t, exec.Execute(ctx, store.Step{Type: store.StepSubmit, Locator: &locator.Locator{Primary: "#go"}}, page).Success)

	actions := page.Actions()
	require.Len(t, actions, 2)
	assert.Equal(t, "form-submit", actions[0].Kind)
	assert.Equal(t, "dispatch-submit", actions[1].Kind)
}

func TestFallbackXPathUsedWhenPrimaryMisses(t *testing.T) {
	page := testutil.NewFakePage("https://a.test/", formPage)
	res := fastExecutor(nil).Execute(context.Background(), store.Step{
		Type: store.StepClick,
		Locator: &locator.Locator{
			Primary:  "#renamed",
			Fallback: "/html[1]/body[1]/form[1]/button[1]",
		},
	}, page)

	require.True(t, res.Success)
	assert.Equal(t, "/html[1]/body[1]/form[1]/button[1]", page.Actions()[0].XPath)
}

func TestElementNotFoundAfterRetries(t *testing.T) {
	page := testutil.NewFakePage("https://a.test/", formPage)
	res := fastExecutor(nil).Execute(context.Background(), store.Step{
		Type: store.StepClick, Locator: &locator.Locator{Primary: "#missing"},
	}, page)

	assert.False(t, res.Success)
	assert.Equal(t, fault.ElementNotFound, res.Code)
	assert.Equal(t, "element not found: #missing", res.Error)
	assert.Equal(t, 3, page.Snapshots())
	assert.Empty(t, page.Actions())
}

func TestElementAppearsOnLaterAttempt(t *testing.T) {
	page := testutil.NewFakePage("https://a.test/", `<html><body></body></html>`)
	page.OnSnapshot = func(n int) {
		if n == 2 {
			page.SetHTML(`<html><body><button id="late">Late</button></body></html>`)
		}
	}

	res := fastExecutor(nil).Execute(context.Background(), store.Step{
		Type: store.StepClick, Locator: &locator.Locator{Primary: "#late"},
	}, page)

	require.True(t, res.Success)
	assert.Equal(t, 2, page.Snapshots())
}

func TestMissingLocator(t *testing.T) {
	page := testutil.NewFakePage("https://a.test/", formPage)
	exec := fastExecutor(nil)

	for _, loc := range []*locator.Locator{nil, {}} {
		res := exec.Execute(context.Background(), store.Step{Type: store.StepClick, Locator: loc}, page)
		assert.Equal(t, fault.LocatorMissing, res.Code)
	}
	assert.Zero(t, page.Snapshots())
}

func TestUnsupportedStepType(t *testing.T) {
	page := testutil.NewFakePage("https://a.test/", formPage)
	res := fastExecutor(nil).Execute(context.Background(), store.Step{Type: "hover"}, page)

	assert.False(t, res.Success)
	assert.Equal(t, fault.UnsupportedStepType, res.Code)
}

func TestWaitStepHonorsDelay(t *testing.T) {
	page := testutil.NewFakePage("https://a.test/", formPage)
	start := time.Now()
	res := fastExecutor(nil).Execute(context.Background(), store.Step{Type: store.StepWait, WaitBeforeMs: 30}, page)

	require.True(t, res.Success)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Zero(t, page.Snapshots())
}

func TestCancelledContextStopsPreDelay(t *testing.T) {
	page := testutil.NewFakePage("https://a.test/", formPage)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := fastExecutor(nil).Execute(ctx, store.Step{Type: store.StepWait, WaitBeforeMs: 5000}, page)
	assert.False(t, res.Success)
	assert.Equal(t, fault.ExecutionError, res.Code)
}

func TestSnapshotFailureIsExecutionError(t *testing.T) {
	page := testutil.NewFakePage("https://a.test/", formPage)
	page.SnapshotErr = errors.New("target closed")

	res := fastExecutor(nil).Execute(context.Background(), store.Step{
		Type: store.StepClick, Locator: &locator.Locator{Primary: "#go"},
	}, page)

	assert.Equal(t, fault.ExecutionError, res.Code)
	assert.Contains(t, res.Error, "target closed")
}

func TestClickErrorIsReported(t *testing.T) {
	page := testutil.NewFakePage("https://a.test/", formPage)
	page.ClickErr = errors.New("detached")

	res := fastExecutor(nil).Execute(context.Background(), store.Step{
		Type: store.StepClick, Locator: &locator.Locator{Primary: "#go"},
	}, page)

	assert.Equal(t, fault.ExecutionError, res.Code)
	assert.Contains(t, res.Error, "detached")
}

func TestCustomScript(t *testing.T) {
	ctx := context.Background()

	t.Run("metadata script wins over value", func(t *testing.T) {
		page := testutil.NewFakePage("https://a.test/", formPage)
		step := store.Step{Type: store.StepRunScript, Value: "ignored()"}
		step.Annotate(store.MetaScript, "document.title = 'x'")

		res := fastExecutor(nil).Execute(ctx, step, page)
		require.True(t, res.Success)
		assert.Equal(t, "document.title = 'x'", page.Actions()[0].Value)
	})

	t.Run("evaluation error", func(t *testing.T) {
		page := testutil.NewFakePage("https://a.test/", formPage)
		page.EvalFunc = func(string) (any, error) { return nil, errors.New("ReferenceError: foo") }

		res := fastExecutor(nil).Execute(ctx, store.Step{Type: store.StepRunScript, Value: "foo()"}, page)
		assert.Equal(t, fault.ExecutionError, res.Code)
		assert.Contains(t, res.Error, "ReferenceError")
	})

	t.Run("panic is contained", func(t *testing.T) {
		page := testutil.NewFakePage("https://a.test/", formPage)
		page.EvalFunc = func(string) (any, error) { panic("boom") }

		res := fastExecutor(nil).Execute(ctx, store.Step{Type: store.StepRunScript, Value: "x"}, page)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "boom")
	})

	t.Run("denied by policy", func(t *testing.T) {
		page := testutil.NewFakePage("https://a.test/", formPage)
		policy := governance.NewDefaultPolicyEngine()
		require.NoError(t, policy.DenyPayload(`document\.cookie`))

		res := fastExecutor(policy).Execute(ctx, store.Step{Type: store.StepRunScript, Value: "send(document.cookie)"}, page)
		assert.Equal(t, fault.ScriptDenied, res.Code)
		assert.Empty(t, page.Actions())
	})

	t.Run("empty payload", func(t *testing.T) {
		page := testutil.NewFakePage("https://a.test/", formPage)
		res := fastExecutor(nil).Execute(ctx, store.Step{Type: store.StepRunScript}, page)
		assert.False(t, res.Success)
	})
}

func TestResultString(t *testing.T) {
	assert.Equal(t, "ok", Result{Success: true}.String())
	assert.Equal(t, "failed (ElementNotFound): element not found: #x",
		Result{Code: fault.ElementNotFound, Error: "element not found: #x"}.String())
}
