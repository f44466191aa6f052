package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerWritesStructuredEvents(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, "")

	l.LogFlowRun("run-1", "flow-1", "url", "success")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "flow_run", line["type"])
	assert.Equal(t, "run-1", line["run_id"])
	data := line["data"].(map[string]any)
	assert.Equal(t, "url", data["cause"])
	assert.Equal(t, "success", data["status"])
}

func TestLLMEventsGoToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "llm", "llm.jsonl")
	l := NewLogger(&bytes.Buffer{}, path)

	l.LogLLM("conv-1", "open the cart", `{"action":"execute"}`)
	l.LogStep("run-1", "s1", "click", true, "")

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 1)

	var evt Event
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &evt))
	assert.Equal(t, EventTypeLLM, evt.Type)
	assert.Equal(t, "conv-1", evt.ConversationID)
}

func TestNopLogger(t *testing.T) {
	l := OrNop(nil)
	assert.NotPanics(t, func() {
		l.LogHeartbeat()
		l.Errorf("x %d", 1)
	})
}

func TestRunCounters(t *testing.T) {
	before := GetStatus()

	BeginRun("checkout")
	s := GetStatus()
	assert.Equal(t, RoleReplaying, s.Role)
	assert.Equal(t, "checkout", s.ActiveTask)
	assert.Equal(t, before.ActiveRuns+1, s.ActiveRuns)

	EndRun(false)
	s = GetStatus()
	assert.Equal(t, before.RunsFailed+1, s.RunsFailed)
	assert.Equal(t, before.ActiveRuns, s.ActiveRuns)
}

func TestStatusLine(t *testing.T) {
	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	line := StatusLine(Snapshot{
		Role:          RoleReplaying,
		ActiveTask:    "a very long flow name that keeps going",
		ActiveRuns:    2,
		RunsSucceeded: 5,
		RunsFailed:    1,
		LastHeartbeat: now.Add(-time.Minute),
	}, now, 1)

	assert.Contains(t, line, "LAGGING")
	assert.Contains(t, line, "REPLAYING")
	assert.Contains(t, line, "a very long flow name ...")
	assert.Contains(t, line, "runs 2 active")
	assert.Contains(t, line, spinnerFrames[1])
}

func TestPrintfHelpersFormat(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, "")
	l.Warnf("tab %s: %d retries", "t1", 3)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "tab t1: 3 retries", line["message"])
}
