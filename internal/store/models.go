package store

import (
	"time"

	"github.com/rahul/stepwise/internal/locator"
)

// StepType is the closed set of actions a step can perform.
type StepType string

const (
	StepClick     StepType = "click"
	StepInput     StepType = "input"
	StepWait      StepType = "wait"
	StepSubmit    StepType = "submit"
	StepRunScript StepType = "run-custom-script"
)

// Valid reports whether t is one of the known step types.
func (t StepType) Valid() bool {
	switch t {
	case StepClick, StepInput, StepWait, StepSubmit, StepRunScript:
		return true
	}
	return false
}

// Metadata keys with a fixed meaning.
const (
	MetaTagName = "tagName"
	MetaScript  = "script"
	MetaError   = "error"
	MetaFailed  = "failed"
)

// Step is one atomic page action.
type Step struct {
	ID           string           `json:"id" yaml:"id"`
	Type         StepType         `json:"type" yaml:"type"`
	Locator      *locator.Locator `json:"locator,omitempty" yaml:"locator,omitempty"`
	Value        string           `json:"value,omitempty" yaml:"value,omitempty"`
	WaitBeforeMs int              `json:"waitBeforeMs,omitempty" yaml:"waitBeforeMs,omitempty"`
	URLHint      string           `json:"urlHint,omitempty" yaml:"urlHint,omitempty"`
	Metadata     map[string]any   `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Annotate sets a metadata entry, allocating the map on first use.
func (s *Step) Annotate(key string, value any) {
	if s.Metadata == nil {
		s.Metadata = make(map[string]any)
	}
	s.Metadata[key] = value
}

// Task is a named, ordered list of steps.
type Task struct {
	ID        string    `json:"id" yaml:"id"`
	Name      string    `json:"name" yaml:"name"`
	Steps     []Step    `json:"steps" yaml:"steps"`
	CreatedAt time.Time `json:"createdAt" yaml:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"updatedAt"`
}

// Flow is a named ordered list of task references. Tasks are not owned:
// a missing task contributes no steps at run time.
type Flow struct {
	ID                 string    `json:"id" yaml:"id"`
	Name               string    `json:"name" yaml:"name"`
	TaskIDs            []string  `json:"taskIds" yaml:"taskIds"`
	AutoRunURLPatterns []string  `json:"autoRunUrlPatterns,omitempty" yaml:"autoRunUrlPatterns,omitempty"`
	Enabled            bool      `json:"enabled" yaml:"enabled"`
	CreatedAt          time.Time `json:"createdAt" yaml:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt" yaml:"updatedAt"`
}

type TriggerType string

const (
	TriggerURL      TriggerType = "url"
	TriggerShortcut TriggerType = "shortcut"
)

// Trigger binds a flow to a URL pattern or a named keyboard command.
type Trigger struct {
	ID         string      `json:"id" yaml:"id"`
	FlowID     string      `json:"flowId" yaml:"flowId"`
	Type       TriggerType `json:"type" yaml:"type"`
	URLPattern string      `json:"urlPattern,omitempty" yaml:"urlPattern,omitempty"`
	Shortcut   string      `json:"shortcut,omitempty" yaml:"shortcut,omitempty"`
	Enabled    bool        `json:"enabled" yaml:"enabled"`
}

// RunCause records what started a flow run.
type RunCause string

const (
	CauseManual   RunCause = "manual"
	CauseURL      RunCause = "url"
	CauseShortcut RunCause = "shortcut"
	CauseDirect   RunCause = "direct"
)

type RunStatus string

const (
	StatusSuccess RunStatus = "success"
	StatusFailed  RunStatus = "failed"
	StatusPartial RunStatus = "partial"
)

// StepRunLog is the outcome of one executed step.
type StepRunLog struct {
	StepID   string    `json:"stepId"`
	TaskID   string    `json:"taskId,omitempty"`
	Type     StepType  `json:"type"`
	Status   RunStatus `json:"status"`
	Error    string    `json:"errorMessage,omitempty"`
	Executed time.Time `json:"executedAt"`
}

// FlowRunLog records one flow execution attempt. Entries are only ever
// appended; Finalize may be called more than once and the last call wins.
type FlowRunLog struct {
	ID          string       `json:"id"`
	FlowID      string       `json:"flowId"`
	FlowName    string       `json:"flowName"`
	TabID       string       `json:"tabId,omitempty"`
	TriggeredBy RunCause     `json:"triggeredBy"`
	StartedAt   time.Time    `json:"startedAt"`
	FinishedAt  *time.Time   `json:"finishedAt,omitempty"`
	Status      RunStatus    `json:"status"`
	Steps       []StepRunLog `json:"steps"`
}

func (l *FlowRunLog) Append(entry StepRunLog) {
	l.Steps = append(l.Steps, entry)
}

func (l *FlowRunLog) Finalize(status RunStatus, at time.Time) {
	l.Status = status
	l.FinishedAt = &at
}

type BufferSource string

const (
	SourceUser  BufferSource = "user"
	SourceAgent BufferSource = "agent"
)

// RecordingBuffer accumulates captured steps for one tab.
type RecordingBuffer struct {
	TabID     string       `json:"tabId"`
	Source    BufferSource `json:"source"`
	Steps     []Step       `json:"steps"`
	StartedAt time.Time    `json:"startedAt"`
}

type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

type Message struct {
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`
	At      time.Time   `json:"at"`
}

// ConversationPhase tracks where a conversation is in its turn cycle.
type ConversationPhase string

const (
	PhaseAwaitingTurn   ConversationPhase = "awaiting_turn"
	PhaseExecuting      ConversationPhase = "executing"
	PhaseAwaitingReport ConversationPhase = "awaiting_report"
)

// ConversationState is the persisted history of one LLM conversation.
// IsActive is true while a multi-step execution is in flight.
type ConversationState struct {
	ID        string            `json:"id"`
	TabID     string            `json:"tabId"`
	Messages  []Message         `json:"messages"`
	IsActive  bool              `json:"isActive"`
	Phase     ConversationPhase `json:"phase"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// LLMSettings is the singleton LLM configuration persisted by the user.
type LLMSettings struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Provider string `json:"provider" yaml:"provider"`
	APIKey   string `json:"apiKey" yaml:"apiKey"`
	Model    string `json:"model" yaml:"model"`
	BaseURL  string `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`
}
