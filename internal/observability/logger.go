package observability

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// EventType defines the category of the log event.
type EventType string

const (
	EventTypeRecording    EventType = "recording"
	EventTypeStep         EventType = "step"
	EventTypeFlowRun      EventType = "flow_run"
	EventTypeTrigger      EventType = "trigger"
	EventTypeConversation EventType = "conversation"
	EventTypeHeartbeat    EventType = "heartbeat"
	EventTypeLLM          EventType = "llm"
)

// Event represents a structured log entry.
type Event struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversation_id,omitempty"`
	RunID          string    `json:"run_id,omitempty"`
	TabID          string    `json:"tab_id,omitempty"`
	Data           any       `json:"data"`
	Timestamp      time.Time `json:"timestamp"`
}

// Logger handles structured logging.
type Logger struct {
	zl         zerolog.Logger
	llmLogPath string
	maxSize    int64
}

// NewLogger writes JSON events to w. LLM exchanges are also appended to
// llmLogPath (empty disables the file).
func NewLogger(w io.Writer, llmLogPath string) *Logger {
	if w == nil {
		w = os.Stdout
	}
	return &Logger{
		zl:         zerolog.New(w).With().Timestamp().Logger(),
		llmLogPath: llmLogPath,
		maxSize:    10 * 1024 * 1024, // 10MB
	}
}

// DefaultLLMLogPath is where LLM exchanges land unless configured otherwise.
var DefaultLLMLogPath = filepath.Join("logs", "llm.jsonl")

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// OrNop returns l, or a discarding logger when l is nil.
func OrNop(l *Logger) *Logger {
	if l == nil {
		return Nop()
	}
	return l
}

// Log emits a structured event.
func (l *Logger) Log(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	e := l.zl.Info().Str("type", string(evt.Type))
	if evt.ConversationID != "" {
		e = e.Str("conversation_id", evt.ConversationID)
	}
	if evt.RunID != "" {
		e = e.Str("run_id", evt.RunID)
	}
	if evt.TabID != "" {
		e = e.Str("tab_id", evt.TabID)
	}
	e.Interface("data", evt.Data).Msg("")

	if evt.Type == EventTypeLLM && l.llmLogPath != "" {
		data, err := json.Marshal(evt)
		if err != nil {
			l.Errorf("failed to marshal llm event: %v", err)
			return
		}
		l.writeToFile(data)
	}
}

func (l *Logger) Infof(format string, args ...any) {
	l.zl.Info().Msgf(format, args...)
}

func (l *Logger) Warnf(format string, args ...any) {
	l.zl.Warn().Msgf(format, args...)
}

func (l *Logger) Errorf(format string, args ...any) {
	l.zl.Error().Msgf(format, args...)
}

func (l *Logger) writeToFile(data []byte) {
	if err := os.MkdirAll(filepath.Dir(l.llmLogPath), 0755); err != nil {
		l.Errorf("failed to create log directory: %v", err)
		return
	}

	info, err := os.Stat(l.llmLogPath)
	if err == nil && info.Size() > l.maxSize {
		l.rotateLogs()
	}

	f, err := os.OpenFile(l.llmLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		l.Errorf("failed to open log file: %v", err)
		return
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		l.Errorf("failed to write to log file: %v", err)
	}
}

func (l *Logger) rotateLogs() {
	// Simple rotation: keep one .old file
	oldPath := l.llmLogPath + ".old"
	_ = os.Remove(oldPath)
	_ = os.Rename(l.llmLogPath, oldPath)
}

// Helper methods for common events

func (l *Logger) LogRecording(tabID, action string, steps int) {
	l.Log(Event{
		Type:  EventTypeRecording,
		TabID: tabID,
		Data:  map[string]any{"action": action, "steps": steps},
	})
}

func (l *Logger) LogStep(runID, stepID, stepType string, ok bool, errMsg string) {
	data := map[string]any{"step_id": stepID, "step_type": stepType, "success": ok}
	if errMsg != "" {
		data["error"] = errMsg
	}
	l.Log(Event{Type: EventTypeStep, RunID: runID, Data: data})
}

func (l *Logger) LogFlowRun(runID, flowID, cause, status string) {
	l.Log(Event{
		Type:  EventTypeFlowRun,
		RunID: runID,
		Data: map[string]string{
			"flow_id": flowID,
			"cause":   cause,
			"status":  status,
		},
	})
}

func (l *Logger) LogTrigger(tabID, kind, match, flowID string) {
	l.Log(Event{
		Type:  EventTypeTrigger,
		TabID: tabID,
		Data: map[string]string{
			"kind":    kind,
			"match":   match,
			"flow_id": flowID,
		},
	})
}

func (l *Logger) LogConversation(conversationID, phase, detail string) {
	l.Log(Event{
		Type:           EventTypeConversation,
		ConversationID: conversationID,
		Data:           map[string]string{"phase": phase, "detail": detail},
	})
}

func (l *Logger) LogHeartbeat() {
	l.Log(Event{
		Type: EventTypeHeartbeat,
		Data: map[string]string{"status": "alive"},
	})
}

func (l *Logger) LogLLM(conversationID string, prompt any, response string) {
	l.Log(Event{
		Type:           EventTypeLLM,
		ConversationID: conversationID,
		Data: map[string]any{
			"prompt":   prompt,
			"response": response,
		},
	})
}
