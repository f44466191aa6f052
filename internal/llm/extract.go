package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/rahul/stepwise/internal/fault"
	"github.com/rahul/stepwise/internal/locator"
	"github.com/rahul/stepwise/internal/store"
)

type ActionKind string

const (
	ActionExecute ActionKind = "execute"
	ActionReport  ActionKind = "report"
)

// Action is the structured part of a conversational reply.
type Action struct {
	Kind    ActionKind
	Steps   []store.Step
	Content string
}

// wireStep is the step shape models are asked to produce. Both a plain
// selector and a full locator object are accepted.
type wireStep struct {
	Type         string           `json:"type"`
	Selector     string           `json:"selector,omitempty"`
	XPath        string           `json:"xpath,omitempty"`
	Locator      *locator.Locator `json:"locator,omitempty"`
	Value        any              `json:"value,omitempty"`
	WaitBeforeMs int              `json:"waitBeforeMs,omitempty"`
	Script       string           `json:"script,omitempty"`
}

type wireAction struct {
	Action  string     `json:"action"`
	Steps   []wireStep `json:"steps"`
	Content string     `json:"content"`
}

var fencedBlock = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*\\n?(.*?)```")

// fragment locates the embedded structured part of text: a fenced code
// block when present, otherwise the first balanced {...} or [...] run.
// It also returns the byte range the fragment occupies in text.
func fragment(text string) (string, int, int, bool) {
	if m := fencedBlock.FindStringSubmatchIndex(text); m != nil {
		body := strings.TrimSpace(text[m[2]:m[3]])
		if strings.HasPrefix(body, "{") || strings.HasPrefix(body, "[") {
			return body, m[0], m[1], true
		}
	}
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return "", 0, 0, false
	}
	end := balanced(text, start)
	return text[start:end], start, end, true
}

// balanced returns the end of the bracketed run opening at text[start].
// An unbalanced run extends to the end of text so the repairer sees it.
func balanced(text string, start int) int {
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return len(text)
}

// decode unmarshals raw into out, repairing it first when it is not valid
// JSON.
func decode(raw string, out any) error {
	if err := json.Unmarshal([]byte(raw), out); err == nil {
		return nil
	}
	fixed, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return fault.Wrap(fault.MalformedLlmOutput, err, "structured output could not be repaired")
	}
	if err := json.Unmarshal([]byte(fixed), out); err != nil {
		return fault.Wrap(fault.MalformedLlmOutput, err, "structured output is not valid")
	}
	return nil
}

// ParseSteps reads a step list from raw model output. The list may be bare
// or wrapped as {"steps": [...]}.
func ParseSteps(raw string) ([]store.Step, error) {
	frag, _, _, ok := fragment(raw)
	if !ok {
		return nil, fault.New(fault.MalformedLlmOutput, "no step list found in model output")
	}
	var wire []wireStep
	if strings.HasPrefix(frag, "[") {
		if err := decode(frag, &wire); err != nil {
			return nil, err
		}
	} else {
		var wrapped wireAction
		if err := decode(frag, &wrapped); err != nil {
			return nil, err
		}
		wire = wrapped.Steps
	}
	if len(wire) == 0 {
		return nil, fault.New(fault.MalformedLlmOutput, "model returned no steps")
	}
	return convertSteps(wire), nil
}

// ExtractAction finds the structured action in a conversational reply. It
// returns nil without error when the reply carries none, and the remaining
// prose with the fragment cut out. A fenced block is tried first, then every
// {...} run in order until one names a known action, so brackets in the
// surrounding prose are skipped.
func ExtractAction(text string) (*Action, string, error) {
	var firstErr error
	try := func(frag string, start, end int) (*Action, string, bool) {
		var wire wireAction
		if err := decode(frag, &wire); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return nil, "", false
		}
		prose := strings.TrimSpace(text[:start] + text[end:])
		switch ActionKind(strings.ToLower(wire.Action)) {
		case ActionExecute:
			if len(wire.Steps) == 0 {
				return nil, prose, true
			}
			return &Action{Kind: ActionExecute, Steps: convertSteps(wire.Steps)}, prose, true
		case ActionReport:
			return &Action{Kind: ActionReport, Content: wire.Content}, prose, true
		}
		return nil, "", false
	}

	if m := fencedBlock.FindStringSubmatchIndex(text); m != nil {
		if body := strings.TrimSpace(text[m[2]:m[3]]); strings.HasPrefix(body, "{") {
			if action, prose, ok := try(body, m[0], m[1]); ok {
				return action, prose, nil
			}
		}
	}
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		end := balanced(text, i)
		if action, prose, ok := try(text[i:end], i, end); ok {
			return action, prose, nil
		}
	}
	return nil, strings.TrimSpace(text), firstErr
}

func convertSteps(wire []wireStep) []store.Step {
	steps := make([]store.Step, 0, len(wire))
	for _, w := range wire {
		s := store.Step{
			Type:         store.StepType(strings.ToLower(strings.TrimSpace(w.Type))),
			WaitBeforeMs: max(w.WaitBeforeMs, 0),
		}
		switch {
		case w.Locator != nil && (w.Locator.Primary != "" || w.Locator.Fallback != ""):
			loc := *w.Locator
			s.Locator = &loc
		case w.Selector != "" || w.XPath != "":
			s.Locator = &locator.Locator{Primary: w.Selector, Fallback: w.XPath}
		}
		if w.Value != nil {
			s.Value = fmt.Sprint(w.Value)
		}
		if w.Script != "" {
			s.Annotate(store.MetaScript, w.Script)
		}
		steps = append(steps, s)
	}
	return steps
}
