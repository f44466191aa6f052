// Package llm is the language-model collaborator: it turns instructions
// into step lists, holds a conversation about the current page, and writes
// reports from page text. Prompting and parsing live here; executing what
// comes back does not.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rahul/stepwise/internal/fault"
	"github.com/rahul/stepwise/internal/observability"
	"github.com/rahul/stepwise/internal/pagedom"
	"github.com/rahul/stepwise/internal/store"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"
)

const (
	maxHistoryMessages = 20
	defaultTemperature = 0.2
)

// Reply is the result of one conversational turn. Action is nil for a
// plain reply.
type Reply struct {
	Text   string
	Action *Action
}

type Client struct {
	model   llms.Model
	prompts *PromptManager
	logger  *observability.Logger
}

func NewClient(model llms.Model, prompts *PromptManager, logger *observability.Logger) *Client {
	if prompts == nil {
		prompts = NewPromptManager("")
	}
	return &Client{model: model, prompts: prompts, logger: observability.OrNop(logger)}
}

// GenerateSteps asks for a step list for instruction and returns the raw
// model text. ParseSteps turns it into steps.
func (c *Client) GenerateSteps(ctx context.Context, instruction, url string, dom pagedom.DomInfo) (string, error) {
	msgs, err := c.system(KindSteps)
	if err != nil {
		return "", err
	}
	msgs = append(msgs, human(pageContext(url, dom)+"\n\nInstruction: "+instruction))
	return c.complete(ctx, "", msgs)
}

// Converse runs one conversational turn. A reply whose structured part
// cannot be read degrades to a plain reply.
func (c *Client) Converse(ctx context.Context, conversationID, message string, history []store.Message, url string, dom pagedom.DomInfo) (*Reply, error) {
	msgs, err := c.system(KindConverse)
	if err != nil {
		return nil, err
	}
	if len(history) > maxHistoryMessages {
		history = history[len(history)-maxHistoryMessages:]
	}
	for _, m := range history {
		if m.Role == store.RoleAssistant {
			msgs = append(msgs, llms.MessageContent{Role: schema.ChatMessageTypeAI, Parts: []llms.ContentPart{llms.TextPart(m.Content)}})
		} else {
			msgs = append(msgs, human(m.Content))
		}
	}
	msgs = append(msgs, human(pageContext(url, dom)+"\n\n"+message))

	text, err := c.complete(ctx, conversationID, msgs)
	if err != nil {
		return nil, err
	}
	action, prose, err := ExtractAction(text)
	if err != nil {
		c.logger.Warnf("conversation %s: %v", conversationID, err)
		return &Reply{Text: strings.TrimSpace(text)}, nil
	}
	reply := &Reply{Text: prose, Action: action}
	if reply.Text == "" && action != nil && action.Kind == ActionExecute {
		reply.Text = fmt.Sprintf("Running %d step(s).", len(action.Steps))
	}
	return reply, nil
}

// Report writes report content for instruction from the page text.
func (c *Client) Report(ctx context.Context, conversationID, instruction string, content pagedom.PageContent) (string, error) {
	msgs, err := c.system(KindReport)
	if err != nil {
		return "", err
	}
	msgs = append(msgs, human(fmt.Sprintf("Request: %s\n\nPage: %s (%s)\n\nVisible text:\n%s",
		instruction, content.Title, content.URL, content.Text)))
	text, err := c.complete(ctx, conversationID, msgs)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

func (c *Client) system(kind string) ([]llms.MessageContent, error) {
	prompt, err := c.prompts.SystemPrompt(kind)
	if err != nil {
		return nil, err
	}
	return []llms.MessageContent{{
		Role:  schema.ChatMessageTypeSystem,
		Parts: []llms.ContentPart{llms.TextPart(prompt)},
	}}, nil
}

func (c *Client) complete(ctx context.Context, conversationID string, msgs []llms.MessageContent) (string, error) {
	resp, err := c.model.GenerateContent(ctx, msgs, llms.WithTemperature(defaultTemperature))
	if err != nil {
		return "", classify(err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", fault.New(fault.MalformedLlmOutput, "model returned no choices")
	}
	text := resp.Choices[0].Content
	c.logger.LogLLM(conversationID, lastText(msgs), text)
	return text, nil
}

// classify maps provider errors onto fault codes. Providers report auth
// failures only through the message text.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"401", "unauthorized", "invalid api key", "incorrect api key", "invalid_api_key", "authentication"} {
		if strings.Contains(msg, marker) {
			return fault.Wrap(fault.LlmUnauthorized, err, "the model provider rejected the API key")
		}
	}
	return fault.Wrap(fault.ExecutionError, err, "model request failed")
}

func human(text string) llms.MessageContent {
	return llms.MessageContent{Role: schema.ChatMessageTypeHuman, Parts: []llms.ContentPart{llms.TextPart(text)}}
}

func pageContext(url string, dom pagedom.DomInfo) string {
	summary, err := json.Marshal(dom)
	if err != nil {
		summary = []byte("{}")
	}
	return fmt.Sprintf("Current URL: %s\nPage summary: %s", url, summary)
}

func lastText(msgs []llms.MessageContent) string {
	if len(msgs) == 0 {
		return ""
	}
	var b strings.Builder
	for _, p := range msgs[len(msgs)-1].Parts {
		if t, ok := p.(llms.TextContent); ok {
			b.WriteString(t.Text)
		}
	}
	return b.String()
}
