package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"
)

// ScriptedModel is an llms.Model that answers with canned replies in order
// and keeps every request it received.
type ScriptedModel struct {
	mu       sync.Mutex
	Replies  []string
	Err      error
	requests [][]llms.MessageContent
}

func NewScriptedModel(replies ...string) *ScriptedModel {
	return &ScriptedModel{Replies: replies}
}

func (m *ScriptedModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, messages)
	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.Replies) == 0 {
		return nil, errors.New("scripted model: no reply left")
	}
	reply := m.Replies[0]
	m.Replies = m.Replies[1:]
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: reply}}}, nil
}

func (m *ScriptedModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	resp, err := m.GenerateContent(ctx, []llms.MessageContent{llms.TextParts(schema.ChatMessageTypeHuman, prompt)}, options...)
	if err != nil {
		return "", err
	}
	return resp.Choices[0].Content, nil
}

// Requests returns the message lists received so far.
func (m *ScriptedModel) Requests() [][]llms.MessageContent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]llms.MessageContent(nil), m.requests...)
}

// LastUserText returns the text of the final message of request i.
func (m *ScriptedModel) LastUserText(i int) string {
	reqs := m.Requests()
	if i >= len(reqs) || len(reqs[i]) == 0 {
		return ""
	}
	var out string
	for _, p := range reqs[i][len(reqs[i])-1].Parts {
		if t, ok := p.(llms.TextContent); ok {
			out += t.Text
		}
	}
	return out
}
