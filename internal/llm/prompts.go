package llm

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

//go:embed prompts/*.md
var builtinPrompts embed.FS

// Prompt kinds. Each kind is assembled from a fixed list of files.
const (
	KindSteps    = "steps"
	KindConverse = "converse"
	KindReport   = "report"
)

var promptParts = map[string][]string{
	KindSteps:    {"identity.md", "steps.md", "user.md"},
	KindConverse: {"identity.md", "steps.md", "converse.md", "user.md"},
	KindReport:   {"identity.md", "report.md", "user.md"},
}

// PromptManager assembles system prompts. Files in Directory override the
// built-in ones by name; user.md only ever comes from Directory.
type PromptManager struct {
	Directory string
}

func NewPromptManager(dir string) *PromptManager {
	return &PromptManager{Directory: dir}
}

func (pm *PromptManager) read(name string) (string, bool, error) {
	if pm.Directory != "" {
		data, err := os.ReadFile(filepath.Join(pm.Directory, name))
		if err == nil {
			return string(data), true, nil
		}
		if !os.IsNotExist(err) {
			return "", false, fmt.Errorf("failed to read prompt %s: %w", name, err)
		}
	}
	data, err := fs.ReadFile(builtinPrompts, "prompts/"+name)
	if err != nil {
		return "", false, nil
	}
	return string(data), true, nil
}

// SystemPrompt returns the prompt for kind, parts joined in order.
func (pm *PromptManager) SystemPrompt(kind string) (string, error) {
	parts, ok := promptParts[kind]
	if !ok {
		return "", fmt.Errorf("unknown prompt kind %q", kind)
	}
	var contents []string
	for _, name := range parts {
		text, found, err := pm.read(name)
		if err != nil {
			return "", err
		}
		if found && strings.TrimSpace(text) != "" {
			contents = append(contents, strings.TrimSpace(text))
		}
	}
	if len(contents) == 0 {
		return "", fmt.Errorf("no prompt files found for %s", kind)
	}
	return strings.Join(contents, "\n\n---\n\n"), nil
}
