package llm

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPromptManager_BuiltinOrder(t *testing.T) {
	pm := NewPromptManager("")
	prompt, err := pm.SystemPrompt(KindConverse)
	if err != nil {
		t.Fatal(err)
	}

	identity := strings.Index(prompt, "browser macro recorder")
	format := strings.Index(prompt, "## Step format")
	converse := strings.Index(prompt, "## Conversation")
	if identity < 0 || format < 0 || converse < 0 {
		t.Fatalf("prompt missing a part:\n%s", prompt)
	}
	if !(identity < format && format < converse) {
		t.Error("expected identity, then step format, then conversation rules")
	}
}

func TestPromptManager_DirectoryOverrides(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"identity.md": "Custom Identity",
		"user.md":     "User Preferences",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	prompt, err := NewPromptManager(dir).SystemPrompt(KindReport)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(prompt, "browser macro recorder") {
		t.Error("built-in identity should be replaced")
	}
	for _, part := range []string{"Custom Identity", "## Report", "User Preferences"} {
		if !strings.Contains(prompt, part) {
			t.Errorf("Prompt missing expected part: %s", part)
		}
	}
	if strings.Index(prompt, "## Report") >= strings.Index(prompt, "User Preferences") {
		t.Error("user.md should come last")
	}
}

func TestPromptManager_UnknownKind(t *testing.T) {
	if _, err := NewPromptManager("").SystemPrompt("planner"); err == nil {
		t.Error("expected an error for an unknown kind")
	}
}
