package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const ExportVersion = 1

// ExportPayload is the portable form of the user's tasks, flows and
// triggers.
type ExportPayload struct {
	Version  int       `json:"version" yaml:"version"`
	Tasks    []Task    `json:"tasks" yaml:"tasks"`
	Flows    []Flow    `json:"flows" yaml:"flows"`
	Triggers []Trigger `json:"triggers" yaml:"triggers"`
}

type ImportMode string

const (
	ImportMerge   ImportMode = "merge"
	ImportReplace ImportMode = "replace"
)

func (r *Repository) Export(ctx context.Context) (*ExportPayload, error) {
	tasks, err := r.Tasks(ctx)
	if err != nil {
		return nil, err
	}
	flows, err := r.Flows(ctx)
	if err != nil {
		return nil, err
	}
	triggers, err := r.Triggers(ctx)
	if err != nil {
		return nil, err
	}
	return &ExportPayload{Version: ExportVersion, Tasks: tasks, Flows: flows, Triggers: triggers}, nil
}

// Import applies p. Merge is an id-keyed union where incoming records win;
// replace overwrites each collection with the payload's. Collections absent
// from the payload are treated as empty.
func (r *Repository) Import(ctx context.Context, p *ExportPayload, mode ImportMode) error {
	tasks, flows, triggers := p.Tasks, p.Flows, p.Triggers
	switch mode {
	case ImportReplace:
	case ImportMerge, "":
		existingTasks, err := r.Tasks(ctx)
		if err != nil {
			return err
		}
		existingFlows, err := r.Flows(ctx)
		if err != nil {
			return err
		}
		existingTriggers, err := r.Triggers(ctx)
		if err != nil {
			return err
		}
		tasks = mergeByID(existingTasks, tasks, func(x Task) string { return x.ID })
		flows = mergeByID(existingFlows, flows, func(x Flow) string { return x.ID })
		triggers = mergeByID(existingTriggers, triggers, func(x Trigger) string { return x.ID })
	default:
		return fmt.Errorf("unknown import mode %q", mode)
	}

	if tasks == nil {
		tasks = []Task{}
	}
	if flows == nil {
		flows = []Flow{}
	}
	if triggers == nil {
		triggers = []Trigger{}
	}
	if err := r.kv.Set(ctx, keyTasks, tasks); err != nil {
		return err
	}
	if err := r.kv.Set(ctx, keyFlows, flows); err != nil {
		return err
	}
	return r.kv.Set(ctx, keyTriggers, triggers)
}

func mergeByID[T any](existing, incoming []T, id func(T) string) []T {
	out := append([]T(nil), existing...)
	for _, it := range incoming {
		out = upsert(out, it, id)
	}
	return out
}

// Format picks the payload encoding from a file name: .yaml/.yml select
// YAML, anything else JSON.
func Format(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}

func EncodePayload(w io.Writer, p *ExportPayload, format string) error {
	if format == "yaml" {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(p); err != nil {
			return err
		}
		return enc.Close()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(p)
}

func DecodePayload(r io.Reader, format string) (*ExportPayload, error) {
	var p ExportPayload
	var err error
	if format == "yaml" {
		err = yaml.NewDecoder(r).Decode(&p)
	} else {
		err = json.NewDecoder(r).Decode(&p)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", format, err)
	}
	return &p, nil
}
