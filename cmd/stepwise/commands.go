package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rahul/stepwise/internal/app"
	"github.com/rahul/stepwise/internal/store"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "run <flow>",
		Short: "Open a tab and replay a flow on it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, _, err := openService(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer svc.Close()

			if _, err := svc.OpenTab(ctx, url); err != nil {
				return err
			}
			log, err := svc.RunFlow(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %s\n", log.FlowName, log.Status)
			for i, s := range log.Steps {
				line := fmt.Sprintf("  %d. %-18s %s", i+1, s.Type, s.Status)
				if s.Error != "" {
					line += " - " + s.Error
				}
				fmt.Fprintln(out, line)
			}
			if log.Status != store.StatusSuccess {
				return fmt.Errorf("flow %q did not succeed", log.FlowName)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "page to open before running (default: browser.start_url)")
	return cmd
}

func newDoCmd() *cobra.Command {
	var (
		url    string
		dryRun bool
		name   string
	)
	cmd := &cobra.Command{
		Use:   "do <instruction>",
		Short: "Let the assistant turn an instruction into steps and run them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, _, err := openService(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer svc.Close()

			tabID, err := svc.OpenTab(ctx, url)
			if err != nil {
				return err
			}
			instruction := strings.Join(args, " ")
			out := cmd.OutOrStdout()

			if dryRun {
				task, err := svc.Loop().GenerateTask(ctx, tabID, instruction, name)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Saved task %q with %d step(s) [%s]\n", task.Name, len(task.Steps), task.ID)
				return nil
			}

			res, err := svc.Loop().ExecuteInstruction(ctx, tabID, instruction)
			if err != nil {
				return err
			}
			for i, o := range res.Outcomes {
				line := fmt.Sprintf("  %d. %-18s ok", i+1, o.Step.Type)
				if !o.Result.Success {
					line = fmt.Sprintf("  %d. %-18s failed - %s", i+1, o.Step.Type, o.Result.Error)
				}
				fmt.Fprintln(out, line)
			}
			if res.Task != nil {
				fmt.Fprintf(out, "Saved task %q [%s]\n", res.Task.Name, res.Task.ID)
			}
			if res.Report != "" {
				fmt.Fprintln(out, res.Report)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "page to start from")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "only save the generated steps as a task")
	cmd.Flags().StringVar(&name, "name", "", "task name for --dry-run")
	return cmd
}

func newExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export [file]",
		Short: "Write tasks, flows and triggers as JSON or YAML (stdout when no file)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, _, err := openService(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer svc.Close()

			if len(args) == 0 {
				return svc.Export(ctx, cmd.OutOrStdout(), "json")
			}
			f, err := os.Create(args[0])
			if err != nil {
				return err
			}
			if err := svc.Export(ctx, f, store.Format(args[0])); err != nil {
				f.Close()
				return err
			}
			return f.Close()
		},
	}
}

func newImportCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Load tasks, flows and triggers from a JSON or YAML export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m := store.ImportMode(mode)
			if m != store.ImportMerge && m != store.ImportReplace {
				return fmt.Errorf("--mode must be merge or replace, got %q", mode)
			}
			ctx := cmd.Context()
			svc, _, err := openService(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer svc.Close()

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			if err := svc.Import(ctx, f, store.Format(args[0]), m); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %s (%s)\n", args[0], m)
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(store.ImportMerge), "merge or replace")
	return cmd
}

func newFlowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flow",
		Short: "Manage flows",
	}

	var (
		tasks    []string
		patterns []string
	)
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a flow from saved tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, _, err := openService(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer svc.Close()

			f, err := svc.CreateFlow(ctx, args[0], tasks, patterns)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created flow %q with %d task(s) [%s]\n", f.Name, len(f.TaskIDs), f.ID)
			return nil
		},
	}
	create.Flags().StringSliceVar(&tasks, "task", nil, "task name, id or list position (repeatable, in order)")
	create.Flags().StringSliceVar(&patterns, "auto-run", nil, "URL pattern that runs the flow on navigation")

	list := &cobra.Command{
		Use:   "list",
		Short: "List flows",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, _, err := openService(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer svc.Close()
			flows, err := svc.Flows(ctx)
			if err != nil {
				return err
			}
			printFlows(cmd.OutOrStdout(), flows)
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete <flow>",
		Short: "Delete a flow and its triggers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *app.Service) error {
				f, err := svc.DeleteFlow(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted flow %q\n", f.Name)
				return nil
			})
		},
	}

	cmd.AddCommand(create, list, del, flowToggle(true), flowToggle(false))
	return cmd
}

func flowToggle(enable bool) *cobra.Command {
	use, short := "disable <flow>", "Stop triggers from running a flow"
	if enable {
		use, short = "enable <flow>", "Let triggers run a flow again"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *app.Service) error {
				f, err := svc.SetFlowEnabled(ctx, args[0], enable)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Flow %q is %s\n", f.Name, enabledWord(f.Enabled))
				return nil
			})
		},
	}
}

func printFlows(w io.Writer, flows []store.Flow) {
	if len(flows) == 0 {
		fmt.Fprintln(w, "no flows")
		return
	}
	for _, f := range flows {
		fmt.Fprintf(w, "%s  %-24s %d task(s)  %s\n", f.ID, f.Name, len(f.TaskIDs), enabledWord(f.Enabled))
	}
}

func enabledWord(on bool) string {
	if on {
		return "enabled"
	}
	return "disabled"
}

// withService opens the service for one command and closes it afterwards.
func withService(cmd *cobra.Command, fn func(ctx context.Context, svc *app.Service) error) error {
	ctx := cmd.Context()
	svc, _, err := openService(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(ctx, svc)
}

func newTriggerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Manage triggers",
	}
	var url, shortcut string
	add := &cobra.Command{
		Use:   "add <flow>",
		Short: "Run a flow on matching navigations (--url) or a named command (--shortcut)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (url == "") == (shortcut == "") {
				return fmt.Errorf("pass exactly one of --url or --shortcut")
			}
			typ, value := store.TriggerURL, url
			if shortcut != "" {
				typ, value = store.TriggerShortcut, shortcut
			}
			ctx := cmd.Context()
			svc, _, err := openService(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer svc.Close()

			t, err := svc.AddTrigger(ctx, args[0], typ, value)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added %s trigger [%s]\n", t.Type, t.ID)
			return nil
		},
	}
	add.Flags().StringVar(&url, "url", "", "URL pattern (regular expression, or substring when invalid)")
	add.Flags().StringVar(&shortcut, "shortcut", "", "command name")

	list := &cobra.Command{
		Use:   "list",
		Short: "List triggers with their positions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *app.Service) error {
				triggers, err := svc.Triggers(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(triggers) == 0 {
					fmt.Fprintln(out, "no triggers")
				}
				for i, t := range triggers {
					value := t.URLPattern
					if t.Type == store.TriggerShortcut {
						value = t.Shortcut
					}
					fmt.Fprintf(out, "%d. %s  %-8s %-30q flow %s  %s\n", i+1, t.ID, t.Type, value, t.FlowID, enabledWord(t.Enabled))
				}
				return nil
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete <trigger>",
		Short: "Delete a trigger by id or list position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *app.Service) error {
				t, err := svc.DeleteTrigger(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s trigger [%s]\n", t.Type, t.ID)
				return nil
			})
		},
	}

	cmd.AddCommand(add, list, del, triggerToggle(true), triggerToggle(false))
	return cmd
}

func triggerToggle(enable bool) *cobra.Command {
	use := "disable <trigger>"
	if enable {
		use = "enable <trigger>"
	}
	return &cobra.Command{
		Use:   use,
		Short: "Switch a trigger on or off (by id or list position)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *app.Service) error {
				t, err := svc.SetTriggerEnabled(ctx, args[0], enable)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Trigger [%s] is %s\n", t.ID, enabledWord(t.Enabled))
				return nil
			})
		},
	}
}

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage recorded tasks",
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List tasks with their positions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *app.Service) error {
				tasks, err := svc.Tasks(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(tasks) == 0 {
					fmt.Fprintln(out, "no tasks")
				}
				for i, t := range tasks {
					fmt.Fprintf(out, "%d. %s  %-24s %d step(s)\n", i+1, t.ID, t.Name, len(t.Steps))
				}
				return nil
			})
		},
	}
	del := &cobra.Command{
		Use:   "delete <task>",
		Short: "Delete a task by name, id or list position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *app.Service) error {
				t, err := svc.DeleteTask(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted task %q\n", t.Name)
				return nil
			})
		},
	}
	cmd.AddCommand(list, del)
	return cmd
}

func newLLMCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "llm",
		Short: "Show or change the assistant's LLM provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *app.Service) error {
				s, err := svc.LLMSettings(ctx)
				if err != nil {
					return err
				}
				if s == nil {
					fmt.Fprintln(cmd.OutOrStdout(), "not configured")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", s.Provider, s.Model, enabledWord(s.Enabled))
				return nil
			})
		},
	}

	var settings store.LLMSettings
	set := &cobra.Command{
		Use:   "set <provider> <model>",
		Short: "Save and enable provider settings (openai, openrouter, anthropic, ollama)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings.Enabled, settings.Provider, settings.Model = true, args[0], args[1]
			if settings.APIKey == "" {
				settings.APIKey = os.Getenv("STEPWISE_LLM_API_KEY")
			}
			return withService(cmd, func(ctx context.Context, svc *app.Service) error {
				if err := svc.SetLLMSettings(ctx, settings); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Assistant set to %s %s\n", strings.ToLower(settings.Provider), settings.Model)
				return nil
			})
		},
	}
	set.Flags().StringVar(&settings.APIKey, "api-key", "", "provider API key (default: $STEPWISE_LLM_API_KEY)")
	set.Flags().StringVar(&settings.BaseURL, "base-url", "", "custom endpoint")

	off := &cobra.Command{
		Use:   "off",
		Short: "Disable the assistant, keeping the saved settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *app.Service) error {
				s, err := svc.LLMSettings(ctx)
				if err != nil {
					return err
				}
				next := store.LLMSettings{}
				if s != nil {
					next = *s
				}
				next.Enabled = false
				if err := svc.SetLLMSettings(ctx, next); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Assistant disabled")
				return nil
			})
		},
	}
	cmd.AddCommand(set, off)
	return cmd
}
