// Package flow replays flows: it flattens the referenced tasks into one
// step sequence and runs it against a tab, halting at the first failure.
package flow

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rahul/stepwise/internal/executor"
	"github.com/rahul/stepwise/internal/fault"
	"github.com/rahul/stepwise/internal/observability"
	"github.com/rahul/stepwise/internal/store"
)

// Tabs resolves tab identities to pages.
type Tabs interface {
	// ActiveTab returns the currently focused tab, or a NoActiveTab error.
	ActiveTab(ctx context.Context) (string, error)
	// Page returns the page for tabID. An error means the tab cannot be
	// reached.
	Page(ctx context.Context, tabID string) (executor.Page, error)
}

// StepExecutor is satisfied by *executor.Executor.
type StepExecutor interface {
	Execute(ctx context.Context, step store.Step, page executor.Page) executor.Result
}

type Runner struct {
	repo   *store.Repository
	tabs   Tabs
	exec   StepExecutor
	logger *observability.Logger
	wg     sync.WaitGroup
}

func NewRunner(repo *store.Repository, tabs Tabs, exec StepExecutor, logger *observability.Logger) *Runner {
	return &Runner{repo: repo, tabs: tabs, exec: exec, logger: observability.OrNop(logger)}
}

type plannedStep struct {
	taskID string
	step   store.Step
}

// flatten flattens the flow's task references in order. A reference to a
// task that no longer exists contributes nothing.
func (r *Runner) flatten(ctx context.Context, f *store.Flow) ([]plannedStep, error) {
	tasks, err := r.repo.Tasks(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*store.Task, len(tasks))
	for i := range tasks {
		byID[tasks[i].ID] = &tasks[i]
	}
	var out []plannedStep
	for _, id := range f.TaskIDs {
		t, ok := byID[id]
		if !ok {
			continue
		}
		for _, s := range t.Steps {
			out = append(out, plannedStep{taskID: t.ID, step: s})
		}
	}
	return out, nil
}

// Run replays flowID on tabID, or on the active tab when tabID is empty.
// The returned log is already persisted. Errors are returned only when no
// run could be started: unknown flow, no tab, or storage failure while
// creating the log.
func (r *Runner) Run(ctx context.Context, flowID, tabID string, cause store.RunCause) (*store.FlowRunLog, error) {
	f, err := r.repo.Flow(ctx, flowID)
	if err != nil {
		return nil, err
	}
	steps, err := r.flatten(ctx, f)
	if err != nil {
		return nil, err
	}
	if tabID == "" {
		tabID, err = r.tabs.ActiveTab(ctx)
		if err != nil {
			return nil, fault.Wrap(fault.NoActiveTab, err, "no tab to run %q on", f.Name)
		}
		if tabID == "" {
			return nil, fault.New(fault.NoActiveTab, "no tab to run %q on", f.Name)
		}
	}

	log := &store.FlowRunLog{
		ID:          uuid.NewString(),
		FlowID:      f.ID,
		FlowName:    f.Name,
		TabID:       tabID,
		TriggeredBy: cause,
		StartedAt:   r.repo.Now(),
		Status:      store.StatusPartial,
		Steps:       []store.StepRunLog{},
	}
	if err := r.repo.SaveLog(ctx, log); err != nil {
		return nil, err
	}

	observability.BeginRun(f.Name)
	status := r.replay(ctx, log, steps)
	observability.EndRun(status == store.StatusSuccess)

	log.Finalize(status, r.repo.Now())
	r.logger.LogFlowRun(log.ID, f.ID, string(cause), string(status))
	if err := r.repo.SaveLog(ctx, log); err != nil {
		r.logger.Errorf("flow %s: persist final log: %v", f.Name, err)
	}
	return log, nil
}

func (r *Runner) replay(ctx context.Context, log *store.FlowRunLog, steps []plannedStep) store.RunStatus {
	for _, ps := range steps {
		entry := store.StepRunLog{
			StepID: ps.step.ID,
			TaskID: ps.taskID,
			Type:   ps.step.Type,
			Status: store.StatusSuccess,
		}

		page, err := r.tabs.Page(ctx, log.TabID)
		if err != nil {
			entry.Status = store.StatusFailed
			entry.Error = err.Error()
		} else if res := r.exec.Execute(ctx, ps.step, page); !res.Success {
			entry.Status = store.StatusFailed
			entry.Error = res.Error
		}
		entry.Executed = r.repo.Now()

		log.Append(entry)
		r.logger.LogStep(log.ID, entry.StepID, string(entry.Type), entry.Status == store.StatusSuccess, entry.Error)
		if err := r.repo.SaveLog(ctx, log); err != nil {
			r.logger.Warnf("flow %s: persist step log: %v", log.FlowName, err)
		}
		if entry.Status == store.StatusFailed {
			return store.StatusFailed
		}
	}
	return store.StatusSuccess
}

// RunAsync starts Run in the background. Failures end up in the run log
// and the process log only.
func (r *Runner) RunAsync(ctx context.Context, flowID, tabID string, cause store.RunCause) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if _, err := r.Run(context.WithoutCancel(ctx), flowID, tabID, cause); err != nil {
			r.logger.Warnf("auto-run of flow %s (%s) did not start: %v", flowID, cause, err)
		}
	}()
}

// Wait blocks until every RunAsync call has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Resolve finds a flow by id or name.
func (r *Runner) Resolve(ctx context.Context, ref string) (*store.Flow, error) {
	return r.repo.FlowByName(ctx, strings.TrimSpace(ref))
}
